package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cocode/cocode/internal/observability"
	"github.com/cocode/cocode/pkg/models"
)

// ExecutorConfig configures the parallel tool executor behavior including
// concurrency limits, timeouts, and retry strategies.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout is the default timeout for tool execution
	// Default: 30s
	DefaultTimeout time.Duration

	// DefaultRetries is the default number of retries for retryable errors
	// Default: 2
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig holds per-tool configuration overrides for timeout, retry, and priority settings.
type ToolConfig struct {
	// Timeout overrides the default timeout for this tool
	Timeout time.Duration

	// Retries overrides the default retries for this tool
	Retries int

	// RetryBackoff overrides the initial backoff for this tool
	RetryBackoff time.Duration

	// Priority affects execution order (higher = first)
	// Default: 0
	Priority int
}

// EventCallback is a non-blocking callback invoked for tool lifecycle events
// during execution.
type EventCallback func(*models.RuntimeEvent)

// Executor runs batches of tool calls concurrently against a ToolRegistry,
// driving each call's ToolCallStatus state machine (pending -> running ->
// terminal) and emitting RuntimeEvents for lifecycle observability. It
// provides concurrency limiting via a semaphore, per-tool timeout/retry
// overrides, and panic recovery so a misbehaving tool cannot take down the
// loop goroutine.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex

	sem chan struct{}

	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks executor performance metrics including execution counts,
// retries, failures, timeouts, and panics.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a new parallel tool executor with the given registry and configuration.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}

	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
		metrics:    &ExecutorMetrics{},
	}
}

// ConfigureTool sets per-tool configuration overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tc, ok := e.toolConfig[name]; ok {
		return tc
	}
	return nil
}

// ExecutionResult holds timing/retry metadata for one tool call; the call's
// Status/Output/IsError are mutated directly on the *models.ToolCall.
type ExecutionResult struct {
	ToolCall *models.ToolCall
	Duration time.Duration
	Attempts int
}

// ExecuteAll executes multiple tool calls in parallel with concurrency
// limits, mutating each call's status/output in place. Results are returned
// in the same order as the input calls. emit may be nil.
func (e *Executor) ExecuteAll(ctx context.Context, calls []*models.ToolCall, emit EventCallback) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc *models.ToolCall) {
			defer wg.Done()
			results[idx] = e.execute(ctx, tc, emit)
		}(i, call)
	}

	wg.Wait()
	return results
}

// execute runs a single tool call with retry logic, timeout handling, and
// event emission. It acquires a semaphore slot for backpressure control.
func (e *Executor) execute(ctx context.Context, call *models.ToolCall, emit EventCallback) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCall: call}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.abort(call, ctx.Err())
		result.Duration = time.Since(start)
		return result
	}

	tc := e.getToolConfig(call.Name)
	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	if tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			maxRetries = tc.Retries
		}
		if tc.RetryBackoff > 0 {
			backoff = tc.RetryBackoff
		}
	}

	if err := call.Transition(models.ToolCallRunning); err != nil {
		result.Duration = time.Since(start)
		return result
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		if emit != nil {
			emit(models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).WithMeta("attempt", attempt+1))
		}

		toolCtx, cancel := context.WithTimeout(ctx, timeout)
		toolCtx = observability.AddToolCallID(toolCtx, call.ID)
		output, timedOut, execErr := e.executeWithTimeout(toolCtx, call, timeout)
		cancel()

		if execErr == nil {
			call.Output = output
			call.IsError = false
			_ = call.Transition(models.ToolCallSuccess)
			result.Duration = time.Since(start)

			e.metrics.mu.Lock()
			e.metrics.TotalExecutions++
			if attempt > 0 {
				e.metrics.TotalRetries += int64(attempt)
			}
			e.metrics.mu.Unlock()

			if emit != nil {
				emit(models.NewToolEvent(models.EventToolCompleted, call.Name, call.ID).
					WithMeta("duration_ms", result.Duration.Milliseconds()))
			}
			return result
		}

		lastErr = execErr

		if emit != nil {
			eventType := models.EventToolFailed
			if timedOut {
				eventType = models.EventToolTimeout
			}
			emit(models.NewToolEvent(eventType, call.Name, call.ID).
				WithMeta("attempt", attempt+1).
				WithMeta("retrying", attempt < maxRetries))
		}

		if !IsToolRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleepDuration := backoff * time.Duration(1<<uint(attempt))
		if sleepDuration > e.config.MaxRetryBackoff {
			sleepDuration = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleepDuration):
		case <-ctx.Done():
			lastErr = NewToolError(call.Name, ctx.Err()).WithType(ToolErrorTimeout).WithToolCallID(call.ID)
		}
	}

	call.Output = &models.ToolResultContent{Text: lastErr.Error()}
	call.IsError = true
	_ = call.Transition(models.ToolCallFailed)
	result.Duration = time.Since(start)

	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if toolErr, ok := GetToolError(lastErr); ok {
		if toolErr.Type == ToolErrorTimeout {
			e.metrics.TotalTimeouts++
		} else if toolErr.Type == ToolErrorPanic {
			e.metrics.TotalPanics++
		}
	}
	e.metrics.mu.Unlock()

	return result
}

// abort marks a tool call aborted without ever starting it, used when the
// semaphore could not be acquired before ctx was cancelled.
func (e *Executor) abort(call *models.ToolCall, cause error) {
	call.AbortReason = models.AbortCancelledByParent
	call.IsError = true
	call.Output = &models.ToolResultContent{Text: "execution cancelled before start: " + cause.Error()}
	_ = call.Transition(models.ToolCallAborted)
}

// executeWithTimeout runs a single registry lookup with timeout and panic
// recovery, reporting whether the failure was a timeout specifically.
func (e *Executor) executeWithTimeout(ctx context.Context, call *models.ToolCall, timeout time.Duration) (*models.ToolResultContent, bool, error) {
	type execResult struct {
		output *models.ToolResultContent
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				select {
				case resultCh <- execResult{err: err}:
				default:
				}
			}
		}()

		output, err := e.registry.Execute(ctx, call.Name, call.Args)
		select {
		case resultCh <- execResult{output: output, err: err}:
		default:
			runID := observability.GetRunID(ctx)
			sessionID := observability.GetSessionID(ctx)
			slog.Warn("tool execution completed after timeout, result discarded",
				"tool", call.Name, "tool_call_id", call.ID, "run_id", runID, "session_id", sessionID)
		}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, false, NewToolError(call.Name, res.err).WithToolCallID(call.ID)
		}
		return res.output, false, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, true, NewToolError(call.Name, ErrToolTimeout).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
		}
		return nil, false, NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage("context cancelled")
	}
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a thread-safe copy of executor metrics at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// AnyErrors returns true if any tool call in the batch ended in error.
func AnyErrors(calls []*models.ToolCall) bool {
	for _, c := range calls {
		if c.IsError {
			return true
		}
	}
	return false
}
