package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cocode/cocode/internal/providers"
)

// failingAdapter always fails with the given error.
type failingAdapter struct {
	name      string
	err       error
	callCount atomic.Int32
}

func (p *failingAdapter) Name() string { return p.name }
func (p *failingAdapter) Capabilities(string) providers.Capabilities {
	return providers.Capabilities{SupportsTools: true}
}
func (p *failingAdapter) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamEvent, error) {
	p.callCount.Add(1)
	return nil, p.err
}

// successAdapter always succeeds.
type successAdapter struct {
	name      string
	callCount atomic.Int32
}

func (p *successAdapter) Name() string { return p.name }
func (p *successAdapter) Capabilities(string) providers.Capabilities {
	return providers.Capabilities{SupportsTools: true}
}
func (p *successAdapter) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamEvent, error) {
	p.callCount.Add(1)
	ch := make(chan providers.StreamEvent, 2)
	ch <- providers.StreamEvent{Type: providers.StreamTextDelta, TextDelta: "ok"}
	ch <- providers.StreamEvent{Type: providers.StreamMessageDone}
	close(ch)
	return ch, nil
}

func TestFailoverOrchestrator_PrimarySuccess(t *testing.T) {
	primary := &successAdapter{name: "primary"}
	secondary := &successAdapter{name: "secondary"}

	orch := NewFailoverOrchestrator(primary, "model-a", nil)
	orch.AddFallback(secondary, "model-b")

	ch, err := orch.Stream(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}

	if primary.callCount.Load() != 1 {
		t.Errorf("primary call count = %d, want 1", primary.callCount.Load())
	}
	if secondary.callCount.Load() != 0 {
		t.Errorf("secondary should not be called")
	}
}

func TestFailoverOrchestrator_FailoverOnError(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("billing: quota exceeded")}
	secondary := &successAdapter{name: "secondary"}

	config := DefaultFailoverConfig()
	config.MaxRetries = 0

	orch := NewFailoverOrchestrator(primary, "model-a", config)
	orch.AddFallback(secondary, "model-b")

	ch, err := orch.Stream(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("expected failover to succeed, got error: %v", err)
	}
	for range ch {
	}

	if secondary.callCount.Load() != 1 {
		t.Errorf("secondary call count = %d, want 1", secondary.callCount.Load())
	}
}

func TestFailoverOrchestrator_RetryOnTransientError(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("503 service unavailable")}

	config := DefaultFailoverConfig()
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond

	orch := NewFailoverOrchestrator(primary, "model-a", config)

	_, err := orch.Stream(context.Background(), &providers.Request{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if primary.callCount.Load() != 3 {
		t.Errorf("call count = %d, want 3 (1 + 2 retries)", primary.callCount.Load())
	}
}

func TestFailoverOrchestrator_NoRetryOnNonRetriable(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("400 invalid request: bad schema")}

	config := DefaultFailoverConfig()
	config.MaxRetries = 3

	orch := NewFailoverOrchestrator(primary, "model-a", config)

	_, err := orch.Stream(context.Background(), &providers.Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if primary.callCount.Load() != 1 {
		t.Errorf("call count = %d, want 1 (no retry on non-retriable error)", primary.callCount.Load())
	}
}

func TestFailoverOrchestrator_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("500 internal server error")}
	secondary := &successAdapter{name: "secondary"}

	config := DefaultFailoverConfig()
	config.MaxRetries = 0
	config.CircuitBreakerThreshold = 2
	config.CircuitBreakerTimeout = time.Hour

	orch := NewFailoverOrchestrator(primary, "model-a", config)
	orch.AddFallback(secondary, "model-b")

	for i := 0; i < 2; i++ {
		ch, err := orch.Stream(context.Background(), &providers.Request{})
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		for range ch {
		}
	}

	states := orch.ProviderStates()
	var primaryOpen bool
	for _, s := range states {
		if s.Name == targetKey(primary, "model-a") && s.CircuitOpen {
			primaryOpen = true
		}
	}
	if !primaryOpen {
		t.Error("expected primary circuit to be open after threshold failures")
	}

	// A third call should skip the open-circuit primary and go straight to secondary.
	ch, err := orch.Stream(context.Background(), &providers.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}
	if primary.callCount.Load() != 2 {
		t.Errorf("primary call count = %d, want 2 (circuit should skip 3rd call)", primary.callCount.Load())
	}
}

func TestFailoverOrchestrator_ResetCircuitBreaker(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("500 internal server error")}
	config := DefaultFailoverConfig()
	config.MaxRetries = 0
	config.CircuitBreakerThreshold = 1

	orch := NewFailoverOrchestrator(primary, "model-a", config)
	orch.Stream(context.Background(), &providers.Request{})

	key := targetKey(primary, "model-a")
	orch.ResetCircuitBreaker(key)

	for _, s := range orch.ProviderStates() {
		if s.Name == key && s.CircuitOpen {
			t.Error("expected circuit to be closed after reset")
		}
	}
}

func TestFailoverOrchestrator_AllTargetsFail(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("500 internal server error")}
	secondary := &failingAdapter{name: "secondary", err: errors.New("503 service unavailable")}

	config := DefaultFailoverConfig()
	config.MaxRetries = 0

	orch := NewFailoverOrchestrator(primary, "model-a", config)
	orch.AddFallback(secondary, "model-b")

	_, err := orch.Stream(context.Background(), &providers.Request{})
	if err == nil {
		t.Fatal("expected error when all targets fail")
	}
}

func TestFailoverOrchestrator_Metrics(t *testing.T) {
	primary := &failingAdapter{name: "primary", err: errors.New("billing: quota exceeded")}
	secondary := &successAdapter{name: "secondary"}

	config := DefaultFailoverConfig()
	config.MaxRetries = 0

	orch := NewFailoverOrchestrator(primary, "model-a", config)
	orch.AddFallback(secondary, "model-b")

	ch, _ := orch.Stream(context.Background(), &providers.Request{})
	for range ch {
	}

	m := orch.Metrics()
	if m.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", m.TotalRequests)
	}
	if m.TotalFailovers != 1 {
		t.Errorf("TotalFailovers = %d, want 1", m.TotalFailovers)
	}
}

func TestFailoverOrchestrator_Name(t *testing.T) {
	orch := NewFailoverOrchestrator(&successAdapter{name: "primary"}, "model-a", nil)
	if orch.Name() != "failover:primary" {
		t.Errorf("Name() = %q", orch.Name())
	}
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"request timeout", "timeout"},
		{"429 too many requests", "rate_limit"},
		{"401 unauthorized", "auth"},
		{"quota exceeded: billing", "billing"},
		{"model not found", "model_unavailable"},
		{"500 internal server error", "server_error"},
		{"400 bad request: invalid field", "invalid_request"},
		{"something unexpected", "unknown"},
	}
	for _, tt := range tests {
		if got := classifyProviderError(errors.New(tt.err)); got != tt.want {
			t.Errorf("classifyProviderError(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsProviderRetryable(t *testing.T) {
	if !isProviderRetryable(errors.New("rate limit exceeded")) {
		t.Error("rate limit should be retryable")
	}
	if isProviderRetryable(errors.New("401 unauthorized")) {
		t.Error("auth errors should not be retryable")
	}
}

func TestProviderState_IsAvailable(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.CircuitBreakerTimeout = 10 * time.Millisecond

	s := &ProviderState{CircuitOpen: true, CircuitOpenAt: time.Now()}
	if s.IsAvailable(cfg) {
		t.Error("expected unavailable immediately after circuit opens")
	}

	time.Sleep(20 * time.Millisecond)
	if !s.IsAvailable(cfg) {
		t.Error("expected available after circuit breaker timeout elapses")
	}
}
