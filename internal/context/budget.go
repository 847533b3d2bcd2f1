package context

import (
	"context"

	"github.com/cocode/cocode/internal/providers"
	"github.com/cocode/cocode/pkg/models"
)

// NewBudget constructs a per-category token budget, mirroring the categories
// a turn's packed request is split into: system prompt, tool definitions,
// conversation history, injections, and the output reserve.
func NewBudget(total int, allocated map[models.BudgetCategory]int) *models.ContextBudget {
	return models.NewContextBudget(total, allocated)
}

// EstimateTokensWith counts tokens for text using adapter's native CountTokens
// endpoint when its Capabilities advertise SupportsTokenCounting, falling
// back to the chars/4 heuristic (EstimateTokens) otherwise or on error.
func EstimateTokensWith(ctx context.Context, adapter providers.Adapter, model, text string) int {
	if adapter == nil {
		return EstimateTokens(text)
	}
	if !adapter.Capabilities(model).SupportsTokenCounting {
		return EstimateTokens(text)
	}
	counter, ok := adapter.(providers.TokenCounter)
	if !ok {
		return EstimateTokens(text)
	}
	n, err := counter.CountTokens(ctx, model, text)
	if err != nil {
		return EstimateTokens(text)
	}
	return n
}
