package llm

import (
	"context"
	"encoding/json"
	"time"

	"clarion/internal/llmclient"
	"clarion/internal/retry"
)

// Retry retries GenerateJSON up to maxAttempts with exponential backoff
// starting at baseDelay. Permanent errors fail fast; context cancellation
// stops the schedule immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next llmclient.LLMClient
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }

func (r *retrying) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	name := StageFrom(ctx)
	if name == "" {
		name = "llm"
	}
	return retry.Do(ctx, name, retry.Options{
		MaxAttempts:  r.max,
		InitialDelay: r.base,
		Multiplier:   2,
	}, func(ctx context.Context) (json.RawMessage, error) {
		return r.next.GenerateJSON(ctx, prompt, input)
	})
}
