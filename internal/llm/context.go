package llm

import (
	"context"
	"strings"
)

type ctxKeyStage struct{}

// WithStage tags the context with the pipeline stage issuing LLM calls.
// Logging middleware and the fake client key off it.
func WithStage(ctx context.Context, stage string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyStage{}, strings.TrimSpace(stage))
}

// StageFrom returns the stage tag, or "" when absent.
func StageFrom(ctx context.Context) string {
	if ctx != nil {
		if v := ctx.Value(ctxKeyStage{}); v != nil {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
