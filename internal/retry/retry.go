// Package retry wraps fallible operations with bounded exponential backoff
// and retryable/permanent error classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clarion/internal/llmclient"
)

// Options controls the retry schedule for one operation.
type Options struct {
	// MaxAttempts is the total number of invocations, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. The wait before
	// attempt k (k >= 2) is InitialDelay * Multiplier^(k-2).
	InitialDelay time.Duration
	// Multiplier scales the delay between attempts. Values <= 0 default to 2.
	Multiplier float64
	// Classify reports whether an error is worth retrying. When nil,
	// DefaultClassifier is used.
	Classify Classifier
	// Sleep is swappable for tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Classifier reports whether an error may resolve on retry.
type Classifier func(err error) bool

// AttemptsError aggregates every attempt's error after exhaustion.
type AttemptsError struct {
	Name string
	Errs []error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed, last: %v", e.Name, len(e.Errs), e.Errs[len(e.Errs)-1])
}

func (e *AttemptsError) Unwrap() []error { return e.Errs }

// DefaultClassifier assumes an error is retryable unless it is explicitly
// permanent: an llmclient.PermanentError, an auth/not-found status, or bad
// credentials. Timeouts, rate limits, 5xx and overload responses all retry.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	var pErr *llmclient.PermanentError
	if errors.As(err, &pErr) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "404", "unauthorized", "forbidden", "not found", "invalid api key", "invalid credential"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do invokes op until it succeeds, a permanent error is hit, the context is
// canceled, or the attempt budget runs out. On exhaustion it returns an
// AttemptsError carrying every attempt's underlying error plus name.
func Do[T any](ctx context.Context, name string, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	max := opts.MaxAttempts
	if max < 1 {
		max = 1
	}
	mult := opts.Multiplier
	if mult <= 0 {
		mult = 2
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	delay := opts.InitialDelay
	var attemptErrs []error
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
			delay = time.Duration(float64(delay) * mult)
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		attemptErrs = append(attemptErrs, err)
		if !classify(err) {
			// Permanent errors fail fast without consuming the budget.
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}
	}
	return zero, &AttemptsError{Name: name, Errs: attemptErrs}
}
