package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarion/internal/llmclient"
)

func noSleep() (*[]time.Duration, func(ctx context.Context, d time.Duration) error) {
	var delays []time.Duration
	return &delays, func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	delays, sleep := noSleep()
	calls := 0
	out, err := Do(context.Background(), "op", Options{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		Sleep:        sleep,
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	// failuresBeforeSuccess + 1 invocations
	assert.Equal(t, 3, calls)
	// delay before attempt k is initial * multiplier^(k-2)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestDo_ExhaustionAggregatesEveryAttempt(t *testing.T) {
	_, sleep := noSleep()
	calls := 0
	_, err := Do(context.Background(), "flaky-op", Options{MaxAttempts: 3, Sleep: sleep},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("boom %d", calls)
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var agg *AttemptsError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, "flaky-op", agg.Name)
	require.Len(t, agg.Errs, 3)
	assert.EqualError(t, agg.Errs[0], "boom 1")
	assert.EqualError(t, agg.Errs[2], "boom 3")
	assert.Contains(t, agg.Error(), "flaky-op")
}

func TestDo_PermanentErrorFailsFast(t *testing.T) {
	_, sleep := noSleep()
	calls := 0
	permanent := llmclient.NewPermanentError(errors.New("invalid api key"))
	_, err := Do(context.Background(), "op", Options{MaxAttempts: 4, Sleep: sleep},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var agg *AttemptsError
	assert.False(t, errors.As(err, &agg), "permanent errors must not be aggregated")
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{errors.New("deadline exceeded"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("503 service overloaded"), true},
		{errors.New("401 unauthorized"), false},
		{errors.New("404 not found"), false},
		{llmclient.NewPermanentError(errors.New("nope")), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.retryable, DefaultClassifier(tc.err), "%v", tc.err)
	}
}

func TestDo_CanceledContextStopsSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, "op", Options{MaxAttempts: 5, InitialDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("transient")
		})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
