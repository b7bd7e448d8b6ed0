package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestComputeBackoff(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "default", BaseMs: 100, MaxMs: 1000, MaxAttempts: 5}
	params := BackoffParams{PolicyID: "default", Scope: "settle_invoke", Key: "0xop1"}

	params.AttemptIndex = 1
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(params, policy))

	params.AttemptIndex = 2
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(params, policy))

	// Capped at MaxMs
	params.AttemptIndex = 10
	assert.Equal(t, 1000*time.Millisecond, ComputeBackoff(params, policy))
}

func TestDeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 50}
	params := BackoffParams{PolicyID: "p", Scope: "s", Key: "k", AttemptIndex: 3}

	a := ComputeDeterministicJitter(params, policy)
	b := ComputeDeterministicJitter(params, policy)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))
	assert.Less(t, a, int64(50))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := DoWithSleeper(context.Background(), DefaultSettlementPolicy, BackoffParams{Scope: "x"}, noSleep,
		func(_ context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("reverted")
	calls := 0
	err := DoWithSleeper(context.Background(), DefaultSettlementPolicy, BackoffParams{Scope: "x"}, noSleep,
		func(context.Context, int) error {
			calls++
			return Permanent(sentinel)
		})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxAttempts: 3}
	err := DoWithSleeper(context.Background(), policy, BackoffParams{Scope: "x"}, noSleep,
		func(context.Context, int) error { return errors.New("down") })
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "down")
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, BackoffPolicy{BaseMs: 10, MaxMs: 10, MaxAttempts: 3}, BackoffParams{Scope: "x"},
		func(context.Context, int) error { return errors.New("down") })
	require.ErrorIs(t, err, context.Canceled)
}
