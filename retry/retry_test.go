package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriax-io/fleetconn/retry"
)

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := retry.Run(context.Background(), retry.Policy{MaxAttempts: 3}, nil, func(context.Context) (bool, error) {
		calls++
		return true, nil
	})

	assert.Equal(t, retry.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, calls)
	require.Len(t, result.Attempts, 1)
	assert.True(t, result.Attempts[0].Success)
}

func TestRun_MaxAttemptsOneMeansNoRetries(t *testing.T) {
	calls := 0
	result := retry.Run(context.Background(), retry.Policy{MaxAttempts: 1}, nil, func(context.Context) (bool, error) {
		calls++
		return false, errors.New("boom")
	})

	assert.Equal(t, retry.OutcomeExhausted, result.Outcome)
	assert.Equal(t, 1, calls)
	assert.EqualError(t, result.LastError, "boom")
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second}
	result := retry.Run(context.Background(), policy, nil, func(context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("transient")
		}
		return true, nil
	})

	assert.Equal(t, retry.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, calls)
	require.Len(t, result.Attempts, 3)
	assert.False(t, result.Attempts[0].Success)
	assert.False(t, result.Attempts[1].Success)
	assert.True(t, result.Attempts[2].Success)
}

func TestRun_ExhaustedPreservesLastError(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second}
	result := retry.Run(context.Background(), policy, nil, func(context.Context) (bool, error) {
		return false, errors.New("still broken")
	})

	assert.Equal(t, retry.OutcomeExhausted, result.Outcome)
	require.Len(t, result.Attempts, 3)
	assert.EqualError(t, result.LastError, "still broken")
}

func TestRun_FalseWithoutErrorIsTreatedAsFailure(t *testing.T) {
	calls := 0
	result := retry.Run(context.Background(), retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})

	assert.Equal(t, retry.OutcomeExhausted, result.Outcome)
	assert.Equal(t, 2, calls)
}

func TestRun_AbortSignalStopsBeforeNextAttempt(t *testing.T) {
	abort := make(chan struct{})
	close(abort)

	calls := 0
	result := retry.Run(context.Background(), retry.Policy{MaxAttempts: 3}, abort, func(context.Context) (bool, error) {
		calls++
		return false, errors.New("x")
	})

	assert.Equal(t, retry.OutcomeAborted, result.Outcome)
	assert.Equal(t, 0, calls)
}

func TestRun_ContextCancelDuringSleepAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Factor: 1}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result := retry.Run(ctx, policy, nil, func(context.Context) (bool, error) {
		calls++
		return false, errors.New("fail")
	})

	assert.Equal(t, retry.OutcomeAborted, result.Outcome)
	assert.Equal(t, 1, calls)
}

func TestRun_ZeroOrNegativeDelayClamps(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: -5 * time.Millisecond, Factor: 0}
	start := time.Now()
	result := retry.Run(context.Background(), policy, nil, func(context.Context) (bool, error) {
		return false, errors.New("x")
	})
	assert.Equal(t, retry.OutcomeExhausted, result.Outcome)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDefaultPolicy(t *testing.T) {
	p := retry.DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2.0, p.Factor)
}
