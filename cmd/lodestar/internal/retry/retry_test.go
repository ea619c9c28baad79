// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Do_SucceedsFirstAttempt(t *testing.T) {
	var attempts int
	policy := Policy{MaxAttempts: 3}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts = attempt
		return true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Do_SucceedsOnLaterAttempt(t *testing.T) {
	policy := Policy{MaxAttempts: 5, Backoff: Constant(time.Millisecond)}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		return attempt == 3, nil
	})

	require.NoError(t, err)
}

func TestPolicy_Do_ExhaustsAttempts(t *testing.T) {
	var attempts int
	policy := Policy{MaxAttempts: 3, Backoff: Constant(time.Millisecond)}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		return false, nil
	})

	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestPolicy_Do_HardFailureStopsImmediately(t *testing.T) {
	boom := errors.New("boom")
	var attempts int
	policy := Policy{MaxAttempts: 10}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		return false, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Do_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, Backoff: Constant(time.Hour)}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		return false, nil
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Do_ZeroAttemptsTreatedAsOne(t *testing.T) {
	var attempts int
	policy := Policy{}

	err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		return false, nil
	})

	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 1, attempts)
}

func TestConstant(t *testing.T) {
	b := Constant(5 * time.Second)
	assert.Equal(t, 5*time.Second, b(1))
	assert.Equal(t, 5*time.Second, b(60))
}

func TestExponential(t *testing.T) {
	b := Exponential(time.Second, 10*time.Second)

	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 8*time.Second, b(4))
	assert.Equal(t, 10*time.Second, b(5), "capped at max")
	assert.Equal(t, 10*time.Second, b(20), "stays capped")
}
