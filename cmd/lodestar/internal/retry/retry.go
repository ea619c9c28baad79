// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry provides the one retry-policy abstraction shared by health
// polling, install verification, and the periodic update loop.
//
// Each call site used to need its own attempt-counting loop; instead they
// all express "try this until it reports done, at most N times, waiting
// according to this backoff" through a single Policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned when the operation never reported done
// within the attempt budget. Distinct from the operation's own errors so
// callers can tell a timeout from a hard failure.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Operation is one attempt. Returning done=true stops the loop as success.
// Returning an error stops the loop immediately as a hard failure; retryable
// conditions are expressed as (false, nil).
type Operation func(ctx context.Context, attempt int) (done bool, err error)

// Backoff yields the wait before the next attempt. attempt starts at 1.
type Backoff func(attempt int) time.Duration

// Constant waits the same interval between every attempt.
func Constant(interval time.Duration) Backoff {
	return func(int) time.Duration { return interval }
}

// Exponential doubles the initial interval per attempt, capped at max.
func Exponential(initial, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the attempt ceiling. Values < 1 are treated as 1.
	MaxAttempts int

	// Backoff computes the wait between attempts. Nil means no wait.
	Backoff Backoff
}

// Do runs op under the policy. It returns nil once op reports done, the
// op's error verbatim on hard failure, ErrAttemptsExhausted (wrapped with
// the attempt count) when the budget runs out, and the context error if
// cancelled while waiting.
func (p Policy) Do(ctx context.Context, op Operation) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, attempts)
}
