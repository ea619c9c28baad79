// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-sh/lodestar/pkg/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestSaga_AllStepsSucceed(t *testing.T) {
	var order []string
	saga := NewSaga(quietLogger())
	for _, name := range []string{"one", "two", "three"} {
		saga.AddStep(SagaStep{
			Name: name,
			Execute: func(ctx context.Context) error {
				order = append(order, name)
				return nil
			},
		})
	}

	require.NoError(t, saga.Execute(context.Background()))
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Equal(t, []string{"one", "two", "three"}, saga.CompletedSteps())
	assert.Empty(t, saga.CompensationErrors())
}

func TestSaga_FailureCompensatesInReverseOrder(t *testing.T) {
	var compensated []string
	boom := errors.New("boom")

	saga := NewSaga(quietLogger())
	saga.AddStep(SagaStep{
		Name:       "one",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { compensated = append(compensated, "one"); return nil },
	})
	saga.AddStep(SagaStep{
		Name:       "two",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { compensated = append(compensated, "two"); return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "three",
		Execute: func(ctx context.Context) error { return boom },
	})

	err := saga.Execute(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "three")
	assert.Equal(t, "three", saga.FailedStep())
	assert.Equal(t, []string{"two", "one"}, compensated)
	assert.Empty(t, saga.CompensationErrors())
}

func TestSaga_CompensationFailuresAreCollectedNotFatal(t *testing.T) {
	undoErr := errors.New("undo failed")
	var lastCompensated bool

	saga := NewSaga(quietLogger())
	saga.AddStep(SagaStep{
		Name:       "one",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { lastCompensated = true; return nil },
	})
	saga.AddStep(SagaStep{
		Name:       "two",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { return undoErr },
	})
	saga.AddStep(SagaStep{
		Name:    "three",
		Execute: func(ctx context.Context) error { return errors.New("boom") },
	})

	require.Error(t, saga.Execute(context.Background()))

	// The failing undo of "two" must not prevent "one" from compensating.
	assert.True(t, lastCompensated)
	require.Len(t, saga.CompensationErrors(), 1)
	assert.Equal(t, "two", saga.CompensationErrors()[0].StepName)
	assert.ErrorIs(t, saga.CompensationErrors()[0].Err, undoErr)
}

func TestSaga_StepsWithoutCompensationAreSkippedDuringRollback(t *testing.T) {
	saga := NewSaga(quietLogger())
	saga.AddStep(SagaStep{
		Name:    "no-undo",
		Execute: func(ctx context.Context) error { return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "fails",
		Execute: func(ctx context.Context) error { return errors.New("boom") },
	})

	require.Error(t, saga.Execute(context.Background()))
	assert.Empty(t, saga.CompensationErrors())
}

func TestSaga_CancelledContextCompensatesAndReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensated bool

	saga := NewSaga(quietLogger())
	saga.AddStep(SagaStep{
		Name: "one",
		Execute: func(ctx context.Context) error {
			cancel() // cancel before the next step is considered
			return nil
		},
		Compensate: func(ctx context.Context) error { compensated = true; return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "never-runs",
		Execute: func(ctx context.Context) error { t.Fatal("must not run"); return nil },
	})

	err := saga.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, compensated, "completed steps compensate even on cancellation")
}
