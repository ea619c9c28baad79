// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// SagaStep is one step of a multi-step operation with its undo action.
//
// # Description
//
// Execute performs the forward action; Compensate undoes it when a later
// step fails. Compensate must be idempotent and must tolerate "already
// undone" conditions, because it may run after a partial failure.
type SagaStep struct {
	// Name identifies the step in logs and failure reports.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil when nothing needs undoing.
	Compensate func(ctx context.Context) error

	// Timeout overrides the saga default for this step. Zero uses default.
	Timeout time.Duration
}

// CompensationError records one failed undo during rollback.
type CompensationError struct {
	StepName string
	Err      error
}

// Saga executes steps in order and, on failure, compensates the completed
// ones in reverse order.
//
// # Thread Safety
//
// A Saga is used from a single goroutine; build it, execute it once,
// inspect the outcome, discard it.
type Saga struct {
	logger *logging.Logger

	// StepTimeout bounds each step; CompensationTimeout bounds each undo.
	StepTimeout         time.Duration
	CompensationTimeout time.Duration

	steps     []SagaStep
	completed []SagaStep

	failedStep         string
	compensationErrors []CompensationError
}

// NewSaga creates an empty saga with default timeouts.
func NewSaga(logger *logging.Logger) *Saga {
	return &Saga{
		logger:              logger,
		StepTimeout:         5 * time.Minute,
		CompensationTimeout: 2 * time.Minute,
	}
}

// AddStep appends a step; steps execute in insertion order.
func (s *Saga) AddStep(step SagaStep) {
	s.steps = append(s.steps, step)
}

// Execute runs all steps. On the first failure it compensates every
// completed step in reverse order and returns the failing step's error.
// Compensation failures never stop remaining compensations; they are
// collected and reported through CompensationErrors.
func (s *Saga) Execute(ctx context.Context) error {
	s.completed = s.completed[:0]
	s.failedStep = ""
	s.compensationErrors = nil

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			s.failedStep = step.Name
			s.compensate()
			return fmt.Errorf("operation cancelled before step %q: %w", step.Name, err)
		}

		if err := s.executeStep(ctx, step); err != nil {
			s.failedStep = step.Name
			s.logger.Error("step failed", "step", step.Name, "error", err)
			s.compensate()
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

func (s *Saga) executeStep(ctx context.Context, step SagaStep) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("executing step", "step", step.Name)
	start := time.Now()
	err := step.Execute(stepCtx)
	if err == nil {
		s.logger.Info("step completed", "step", step.Name, "duration", time.Since(start).String())
	}
	return err
}

// compensate undoes completed steps in reverse order. It runs under a
// fresh context so a cancelled operation still gets cleaned up.
func (s *Saga) compensate() {
	if len(s.completed) == 0 {
		return
	}
	s.logger.Warn("compensating completed steps", "count", len(s.completed))

	budget := s.CompensationTimeout * time.Duration(len(s.completed))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, s.CompensationTimeout)
		err := step.Compensate(stepCtx)
		stepCancel()

		if err != nil {
			s.logger.Error("compensation failed", "step", step.Name, "error", err)
			s.compensationErrors = append(s.compensationErrors,
				CompensationError{StepName: step.Name, Err: err})
		} else {
			s.logger.Info("compensated step", "step", step.Name)
		}
	}
}

// FailedStep returns the name of the step that failed, or empty.
func (s *Saga) FailedStep() string { return s.failedStep }

// CompensationErrors returns undo failures from the last Execute. A
// non-empty result after a failed Execute means the rollback itself is
// incomplete.
func (s *Saga) CompensationErrors() []CompensationError {
	return s.compensationErrors
}

// CompletedSteps returns the names of steps that finished before the
// failure, in execution order.
func (s *Saga) CompletedSteps() []string {
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}
