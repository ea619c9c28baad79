// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package process abstracts external process execution and per-deployment
operation locking.

All exec.Command calls in the deployment management code go through the
Runner interface so that unit tests never execute real container-runtime
or git processes.

# Design Rationale

Direct calls to exec.Command are not testable because they execute real
processes. Behind an interface we can:
  - Mock process execution in tests
  - Capture and verify command invocations
  - Simulate exit codes and stderr diagnostics without real processes
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// -----------------------------------------------------------------------------
// Result Type
// -----------------------------------------------------------------------------

// Result captures the complete outcome of one external command.
//
// ExitCode is 0 on success. Stderr is preserved verbatim so command
// diagnostics can be surfaced to the operator without translation.
type Result struct {
	// ExitCode is the process exit status. -1 if the process never ran.
	ExitCode int

	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Diagnostic returns the most useful failure text: stderr if present,
// otherwise stdout.
func (r *Result) Diagnostic() string {
	if r == nil {
		return ""
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// ErrCommandFailed is returned when an external command exits non-zero.
// The wrapped message carries the command's own diagnostic verbatim.
var ErrCommandFailed = errors.New("command failed")

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Runner handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context. Long-running processes are killed
// when the context is cancelled.
type Runner interface {
	// Run executes a command synchronously and returns its full result.
	//
	// A non-zero exit is NOT an error at this layer: callers receive the
	// Result and decide. Only infrastructure failures (binary missing,
	// context cancelled before completion) return a non-nil error.
	//
	//	res, err := r.Run(ctx, "docker", "compose", "ps")
	//	if err != nil { ... }          // docker not installed, ctx cancelled
	//	if !res.Success() { ... }      // compose itself failed
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunEnv is Run with additional environment variables appended to the
	// parent environment. Used for compose invocations that consume the
	// generated runtime environment.
	RunEnv(ctx context.Context, env []string, name string, args ...string) (*Result, error)

	// StartStream launches a command whose stdout and stderr are copied to
	// the given writers as they are produced (follow-mode log streaming).
	// The returned Stream must be stopped or waited on by the caller.
	StartStream(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (Stream, error)
}

// Stream is a handle to a long-running streaming process.
type Stream interface {
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error

	// Stop requests graceful termination (SIGTERM) and waits for exit.
	// Safe to call more than once.
	Stop() error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultRunner implements Runner using os/exec. This is the production
// implementation; use MockRunner in tests.
type DefaultRunner struct {
	// ExtraEnv is appended to every invocation's environment. Used by the
	// environment profile to pin the compose project name process-wide.
	ExtraEnv []string
}

// NewDefaultRunner creates a Runner that executes real processes.
func NewDefaultRunner() *DefaultRunner {
	return &DefaultRunner{}
}

// Run executes a command synchronously and returns its full result.
func (r *DefaultRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return r.RunEnv(ctx, nil, name, args...)
}

// RunEnv executes a command with additional environment variables.
func (r *DefaultRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 || len(r.ExtraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), append(append([]string{}, r.ExtraEnv...), env...)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The process ran and exited non-zero. Report through Result,
			// not through error, so callers see the diagnostic.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s cancelled: %w", name, ctx.Err())
		}
		return result, fmt.Errorf("failed to execute %s: %w", name, err)
	}

	return result, nil
}

// StartStream launches a follow-mode process copying output to the writers.
func (r *DefaultRunner) StartStream(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (Stream, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.ExtraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), r.ExtraEnv...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Ask CommandContext to SIGTERM rather than SIGKILL on cancel so the
	// child can flush buffered log lines.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return &processStream{cmd: cmd}, nil
}

// processStream wraps a started exec.Cmd.
type processStream struct {
	cmd  *exec.Cmd
	once sync.Once
	werr error
}

func (s *processStream) Wait() error {
	s.once.Do(func() {
		s.werr = s.cmd.Wait()
	})
	return s.werr
}

func (s *processStream) Stop() error {
	if s.cmd.Process != nil {
		// Graceful termination; ignore "already finished".
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	err := s.Wait()
	// A SIGTERM exit is the expected way for a follow stream to end.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it panics.
//
//	mock := &process.MockRunner{
//	    RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
//	        return &process.Result{ExitCode: 0, Stdout: "ok"}, nil
//	    },
//	}
type MockRunner struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, name string, args ...string) (*Result, error)

	// RunEnvFunc is called when RunEnv is invoked. If nil, RunEnv falls
	// back to RunFunc (the common case when tests don't care about env).
	RunEnvFunc func(ctx context.Context, env []string, name string, args ...string) (*Result, error)

	// StartStreamFunc is called when StartStream is invoked.
	StartStreamFunc func(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (Stream, error)

	// Calls records all method invocations for verification.
	Calls []RunnerCall

	mu sync.Mutex
}

// RunnerCall records a single method invocation.
type RunnerCall struct {
	Method string
	Name   string
	Args   []string
	Env    []string
}

// Run delegates to RunFunc and records the call.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	m.record(RunnerCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockRunner.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunEnv delegates to RunEnvFunc (or RunFunc) and records the call.
func (m *MockRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (*Result, error) {
	m.record(RunnerCall{Method: "RunEnv", Name: name, Args: args, Env: env})
	if m.RunEnvFunc != nil {
		return m.RunEnvFunc(ctx, env, name, args...)
	}
	if m.RunFunc == nil {
		panic("MockRunner.RunEnvFunc and RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// StartStream delegates to StartStreamFunc and records the call.
func (m *MockRunner) StartStream(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (Stream, error) {
	m.record(RunnerCall{Method: "StartStream", Name: name, Args: args})
	if m.StartStreamFunc == nil {
		panic("MockRunner.StartStreamFunc not set")
	}
	return m.StartStreamFunc(ctx, stdout, stderr, name, args...)
}

func (m *MockRunner) record(call RunnerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockRunner) GetCalls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RunnerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Reset clears all recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// MockStream is a no-op Stream for tests.
type MockStream struct {
	WaitFunc func() error
	StopFunc func() error

	StopCalls int
	mu        sync.Mutex
}

func (s *MockStream) Wait() error {
	if s.WaitFunc != nil {
		return s.WaitFunc()
	}
	return nil
}

func (s *MockStream) Stop() error {
	s.mu.Lock()
	s.StopCalls++
	s.mu.Unlock()
	if s.StopFunc != nil {
		return s.StopFunc()
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
	_ Stream = (*processStream)(nil)
	_ Stream = (*MockStream)(nil)
)
