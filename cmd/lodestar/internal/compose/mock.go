// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compose

import (
	"context"
	"io"
	"sync"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
)

// ExecutorCall records one invocation on the MockExecutor.
type ExecutorCall struct {
	Method   string
	Args     []string
	Services []string
}

// MockExecutor is a test double for Executor. Configure behavior through
// the function fields; unset fields succeed with zero values.
type MockExecutor struct {
	UpFunc               func(ctx context.Context) error
	DownFunc             func(ctx context.Context, removeVolumes bool) error
	RunningServicesFunc  func(ctx context.Context) ([]string, error)
	StatusFunc           func(ctx context.Context) ([]ServiceStatus, error)
	InspectContainerFunc func(ctx context.Context, containerName string) (ContainerState, error)
	FollowLogsFunc       func(ctx context.Context, stdout, stderr io.Writer, services ...string) (process.Stream, error)

	mu    sync.Mutex
	calls []ExecutorCall
}

func (m *MockExecutor) record(call ExecutorCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockExecutor) GetCalls() []ExecutorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutorCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockExecutor) Up(ctx context.Context) error {
	m.record(ExecutorCall{Method: "Up"})
	if m.UpFunc != nil {
		return m.UpFunc(ctx)
	}
	return nil
}

func (m *MockExecutor) Down(ctx context.Context, removeVolumes bool) error {
	call := ExecutorCall{Method: "Down"}
	if removeVolumes {
		call.Args = []string{"--volumes"}
	}
	m.record(call)
	if m.DownFunc != nil {
		return m.DownFunc(ctx, removeVolumes)
	}
	return nil
}

func (m *MockExecutor) RunningServices(ctx context.Context) ([]string, error) {
	m.record(ExecutorCall{Method: "RunningServices"})
	if m.RunningServicesFunc != nil {
		return m.RunningServicesFunc(ctx)
	}
	return nil, nil
}

func (m *MockExecutor) Status(ctx context.Context) ([]ServiceStatus, error) {
	m.record(ExecutorCall{Method: "Status"})
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return nil, nil
}

func (m *MockExecutor) InspectContainer(ctx context.Context, containerName string) (ContainerState, error) {
	m.record(ExecutorCall{Method: "InspectContainer", Args: []string{containerName}})
	if m.InspectContainerFunc != nil {
		return m.InspectContainerFunc(ctx, containerName)
	}
	return ContainerState{Status: "running"}, nil
}

func (m *MockExecutor) FollowLogs(ctx context.Context, stdout, stderr io.Writer, services ...string) (process.Stream, error) {
	m.record(ExecutorCall{Method: "FollowLogs", Services: services})
	if m.FollowLogsFunc != nil {
		return m.FollowLogsFunc(ctx, stdout, stderr, services...)
	}
	return &process.MockStream{}, nil
}

// Compile-time interface check.
var _ Executor = (*MockExecutor)(nil)
