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
	"io"
	"sync"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/config"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/health"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/provision"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/state"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// appService is the compose service whose container readiness gates a
// successful start.
const appService = "app"

// OperationResult is the uniform outcome every orchestration operation
// reports to the CLI layer.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Diagnostic carries captured command output on failure, verbatim.
	Diagnostic string `json:"diagnostic,omitempty"`
}

func failure(message string, err error) OperationResult {
	res := OperationResult{Success: false, Message: message}
	if err != nil {
		res.Diagnostic = err.Error()
	}
	return res
}

// StackManager orchestrates the container stack for one deployment
// directory: provisioning, start/stop, health, and log streaming.
//
// # Thread Safety
//
// Orchestration-mutating operations (start, stop) serialize through the
// per-deployment operation lock; health checks and log streaming may run
// concurrently with them.
type StackManager struct {
	profile      *envprofile.Profile
	store        *config.Store
	states       *state.Store
	exec         compose.Executor
	checker      *health.Checker
	materializer *provision.Materializer
	lock         process.OperationLocker
	logger       *logging.Logger

	deploymentDir string

	// streamMu guards the single active log stream.
	streamMu     sync.Mutex
	activeStream process.Stream
}

// StartStack brings the deployment up: provisions or regenerates the
// deployment directory from the current configuration, then issues the
// isolated detached up and waits for the application container to become
// ready. The captured diagnostic output is returned on failure.
func (sm *StackManager) StartStack(ctx context.Context) OperationResult {
	if err := sm.lock.Acquire("start"); err != nil {
		return failure("another operation is in progress", err)
	}
	defer sm.lock.Release()

	return sm.startLocked(ctx)
}

// startLocked is StartStack without lock acquisition, for callers that
// already hold the deployment lock (the update engine).
func (sm *StackManager) startLocked(ctx context.Context) OperationResult {
	cfg := sm.store.Current()
	if err := config.Validate(&cfg, sm.profile.Mode); err != nil {
		return failure("configuration is invalid", err)
	}

	// Materialize is idempotent: first run provisions, later runs only
	// regenerate the environment and overlay files from current config.
	if err := sm.materializer.Materialize(ctx, sm.deploymentDir, &cfg); err != nil {
		return failure("provisioning failed", err)
	}
	if err := sm.states.RecordSetupPath(sm.deploymentDir); err != nil {
		sm.logger.Warn("failed to record setup path", "error", err)
	}

	if err := sm.exec.Up(ctx); err != nil {
		return failure("stack start failed", err)
	}

	if err := sm.checker.WaitForContainer(ctx, sm.appContainerName()); err != nil {
		return failure("stack started but application never became ready", err)
	}

	return OperationResult{Success: true, Message: "stack started"}
}

// StopStack brings the deployment down. deleteVolumes also destroys the
// named volumes. Stopping an already-stopped stack is a successful no-op.
func (sm *StackManager) StopStack(ctx context.Context, deleteVolumes bool) OperationResult {
	if err := sm.lock.Acquire("stop"); err != nil {
		return failure("another operation is in progress", err)
	}
	defer sm.lock.Release()

	return sm.stopLocked(ctx, deleteVolumes)
}

func (sm *StackManager) stopLocked(ctx context.Context, deleteVolumes bool) OperationResult {
	if err := sm.exec.Down(ctx, deleteVolumes); err != nil {
		return failure("stack stop failed", err)
	}
	return OperationResult{Success: true, Message: "stack stopped"}
}

// CheckHealth runs the two-tier stack health check.
func (sm *StackManager) CheckHealth(ctx context.Context) health.Report {
	return sm.checker.CheckHealth(ctx)
}

// StreamLogs attaches a follow-mode log stream copying stack stdout and
// stderr into the writers. Starting a new stream terminates any prior one
// first. The returned stream is stopped with a graceful signal.
func (sm *StackManager) StreamLogs(ctx context.Context, stdout, stderr io.Writer, services ...string) (process.Stream, error) {
	sm.streamMu.Lock()
	defer sm.streamMu.Unlock()

	if sm.activeStream != nil {
		if err := sm.activeStream.Stop(); err != nil {
			sm.logger.Warn("failed to stop previous log stream", "error", err)
		}
		sm.activeStream = nil
	}

	stream, err := sm.exec.FollowLogs(ctx, stdout, stderr, services...)
	if err != nil {
		return nil, fmt.Errorf("failed to start log stream: %w", err)
	}
	sm.activeStream = stream
	return stream, nil
}

// StopLogs terminates the active log stream, if any.
func (sm *StackManager) StopLogs() error {
	sm.streamMu.Lock()
	defer sm.streamMu.Unlock()

	if sm.activeStream == nil {
		return nil
	}
	err := sm.activeStream.Stop()
	sm.activeStream = nil
	return err
}

// appContainerName derives the runtime container name compose assigns to
// the application service's first replica.
func (sm *StackManager) appContainerName() string {
	return sm.profile.DeriveProjectName(sm.deploymentDir) + "-" + appService + "-1"
}

// IsProvisioned reports whether the deployment directory already carries
// valid artifacts (cheap check used by status reporting).
func (sm *StackManager) IsProvisioned() bool {
	doc, found, err := sm.states.Load()
	if err != nil || !found {
		return false
	}
	for _, path := range doc.SetupPaths {
		if path == sm.deploymentDir {
			return true
		}
	}
	return false
}
