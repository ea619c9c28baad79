// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package compose drives the compose CLI for one deployment.

An Executor is bound at construction to a deployment directory and the
active environment profile, so every invocation carries the same project
name, file set, and env file. Callers never assemble compose arguments
themselves; the profile's Invocation is the single place that knows them.
*/
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// ServiceStatus is one row of structured `compose ps` output.
type ServiceStatus struct {
	// Service is the declared compose service name.
	Service string `json:"Service"`

	// Name is the runtime container name.
	Name string `json:"Name"`

	// State is the container state ("running", "exited", ...).
	State string `json:"State"`

	// Health is the health-check state, empty when the service declares
	// no health check.
	Health string `json:"Health"`
}

// ContainerState is the inspect-level view of one container.
type ContainerState struct {
	// Status is the container lifecycle state ("running", "exited", ...).
	Status string

	// Health is "healthy", "unhealthy", "starting", or empty when the
	// container has no health check.
	Health string
}

// Executor runs compose operations for one deployment.
type Executor interface {
	// Up starts the stack detached, removing orphaned containers from
	// previous definitions.
	Up(ctx context.Context) error

	// Down stops the stack. removeVolumes also destroys named volumes.
	// Safe to call when nothing is running.
	Down(ctx context.Context, removeVolumes bool) error

	// RunningServices returns the declared service names currently in
	// the running state. The fast tier of health checking.
	RunningServices(ctx context.Context) ([]string, error)

	// Status returns structured per-service status including stopped
	// services. The detailed tier of health checking.
	Status(ctx context.Context) ([]ServiceStatus, error)

	// InspectContainer returns the runtime state of one container by its
	// runtime name.
	InspectContainer(ctx context.Context, containerName string) (ContainerState, error)

	// FollowLogs streams stack logs into the writers until the stream is
	// stopped or the context ends. Restricts to the given services when
	// any are named.
	FollowLogs(ctx context.Context, stdout, stderr io.Writer, services ...string) (process.Stream, error)
}

// DefaultExecutor implements Executor over a process.Runner.
type DefaultExecutor struct {
	runner     process.Runner
	invocation envprofile.Invocation
	logger     *logging.Logger
}

// NewExecutor binds an Executor to a deployment directory under the
// active profile. binary is the configured container runtime CLI.
func NewExecutor(runner process.Runner, profile *envprofile.Profile, binary, deploymentDir string, logger *logging.Logger) *DefaultExecutor {
	return &DefaultExecutor{
		runner:     runner,
		invocation: profile.ComposeInvocation(binary, deploymentDir),
		logger:     logger,
	}
}

// run executes one compose verb under the bound invocation. A non-zero
// exit becomes an ErrCommandFailed carrying the verbatim diagnostic; the
// Result is returned either way so callers can surface stderr.
func (e *DefaultExecutor) run(ctx context.Context, verbArgs ...string) (*process.Result, error) {
	args := append(slices.Clone(e.invocation.Args), verbArgs...)
	res, err := e.runner.Run(ctx, e.invocation.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("compose %s: %w", verbArgs[0], err)
	}
	if !res.Success() {
		return res, fmt.Errorf("compose %s: %w: %s", verbArgs[0], process.ErrCommandFailed, res.Diagnostic())
	}
	return res, nil
}

func (e *DefaultExecutor) Up(ctx context.Context) error {
	e.logger.Info("starting stack", "project", e.projectName())
	_, err := e.run(ctx, "up", "--detach", "--remove-orphans")
	return err
}

func (e *DefaultExecutor) Down(ctx context.Context, removeVolumes bool) error {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	e.logger.Info("stopping stack", "project", e.projectName(), "remove_volumes", removeVolumes)
	_, err := e.run(ctx, args...)
	return err
}

func (e *DefaultExecutor) RunningServices(ctx context.Context) ([]string, error) {
	res, err := e.run(ctx, "ps", "--services", "--status", "running")
	if err != nil {
		return nil, err
	}

	var services []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			services = append(services, name)
		}
	}
	return services, nil
}

func (e *DefaultExecutor) Status(ctx context.Context) ([]ServiceStatus, error) {
	res, err := e.run(ctx, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}

	// compose emits one JSON object per line.
	var statuses []ServiceStatus
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var status ServiceStatus
		if err := json.Unmarshal([]byte(line), &status); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps output: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (e *DefaultExecutor) InspectContainer(ctx context.Context, containerName string) (ContainerState, error) {
	res, err := e.runner.Run(ctx, e.invocation.Binary,
		"inspect", "--format", "{{json .State}}", containerName)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect %s: %w", containerName, err)
	}
	if !res.Success() {
		return ContainerState{}, fmt.Errorf("inspect %s: %w: %s",
			containerName, process.ErrCommandFailed, res.Diagnostic())
	}

	var raw struct {
		Status string `json:"Status"`
		Health *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &raw); err != nil {
		return ContainerState{}, fmt.Errorf("failed to parse inspect output for %s: %w", containerName, err)
	}

	cs := ContainerState{Status: raw.Status}
	if raw.Health != nil {
		cs.Health = raw.Health.Status
	}
	return cs, nil
}

func (e *DefaultExecutor) FollowLogs(ctx context.Context, stdout, stderr io.Writer, services ...string) (process.Stream, error) {
	args := append(slices.Clone(e.invocation.Args), "logs", "--follow", "--timestamps")
	args = append(args, services...)
	return e.runner.StartStream(ctx, stdout, stderr, e.invocation.Binary, args...)
}

// projectName extracts the bound project name for log lines.
func (e *DefaultExecutor) projectName() string {
	for i, arg := range e.invocation.Args {
		if arg == "--project-name" && i+1 < len(e.invocation.Args) {
			return e.invocation.Args[i+1]
		}
	}
	return ""
}

// Compile-time interface check.
var _ Executor = (*DefaultExecutor)(nil)
