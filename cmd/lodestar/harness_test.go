// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/config"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/health"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/provision"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/retry"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/state"
)

// stubTemplate satisfies provision.TemplateSource with a canned file.
type stubTemplate struct{}

func (stubTemplate) Acquire(ctx context.Context, targetDir string) error {
	return os.WriteFile(
		filepath.Join(targetDir, envprofile.ComposeFileName), []byte("services: {}\n"), 0644)
}

// testEnv wires a StackManager and UpdateEngine over mocks plus real
// stores on temp directories.
type testEnv struct {
	profile   *envprofile.Profile
	store     *config.Store
	states    *state.Store
	exec      *compose.MockExecutor
	runner    *process.MockRunner
	manager   *StackManager
	engine    *UpdateEngine
	deployDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := quietLogger()

	profile := envprofile.BuildProfile(envprofile.ModeDevelopment, t.TempDir())
	require.NoError(t, os.MkdirAll(profile.StateDir, 0750))

	store := config.NewStore(profile.StateDir, profile.Mode, logger)
	_, err := store.Initialize()
	require.NoError(t, err)

	states := state.NewStore(profile.StateDir, string(profile.Mode), logger)

	deployDir := filepath.Join(t.TempDir(), "shop")
	require.NoError(t, os.MkdirAll(deployDir, 0750))

	exec := &compose.MockExecutor{}
	runner := &process.MockRunner{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			return &process.Result{ExitCode: 0}, nil
		},
	}

	checker := health.NewChecker(exec, logger)
	checker.Poll = retry.Policy{MaxAttempts: 3, Backoff: retry.Constant(time.Millisecond)}

	manager := &StackManager{
		profile:       profile,
		store:         store,
		states:        states,
		exec:          exec,
		checker:       checker,
		materializer:  provision.NewMaterializer(profile, stubTemplate{}, logger),
		lock:          process.NewOperationLock(deployDir),
		logger:        logger,
		deploymentDir: deployDir,
	}

	engine := NewUpdateEngine(store, states, manager, runner, manager.lock, profile.StateDir, logger)
	engine.verifier.Poll = retry.Policy{MaxAttempts: 3, Backoff: retry.Constant(time.Millisecond)}

	return &testEnv{
		profile:   profile,
		store:     store,
		states:    states,
		exec:      exec,
		runner:    runner,
		manager:   manager,
		engine:    engine,
		deployDir: deployDir,
	}
}
