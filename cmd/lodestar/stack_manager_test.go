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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
)

func TestStartStack_ProvisionsAndStarts(t *testing.T) {
	env := newTestEnv(t)

	res := env.manager.StartStack(context.Background())
	require.True(t, res.Success, "message: %s, diagnostic: %s", res.Message, res.Diagnostic)

	// Provisioning artifacts must exist.
	assert.FileExists(t, filepath.Join(env.deployDir, "compose.yaml"))
	assert.FileExists(t, filepath.Join(env.deployDir, ".env"))

	// Up and readiness inspection must have run.
	var sawUp, sawInspect bool
	for _, call := range env.exec.GetCalls() {
		switch call.Method {
		case "Up":
			sawUp = true
		case "InspectContainer":
			sawInspect = true
			assert.Equal(t, "lodestar-dev-shop-app-1", call.Args[0])
		}
	}
	assert.True(t, sawUp)
	assert.True(t, sawInspect)

	assert.True(t, env.manager.IsProvisioned())
}

func TestStartStack_UpFailureReturnsDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	env.exec.UpFunc = func(ctx context.Context) error {
		return errors.New("bind: address already in use")
	}

	res := env.manager.StartStack(context.Background())

	assert.False(t, res.Success)
	assert.Contains(t, res.Diagnostic, "address already in use")
}

func TestStartStack_LockHeldByAnotherOperation(t *testing.T) {
	env := newTestEnv(t)

	other := process.NewOperationLock(env.deployDir)
	require.NoError(t, other.Acquire("stop"))
	defer other.Release()

	res := env.manager.StartStack(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, "another operation is in progress", res.Message)
}

func TestStopStack_NoOpWhenNothingRunning(t *testing.T) {
	env := newTestEnv(t)

	res := env.manager.StopStack(context.Background(), false)
	assert.True(t, res.Success)

	res = env.manager.StopStack(context.Background(), true)
	assert.True(t, res.Success)

	calls := env.exec.GetCalls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Args)
	assert.Equal(t, []string{"--volumes"}, calls[1].Args)
}

func TestStreamLogs_PriorStreamStopped(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.manager.StreamLogs(context.Background(), nil, nil)
	require.NoError(t, err)
	firstStream := got.(*process.MockStream)

	_, err = env.manager.StreamLogs(context.Background(), nil, nil, "app")
	require.NoError(t, err)

	assert.Equal(t, 1, firstStream.StopCalls, "prior stream must be stopped")

	require.NoError(t, env.manager.StopLogs())
	require.NoError(t, env.manager.StopLogs(), "stopping with no active stream is a no-op")
}

func TestStartStack_ReadinessTimeoutFailsTheStart(t *testing.T) {
	env := newTestEnv(t)
	env.exec.InspectContainerFunc = func(ctx context.Context, name string) (compose.ContainerState, error) {
		return compose.ContainerState{Status: "restarting"}, nil
	}

	res := env.manager.StartStack(context.Background())

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "never became ready")
}
