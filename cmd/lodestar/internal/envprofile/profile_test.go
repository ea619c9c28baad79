// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envprofile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func envWith(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

// noContainersRunner answers docker queries with an empty container list.
func noContainersRunner() *process.MockRunner {
	return &process.MockRunner{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			return &process.Result{ExitCode: 0, Stdout: ""}, nil
		},
	}
}

func TestDetectMode_Priority(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Mode
	}{
		{"default is development", nil, ModeDevelopment},
		{"production override", map[string]string{EnvProduction: "1"}, ModeProduction},
		{"test override", map[string]string{EnvTestMode: "true"}, ModeTesting},
		{"test beats production", map[string]string{EnvTestMode: "1", EnvProduction: "1"}, ModeTesting},
		{"falsy values ignored", map[string]string{EnvTestMode: "0", EnvProduction: "false"}, ModeDevelopment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMode(envWith(tt.env)))
		})
	}
}

func TestBuildProfile_ModesAreDisjoint(t *testing.T) {
	modes := []Mode{ModeDevelopment, ModeTesting, ModeProduction}

	seenPorts := map[int]Mode{}
	seenPrefixes := map[string]Mode{}

	for _, mode := range modes {
		p := BuildProfile(mode, "/home/u")

		for _, port := range []int{p.Ports.Primary, p.Ports.API, p.Ports.Edge} {
			if prior, dup := seenPorts[port]; dup {
				t.Fatalf("port %d shared between %s and %s", port, prior, mode)
			}
			seenPorts[port] = mode
		}

		if prior, dup := seenPrefixes[p.ProjectPrefix]; dup {
			t.Fatalf("prefix %q shared between %s and %s", p.ProjectPrefix, prior, mode)
		}
		seenPrefixes[p.ProjectPrefix] = mode
	}
}

func TestBuildProfile_Deterministic(t *testing.T) {
	a := BuildProfile(ModeTesting, "/home/u")
	b := BuildProfile(ModeTesting, "/home/u")
	assert.Equal(t, a, b)

	assert.Equal(t, basePorts.Primary+1000, a.Ports.Primary)
	assert.Equal(t, filepath.Join("/home/u", ".lodestar", "testing"), a.StateDir)
	assert.Equal(t, "lodestar-test-net", a.NetworkName)
}

func TestProfile_DeriveProjectName(t *testing.T) {
	p := BuildProfile(ModeDevelopment, "/home/u")

	tests := []struct {
		path string
		want string
	}{
		{"/srv/apps/MyShop", "lodestar-dev-myshop"},
		{"/srv/apps/my-shop_2", "lodestar-dev-myshop2"},
		{"/srv/apps/shop.example.com", "lodestar-dev-shopexamplecom"},
		{"/srv/apps/---", "lodestar-dev-deployment"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DeriveProjectName(tt.path))
		})
	}
}

func TestProfile_ComposeInvocation(t *testing.T) {
	p := BuildProfile(ModeDevelopment, "/home/u")
	inv := p.ComposeInvocation("podman", "/srv/apps/shop")
	assert.Equal(t, "podman", inv.Binary)

	inv = p.ComposeInvocation("", "/srv/apps/shop")
	assert.Equal(t, "docker", inv.Binary, "empty binary defaults to docker")
	assert.Equal(t, []string{
		"compose",
		"--project-name", "lodestar-dev-shop",
		"--file", "/srv/apps/shop/compose.yaml",
		"--file", "/srv/apps/shop/compose.volumes.yaml",
		"--env-file", "/srv/apps/shop/.env",
	}, inv.Args)
}

func TestResolver_InitializeOnce(t *testing.T) {
	r := NewResolverForTest(noContainersRunner(), testLogger(), envWith(nil), t.TempDir())

	profile, err := r.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeDevelopment, profile.Mode)

	_, err = r.Initialize(context.Background())
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	assert.Same(t, profile, r.Active())
}

func TestResolver_ActiveBeforeInitializePanics(t *testing.T) {
	r := NewResolverForTest(noContainersRunner(), testLogger(), envWith(nil), t.TempDir())
	assert.Panics(t, func() { r.Active() })
}

func TestResolver_TestingModeClearsStateAndContainers(t *testing.T) {
	home := t.TempDir()

	// Simulate residue from a crashed prior test run.
	stateDir := filepath.Join(home, ".lodestar", "testing")
	require.NoError(t, os.MkdirAll(stateDir, 0750))
	stale := filepath.Join(stateDir, "state.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0600))

	var removed []string
	runner := &process.MockRunner{
		RunFunc: func(ctx context.Context, name string, args ...string) (*process.Result, error) {
			if args[0] == "ps" {
				return &process.Result{ExitCode: 0, Stdout: "abc123\ndef456\n"}, nil
			}
			removed = args
			return &process.Result{ExitCode: 0}, nil
		},
	}

	r := NewResolverForTest(runner, testLogger(), envWith(map[string]string{EnvTestMode: "1"}), home)
	_, err := r.Initialize(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "stale state file must be removed")
	assert.Equal(t, []string{"rm", "--force", "abc123", "def456"}, removed)
}

func TestResolver_TestingModeCleanupIsIdempotent(t *testing.T) {
	runner := noContainersRunner()
	r := NewResolverForTest(runner, testLogger(), envWith(map[string]string{EnvTestMode: "1"}), t.TempDir())

	_, err := r.Initialize(context.Background())
	require.NoError(t, err)

	// Only the ps query should run when nothing is left to remove.
	calls := runner.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ps", calls[0].Args[0])
}
