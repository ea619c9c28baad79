// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package envprofile computes the isolation namespace for one running
Lodestar instance.

Development, testing, and production instances can coexist on one host
because every mode gets its own port triple, project prefix, volume
prefix, network name, and state directory. Nothing here talks to the
container runtime except the testing-mode cleanup sweep.

# Usage

	resolver := envprofile.NewResolver(runner, logger)
	profile, err := resolver.Initialize(ctx)
	if err != nil {
	    return err
	}
	project := profile.DeriveProjectName("/srv/apps/myshop")
	inv := profile.ComposeInvocation("docker", "/srv/apps/myshop")

The resolver must be initialized exactly once before any dependent
query; calling Active() first is a programming error and panics.
*/
package envprofile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// =============================================================================
// Modes
// =============================================================================

// Mode is the isolation mode of a running instance.
type Mode string

const (
	// ModeDevelopment is the default when no override is present.
	ModeDevelopment Mode = "development"

	// ModeTesting is selected by the LODESTAR_TEST_MODE override. It takes
	// priority over the production override so CI can test a production
	// checkout without touching production state.
	ModeTesting Mode = "testing"

	// ModeProduction is selected by the LODESTAR_PRODUCTION override.
	ModeProduction Mode = "production"
)

// EnvTestMode and EnvProduction are the explicit mode override variables,
// checked in that priority order.
const (
	EnvTestMode   = "LODESTAR_TEST_MODE"
	EnvProduction = "LODESTAR_PRODUCTION"
)

// ModeLabel is the container label carrying the instance mode. The
// testing-mode cleanup sweep removes containers labeled testing.
const ModeLabel = "sh.lodestar.mode"

// Generated artifact names inside a deployment directory. The compose
// invocation always binds this fixed file set.
const (
	ComposeFileName = "compose.yaml"
	OverlayFileName = "compose.volumes.yaml"
	EnvFileName     = ".env"
)

// DetectMode resolves the mode from environment overrides. getenv is
// injectable for tests; pass os.Getenv in production.
func DetectMode(getenv func(string) string) Mode {
	if isTruthy(getenv(EnvTestMode)) {
		return ModeTesting
	}
	if isTruthy(getenv(EnvProduction)) {
		return ModeProduction
	}
	return ModeDevelopment
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// Profile
// =============================================================================

// Ports is the host port triple one instance binds.
type Ports struct {
	// Primary is the application HTTP port.
	Primary int

	// API is the application API port.
	API int

	// Edge is the edge router entrypoint port.
	Edge int
}

// Base development ports. Testing adds 1000, production adds 2000, so
// the triples of different modes are always disjoint.
var basePorts = Ports{Primary: 3080, API: 3081, Edge: 8080}

const (
	testingPortOffset    = 1000
	productionPortOffset = 2000
)

// PortsFor returns the host port triple for a mode. Configuration
// defaults seed their network section from this, so instances of
// different modes never contend for the same host ports.
func PortsFor(mode Mode) Ports {
	offset := 0
	switch mode {
	case ModeTesting:
		offset = testingPortOffset
	case ModeProduction:
		offset = productionPortOffset
	}
	return Ports{
		Primary: basePorts.Primary + offset,
		API:     basePorts.API + offset,
		Edge:    basePorts.Edge + offset,
	}
}

// Profile is the complete isolation namespace for one instance.
//
// Exactly one profile is active per process, owned by the Resolver that
// built it for the process lifetime.
type Profile struct {
	// Mode the profile was built for.
	Mode Mode

	// ProjectPrefix namespaces compose project names, e.g. "lodestar-test".
	ProjectPrefix string

	// Ports is the host port triple for this mode.
	Ports Ports

	// VolumePrefix namespaces named volumes.
	VolumePrefix string

	// NetworkName is the compose network for this mode.
	NetworkName string

	// StateDir is the mode-specific persistent-state root
	// (~/.lodestar/{mode} by default).
	StateDir string
}

// DeriveProjectName returns "{prefix}-{normalized basename}" for a
// deployment path. Normalization strips non-alphanumerics and lowercases,
// guaranteeing a valid compose project token.
func (p *Profile) DeriveProjectName(deploymentPath string) string {
	name := normalizeToken(filepath.Base(deploymentPath))
	if name == "" {
		name = "deployment"
	}
	return p.ProjectPrefix + "-" + name
}

// normalizeToken strips everything outside [a-z0-9] after lowercasing.
func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Invocation is a fully-bound orchestration command: binary plus the
// leading arguments that pin project name and file set. Callers append
// the verb ("up", "down", "ps", ...).
type Invocation struct {
	Binary string
	Args   []string
}

// ComposeInvocation returns the isolated compose invocation for a
// deployment path: bound to the derived project name and the fixed file
// set (base definition + volume overlay + env file). binary is the
// container runtime CLI ("docker" or "podman"); empty selects docker.
func (p *Profile) ComposeInvocation(binary, deploymentPath string) Invocation {
	if binary == "" {
		binary = "docker"
	}
	return Invocation{
		Binary: binary,
		Args: []string{
			"compose",
			"--project-name", p.DeriveProjectName(deploymentPath),
			"--file", filepath.Join(deploymentPath, ComposeFileName),
			"--file", filepath.Join(deploymentPath, OverlayFileName),
			"--env-file", filepath.Join(deploymentPath, EnvFileName),
		},
	}
}

// =============================================================================
// Resolver
// =============================================================================

// ErrAlreadyInitialized is returned when Initialize is called twice.
var ErrAlreadyInitialized = errors.New("environment profile already initialized")

// Resolver builds and owns the process's active Profile.
//
// # Thread Safety
//
// Initialize must be called from the process entry point before any
// other goroutine queries Active(). After initialization the profile is
// immutable and safe to read concurrently.
type Resolver struct {
	runner process.Runner
	logger *logging.Logger

	// getenv and homeDir are injectable for tests.
	getenv  func(string) string
	homeDir func() (string, error)

	active *Profile
}

// NewResolver creates a Resolver. The runner is only exercised by the
// testing-mode cleanup sweep.
func NewResolver(runner process.Runner, logger *logging.Logger) *Resolver {
	return &Resolver{
		runner:  runner,
		logger:  logger,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
	}
}

// NewResolverForTest creates a Resolver with injected environment lookup
// and home directory, for use in unit tests.
func NewResolverForTest(runner process.Runner, logger *logging.Logger, getenv func(string) string, home string) *Resolver {
	return &Resolver{
		runner:  runner,
		logger:  logger,
		getenv:  getenv,
		homeDir: func() (string, error) { return home, nil },
	}
}

// Initialize detects the mode, builds the profile deterministically, and
// redirects the persistent-state root to the mode-specific subdirectory.
//
// In testing mode it additionally wipes previously persisted state and
// force-removes containers labeled as testing instances; both cleanups
// are idempotent, so a crashed previous test run leaves nothing behind.
//
// Calling Initialize twice is an error: the profile is fixed for the
// process lifetime.
func (r *Resolver) Initialize(ctx context.Context) (*Profile, error) {
	if r.active != nil {
		return nil, ErrAlreadyInitialized
	}

	mode := DetectMode(r.getenv)

	home, err := r.homeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	profile := BuildProfile(mode, home)

	if err := os.MkdirAll(profile.StateDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", profile.StateDir, err)
	}

	if mode == ModeTesting {
		if err := r.cleanupTestingResidue(ctx, profile); err != nil {
			// Cleanup failures are logged, not fatal: a missing runtime
			// must not block a unit-test run that never starts containers.
			r.logger.Warn("testing-mode cleanup incomplete", "error", err)
		}
	}

	r.active = profile
	r.logger.Info("environment profile initialized",
		"mode", string(mode),
		"project_prefix", profile.ProjectPrefix,
		"state_dir", profile.StateDir)
	return profile, nil
}

// BuildProfile deterministically constructs the profile for a mode. Pure
// except for reading its arguments; exposed so tests can assert the
// disjointness properties without a Resolver.
func BuildProfile(mode Mode, home string) *Profile {
	suffix := "dev"
	switch mode {
	case ModeTesting:
		suffix = "test"
	case ModeProduction:
		suffix = "prod"
	}

	prefix := "lodestar-" + suffix
	return &Profile{
		Mode:          mode,
		ProjectPrefix: prefix,
		Ports:         PortsFor(mode),
		VolumePrefix:  prefix + "-vol",
		NetworkName:   prefix + "-net",
		StateDir:      filepath.Join(home, ".lodestar", string(mode)),
	}
}

// Active returns the initialized profile. Querying before Initialize is
// a programming error, not a recoverable condition: it panics.
func (r *Resolver) Active() *Profile {
	if r.active == nil {
		panic("envprofile: Active() called before Initialize()")
	}
	return r.active
}

// cleanupTestingResidue wipes the testing state dir contents and removes
// any container labeled as a testing instance. Both steps tolerate
// nothing-to-do.
func (r *Resolver) cleanupTestingResidue(ctx context.Context, profile *Profile) error {
	entries, err := os.ReadDir(profile.StateDir)
	if err == nil {
		for _, entry := range entries {
			_ = os.RemoveAll(filepath.Join(profile.StateDir, entry.Name()))
		}
	}

	res, err := r.runner.Run(ctx, "docker", "ps", "--all", "--quiet",
		"--filter", "label="+ModeLabel+"="+string(ModeTesting))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s", process.ErrCommandFailed, res.Diagnostic())
	}

	ids := strings.Fields(res.Stdout)
	if len(ids) == 0 {
		return nil
	}

	args := append([]string{"rm", "--force"}, ids...)
	res, err = r.runner.Run(ctx, "docker", args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s", process.ErrCommandFailed, res.Diagnostic())
	}

	r.logger.Info("removed stale testing containers", "count", len(ids))
	return nil
}
