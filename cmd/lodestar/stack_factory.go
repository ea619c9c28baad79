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
	"os"
	"path/filepath"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/config"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/health"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/provision"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/state"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// Template source overrides. When the directory variable is set the
// deployment template comes from a local artifact instead of the remote
// repository (air-gapped installs).
const (
	EnvTemplateRepo = "LODESTAR_TEMPLATE_REPO"
	EnvTemplateDir  = "LODESTAR_TEMPLATE_DIR"

	defaultTemplateRepo = "https://github.com/lodestar-sh/deployment-template"
)

// App is the fully wired object graph for one CLI invocation.
//
// Everything is constructed explicitly here and passed down; no package
// holds process-global state.
type App struct {
	Profile *envprofile.Profile
	Store   *config.Store
	States  *state.Store
	Manager *StackManager
	Engine  *UpdateEngine
	Logger  *logging.Logger

	deploymentDir string
}

// BuildApp wires the application for a deployment directory. The
// directory defaults to the working directory when empty.
func BuildApp(ctx context.Context, deploymentDir string, logger *logging.Logger) (*App, error) {
	if deploymentDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve working directory: %w", err)
		}
		deploymentDir = wd
	}
	deploymentDir, err := filepath.Abs(deploymentDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve deployment directory: %w", err)
	}
	// The operation lock lives inside the deployment directory, so the
	// directory must exist before any operation can be serialized on it.
	if err := os.MkdirAll(deploymentDir, 0750); err != nil {
		return nil, fmt.Errorf("cannot create deployment directory: %w", err)
	}

	runner := &process.DefaultRunner{}

	resolver := envprofile.NewResolver(runner, logger)
	profile, err := resolver.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	store := config.NewStore(profile.StateDir, profile.Mode, logger)
	if _, err := store.Initialize(); err != nil {
		return nil, err
	}
	states := state.NewStore(profile.StateDir, string(profile.Mode), logger)

	exec := compose.NewExecutor(runner, profile, store.Current().Runtime.Binary, deploymentDir, logger)
	checker := health.NewChecker(exec, logger)
	materializer := provision.NewMaterializer(profile, templateSource(runner, profile, logger), logger)
	lock := process.NewOperationLock(deploymentDir)

	manager := &StackManager{
		profile:       profile,
		store:         store,
		states:        states,
		exec:          exec,
		checker:       checker,
		materializer:  materializer,
		lock:          lock,
		logger:        logger,
		deploymentDir: deploymentDir,
	}

	engine := NewUpdateEngine(store, states, manager, runner, lock, profile.StateDir, logger)

	return &App{
		Profile:       profile,
		Store:         store,
		States:        states,
		Manager:       manager,
		Engine:        engine,
		Logger:        logger,
		deploymentDir: deploymentDir,
	}, nil
}

// templateSource picks offline or git acquisition from the environment.
func templateSource(runner process.Runner, profile *envprofile.Profile, logger *logging.Logger) provision.TemplateSource {
	if dir := os.Getenv(EnvTemplateDir); dir != "" {
		return &provision.OfflineTemplateSource{ArtifactDir: dir}
	}

	repo := os.Getenv(EnvTemplateRepo)
	if repo == "" {
		repo = defaultTemplateRepo
	}
	return &provision.GitTemplateSource{
		Runner:   runner,
		RepoURL:  repo,
		CacheDir: filepath.Join(profile.StateDir, "template-cache"),
		Logger:   logger,
	}
}
