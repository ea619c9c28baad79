// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// TemplateSource acquires the deployment template (the base orchestration
// file) into a target directory. Acquisition failures are surfaced as-is
// and never auto-retried: a broken remote should be visible, not masked
// by a retry loop.
type TemplateSource interface {
	// Acquire writes the orchestration file into targetDir.
	Acquire(ctx context.Context, targetDir string) error
}

// GitTemplateSource fetches the template repository with the git CLI and
// copies its orchestration file into the target. The clone is cached and
// fast-forwarded on subsequent acquisitions.
type GitTemplateSource struct {
	Runner   process.Runner
	RepoURL  string
	Ref      string
	CacheDir string
	Logger   *logging.Logger
}

func (g *GitTemplateSource) Acquire(ctx context.Context, targetDir string) error {
	if err := g.syncCache(ctx); err != nil {
		return err
	}

	src := filepath.Join(g.CacheDir, envprofile.ComposeFileName)
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("template repository has no %s: %w", envprofile.ComposeFileName, err)
	}
	return os.WriteFile(filepath.Join(targetDir, envprofile.ComposeFileName), raw, 0644)
}

func (g *GitTemplateSource) syncCache(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.CacheDir, ".git")); err == nil {
		res, err := g.Runner.Run(ctx, "git", "-C", g.CacheDir, "pull", "--ff-only")
		if err != nil {
			return fmt.Errorf("template pull: %w", err)
		}
		if !res.Success() {
			return fmt.Errorf("template pull: %w: %s", process.ErrCommandFailed, res.Diagnostic())
		}
		g.Logger.Debug("template cache refreshed", "dir", g.CacheDir)
		return nil
	}

	args := []string{"clone", "--depth", "1"}
	if g.Ref != "" {
		args = append(args, "--branch", g.Ref)
	}
	args = append(args, g.RepoURL, g.CacheDir)

	res, err := g.Runner.Run(ctx, "git", args...)
	if err != nil {
		return fmt.Errorf("template clone: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("template clone: %w: %s", process.ErrCommandFailed, res.Diagnostic())
	}
	g.Logger.Info("template repository cloned", "url", g.RepoURL, "ref", g.Ref)
	return nil
}

// OfflineTemplateSource reuses a local artifact directory, for air-gapped
// installs where the template ships alongside the binary.
type OfflineTemplateSource struct {
	ArtifactDir string
}

func (o *OfflineTemplateSource) Acquire(ctx context.Context, targetDir string) error {
	src := filepath.Join(o.ArtifactDir, envprofile.ComposeFileName)
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("offline template artifact missing %s: %w", envprofile.ComposeFileName, err)
	}
	return os.WriteFile(filepath.Join(targetDir, envprofile.ComposeFileName), raw, 0644)
}

// Compile-time interface checks.
var (
	_ TemplateSource = (*GitTemplateSource)(nil)
	_ TemplateSource = (*OfflineTemplateSource)(nil)
)
