// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package provision materializes a deployment directory: orchestration file
from the template source, rendered environment and volume-overlay files,
directory skeleton, and secret placeholders.

Materialize is idempotent. Valid existing artifacts are left untouched
and only gaps are filled, so re-running against a healthy deployment
rewrites nothing. A target directory holding anything outside the known
artifact set is refused before any modification.
*/
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/config"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// ErrProvisioning is the sentinel for all materialization failures.
var ErrProvisioning = errors.New("provisioning failed")

// Skeleton directories every deployment carries.
var skeletonDirs = []string{"data", "dynamic", "certs", "logs", "scripts"}

// acmeStorePath is the edge router's certificate store; it must exist
// with restrictive permissions before first start or the router refuses
// to persist certificates into it.
const acmeStorePath = "certs/acme.json"

// allowedEntries is the artifact allow-list: a non-empty target directory
// is only acceptable when every top-level entry is one of these.
var allowedEntries = []string{
	envprofile.ComposeFileName,
	envprofile.OverlayFileName,
	envprofile.EnvFileName,
	".lodestar.lock",
	"data", "dynamic", "certs", "logs", "scripts",
}

// envFileHeader precedes keys the renderer appends to a user-edited file.
const envFileHeader = "# Managed by lodestar; values regenerate from the deployment configuration."

// Materializer runs the provisioning pipeline for one profile.
type Materializer struct {
	profile *envprofile.Profile
	source  TemplateSource
	logger  *logging.Logger
}

// NewMaterializer creates a Materializer bound to the active profile.
func NewMaterializer(profile *envprofile.Profile, source TemplateSource, logger *logging.Logger) *Materializer {
	return &Materializer{profile: profile, source: source, logger: logger}
}

// Materialize provisions targetDir from cfg.
//
// Pipeline: directory-safety guard, template acquisition (skipped when
// the orchestration file already exists), environment file render,
// volume-overlay render, skeleton directories, secret placeholders, and
// a final existence validation. Any failure triggers best-effort removal
// of everything this call created before the error surfaces.
func (m *Materializer) Materialize(ctx context.Context, targetDir string, cfg *config.DeploymentConfig) (err error) {
	created, guardErr := m.guardTarget(targetDir)
	if guardErr != nil {
		return guardErr
	}

	tracker := &createTracker{created: created}
	defer func() {
		if err != nil {
			tracker.cleanup()
			err = fmt.Errorf("%w: %v", ErrProvisioning, err)
		}
	}()

	composePath := filepath.Join(targetDir, envprofile.ComposeFileName)
	if !fileExists(composePath) {
		if err = m.source.Acquire(ctx, targetDir); err != nil {
			return err
		}
		tracker.add(composePath)
		m.logger.Info("orchestration template acquired", "path", composePath)
	}

	if err = m.renderEnvFile(targetDir, cfg, tracker); err != nil {
		return err
	}
	if err = m.renderVolumeOverlay(targetDir, tracker); err != nil {
		return err
	}
	if err = m.createSkeleton(targetDir, tracker); err != nil {
		return err
	}
	if err = m.writeSecretPlaceholders(targetDir, tracker); err != nil {
		return err
	}
	if err = m.validate(targetDir); err != nil {
		return err
	}

	m.logger.Info("deployment directory materialized", "path", targetDir)
	return nil
}

// guardTarget enforces the directory-safety invariant. Returns the paths
// this call created (the target itself when it was absent) so cleanup can
// undo exactly that.
func (m *Materializer) guardTarget(targetDir string) ([]string, error) {
	info, err := os.Stat(targetDir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(targetDir, 0750); err != nil {
			return nil, fmt.Errorf("%w: cannot create target: %v", ErrProvisioning, err)
		}
		return []string{targetDir}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cannot stat target: %v", ErrProvisioning, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: target %s is not a directory", ErrProvisioning, targetDir)
	}

	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read target: %v", ErrProvisioning, err)
	}
	for _, entry := range entries {
		if !slices.Contains(allowedEntries, entry.Name()) {
			return nil, fmt.Errorf("%w: target %s contains unexpected entry %q; refusing to modify",
				ErrProvisioning, targetDir, entry.Name())
		}
	}
	return nil, nil
}

// =============================================================================
// Environment file
// =============================================================================

// renderEnvFile merges the generated runtime environment into the .env
// file. Existing ordering, comments, and unmanaged keys are preserved;
// managed keys are updated in place and missing ones appended. The file
// is only rewritten when its content actually changes.
func (m *Materializer) renderEnvFile(targetDir string, cfg *config.DeploymentConfig, tracker *createTracker) error {
	path := filepath.Join(targetDir, envprofile.EnvFileName)
	env := config.GenerateRuntimeEnvironment(cfg)

	existing, err := os.ReadFile(path)
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot read %s: %v", path, err)
	}

	rendered := mergeEnvContent(existing, env)
	if existed && bytes.Equal(existing, rendered) {
		return nil
	}

	if err := os.WriteFile(path, rendered, 0600); err != nil {
		return fmt.Errorf("cannot write %s: %v", path, err)
	}
	if !existed {
		tracker.add(path)
	}
	return nil
}

// mergeEnvContent rewrites managed keys in place and appends absent ones
// in canonical-key order (each canonical immediately followed by its
// legacy alias). Comments, blank lines, and unmanaged keys pass through.
func mergeEnvContent(existing []byte, env map[string]string) []byte {
	seen := map[string]bool{}
	var out []string

	if len(existing) > 0 {
		for _, line := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				out = append(out, line)
				continue
			}
			key, _, found := strings.Cut(trimmed, "=")
			key = strings.TrimSpace(key)
			if found {
				if value, managed := env[key]; managed {
					out = append(out, key+"="+value)
					seen[key] = true
					continue
				}
			}
			out = append(out, line)
		}
	}

	var missing []string
	for _, pair := range config.RuntimeEnvironmentKeys() {
		for _, key := range pair {
			if !seen[key] {
				missing = append(missing, key+"="+env[key])
			}
		}
	}
	if len(missing) > 0 {
		if len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, envFileHeader)
		out = append(out, missing...)
	}

	return []byte(strings.Join(out, "\n") + "\n")
}

// =============================================================================
// Volume overlay
// =============================================================================

type overlayNamed struct {
	Name string `yaml:"name"`
}

type overlayDoc struct {
	Networks map[string]overlayNamed `yaml:"networks"`
	Volumes  map[string]overlayNamed `yaml:"volumes"`
}

// renderVolumeOverlay writes the compose overlay pinning mode-namespaced
// volume and network names, so two modes never share persistent data.
func (m *Materializer) renderVolumeOverlay(targetDir string, tracker *createTracker) error {
	doc := overlayDoc{
		Networks: map[string]overlayNamed{
			"default": {Name: m.profile.NetworkName},
		},
		Volumes: map[string]overlayNamed{
			"postgres-data": {Name: m.profile.VolumePrefix + "-postgres"},
			"minio-data":    {Name: m.profile.VolumePrefix + "-minio"},
			"redis-data":    {Name: m.profile.VolumePrefix + "-redis"},
		},
	}

	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot render volume overlay: %v", err)
	}

	path := filepath.Join(targetDir, envprofile.OverlayFileName)
	existing, readErr := os.ReadFile(path)
	existed := readErr == nil
	if existed && bytes.Equal(existing, rendered) {
		return nil
	}

	if err := os.WriteFile(path, rendered, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %v", path, err)
	}
	if !existed {
		tracker.add(path)
	}
	return nil
}

// =============================================================================
// Skeleton and placeholders
// =============================================================================

func (m *Materializer) createSkeleton(targetDir string, tracker *createTracker) error {
	for _, dir := range skeletonDirs {
		path := filepath.Join(targetDir, dir)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("cannot create %s: %v", path, err)
		}
		tracker.add(path)
	}
	return nil
}

func (m *Materializer) writeSecretPlaceholders(targetDir string, tracker *createTracker) error {
	path := filepath.Join(targetDir, filepath.FromSlash(acmeStorePath))
	if fileExists(path) {
		return nil
	}
	if err := os.WriteFile(path, []byte("{}\n"), 0600); err != nil {
		return fmt.Errorf("cannot write %s: %v", path, err)
	}
	tracker.add(path)
	return nil
}

// validate confirms every required artifact exists with the right kind.
func (m *Materializer) validate(targetDir string) error {
	requiredFiles := []string{
		envprofile.ComposeFileName,
		envprofile.OverlayFileName,
		envprofile.EnvFileName,
		filepath.FromSlash(acmeStorePath),
	}
	for _, rel := range requiredFiles {
		path := filepath.Join(targetDir, rel)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("required file %s missing: %v", rel, err)
		}
		if info.IsDir() {
			return fmt.Errorf("required file %s is a directory", rel)
		}
	}
	for _, rel := range skeletonDirs {
		path := filepath.Join(targetDir, rel)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("required directory %s missing: %v", rel, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("required directory %s is not a directory", rel)
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// createTracker remembers what a Materialize call created so a failure
// can undo exactly that and nothing more.
type createTracker struct {
	created []string
}

func (t *createTracker) add(path string) {
	t.created = append(t.created, path)
}

// cleanup removes created paths in reverse order, best effort.
func (t *createTracker) cleanup() {
	for i := len(t.created) - 1; i >= 0; i-- {
		_ = os.RemoveAll(t.created[i])
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
