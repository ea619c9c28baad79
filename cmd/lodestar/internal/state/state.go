// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state persists orchestration state across CLI invocations: which
// deployment directories have been set up and how the last install ended.
// This is bookkeeping, not configuration; the deployment configuration
// document is owned by the config package.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// SchemaVersion of the orchestration state document.
const SchemaVersion = 1

// StateFileName under the mode-specific state directory.
const StateFileName = "state.json"

// Install outcome statuses.
const (
	InstallCompleted  = "completed"
	InstallFailed     = "failed"
	InstallRolledBack = "rolled-back"
)

// InstallOutcome records how the most recent install or rollback ended.
type InstallOutcome struct {
	// OperationID correlates the outcome with log lines and backups.
	OperationID string `json:"operationId"`

	FromVersion string    `json:"fromVersion"`
	ToVersion   string    `json:"toVersion"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Document is the persisted orchestration state.
type Document struct {
	SchemaVersion int `json:"schemaVersion"`

	// Mode the state was written under; a mismatch on load means the
	// state dir was shared across modes, which the profile layer prevents.
	Mode string `json:"mode"`

	// SetupPaths are deployment directories setup has materialized.
	SetupPaths []string `json:"setupPaths,omitempty"`

	// InstallOutcome of the most recent install/rollback, if any.
	InstallOutcome *InstallOutcome `json:"installOutcome,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists the Document atomically under the state directory.
// All methods are safe for concurrent use.
type Store struct {
	path   string
	mode   string
	logger *logging.Logger

	now func() time.Time

	mu sync.Mutex
}

// NewStore creates a Store for the given mode state directory.
func NewStore(stateDir, mode string, logger *logging.Logger) *Store {
	return &Store{
		path:   filepath.Join(stateDir, StateFileName),
		mode:   mode,
		logger: logger,
		now:    time.Now,
	}
}

// Load reads the persisted document. A missing file returns an empty
// document and found=false. A malformed file is treated the same, with a
// warning: orchestration state is reconstructible bookkeeping, so losing
// it must never block the CLI.
func (s *Store) Load() (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Document, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.emptyDoc(), false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("failed to read state: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("orchestration state is malformed, starting fresh",
			"path", s.path, "error", err)
		return s.emptyDoc(), false, nil
	}
	return doc, true, nil
}

func (s *Store) emptyDoc() Document {
	return Document{SchemaVersion: SchemaVersion, Mode: s.mode}
}

// Save persists the document atomically, stamping UpdatedAt and the
// schema version.
func (s *Store) Save(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *Store) saveLocked(doc Document) error {
	doc.SchemaVersion = SchemaVersion
	doc.Mode = s.mode
	doc.UpdatedAt = s.now().UTC()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), StateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to stage state write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to stage state write: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to stage state write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to stage state write: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// Clear removes the persisted document. Tolerates nothing-to-clear.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// RecordSetupPath marks a deployment directory as set up. Idempotent.
func (s *Store) RecordSetupPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.loadLocked()
	if err != nil {
		return err
	}
	if slices.Contains(doc.SetupPaths, path) {
		return nil
	}
	doc.SetupPaths = append(doc.SetupPaths, path)
	return s.saveLocked(doc)
}

// RecordInstallOutcome persists the result of an install or rollback.
func (s *Store) RecordInstallOutcome(outcome InstallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.loadLocked()
	if err != nil {
		return err
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.now().UTC()
	}
	doc.InstallOutcome = &outcome
	return s.saveLocked(doc)
}
