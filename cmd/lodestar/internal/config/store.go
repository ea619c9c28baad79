// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package config owns the versioned deployment configuration document.

One Store manages one deployment's configuration: load-or-default with
schema migration, deep-merge updates, timestamped backups with restore,
and runtime environment generation. The document lives as JSON under the
mode-specific state directory; every write is atomic (temp file + rename)
so a crash mid-write never corrupts the live document.

The Store is an explicit object constructed at startup and passed to the
components that need it. External edits to the persisted file are picked
up on the next Initialize, not watched.
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// ConfigFileName is the live document's file name under the state dir.
const ConfigFileName = "deployment.json"

// backupDirName holds timestamped backups next to the live document.
const backupDirName = "backups"

// ErrBackupFailed is returned when a backup cannot be written. The live
// document is never mutated once this is returned.
var ErrBackupFailed = errors.New("configuration backup failed")

// ErrSchemaTooNew is returned when the persisted document was written by
// a newer release. Refusing is safer than guessing at unknown fields.
var ErrSchemaTooNew = errors.New("configuration schema is newer than this release")

// BackupInfo describes one backup on disk.
type BackupInfo struct {
	// ID correlates the backup with the operation that took it.
	ID string `json:"id"`

	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store manages the persisted configuration for one deployment.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads return copies; the
// caller can never alias the live document.
type Store struct {
	path      string
	backupDir string
	mode      envprofile.Mode
	logger    *logging.Logger

	// now and newID are injectable for tests.
	now   func() time.Time
	newID func() string

	mu      sync.RWMutex
	current *DeploymentConfig
}

// NewStore creates a Store rooted at the profile's state directory.
// Initialize must be called before any other method.
func NewStore(stateDir string, mode envprofile.Mode, logger *logging.Logger) *Store {
	return &Store{
		path:      filepath.Join(stateDir, ConfigFileName),
		backupDir: filepath.Join(stateDir, backupDirName),
		mode:      mode,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Path returns the live document's location.
func (s *Store) Path() string { return s.path }

// =============================================================================
// Load and migrate
// =============================================================================

// Initialize loads the persisted document, materializing and persisting
// defaults when absent. A malformed file falls back to defaults with a
// logged warning rather than blocking startup. Documents at an older
// schema version are backed up ("pre-migration") and migrated in place;
// documents from a newer release are refused.
func (s *Store) Initialize() (DeploymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig(envprofile.PortsFor(s.mode))
		if err := s.persistLocked(cfg); err != nil {
			return DeploymentConfig{}, err
		}
		s.current = cfg
		s.logger.Info("configuration initialized with defaults", "path", s.path)
		return *cfg, nil
	}
	if err != nil {
		return DeploymentConfig{}, fmt.Errorf("failed to read configuration: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("persisted configuration is malformed, falling back to defaults",
			"path", s.path, "error", err)
		cfg := DefaultConfig(envprofile.PortsFor(s.mode))
		if err := s.persistLocked(cfg); err != nil {
			return DeploymentConfig{}, err
		}
		s.current = cfg
		return *cfg, nil
	}

	version := documentVersion(doc)
	if version > CurrentSchemaVersion {
		return DeploymentConfig{}, fmt.Errorf("%w: document version %d, supported %d",
			ErrSchemaTooNew, version, CurrentSchemaVersion)
	}

	if version < CurrentSchemaVersion {
		if _, err := s.writeBackupLocked(raw, "pre-migration"); err != nil {
			return DeploymentConfig{}, err
		}
		if _, err := MigrateDocument(doc, CurrentSchemaVersion); err != nil {
			return DeploymentConfig{}, err
		}
		s.logger.Info("configuration migrated",
			"from_version", version, "to_version", CurrentSchemaVersion)
	}

	cfg, err := documentToConfig(doc)
	if err != nil {
		return DeploymentConfig{}, err
	}

	if version < CurrentSchemaVersion {
		if err := s.persistLocked(cfg); err != nil {
			return DeploymentConfig{}, err
		}
	}

	s.current = cfg
	return *cfg, nil
}

// Current returns a copy of the live configuration. Panics before
// Initialize: querying an unloaded store is a programming error.
func (s *Store) Current() DeploymentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		panic("config: Current() called before Initialize()")
	}
	return *s.current
}

// =============================================================================
// Update
// =============================================================================

// UpdateConfig deep-merges partial into the live document and persists
// atomically. Nested objects merge field by field; scalars and arrays
// replace wholesale. When the update policy's autoBackup flag is set, a
// "pre-update" backup is taken first; if that backup fails, the live
// document is untouched. The merged result is validated for the active
// mode before anything is written.
func (s *Store) UpdateConfig(partial map[string]any) (DeploymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		panic("config: UpdateConfig() called before Initialize()")
	}

	if s.current.Update.AutoBackup {
		if _, err := s.backupCurrentLocked("pre-update"); err != nil {
			return DeploymentConfig{}, err
		}
	}

	doc, err := configToDocument(s.current)
	if err != nil {
		return DeploymentConfig{}, err
	}
	deepMerge(doc, partial)

	merged, err := documentToConfig(doc)
	if err != nil {
		return DeploymentConfig{}, err
	}
	merged.SchemaVersion = CurrentSchemaVersion

	if err := Validate(merged, s.mode); err != nil {
		return DeploymentConfig{}, err
	}
	if err := s.persistLocked(merged); err != nil {
		return DeploymentConfig{}, err
	}

	s.current = merged
	s.logger.Info("configuration updated", "keys", topLevelKeys(partial))
	return *merged, nil
}

// deepMerge merges src into dst recursively. Maps merge field by field;
// every other value, arrays included, replaces the destination wholesale.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, srcIsMap := srcVal.(map[string]any); srcIsMap {
			if dstMap, dstIsMap := dst[key].(map[string]any); dstIsMap {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// =============================================================================
// Backups
// =============================================================================

// CreateBackup writes the live document to the backup directory under a
// timestamp+reason name. The live document is never mutated.
func (s *Store) CreateBackup(reason string) (BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		panic("config: CreateBackup() called before Initialize()")
	}
	return s.backupCurrentLocked(reason)
}

func (s *Store) backupCurrentLocked(reason string) (BackupInfo, error) {
	raw, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	return s.writeBackupLocked(raw, reason)
}

func (s *Store) writeBackupLocked(raw []byte, reason string) (BackupInfo, error) {
	if err := os.MkdirAll(s.backupDir, 0750); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	createdAt := s.now().UTC()
	id := s.newID()
	name := fmt.Sprintf("deployment-%s-%s-%s.json",
		reason, createdAt.Format("20060102T150405Z"), shortID(id))
	path := filepath.Join(s.backupDir, name)

	if err := writeFileAtomic(path, raw, 0600); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	info := BackupInfo{ID: id, Path: path, Reason: reason, CreatedAt: createdAt}
	s.logger.Info("configuration backup created", "reason", reason, "path", path)
	return info, nil
}

// ListBackups returns all backups, newest first. File names encode the
// reason and timestamp, so no sidecar index is needed.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		info, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		info.Path = filepath.Join(s.backupDir, entry.Name())
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// RestoreFromBackup replaces the live document with a backup. The loaded
// document is migrated to the current schema and validated first, and
// the live document is backed up as "pre-restore" before it is replaced,
// so a restore is itself reversible.
func (s *Store) RestoreFromBackup(path string) (DeploymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		panic("config: RestoreFromBackup() called before Initialize()")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return DeploymentConfig{}, fmt.Errorf("failed to read backup %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DeploymentConfig{}, fmt.Errorf("%w: backup %s is malformed: %v", ErrValidation, path, err)
	}
	if v := documentVersion(doc); v > CurrentSchemaVersion {
		return DeploymentConfig{}, fmt.Errorf("%w: backup version %d, supported %d",
			ErrSchemaTooNew, v, CurrentSchemaVersion)
	}
	if _, err := MigrateDocument(doc, CurrentSchemaVersion); err != nil {
		return DeploymentConfig{}, err
	}

	cfg, err := documentToConfig(doc)
	if err != nil {
		return DeploymentConfig{}, err
	}
	if err := Validate(cfg, s.mode); err != nil {
		return DeploymentConfig{}, err
	}

	if _, err := s.backupCurrentLocked("pre-restore"); err != nil {
		return DeploymentConfig{}, err
	}
	if err := s.persistLocked(cfg); err != nil {
		return DeploymentConfig{}, err
	}

	s.current = cfg
	s.logger.Info("configuration restored", "from", path)
	return *cfg, nil
}

// =============================================================================
// Persistence helpers
// =============================================================================

func (s *Store) persistLocked(cfg *DeploymentConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := writeFileAtomic(s.path, raw, 0600); err != nil {
		return fmt.Errorf("failed to persist configuration: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file in the target directory and
// renames it into place. rename(2) is atomic on the same filesystem.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// documentToConfig decodes a raw document into the typed struct. Unknown
// fields are dropped; the JSON on disk is the source of truth only for
// fields the schema declares.
func documentToConfig(doc map[string]any) (*DeploymentConfig, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode configuration document: %w", err)
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &cfg, nil
}

func configToDocument(cfg *DeploymentConfig) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return doc, nil
}

func parseBackupName(name string) (BackupInfo, bool) {
	if !strings.HasPrefix(name, "deployment-") || !strings.HasSuffix(name, ".json") {
		return BackupInfo{}, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "deployment-"), ".json")

	// {reason}-{timestamp}-{shortID}; the reason itself may contain dashes.
	parts := strings.Split(trimmed, "-")
	if len(parts) < 3 {
		return BackupInfo{}, false
	}
	id := parts[len(parts)-1]
	stamp := parts[len(parts)-2]
	reason := strings.Join(parts[:len(parts)-2], "-")

	createdAt, err := time.Parse("20060102T150405Z", stamp)
	if err != nil {
		return BackupInfo{}, false
	}
	return BackupInfo{ID: id, Reason: reason, CreatedAt: createdAt}, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func topLevelKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
