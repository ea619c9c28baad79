// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
)

// =============================================================================
// Migration chain
// =============================================================================

// Migration upgrades a raw configuration document to Version (and can
// reverse it). Up and Down operate on the decoded JSON map so they can
// handle documents whose shape predates the current struct.
//
// Every Up must be idempotent: detect-and-fill missing fields, never
// blind-overwrite. Running the chain over an already-current document is
// a no-op.
type Migration struct {
	// Version is the schema version this migration upgrades TO.
	Version int

	Up   func(doc map[string]any)
	Down func(doc map[string]any)
}

// migrations is the full chain, strictly ascending by Version.
//
// History:
//
//	v1  initial schema (network, database, objectStore, cache, auth, runtime)
//	v2  background task engine settings + cache password
//	v3  edge-router TLS section + update policy section
var migrations = []Migration{
	{
		Version: 2,
		Up: func(doc map[string]any) {
			setIfAbsent(doc, "tasks", map[string]any{
				"workers":             4,
				"queueName":           "lodestar:tasks",
				"pollIntervalSeconds": 5,
			})
			if cache, ok := doc["cache"].(map[string]any); ok {
				setIfAbsent(cache, "password", "")
			}
		},
		Down: func(doc map[string]any) {
			delete(doc, "tasks")
			if cache, ok := doc["cache"].(map[string]any); ok {
				delete(cache, "password")
			}
		},
	},
	{
		Version: 3,
		Up: func(doc map[string]any) {
			setIfAbsent(doc, "tls", map[string]any{
				"enabled":   false,
				"certFile":  "",
				"keyFile":   "",
				"acmeEmail": "",
			})
			setIfAbsent(doc, "update", map[string]any{
				"channel":              "https://releases.lodestar.sh/stable/manifest.json",
				"autoCheck":            true,
				"autoApply":            false,
				"autoBackup":           true,
				"checkIntervalMinutes": 360,
			})
		},
		Down: func(doc map[string]any) {
			delete(doc, "tls")
			delete(doc, "update")
		},
	},
}

// setIfAbsent fills a key only when missing, keeping migrations idempotent.
func setIfAbsent(doc map[string]any, key string, value any) {
	if _, present := doc[key]; !present {
		doc[key] = value
	}
}

// documentVersion reads schemaVersion from a raw document. Documents that
// predate versioning carry no field and are treated as version 1.
func documentVersion(doc map[string]any) int {
	switch v := doc["schemaVersion"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// MigrateDocument runs the ascending chain over doc in place, applying
// each migration only when currentVersion < migration.Version <= target.
// Returns whether anything changed. Documents already at or above target
// are untouched.
func MigrateDocument(doc map[string]any, target int) (bool, error) {
	current := documentVersion(doc)
	if current >= target {
		return false, nil
	}

	for _, m := range migrations {
		if current < m.Version && m.Version <= target {
			m.Up(doc)
			current = m.Version
		}
	}

	if current != target {
		return false, fmt.Errorf("%w: no migration path to schema version %d (reached %d)", ErrValidation, target, current)
	}

	doc["schemaVersion"] = target
	return true, nil
}

// DowngradeDocument runs the chain in reverse, applying each Down when
// target < migration.Version <= currentVersion. Used when exporting a
// configuration for an older application release.
func DowngradeDocument(doc map[string]any, target int) (bool, error) {
	current := documentVersion(doc)
	if current <= target {
		return false, nil
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if target < m.Version && m.Version <= current {
			m.Down(doc)
			current = m.Version - 1
		}
	}

	if current != target {
		return false, fmt.Errorf("%w: no downgrade path to schema version %d (reached %d)", ErrValidation, target, current)
	}

	doc["schemaVersion"] = target
	return true, nil
}
