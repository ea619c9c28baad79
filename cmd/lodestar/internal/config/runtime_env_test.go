// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRuntimeEnvironment_CanonicalAndLegacyValuesIdentical(t *testing.T) {
	cfg := devDefaults()
	cfg.Database.Password = "hunter2"
	cfg.Network.HTTPPort = 4080

	env := GenerateRuntimeEnvironment(cfg)

	for _, b := range envBindings {
		canonical, ok := env[b.canonical]
		require.True(t, ok, "missing canonical key %s", b.canonical)
		legacy, ok := env[b.legacy]
		require.True(t, ok, "missing legacy key %s", b.legacy)
		assert.Equal(t, canonical, legacy,
			"%s and %s must carry the same value", b.canonical, b.legacy)
	}
}

func TestGenerateRuntimeEnvironment_Values(t *testing.T) {
	cfg := devDefaults()
	cfg.Network.Domain = "shop.example"
	cfg.Network.HTTPPort = 4080
	cfg.Runtime.ImageTag = "v2.3.4"
	cfg.TLS.Enabled = true

	env := GenerateRuntimeEnvironment(cfg)

	assert.Equal(t, "shop.example", env["LODESTAR_DOMAIN"])
	assert.Equal(t, "shop.example", env["DOMAIN"])
	assert.Equal(t, "4080", env["PORT"])
	assert.Equal(t, "v2.3.4", env["APP_VERSION"])
	assert.Equal(t, "true", env["TLS_ENABLED"])
	assert.Equal(t, cfg.Database.Password, env["POSTGRES_PASSWORD"])
}

func TestGenerateRuntimeEnvironment_Pure(t *testing.T) {
	cfg := devDefaults()
	assert.Equal(t, GenerateRuntimeEnvironment(cfg), GenerateRuntimeEnvironment(cfg))
}

func TestEnvBindings_KeysAreUniqueAndNamespaced(t *testing.T) {
	seen := map[string]bool{}
	for _, b := range envBindings {
		assert.True(t, strings.HasPrefix(b.canonical, "LODESTAR_"),
			"canonical key %s must be namespaced", b.canonical)
		assert.False(t, strings.HasPrefix(b.legacy, "LODESTAR_"),
			"legacy key %s must not be namespaced", b.legacy)

		for _, key := range []string{b.canonical, b.legacy} {
			assert.False(t, seen[key], "duplicate env key %s", key)
			seen[key] = true
		}
	}
}

func TestRuntimeEnvironmentKeys_SortedByCanonical(t *testing.T) {
	pairs := RuntimeEnvironmentKeys()
	require.Len(t, pairs, len(envBindings))
	for i := 1; i < len(pairs); i++ {
		assert.Less(t, pairs[i-1][0], pairs[i][0])
	}
}
