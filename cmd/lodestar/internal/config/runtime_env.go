// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"sort"
	"strconv"
)

// envBinding maps one configuration field to its environment keys. Every
// field emits a canonical LODESTAR_-namespaced key plus the legacy alias
// older application images read, always with the identical value. The
// table is the single source of truth; nothing else hand-writes env keys.
type envBinding struct {
	canonical string
	legacy    string
	value     func(cfg *DeploymentConfig) string
}

var envBindings = []envBinding{
	// Network
	{"LODESTAR_DOMAIN", "DOMAIN", func(c *DeploymentConfig) string { return c.Network.Domain }},
	{"LODESTAR_HTTP_PORT", "PORT", func(c *DeploymentConfig) string { return itoa(c.Network.HTTPPort) }},
	{"LODESTAR_API_PORT", "API_PORT", func(c *DeploymentConfig) string { return itoa(c.Network.APIPort) }},
	{"LODESTAR_EDGE_PORT", "EDGE_PORT", func(c *DeploymentConfig) string { return itoa(c.Network.EdgePort) }},

	// Database
	{"LODESTAR_DB_HOST", "POSTGRES_HOST", func(c *DeploymentConfig) string { return c.Database.Host }},
	{"LODESTAR_DB_PORT", "POSTGRES_PORT", func(c *DeploymentConfig) string { return itoa(c.Database.Port) }},
	{"LODESTAR_DB_NAME", "POSTGRES_DB", func(c *DeploymentConfig) string { return c.Database.Name }},
	{"LODESTAR_DB_USER", "POSTGRES_USER", func(c *DeploymentConfig) string { return c.Database.User }},
	{"LODESTAR_DB_PASSWORD", "POSTGRES_PASSWORD", func(c *DeploymentConfig) string { return c.Database.Password }},

	// Object store
	{"LODESTAR_S3_ENDPOINT", "MINIO_ENDPOINT", func(c *DeploymentConfig) string { return c.ObjectStore.Endpoint }},
	{"LODESTAR_S3_ACCESS_KEY", "MINIO_ROOT_USER", func(c *DeploymentConfig) string { return c.ObjectStore.AccessKey }},
	{"LODESTAR_S3_SECRET_KEY", "MINIO_ROOT_PASSWORD", func(c *DeploymentConfig) string { return c.ObjectStore.SecretKey }},
	{"LODESTAR_S3_BUCKET", "S3_BUCKET", func(c *DeploymentConfig) string { return c.ObjectStore.Bucket }},
	{"LODESTAR_S3_REGION", "S3_REGION", func(c *DeploymentConfig) string { return c.ObjectStore.Region }},

	// Cache
	{"LODESTAR_CACHE_HOST", "REDIS_HOST", func(c *DeploymentConfig) string { return c.Cache.Host }},
	{"LODESTAR_CACHE_PORT", "REDIS_PORT", func(c *DeploymentConfig) string { return itoa(c.Cache.Port) }},
	{"LODESTAR_CACHE_PASSWORD", "REDIS_PASSWORD", func(c *DeploymentConfig) string { return c.Cache.Password }},

	// Tasks
	{"LODESTAR_TASK_WORKERS", "TASK_WORKERS", func(c *DeploymentConfig) string { return itoa(c.Tasks.Workers) }},
	{"LODESTAR_TASK_QUEUE", "TASK_QUEUE", func(c *DeploymentConfig) string { return c.Tasks.QueueName }},
	{"LODESTAR_TASK_POLL_INTERVAL", "TASK_POLL_INTERVAL", func(c *DeploymentConfig) string { return itoa(c.Tasks.PollIntervalSeconds) }},

	// Auth
	{"LODESTAR_JWT_SECRET", "JWT_SECRET", func(c *DeploymentConfig) string { return c.Auth.JWTSecret }},
	{"LODESTAR_SESSION_SECRET", "SESSION_SECRET", func(c *DeploymentConfig) string { return c.Auth.SessionSecret }},

	// Runtime artifact
	{"LODESTAR_IMAGE_REPOSITORY", "APP_IMAGE", func(c *DeploymentConfig) string { return c.Runtime.ImageRepository }},
	{"LODESTAR_IMAGE_TAG", "APP_VERSION", func(c *DeploymentConfig) string { return c.Runtime.ImageTag }},

	// TLS
	{"LODESTAR_TLS_ENABLED", "TLS_ENABLED", func(c *DeploymentConfig) string { return strconv.FormatBool(c.TLS.Enabled) }},
	{"LODESTAR_TLS_CERT_FILE", "TLS_CERT_FILE", func(c *DeploymentConfig) string { return c.TLS.CertFile }},
	{"LODESTAR_TLS_KEY_FILE", "TLS_KEY_FILE", func(c *DeploymentConfig) string { return c.TLS.KeyFile }},
	{"LODESTAR_ACME_EMAIL", "ACME_EMAIL", func(c *DeploymentConfig) string { return c.TLS.ACMEEmail }},
}

func itoa(v int) string { return strconv.Itoa(v) }

// GenerateRuntimeEnvironment renders the flat key/value environment the
// container stack consumes. Pure: same configuration in, same map out.
func GenerateRuntimeEnvironment(cfg *DeploymentConfig) map[string]string {
	env := make(map[string]string, 2*len(envBindings))
	for _, b := range envBindings {
		v := b.value(cfg)
		env[b.canonical] = v
		env[b.legacy] = v
	}
	return env
}

// RuntimeEnvironmentKeys returns every canonical/legacy key pair the
// binding table emits, sorted by canonical key. Used by the .env renderer
// to preserve a stable ordering for keys it introduces.
func RuntimeEnvironmentKeys() [][2]string {
	pairs := make([][2]string, 0, len(envBindings))
	for _, b := range envBindings {
		pairs = append(pairs, [2]string{b.canonical, b.legacy})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

// RuntimeEnvironment is the Store-level convenience over the pure
// generator, reading the live configuration under the lock.
func (s *Store) RuntimeEnvironment() map[string]string {
	cfg := s.Current()
	return GenerateRuntimeEnvironment(&cfg)
}
