// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/envprofile"
)

// CurrentSchemaVersion is the schema version this build reads and writes.
// Persisted documents with a lower version are migrated on load; the
// version only ever increases via migration.
const CurrentSchemaVersion = 3

// PlaceholderSecret is the value defaults carry for every secret field.
// Production mode refuses to run until all of them are replaced.
const PlaceholderSecret = "change-me"

// ErrValidation is returned when a configuration is rejected before any
// side effect takes place.
var ErrValidation = errors.New("configuration validation failed")

// DeploymentConfig is the versioned configuration document for one
// deployment: the application and its four supporting services plus
// runtime, TLS, and update policy.
type DeploymentConfig struct {
	SchemaVersion int `json:"schemaVersion"`

	Network     NetworkConfig     `json:"network"`
	Database    DatabaseConfig    `json:"database"`
	ObjectStore ObjectStoreConfig `json:"objectStore"`
	Cache       CacheConfig       `json:"cache"`
	Tasks       TasksConfig       `json:"tasks"`
	Auth        AuthConfig        `json:"auth"`
	Runtime     RuntimeConfig     `json:"runtime"`
	TLS         TLSConfig         `json:"tls"`
	Update      UpdatePolicy      `json:"update"`
}

// NetworkConfig describes the endpoints the stack exposes on the host.
type NetworkConfig struct {
	// Domain the edge router answers for. "localhost" in development.
	Domain string `json:"domain" validate:"required"`

	// HTTPPort is the application HTTP port.
	HTTPPort int `json:"httpPort" validate:"min=1,max=65535"`

	// APIPort is the application API port.
	APIPort int `json:"apiPort" validate:"min=1,max=65535"`

	// EdgePort is the edge router entrypoint port.
	EdgePort int `json:"edgePort" validate:"min=1,max=65535"`
}

// DatabaseConfig describes the relational database service.
type DatabaseConfig struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	Name     string `json:"name" validate:"required"`
	User     string `json:"user" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ObjectStoreConfig describes the object storage service.
type ObjectStoreConfig struct {
	Endpoint  string `json:"endpoint" validate:"required"`
	AccessKey string `json:"accessKey" validate:"required"`
	SecretKey string `json:"secretKey" validate:"required"`
	Bucket    string `json:"bucket" validate:"required"`
	Region    string `json:"region"`
}

// CacheConfig describes the cache service.
type CacheConfig struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	Password string `json:"password"`
}

// TasksConfig describes the background task-execution engine embedded in
// the application service.
type TasksConfig struct {
	// Workers is the task worker pool size.
	Workers int `json:"workers" validate:"min=1"`

	// QueueName is the cache-backed queue the workers drain.
	QueueName string `json:"queueName" validate:"required"`

	// PollIntervalSeconds is how often idle workers poll the queue.
	PollIntervalSeconds int `json:"pollIntervalSeconds" validate:"min=1"`
}

// AuthConfig carries the application's signing secrets.
type AuthConfig struct {
	JWTSecret     string `json:"jwtSecret" validate:"required"`
	SessionSecret string `json:"sessionSecret" validate:"required"`
}

// RuntimeConfig describes the container runtime and application artifact.
type RuntimeConfig struct {
	// Binary is the container runtime CLI ("docker" or "podman").
	Binary string `json:"binary" validate:"required,oneof=docker podman"`

	// ImageRepository is the application image without tag.
	ImageRepository string `json:"imageRepository" validate:"required"`

	// ImageTag is the application version currently deployed.
	ImageTag string `json:"imageTag" validate:"required"`
}

// TLSConfig controls edge-router TLS.
type TLSConfig struct {
	Enabled   bool   `json:"enabled"`
	CertFile  string `json:"certFile"`
	KeyFile   string `json:"keyFile"`
	ACMEEmail string `json:"acmeEmail"`
}

// UpdatePolicy controls update checking and backup behavior.
type UpdatePolicy struct {
	// Channel is the HTTPS endpoint serving the release manifest.
	Channel string `json:"channel" validate:"required,url"`

	// AutoCheck enables the periodic background update check.
	AutoCheck bool `json:"autoCheck"`

	// AutoApply lets the periodic check also download and install.
	AutoApply bool `json:"autoApply"`

	// AutoBackup takes a configuration backup before every mutating
	// update operation.
	AutoBackup bool `json:"autoBackup"`

	// CheckIntervalMinutes is the periodic check cadence.
	CheckIntervalMinutes int `json:"checkIntervalMinutes" validate:"min=1"`
}

// DefaultConfig returns the configuration a fresh installation persists.
// The network section is seeded from the mode's port triple so instances
// of different modes never bind the same host ports. All secrets are
// placeholders; production mode rejects them.
func DefaultConfig(ports envprofile.Ports) *DeploymentConfig {
	return &DeploymentConfig{
		SchemaVersion: CurrentSchemaVersion,
		Network: NetworkConfig{
			Domain:   "localhost",
			HTTPPort: ports.Primary,
			APIPort:  ports.API,
			EdgePort: ports.Edge,
		},
		Database: DatabaseConfig{
			Host:     "postgres",
			Port:     5432,
			Name:     "lodestar",
			User:     "lodestar",
			Password: PlaceholderSecret,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  "http://minio:9000",
			AccessKey: "lodestar",
			SecretKey: PlaceholderSecret,
			Bucket:    "lodestar",
			Region:    "us-east-1",
		},
		Cache: CacheConfig{
			Host: "redis",
			Port: 6379,
		},
		Tasks: TasksConfig{
			Workers:             4,
			QueueName:           "lodestar:tasks",
			PollIntervalSeconds: 5,
		},
		Auth: AuthConfig{
			JWTSecret:     PlaceholderSecret,
			SessionSecret: PlaceholderSecret,
		},
		Runtime: RuntimeConfig{
			Binary:          "docker",
			ImageRepository: "ghcr.io/lodestar-sh/app",
			ImageTag:        "v1.0.0",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Update: UpdatePolicy{
			Channel:              "https://releases.lodestar.sh/stable/manifest.json",
			AutoCheck:            true,
			AutoApply:            false,
			AutoBackup:           true,
			CheckIntervalMinutes: 360,
		},
	}
}

// Validate checks structural validity and, in production mode, rejects
// default placeholder secrets. Returns an ErrValidation-wrapped error
// naming the offending fields; no side effects.
func Validate(cfg *DeploymentConfig, mode envprofile.Mode) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if mode != envprofile.ModeProduction {
		return nil
	}

	placeholders := placeholderFields(cfg)
	if len(placeholders) > 0 {
		return fmt.Errorf("%w: production mode rejects placeholder secrets in %v", ErrValidation, placeholders)
	}
	return nil
}

// validate is package-wide; validator instances cache struct metadata
// and are safe for concurrent use.
var validate = validator.New()

func placeholderFields(cfg *DeploymentConfig) []string {
	var fields []string
	secretFields := []struct {
		name  string
		value string
	}{
		{"database.password", cfg.Database.Password},
		{"objectStore.secretKey", cfg.ObjectStore.SecretKey},
		{"auth.jwtSecret", cfg.Auth.JWTSecret},
		{"auth.sessionSecret", cfg.Auth.SessionSecret},
	}
	for _, f := range secretFields {
		if f.value == PlaceholderSecret {
			fields = append(fields, f.name)
		}
	}
	return fields
}
