// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package config holds all application configuration, loaded with Koanf v2
// from layered sources:
//
//  1. Defaults: built-in sensible defaults for every setting
//  2. Config File: optional YAML file (config.yaml) for persistent settings
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"fmt"
	"time"
)

// Config holds all Trailcast configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Registry RegistryConfig `koanf:"registry"`
	Hub      HubConfig      `koanf:"hub"`
	History  HistoryConfig  `koanf:"history"`
	Remote   RemoteConfig   `koanf:"remote"`
	API      APIConfig      `koanf:"api"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
//
// Environment Variables:
//   - HTTP_PORT: listen port (default: 3000)
//   - HTTP_HOST: bind address (default: 0.0.0.0)
//   - HTTP_TIMEOUT: request timeout (default: 30s)
//   - ENVIRONMENT: development or production (default: development)
type ServerConfig struct {
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Host        string        `koanf:"host" validate:"required"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
}

// RegistryConfig holds presence registry behavior.
//
// The sweeper evicts participants whose last activity is older than the
// applicable grace: DisconnectGrace for participants that announced they
// were leaving, DropGrace for everyone else (covers silent socket drops
// and app kills, where a reconnect may still follow).
//
// Environment Variables:
//   - REGISTRY_SWEEP_INTERVAL: sweep cadence (default: 60s)
//   - REGISTRY_DROP_GRACE: eviction grace for silent drops (default: 15m)
//   - REGISTRY_DISCONNECT_GRACE: eviction grace after a goodbye (default: 2m)
//   - REGISTRY_ACTIVE_WINDOW: recency window for the active flag (default: 5m)
type RegistryConfig struct {
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	DropGrace       time.Duration `koanf:"drop_grace"`
	DisconnectGrace time.Duration `koanf:"disconnect_grace"`
	ActiveWindow    time.Duration `koanf:"active_window"`
}

// HubConfig holds WebSocket hub settings.
//
// Environment Variables:
//   - HUB_BROADCAST_BUFFER: broadcast channel capacity (default: 256)
//   - HUB_CLIENT_RATE_LIMIT: inbound frames per second per client (default: 10)
//   - HUB_CLIENT_RATE_BURST: inbound frame burst per client (default: 20)
type HubConfig struct {
	BroadcastBuffer int     `koanf:"broadcast_buffer" validate:"min=1"`
	ClientRateLimit float64 `koanf:"client_rate_limit"`
	ClientRateBurst int     `koanf:"client_rate_burst"`
}

// HistoryConfig holds location history store settings.
//
// Environment Variables:
//   - HISTORY_PATH: Badger database directory (default: /data/trailcast/history)
//   - HISTORY_IN_MEMORY: run Badger in memory, no persistence (default: false)
//   - HISTORY_RETENTION: age after which points are purged (default: 168h)
//   - HISTORY_CLEANUP_INTERVAL: retention pass cadence (default: 1h)
//   - HISTORY_MAX_TRACK_POINTS: hard cap on points returned per track (default: 1000)
type HistoryConfig struct {
	Path            string        `koanf:"path"`
	InMemory        bool          `koanf:"in_memory"`
	Retention       time.Duration `koanf:"retention"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	MaxTrackPoints  int           `koanf:"max_track_points" validate:"min=1"`
}

// RemoteConfig holds the optional upstream location API integration.
//
// When enabled, accepted location points are forwarded to the upstream
// service and friend relations are fetched from it. All calls run through
// a circuit breaker.
//
// Environment Variables:
//   - REMOTE_ENABLED: enable the integration (default: false)
//   - REMOTE_URL: upstream base URL
//   - REMOTE_API_KEY: bearer token for the upstream API
//   - REMOTE_TIMEOUT: per-request timeout (default: 10s)
//   - REMOTE_FLUSH_INTERVAL: forwarding batch cadence (default: 30s)
type RemoteConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url" validate:"omitempty,url"`
	APIKey        string        `koanf:"api_key"`
	Timeout       time.Duration `koanf:"timeout"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// APIConfig holds REST API behavior.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size" validate:"min=1"`
	MaxPageSize     int `koanf:"max_page_size" validate:"min=1"`
}

// SecurityConfig holds authentication and rate limiting settings.
//
// AuthMode selects the authentication scheme for the REST API and the
// WebSocket upgrade:
//   - "none": no authentication (default; logs a prominent warning)
//   - "jwt":  HS256 bearer tokens issued against the shared API secret
//
// Environment Variables:
//   - AUTH_MODE, JWT_SECRET, API_SECRET_HASH, SESSION_TIMEOUT
//   - RATE_LIMIT_REQUESTS, RATE_LIMIT_WINDOW, DISABLE_RATE_LIMIT
//   - CORS_ORIGINS, TRUSTED_PROXIES (comma-separated)
type SecurityConfig struct {
	AuthMode          string        `koanf:"auth_mode" validate:"oneof=none jwt"`
	JWTSecret         string        `koanf:"jwt_secret"`
	APISecretHash     string        `koanf:"api_secret_hash"`
	SessionTimeout    time.Duration `koanf:"session_timeout"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the server runs in production mode.
// Production mode tightens security validation (JWT secret length).
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks cross-field constraints that struct tags cannot express.
// Tag-level validation runs first via the validation package.
func (c *Config) Validate() error {
	if err := validateStructTags(c); err != nil {
		return err
	}

	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be positive, got %v", c.Registry.SweepInterval)
	}
	if c.Registry.DropGrace <= 0 || c.Registry.DisconnectGrace <= 0 {
		return fmt.Errorf("registry grace periods must be positive")
	}
	if c.Registry.DisconnectGrace > c.Registry.DropGrace {
		return fmt.Errorf("registry.disconnect_grace (%v) must not exceed registry.drop_grace (%v)",
			c.Registry.DisconnectGrace, c.Registry.DropGrace)
	}
	if c.Registry.ActiveWindow <= 0 {
		return fmt.Errorf("registry.active_window must be positive, got %v", c.Registry.ActiveWindow)
	}

	if c.History.Retention <= 0 {
		return fmt.Errorf("history.retention must be positive, got %v", c.History.Retention)
	}
	if c.History.Path == "" && !c.History.InMemory {
		return fmt.Errorf("history.path is required unless history.in_memory is set")
	}

	if c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api.max_page_size (%d) must be >= api.default_page_size (%d)",
			c.API.MaxPageSize, c.API.DefaultPageSize)
	}

	if c.Remote.Enabled && c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required when remote.enabled is set")
	}

	return c.validateSecurity()
}

// validateSecurity enforces authentication invariants.
func (c *Config) validateSecurity() error {
	if c.Security.AuthMode != "jwt" {
		return nil
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when auth_mode is jwt")
	}
	// Short secrets are brute-forceable; refuse them where it matters.
	if c.IsProduction() && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters in production")
	}
	if c.Security.SessionTimeout <= 0 {
		return fmt.Errorf("security.session_timeout must be positive, got %v", c.Security.SessionTimeout)
	}
	return nil
}
