// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Command server runs the Trailcast relay.
//
// # Application Architecture
//
// Startup wires the components in dependency order:
//
//  1. Configuration (koanf: ENV > file > defaults)
//  2. Logging (zerolog, level/format from config)
//  3. Track history (Badger store + retention loop)
//  4. Presence registry and sweeper
//  5. WebSocket hub and session protocol handler
//  6. Optional upstream forwarder (circuit-breaker HTTP client + flusher)
//  7. Optional JWT authentication
//  8. HTTP router (chi) and server
//  9. Supervisor tree (suture) running everything above
//
// Once running, mobile clients connect over /api/v1/ws, announce an
// identity, and stream filtered location updates. The hub fans every
// accepted update out to the other connected clients and the session
// layer persists it to the track history store.
//
// # Configuration
//
// All settings load through koanf. Precedence: ENV > File > Defaults.
// A config file is optional; set CONFIG_PATH to point at a YAML file.
// Common environment variables:
//
//	HTTP_PORT=3000               HTTP listen port
//	HTTP_HOST=0.0.0.0            HTTP listen host
//	AUTH_MODE=none               none or jwt
//	JWT_SECRET=...               required when AUTH_MODE=jwt
//	API_SECRET_HASH=...          bcrypt hash gating POST /api/v1/auth/token
//	HISTORY_PATH=/data/trailcast/history
//	HISTORY_IN_MEMORY=false      ephemeral Badger store, for tests
//	HISTORY_RETENTION=168h       track point retention window
//	REMOTE_ENABLED=false         forward accepted points upstream
//	REMOTE_URL=...               upstream location API base URL
//	LOG_LEVEL=info               trace|debug|info|warn|error
//	LOG_FORMAT=json              json or console
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the supervisor
// tree is cancelled, the HTTP server drains with a 10 second timeout,
// connected WebSocket clients receive a close frame, and the history
// store is flushed and closed.
//
// # Example Usage
//
// Local development, no auth, ephemeral history:
//
//	HISTORY_IN_MEMORY=true LOG_FORMAT=console ./server
//
// Production with JWT auth:
//
//	AUTH_MODE=jwt \
//	JWT_SECRET=$(openssl rand -hex 32) \
//	API_SECRET_HASH='$2a$10$...' \
//	HISTORY_PATH=/data/trailcast/history \
//	./server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/trailcast/internal/api"
	"github.com/tomtom215/trailcast/internal/auth"
	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/history"
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/presence"
	"github.com/tomtom215/trailcast/internal/remote"
	"github.com/tomtom215/trailcast/internal/supervisor"
	ws "github.com/tomtom215/trailcast/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Trailcast with supervisor tree")
	logging.Info().
		Str("history_path", cfg.History.Path).
		Bool("history_in_memory", cfg.History.InMemory).
		Str("auth_mode", cfg.Security.AuthMode).
		Bool("remote_enabled", cfg.Remote.Enabled).
		Msg("Configuration loaded")

	// Track history store
	db, err := history.OpenDB(cfg.History)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open history store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing history store")
		}
	}()
	store := history.NewStore(db, cfg.History.MaxTrackPoints)
	retention := history.NewRetention(store, cfg.History.Retention, cfg.History.CleanupInterval)
	logging.Info().Msg("History store initialized")

	// Presence registry and its periodic sweeper
	registry := presence.NewRegistry(presence.Config{
		DropGrace:       cfg.Registry.DropGrace,
		DisconnectGrace: cfg.Registry.DisconnectGrace,
		ActiveWindow:    cfg.Registry.ActiveWindow,
	})

	// WebSocket hub fans envelopes out to connected clients
	hub := ws.NewHub(registry, cfg.Hub)
	sweeper := presence.NewSweeper(registry, hub, cfg.Registry.SweepInterval)

	// Optional upstream forwarding: accepted points are buffered and
	// flushed to the remote location API behind a circuit breaker.
	trackSink := ws.TrackStore(store)
	var remoteClient *remote.Client
	var flusher *remote.Flusher
	if cfg.Remote.Enabled {
		remoteClient = remote.NewClient(cfg.Remote)
		flusher = remote.NewFlusher(remoteClient, cfg.Remote.FlushInterval)
		trackSink = ws.MultiStore(store, flusher)
		logging.Info().
			Str("url", cfg.Remote.URL).
			Dur("flush_interval", cfg.Remote.FlushInterval).
			Msg("Upstream forwarding enabled")
	} else {
		logging.Info().Msg("Upstream forwarding disabled - running standalone")
	}

	session := ws.NewSession(registry, hub, trackSink)

	var jwtManager *auth.JWTManager
	switch cfg.Security.AuthMode {
	case auth.AuthModeJWT:
		jwtManager, err = auth.NewJWTManager(&cfg.Security)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
		}
		logging.Info().Msg("JWT authentication enabled")
	case auth.AuthModeNone:
		logging.Warn().Msg("============================================================")
		logging.Warn().Msg("  SECURITY WARNING: Authentication is DISABLED (AUTH_MODE=none)")
		logging.Warn().Msg("  ")
		logging.Warn().Msg("  All endpoints are publicly accessible without authentication!")
		logging.Warn().Msg("  This mode should ONLY be used for:")
		logging.Warn().Msg("    - Local development")
		logging.Warn().Msg("    - Completely isolated private networks")
		logging.Warn().Msg("    - CI/CD testing environments")
		logging.Warn().Msg("  ")
		logging.Warn().Msg("  NEVER use AUTH_MODE=none in production or on public networks!")
		logging.Warn().Msg("============================================================")
	}

	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (DISABLE_RATE_LIMIT=true)")
	}

	authMiddleware := auth.NewMiddleware(jwtManager, cfg.Security.AuthMode)
	handler := api.NewHandler(cfg, registry, hub, session, store, jwtManager)
	if remoteClient != nil {
		handler.SetFriendSource(remoteClient)
	}
	router := api.NewRouter(cfg, handler, authMiddleware)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddDataService(supervisor.NewRunnerService("history-retention", retention))
	if flusher != nil {
		tree.AddDataService(supervisor.NewRunnerService("remote-flusher", flusher))
	}
	tree.AddMessagingService(supervisor.NewRunnerService("websocket-hub", hub))
	tree.AddMessagingService(supervisor.NewRunnerService("presence-sweeper", sweeper))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Trailcast stopped gracefully")
}
