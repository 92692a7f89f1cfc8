// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomtom215/trailcast/internal/auth"
	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/middleware"
)

// Router assembles the HTTP surface.
type Router struct {
	handler       *Handler
	authMw        *auth.Middleware
	chiMiddleware *ChiMiddleware
}

// NewRouter creates the router from its collaborators.
func NewRouter(cfg *config.Config, handler *Handler, authMw *auth.Middleware) *Router {
	return &Router{
		handler: handler,
		authMw:  authMw,
		chiMiddleware: NewChiMiddlewareFromSecurity(
			cfg.Security.CORSOrigins,
			cfg.Security.RateLimitReqs,
			cfg.Security.RateLimitWindow,
			cfg.Security.RateLimitDisabled,
		),
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global stack, applied to every route. CORS must be global so
	// OPTIONS preflights are answered before anything else runs.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	// Health endpoints: permissive rate limit for monitoring probes,
	// no authentication.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitForHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
		r.Get("/", router.handler.Health)
	})

	// Bare liveness alias for load balancers that only take a path.
	r.Get("/healthz", router.handler.HealthLive)

	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.Handler())

	// Token issuance: the only credential-bearing endpoint, strictly
	// rate limited against brute force.
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitForToken())
		r.Use(APISecurityHeaders())
		r.Post("/token", router.handler.IssueToken)
	})

	// Data endpoints and the WebSocket upgrade require authentication.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(chiMiddleware(middleware.Compression))
		r.Use(chiMiddleware(router.authMw.Authenticate))

		r.Get("/participants", router.handler.Participants)
		r.Get("/participants/{identity}/track", router.handler.ParticipantTrack)
		r.Delete("/participants/{identity}/track", router.handler.ClearParticipantTrack)
		r.Get("/participants/{identity}/friends", router.handler.ParticipantFriends)
		r.Get("/ws", router.handler.WebSocket)
	})

	return r
}
