// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/tomtom215/trailcast/internal/auth"
	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/history"
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/presence"
	"github.com/tomtom215/trailcast/internal/remote"
	"github.com/tomtom215/trailcast/internal/validation"
	ws "github.com/tomtom215/trailcast/internal/websocket"
)

// Handler serves the REST endpoints. The WebSocket upgrade lives in
// websocket.go in this package.
type Handler struct {
	config    *config.Config
	registry  *presence.Registry
	hub       *ws.Hub
	session   ws.FrameHandler
	store     *history.Store
	jwt       *auth.JWTManager
	friends   FriendSource
	startTime time.Time
}

// FriendSource lists upstream friends for an identity.
type FriendSource interface {
	FetchFriends(ctx context.Context, identity string) ([]remote.Friend, error)
}

// NewHandler creates the REST handler. store may be nil when history is
// disabled; jwt may be nil when auth mode is none.
func NewHandler(cfg *config.Config, registry *presence.Registry, hub *ws.Hub, session ws.FrameHandler, store *history.Store, jwt *auth.JWTManager) *Handler {
	return &Handler{
		config:    cfg,
		registry:  registry,
		hub:       hub,
		session:   session,
		store:     store,
		jwt:       jwt,
		startTime: time.Now(),
	}
}

// SetFriendSource enables the friend list endpoint. Left unset, the
// endpoint reports the upstream integration as disabled.
func (h *Handler) SetFriendSource(friends FriendSource) {
	h.friends = friends
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status        string  `json:"status"`
	Participants  int     `json:"participants"`
	Clients       int     `json:"clients"`
	HistoryOnline bool    `json:"history_online"`
	Uptime        float64 `json:"uptime_seconds"`
}

// Health reports overall service health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := "healthy"
	if h.hub == nil {
		status = "degraded"
	}

	rw.Success(HealthStatus{
		Status:        status,
		Participants:  h.registry.Len(),
		Clients:       h.clientCount(),
		HistoryOnline: h.store != nil,
		Uptime:        time.Since(h.startTime).Seconds(),
	})
}

// HealthLive is the liveness probe: 200 whenever the process runs.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady is the readiness probe: 200 once the hub is accepting
// clients, 503 before that.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.hub == nil {
		rw.ServiceUnavailable("hub not running")
		return
	}
	rw.Success(map[string]interface{}{"ready": true})
}

func (h *Handler) clientCount() int {
	if h.hub == nil {
		return 0
	}
	return h.hub.GetClientCount()
}

// ParticipantEntry is one row of the participants listing.
type ParticipantEntry struct {
	Identity  string   `json:"identity"`
	Name      string   `json:"name"`
	Active    bool     `json:"active"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"`
}

// Participants lists the current presence snapshot with offset paging.
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit, offset, ok := h.parsePaging(rw, r)
	if !ok {
		return
	}

	snapshot := h.registry.Snapshot()
	total := len(snapshot)

	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	entries := make([]ParticipantEntry, 0, end-offset)
	for _, e := range snapshot[offset:end] {
		entry := ParticipantEntry{
			Identity: e.Identity,
			Name:     e.Name,
			Active:   e.Active,
		}
		if e.Location != nil {
			entry.Latitude = &e.Location.Latitude
			entry.Longitude = &e.Location.Longitude
			entry.Timestamp = &e.Location.Timestamp
		}
		entries = append(entries, entry)
	}

	rw.SuccessWithPagination(entries, &PaginationMeta{
		Total:   total,
		Count:   len(entries),
		Offset:  offset,
		Limit:   limit,
		HasMore: end < total,
	})
}

// parsePaging resolves limit/offset query parameters against the API
// config bounds. Invalid values produce a 400 and ok=false.
func (h *Handler) parsePaging(rw *ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = h.config.API.DefaultPageSize
	maxLimit := h.config.API.MaxPageSize

	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			rw.BadRequest("limit must be a positive integer")
			return 0, 0, false
		}
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			rw.BadRequest("offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = v
	}

	return limit, offset, true
}

// TrackResponse is the recorded track payload.
type TrackResponse struct {
	Identity string          `json:"identity"`
	Points   []history.Point `json:"points"`
}

// ParticipantTrack returns the recorded track of one identity, newest
// points last. The limit parameter keeps the newest points.
func (h *Handler) ParticipantTrack(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.store == nil {
		rw.ServiceUnavailable("history is disabled")
		return
	}

	identity := chi.URLParam(r, "identity")
	if identity == "" {
		rw.BadRequest("identity is required")
		return
	}

	limit := h.config.History.MaxTrackPoints
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			rw.BadRequest("limit must be a positive integer")
			return
		}
		if v < limit {
			limit = v
		}
	}

	points, err := h.store.Track(identity, limit)
	if err != nil {
		if errors.Is(err, history.ErrNoTrack) {
			rw.NotFound("no recorded track for this identity")
			return
		}
		rw.StorageError(err)
		return
	}

	rw.Success(TrackResponse{Identity: identity, Points: points})
}

// FriendsResponse is the friend list payload.
type FriendsResponse struct {
	Identity string          `json:"identity"`
	Friends  []remote.Friend `json:"friends"`
}

// ParticipantFriends proxies the upstream friend list for an identity.
func (h *Handler) ParticipantFriends(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.friends == nil {
		rw.ServiceUnavailable("upstream integration is disabled")
		return
	}

	identity := chi.URLParam(r, "identity")
	if identity == "" {
		rw.BadRequest("identity is required")
		return
	}

	friends, err := h.friends.FetchFriends(r.Context(), identity)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("identity", logging.RedactIdentity(identity)).
			Msg("upstream friend list fetch failed")
		rw.ServiceUnavailable("upstream friend service unavailable")
		return
	}

	rw.Success(FriendsResponse{Identity: identity, Friends: friends})
}

// ClearParticipantTrack removes all recorded points of one identity.
func (h *Handler) ClearParticipantTrack(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.store == nil {
		rw.ServiceUnavailable("history is disabled")
		return
	}

	identity := chi.URLParam(r, "identity")
	if identity == "" {
		rw.BadRequest("identity is required")
		return
	}

	removed, err := h.store.Clear(identity)
	if err != nil {
		rw.StorageError(err)
		return
	}

	logging.Info().
		Str("identity", logging.RedactIdentity(identity)).
		Int("removed", removed).
		Msg("Track cleared")
	rw.Success(map[string]interface{}{"removed": removed})
}

// TokenRequest is the token issuance request body.
type TokenRequest struct {
	Identity string `json:"identity" validate:"required,min=1,max=128"`
	Secret   string `json:"secret" validate:"required"`
}

// TokenResponse carries an issued JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken exchanges the API secret for a signed JWT bound to an
// identity. It only exists in jwt auth mode.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if h.jwt == nil || h.config.Security.APISecretHash == "" {
		rw.ServiceUnavailable("token issuance is not configured")
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid request body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	if err := auth.VerifyAPISecret(h.config.Security.APISecretHash, req.Secret); err != nil {
		logging.Warn().
			Str("identity", logging.RedactIdentity(req.Identity)).
			Msg("Token request with invalid secret")
		rw.Unauthorized("invalid secret")
		return
	}

	token, err := h.jwt.GenerateToken(req.Identity)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to sign token")
		rw.InternalError("failed to issue token")
		return
	}

	rw.Success(TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.jwt.Timeout()),
	})
}
