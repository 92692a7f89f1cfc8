// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package websocket

import (
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/metrics"
	"github.com/tomtom215/trailcast/internal/presence"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// TrackStore persists location points for later track retrieval. The
// history package's badger store implements it; sessions only ever append.
type TrackStore interface {
	Append(identity string, point protocol.Location) error
}

type multiStore []TrackStore

func (m multiStore) Append(identity string, point protocol.Location) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(identity, point); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiStore tees appends across several stores, e.g. the local history
// store plus the remote flusher. The first error wins but every store
// still sees the point.
func MultiStore(stores ...TrackStore) TrackStore {
	return multiStore(stores)
}

// Session interprets client frames against the presence registry, persists
// location points, and fans the resulting state changes out through the hub.
// One Session instance serves all clients; per-connection state lives on the
// Client and in the registry.
type Session struct {
	registry *presence.Registry
	hub      *Hub
	store    TrackStore
}

// NewSession wires the frame handler to its collaborators. store may be nil
// when history persistence is disabled.
func NewSession(registry *presence.Registry, hub *Hub, store TrackStore) *Session {
	return &Session{
		registry: registry,
		hub:      hub,
		store:    store,
	}
}

// HandleFrame dispatches one decoded client frame. Malformed payloads are
// dropped with a metric; they never terminate the connection.
func (s *Session) HandleFrame(c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUserConnected:
		s.handleConnected(c, env)
	case protocol.TypeUserPing:
		s.handlePing(env)
	case protocol.TypeLocationUpdate:
		s.handleLocationUpdate(env)
	case protocol.TypeUserDisconnecting:
		s.handleDisconnecting(env)
	case protocol.TypeSendUserTrack:
		s.handleSendUserTrack(env)
	case protocol.TypeGetUserTrack:
		s.handleGetUserTrack(env)
	case protocol.TypeRequestActiveUsers:
		s.handleRequestActiveUsers(c)
	}
}

// HandleClose reacts to the socket going away. Removal is immediate only
// for participants that already announced an orderly departure; everyone
// else is retained for the reconnect grace and swept later.
func (s *Session) HandleClose(c *Client) {
	identity, removed := s.registry.DropSocket(c.ConnID())
	if !removed {
		return
	}
	s.hub.BroadcastDisconnected(identity)
	s.hub.BroadcastActiveUsers()
}

func (s *Session) handleConnected(c *Client, env protocol.Envelope) {
	var msg protocol.UserConnected
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}
	if msg.Identity == "" {
		s.rejectEmptyIdentity(env.Type)
		return
	}

	loc := pointFromWire(msg.Location)
	existed := s.registry.Connect(msg.Identity, msg.Name, c.ConnID(), loc)
	s.hub.BindIdentity(c, msg.Identity)

	if loc != nil {
		s.persist(msg.Identity, *msg.Location)
	}

	logging.Info().
		Str("identity", logging.RedactIdentity(msg.Identity)).
		Bool("reconnect", existed).
		Msg("participant connected")

	s.hub.BroadcastActiveUsers()
}

func (s *Session) handlePing(env protocol.Envelope) {
	var msg protocol.UserPing
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}
	s.registry.Ping(msg.Identity)
}

func (s *Session) handleLocationUpdate(env protocol.Envelope) {
	var msg protocol.LocationUpdate
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}
	if msg.Identity == "" {
		s.rejectEmptyIdentity(env.Type)
		return
	}

	loc := protocol.Location{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Timestamp: msg.Timestamp,
	}
	name, ok := s.registry.UpdateLocation(msg.Identity, presence.Point{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Timestamp: msg.Timestamp,
	})
	if !ok {
		// Unknown identity, already counted by the registry. No broadcast:
		// clients must announce themselves before moving.
		return
	}

	s.persist(msg.Identity, loc)
	s.hub.BroadcastLocationUpdated(msg.Identity, name, loc)
}

func (s *Session) handleDisconnecting(env protocol.Envelope) {
	var msg protocol.UserDisconnecting
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}

	var last *presence.Point
	if msg.LastLatitude != nil && msg.LastLongitude != nil {
		last = &presence.Point{
			Latitude:  *msg.LastLatitude,
			Longitude: *msg.LastLongitude,
		}
	}
	if !s.registry.BeginDisconnect(msg.Identity, last) {
		return
	}
	if last != nil {
		s.persist(msg.Identity, protocol.Location{
			Latitude:  last.Latitude,
			Longitude: last.Longitude,
		})
	}
	logging.Info().
		Str("identity", logging.RedactIdentity(msg.Identity)).
		Bool("final_position", last != nil).
		Msg("participant disconnecting")
}

func (s *Session) handleSendUserTrack(env protocol.Envelope) {
	var msg protocol.SendUserTrack
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}

	out, err := protocol.NewEnvelope(protocol.TypeSendTrack, protocol.SendTrack{
		Identity: msg.Identity,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode track request")
		return
	}
	delivered := s.hub.SendToIdentity(msg.TargetIdentity, out)
	metrics.RecordTrackRoute(protocol.TypeSendTrack, delivered)
}

func (s *Session) handleGetUserTrack(env protocol.Envelope) {
	var msg protocol.GetUserTrack
	if err := env.Bind(&msg); err != nil {
		s.rejectPayload(env.Type, err)
		return
	}

	out, err := protocol.NewEnvelope(protocol.TypeGetTrack, protocol.GetTrack{
		MarkID:          msg.MarkID,
		LocationHistory: msg.LocationHistory,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode track delivery")
		return
	}
	delivered := s.hub.SendToIdentity(msg.TargetIdentity, out)
	metrics.RecordTrackRoute(protocol.TypeGetTrack, delivered)
}

// handleRequestActiveUsers replies to the requester alone; the roster is
// not rebroadcast to everyone else.
func (s *Session) handleRequestActiveUsers(c *Client) {
	env, err := protocol.NewEnvelope(protocol.TypeActiveUsers, s.hub.snapshotPayload())
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode presence snapshot")
		return
	}
	if !s.hub.sendToClient(c, env) {
		metrics.RecordWSError("reply_dropped")
	}
}

func (s *Session) persist(identity string, loc protocol.Location) {
	if s.store == nil {
		return
	}
	if err := s.store.Append(identity, loc); err != nil {
		logging.Error().
			Err(err).
			Str("identity", logging.RedactIdentity(identity)).
			Msg("failed to persist location point")
	}
}

func (s *Session) rejectPayload(msgType string, err error) {
	metrics.RecordWSError("bad_payload")
	logging.Warn().Err(err).Str("message_type", msgType).Msg("dropping frame with invalid payload")
}

func (s *Session) rejectEmptyIdentity(msgType string) {
	metrics.RecordWSError("empty_identity")
	logging.Warn().Str("message_type", msgType).Msg("dropping frame without identity")
}

func pointFromWire(loc *protocol.Location) *presence.Point {
	if loc == nil {
		return nil
	}
	return &presence.Point{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Timestamp: loc.Timestamp,
	}
}
