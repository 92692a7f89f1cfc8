// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/metrics"
	"github.com/tomtom215/trailcast/internal/presence"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled indicates the parent context was canceled.
	// This is the normal graceful shutdown path (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates the context deadline was exceeded.
	// This may indicate a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Hub maintains the set of active clients, fans broadcasts out to all of
// them, and routes targeted frames to a single identity. It implements
// presence.Announcer so the sweeper can push evictions through it.
type Hub struct {
	clients    map[*Client]bool
	byIdentity map[string]*Client
	broadcast  chan protocol.Envelope
	Register   chan *Client
	Unregister chan *Client
	registry   *presence.Registry
	cfg        config.HubConfig
	mu         sync.RWMutex
}

// NewHub creates a hub over the given presence registry.
func NewHub(registry *presence.Registry, cfg config.HubConfig) *Hub {
	buffer := cfg.BroadcastBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		byIdentity: make(map[string]*Client),
		broadcast:  make(chan protocol.Envelope, buffer),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		registry:   registry,
		cfg:        cfg,
	}
}

// RunWithContext starts the hub with context support for graceful shutdown.
// This method is designed for use with suture supervision.
//
// When the context is canceled:
//  1. All connected clients are gracefully closed
//  2. The method returns ctx.Err()
//
// DETERMINISM: Uses priority-based selection to ensure predictable behavior:
// - Priority 1: Context cancellation (shutdown)
// - Priority 2: Client lifecycle events (Register/Unregister)
// - Priority 3: Broadcast messages
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: Check for shutdown (highest priority, non-blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: Handle client lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.registerClient(client)
			continue
		case client := <-h.Unregister:
			h.unregisterClient(client)
			continue
		default:
		}

		// Priority 3: Handle broadcast messages or wait for any event (blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case env := <-h.broadcast:
			h.broadcastToClients(env)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		if client.identity != "" && h.byIdentity[client.identity] == client {
			delete(h.byIdentity, client.identity)
		}
		metrics.WSConnections.Dec()
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

// BindIdentity associates a client with a presence identity so targeted
// frames can reach it. A later bind for the same identity displaces the
// earlier one, matching the registry's reconnect semantics.
func (h *Hub) BindIdentity(client *Client, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.identity != "" && h.byIdentity[client.identity] == client {
		delete(h.byIdentity, client.identity)
	}
	client.identity = identity
	h.byIdentity[identity] = client
}

// SendToIdentity delivers an envelope to the one client bound to identity.
// It reports whether the frame was handed off.
//
// The send happens under the read lock: send channels are closed only
// under the write lock, so the send can never race an eviction's close.
func (h *Hub) SendToIdentity(identity string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.byIdentity[identity]
	if !ok {
		return false
	}
	select {
	case client.send <- env:
		return true
	default:
		logging.Warn().
			Str("identity", logging.RedactIdentity(identity)).
			Str("message_type", env.Type).
			Msg("client send buffer full, dropping targeted frame")
		return false
	}
}

// sendToClient queues an envelope for a single known client, used for
// direct replies such as the presence snapshot. Holding the read lock
// during the send keeps it ordered against channel close, which only
// happens under the write lock; an already evicted client is skipped.
func (h *Hub) sendToClient(client *Client, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	select {
	case client.send <- env:
		return true
	default:
		return false
	}
}

// Broadcast enqueues an envelope for delivery to every connected client.
// A full broadcast channel drops the frame rather than blocking the caller.
func (h *Hub) Broadcast(env protocol.Envelope) {
	select {
	case h.broadcast <- env:
		metrics.RecordBroadcast(env.Type)
	default:
		metrics.RecordBroadcastDropped()
		logging.Warn().Str("message_type", env.Type).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastActiveUsers pushes a fresh presence snapshot to all clients.
func (h *Hub) BroadcastActiveUsers() {
	env, err := protocol.NewEnvelope(protocol.TypeActiveUsers, h.snapshotPayload())
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode presence snapshot")
		return
	}
	h.Broadcast(env)
}

// BroadcastLocationUpdated fans a participant's new position out to everyone.
func (h *Hub) BroadcastLocationUpdated(identity, name string, loc protocol.Location) {
	env, err := protocol.NewEnvelope(protocol.TypeUserLocationUpdated, protocol.UserLocationUpdated{
		Identity: identity,
		Name:     name,
		Location: loc,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode location update")
		return
	}
	h.Broadcast(env)
}

// BroadcastDisconnected announces a participant's removal to all clients.
func (h *Hub) BroadcastDisconnected(identity string) {
	env, err := protocol.NewEnvelope(protocol.TypeUserDisconnected, protocol.UserDisconnected{
		Identity: identity,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode disconnect notice")
		return
	}
	h.Broadcast(env)
}

// AnnounceDisconnected implements presence.Announcer.
func (h *Hub) AnnounceDisconnected(identity string) {
	h.BroadcastDisconnected(identity)
}

// AnnounceActiveUsers implements presence.Announcer.
func (h *Hub) AnnounceActiveUsers() {
	h.BroadcastActiveUsers()
}

// snapshotPayload converts the registry snapshot into the wire shape.
func (h *Hub) snapshotPayload() protocol.ActiveUsers {
	entries := h.registry.Snapshot()
	list := make([]protocol.ActiveUser, 0, len(entries))
	for _, e := range entries {
		u := protocol.ActiveUser{
			Identity: e.Identity,
			Name:     e.Name,
			Active:   e.Active,
		}
		if e.Location != nil {
			u.Location = &protocol.Location{
				Latitude:  e.Location.Latitude,
				Longitude: e.Location.Longitude,
				Timestamp: e.Location.Timestamp,
			}
		}
		list = append(list, u)
	}
	return protocol.ActiveUsers{List: list}
}

// broadcastToClients sends an envelope to all connected clients in a
// deterministic order.
// DETERMINISM: Sorts clients by ID so delivery order is reproducible;
// Go's map iteration would otherwise vary run to run.
func (h *Hub) broadcastToClients(env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	// Track clients to remove (can't modify map during iteration)
	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- env:
		default:
			// Channel full or closed, mark for removal
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		if client.identity != "" && h.byIdentity[client.identity] == client {
			delete(h.byIdentity, client.identity)
		}
		metrics.WSConnections.Dec()
	}
}

// logGracefulShutdown closes all clients and logs structured shutdown
// information. ctx.Err() is not logged as an error because cancellation is
// the expected shutdown path.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// closeAllClients closes all connected clients during shutdown.
// DETERMINISM: Closes clients in ID order for consistent shutdown behavior.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.byIdentity = make(map[string]*Client)
	logging.Info().Msg("closed all websocket clients during shutdown")
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
