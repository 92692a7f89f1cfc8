// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package websocket

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/metrics"
	"github.com/tomtom215/trailcast/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB, tracks in get_user_track can be large
)

// FrameHandler receives decoded frames and connection closes from a client's
// read pump. The session layer implements it.
type FrameHandler interface {
	HandleFrame(c *Client, env protocol.Envelope)
	HandleClose(c *Client)
}

// clientIDCounter generates unique, monotonically increasing IDs for clients.
// DETERMINISM: This ensures clients can be sorted in a consistent order for
// broadcast operations, eliminating non-deterministic map iteration order.
var clientIDCounter atomic.Uint64

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	// id is a unique identifier for this client, used for deterministic
	// ordering. Assigned from an atomic counter.
	id uint64
	// connID is the socket identity used by the presence registry to guard
	// against stale closes after a reconnect.
	connID string
	// identity is the presence identity bound after user_connected.
	// Guarded by the hub's mutex.
	identity string

	hub     *Hub
	conn    *websocket.Conn
	handler FrameHandler
	limiter *rate.Limiter
	send    chan protocol.Envelope
}

// NewClient creates a client for an upgraded connection. Frames are
// dispatched to handler; the per-client rate limit comes from the hub's
// configuration.
func NewClient(hub *Hub, conn *websocket.Conn, handler FrameHandler) *Client {
	limit := rate.Limit(hub.cfg.ClientRateLimit)
	burst := hub.cfg.ClientRateBurst
	if limit <= 0 {
		limit = rate.Inf
		burst = 0
	}
	return &Client{
		id:      clientIDCounter.Add(1),
		connID:  uuid.NewString(),
		hub:     hub,
		conn:    conn,
		handler: handler,
		limiter: rate.NewLimiter(limit, burst),
		send:    make(chan protocol.Envelope, 256),
	}
}

// ID returns the client's unique identifier for deterministic ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// ConnID returns the socket identity this client registered under.
func (c *Client) ConnID() string {
	return c.connID
}

// readPump pumps frames from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		if c.handler != nil {
			c.handler.HandleClose(c)
		}
		c.hub.Unregister <- c
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}
		metrics.WSMessagesReceived.Inc()

		if !c.limiter.Allow() {
			metrics.RecordWSError("rate_limited")
			logging.Warn().Uint64("client_id", c.id).Msg("client exceeded frame rate limit, dropping frame")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Unrecognized but well-formed types are dropped; a frame
			// that does not parse at all ends the connection.
			if errors.Is(err, protocol.ErrUnknownType) {
				metrics.RecordWSError("unknown_type")
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("dropping frame with unknown type")
				continue
			}
			metrics.RecordWSError("decode")
			logging.Warn().Err(err).Uint64("client_id", c.id).Msg("closing connection after malformed frame")
			break
		}

		if c.handler != nil {
			c.handler.HandleFrame(c, env)
		}
	}
}

// writePump pumps envelopes from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			data, err := env.Encode()
			if err != nil {
				metrics.RecordWSError("encode")
				logging.Error().Err(err).Str("message_type", env.Type).Msg("failed to encode frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				metrics.RecordWSError("write")
				logging.Error().Err(err).Msg("failed to write frame")
				return
			}
			metrics.WSMessagesSent.Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
