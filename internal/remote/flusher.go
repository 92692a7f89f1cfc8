// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package remote

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// maxBufferedPoints caps the per-identity buffer so a dead upstream cannot
// grow memory without bound; the oldest points are dropped first.
const maxBufferedPoints = 512

// Flusher buffers accepted points and pushes them upstream in batches.
// It implements the session layer's TrackStore interface so it can be
// teed next to the history store, and suture.Service via RunWithContext.
type Flusher struct {
	client   *Client
	interval time.Duration

	mu      sync.Mutex
	pending map[string][]protocol.Location
}

// NewFlusher creates a flusher pushing through client every interval.
// A zero interval defaults to 30 seconds.
func NewFlusher(client *Client, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{
		client:   client,
		interval: interval,
		pending:  make(map[string][]protocol.Location),
	}
}

// Append buffers one point for the next flush. It never fails; upstream
// errors surface at flush time through the circuit breaker.
func (f *Flusher) Append(identity string, point protocol.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := append(f.pending[identity], point)
	if len(buf) > maxBufferedPoints {
		buf = buf[len(buf)-maxBufferedPoints:]
	}
	f.pending[identity] = buf
	return nil
}

// RunWithContext flushes on a ticker until the context is canceled, with
// one final flush on the way out.
func (f *Flusher) RunWithContext(ctx context.Context) error {
	logging.Info().Dur("interval", f.interval).Msg("Remote flusher started")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flushOnce(context.Background())
			logging.Info().Msg("Remote flusher stopping")
			return ctx.Err()
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

// flushOnce drains the buffer and pushes each identity's batch. Failed
// batches go back into the buffer for the next pass.
func (f *Flusher) flushOnce(ctx context.Context) {
	f.mu.Lock()
	batches := f.pending
	f.pending = make(map[string][]protocol.Location)
	f.mu.Unlock()

	for identity, points := range batches {
		if err := f.client.PushPoints(ctx, identity, points); err != nil {
			logging.Warn().
				Err(err).
				Str("identity", logging.RedactIdentity(identity)).
				Int("points", len(points)).
				Msg("upstream push failed, requeueing batch")
			f.requeue(identity, points)
		}
	}
}

func (f *Flusher) requeue(identity string, points []protocol.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := append(points, f.pending[identity]...)
	if len(buf) > maxBufferedPoints {
		buf = buf[len(buf)-maxBufferedPoints:]
	}
	f.pending[identity] = buf
}
