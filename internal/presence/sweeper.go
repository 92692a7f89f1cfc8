// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package presence

import (
	"context"
	"time"

	"github.com/tomtom215/trailcast/internal/logging"
)

// Announcer receives the presence changes a sweep produces. The WebSocket
// hub implements it; the indirection keeps this package free of transport
// dependencies.
type Announcer interface {
	// AnnounceDisconnected tells all clients an identity is gone.
	AnnounceDisconnected(identity string)
	// AnnounceActiveUsers pushes a fresh presence snapshot to all clients.
	AnnounceActiveUsers()
}

// Sweeper periodically evicts stale participants and announces the result.
// It implements suture.Service via RunWithContext.
type Sweeper struct {
	registry  *Registry
	announcer Announcer
	interval  time.Duration
}

// NewSweeper creates a sweeper over the given registry. A zero interval
// defaults to one minute.
func NewSweeper(registry *Registry, announcer Announcer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		registry:  registry,
		announcer: announcer,
		interval:  interval,
	}
}

// RunWithContext runs sweep passes until the context is canceled.
func (s *Sweeper) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.interval).
		Msg("Presence sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Presence sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce runs one eviction pass and fans out the resulting presence
// changes. A pass that evicts nobody announces nothing.
func (s *Sweeper) sweepOnce() {
	evicted := s.registry.Sweep()
	if len(evicted) == 0 {
		return
	}

	for _, e := range evicted {
		logging.Info().
			Str("identity", logging.RedactIdentity(e.Identity)).
			Str("phase", string(e.Phase)).
			Msg("Evicted stale participant")
		if s.announcer != nil {
			s.announcer.AnnounceDisconnected(e.Identity)
		}
	}
	if s.announcer != nil {
		s.announcer.AnnounceActiveUsers()
	}
}
