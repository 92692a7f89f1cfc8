// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package history

import (
	"context"
	"time"

	"github.com/tomtom215/trailcast/internal/logging"
)

// Retention periodically deletes track points older than the configured
// retention window. It implements suture.Service via RunWithContext.
type Retention struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewRetention creates the cleanup service. Zero values fall back to a
// 7 day retention swept hourly.
func NewRetention(store *Store, retention, interval time.Duration) *Retention {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// RunWithContext runs cleanup passes until the context is canceled.
func (r *Retention) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("retention", r.retention).
		Dur("interval", r.interval).
		Msg("History retention started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("History retention stopping")
			return ctx.Err()
		case <-ticker.C:
			r.cleanOnce()
		}
	}
}

func (r *Retention) cleanOnce() {
	cutoff := r.now().Add(-r.retention)
	removed, err := r.store.CleanOlderThan(cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("History cleanup failed")
		return
	}
	if removed > 0 {
		logging.Info().
			Int("points_removed", removed).
			Time("cutoff", cutoff).
			Msg("History cleanup completed")
	}
}
