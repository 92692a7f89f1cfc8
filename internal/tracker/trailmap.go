// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// remoteEntry pairs a remote participant's marker with its trail.
type remoteEntry struct {
	marker *RemoteMarker
	trail  *Trail
}

// TrailMap is the consumer-side map model: the local marker and trail
// plus one marker and trail per remote participant, fed from decoded
// server frames. It is safe for concurrent use.
type TrailMap struct {
	mu sync.Mutex

	selfIdentity string
	self         *CurrentUserMarker
	selfTrail    *Trail

	remotes map[string]*remoteEntry

	trailWindow time.Duration
	staleWindow time.Duration
}

// TrailMapConfig configures a TrailMap. Zero durations use the defaults.
type TrailMapConfig struct {
	SelfIdentity string
	SelfLabel    string
	TrailWindow  time.Duration
	StaleWindow  time.Duration
}

// NewTrailMap creates an empty map model for the given local identity.
func NewTrailMap(cfg TrailMapConfig) *TrailMap {
	if cfg.TrailWindow <= 0 {
		cfg.TrailWindow = DefaultTrailWindow
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultRemoteStaleWindow
	}
	return &TrailMap{
		selfIdentity: cfg.SelfIdentity,
		self:         NewCurrentUserMarker(cfg.SelfLabel),
		selfTrail:    NewTrail(cfg.TrailWindow),
		remotes:      make(map[string]*remoteEntry),
		trailWindow:  cfg.TrailWindow,
		staleWindow:  cfg.StaleWindow,
	}
}

// ApplySelf moves the local marker and offers the position to the local
// trail.
func (m *TrailMap) ApplySelf(lat, lon float64) {
	m.self.UpdatePosition(lat, lon)
	m.selfTrail.Push(lat, lon)
}

// ApplyLocationUpdate consumes a user_location_updated frame. Updates
// for the local identity are echoes and move the self marker instead of
// creating a remote one.
func (m *TrailMap) ApplyLocationUpdate(u protocol.UserLocationUpdated) {
	if u.Identity == "" {
		return
	}
	if u.Identity == m.selfIdentity {
		m.ApplySelf(u.Location.Latitude, u.Location.Longitude)
		return
	}

	entry := m.ensureRemote(u.Identity, u.Name)
	entry.marker.UpdatePosition(u.Location.Latitude, u.Location.Longitude)
	entry.trail.Push(u.Location.Latitude, u.Location.Longitude)
}

// ApplyRoster reconciles the remote set against an active_users
// snapshot: participants missing from the roster are removed, new ones
// get markers, and labels are refreshed.
func (m *TrailMap) ApplyRoster(roster protocol.ActiveUsers) {
	present := make(map[string]bool, len(roster.List))
	for _, u := range roster.List {
		if u.Identity == "" || u.Identity == m.selfIdentity {
			continue
		}
		present[u.Identity] = true

		entry := m.ensureRemote(u.Identity, u.Name)
		entry.marker.UpdateLabel(u.Name)
		if u.Location != nil {
			entry.marker.UpdatePosition(u.Location.Latitude, u.Location.Longitude)
			entry.trail.Push(u.Location.Latitude, u.Location.Longitude)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for identity, entry := range m.remotes {
		if !present[identity] {
			entry.marker.Remove()
			delete(m.remotes, identity)
		}
	}
}

// ApplyDisconnected consumes a user_disconnected frame.
func (m *TrailMap) ApplyDisconnected(u protocol.UserDisconnected) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.remotes[u.Identity]
	if !ok {
		return
	}
	entry.marker.Remove()
	delete(m.remotes, u.Identity)
	logging.Debug().
		Str("identity", logging.RedactIdentity(u.Identity)).
		Msg("remote participant left the map")
}

// SweepStale removes remote markers that have not moved within the
// stale window and returns the identities removed.
func (m *TrailMap) SweepStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for identity, entry := range m.remotes {
		if entry.marker.StaleAfter(m.staleWindow) {
			entry.marker.Remove()
			delete(m.remotes, identity)
			removed = append(removed, identity)
		}
	}
	sort.Strings(removed)
	return removed
}

// RemoteTrail returns the retained trail of a remote participant.
func (m *TrailMap) RemoteTrail(identity string) ([]TrailPoint, bool) {
	m.mu.Lock()
	entry, ok := m.remotes[identity]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return entry.trail.Points(), true
}

// SelfMarker returns the local marker.
func (m *TrailMap) SelfMarker() *CurrentUserMarker { return m.self }

// SelfTrail returns the retained local trail.
func (m *TrailMap) SelfTrail() []TrailPoint { return m.selfTrail.Points() }

// RemoteCount returns the number of remote participants on the map.
func (m *TrailMap) RemoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remotes)
}

func (m *TrailMap) ensureRemote(identity, name string) *remoteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.remotes[identity]; ok {
		return entry
	}
	entry := &remoteEntry{
		marker: NewRemoteMarker(name),
		trail:  NewTrail(m.trailWindow),
	}
	m.remotes[identity] = entry
	return entry
}
