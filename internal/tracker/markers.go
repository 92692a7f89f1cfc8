// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package tracker

import (
	"sync"
	"time"
)

// Marker is what the map layer can do with a rendered participant. The
// set of implementations is closed: the current user and remote
// participants behave differently on staleness, nothing else exists.
type Marker interface {
	UpdatePosition(lat, lon float64)
	UpdateLabel(label string)
	Remove()
}

// CurrentUserMarker renders the local participant. It never goes stale;
// the local position is authoritative for as long as the app runs.
type CurrentUserMarker struct {
	mu      sync.Mutex
	lat     float64
	lon     float64
	label   string
	placed  bool
	removed bool
}

// NewCurrentUserMarker creates the local marker with its display label.
func NewCurrentUserMarker(label string) *CurrentUserMarker {
	return &CurrentUserMarker{label: label}
}

func (m *CurrentUserMarker) UpdatePosition(lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return
	}
	m.lat, m.lon = lat, lon
	m.placed = true
}

func (m *CurrentUserMarker) UpdateLabel(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.label = label
}

func (m *CurrentUserMarker) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
	m.placed = false
}

// Position returns the current coordinates and whether the marker has
// ever been placed.
func (m *CurrentUserMarker) Position() (lat, lon float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lat, m.lon, m.placed
}

// Label returns the display label.
func (m *CurrentUserMarker) Label() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.label
}

// RemoteMarker renders another participant. It records when it last
// moved so the map can fade and drop participants that stopped sending.
type RemoteMarker struct {
	mu       sync.Mutex
	lat      float64
	lon      float64
	label    string
	placed   bool
	removed  bool
	lastSeen time.Time

	now func() time.Time
}

// NewRemoteMarker creates a marker for a remote participant.
func NewRemoteMarker(label string) *RemoteMarker {
	m := &RemoteMarker{label: label, now: time.Now}
	m.lastSeen = m.now()
	return m
}

func (m *RemoteMarker) UpdatePosition(lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return
	}
	m.lat, m.lon = lat, lon
	m.placed = true
	m.lastSeen = m.now()
}

func (m *RemoteMarker) UpdateLabel(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.label = label
}

func (m *RemoteMarker) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
	m.placed = false
}

// Position returns the current coordinates and whether the marker is
// placed on the map.
func (m *RemoteMarker) Position() (lat, lon float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lat, m.lon, m.placed
}

// Label returns the display label.
func (m *RemoteMarker) Label() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.label
}

// StaleAfter reports whether the marker has not moved within window.
func (m *RemoteMarker) StaleAfter(window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastSeen) >= window
}
