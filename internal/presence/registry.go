// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package presence tracks who is connected, where they were last seen,
// and when they should be forgotten.
//
// The registry keys participants by identity, not by socket: a phone that
// drops its connection in a tunnel and reconnects thirty seconds later is
// the same participant. Each participant carries a connection phase:
//
//   - Connected: a live socket is bound to the identity
//   - SocketDropped: the socket closed without a goodbye; a reconnect may follow
//   - Disconnecting: the client announced it is leaving
//
// A periodic sweeper evicts participants whose last activity exceeds the
// phase-appropriate grace period. All methods are safe for concurrent use.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/trailcast/internal/metrics"
)

// Phase is a participant's connection lifecycle phase.
type Phase string

// Participant phases.
const (
	PhaseConnected     Phase = "connected"
	PhaseSocketDropped Phase = "socket_dropped"
	PhaseDisconnecting Phase = "disconnecting"
)

// Point is a recorded position with a client timestamp in milliseconds
// since the Unix epoch.
type Point struct {
	Latitude  float64
	Longitude float64
	Timestamp int64
}

// Participant is one tracked identity.
type Participant struct {
	Identity string
	Name     string
	ConnID   string
	Phase    Phase
	Location *Point
	LastSeen time.Time
}

// Entry is one row of a presence snapshot.
type Entry struct {
	Identity string
	Name     string
	Location *Point
	Active   bool
}

// Config holds registry timing behavior.
type Config struct {
	// DropGrace is how long a participant survives without activity when
	// it has not announced a departure. Generous on purpose: mobile
	// clients vanish and come back.
	DropGrace time.Duration

	// DisconnectGrace is how long a Disconnecting participant survives.
	DisconnectGrace time.Duration

	// ActiveWindow is the recency window for the Active snapshot flag.
	ActiveWindow time.Duration
}

// DefaultConfig returns the production timing defaults.
func DefaultConfig() Config {
	return Config{
		DropGrace:       15 * time.Minute,
		DisconnectGrace: 2 * time.Minute,
		ActiveWindow:    5 * time.Minute,
	}
}

// Registry is the concurrent presence registry.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	byConn       map[string]string // connID -> identity
	cfg          Config

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// NewRegistry creates an empty registry with the given timing config.
// Zero durations fall back to the defaults.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.DropGrace <= 0 {
		cfg.DropGrace = def.DropGrace
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = def.DisconnectGrace
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = def.ActiveWindow
	}

	return &Registry{
		participants: make(map[string]*Participant),
		byConn:       make(map[string]string),
		cfg:          cfg,
		now:          time.Now,
	}
}

// Connect registers an identity on a socket, or rebinds an existing
// identity to a new socket. On reconnect the phase resets to Connected,
// the old socket binding is discarded, and name and location update when
// provided. Returns true when the identity was already present.
func (r *Registry) Connect(identity, name, connID string, loc *Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if p, ok := r.participants[identity]; ok {
		delete(r.byConn, p.ConnID)
		p.ConnID = connID
		p.Phase = PhaseConnected
		p.LastSeen = now
		if name != "" {
			p.Name = name
		}
		if loc != nil {
			p.Location = loc
		}
		r.byConn[connID] = identity
		metrics.RecordPresenceOperation("reconnect")
		return true
	}

	r.participants[identity] = &Participant{
		Identity: identity,
		Name:     name,
		ConnID:   connID,
		Phase:    PhaseConnected,
		Location: loc,
		LastSeen: now,
	}
	r.byConn[connID] = identity
	metrics.RecordPresenceOperation("connect")
	metrics.SetPresenceParticipants(len(r.participants))
	return false
}

// Ping refreshes a known identity's last-seen time. A ping for an unknown
// identity is ignored: pings never resurrect evicted participants.
func (r *Registry) Ping(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[identity]
	if !ok {
		metrics.RecordUnknownIdentity("ping")
		return false
	}
	p.LastSeen = r.now()
	metrics.RecordPresenceOperation("ping")
	return true
}

// UpdateLocation stores a new position for a known identity and refreshes
// its last-seen time. The point's client timestamp becomes the last-seen
// time when present; a zero timestamp falls back to the server clock.
// Returns the display name for broadcast fan-out and whether the identity
// was known.
func (r *Registry) UpdateLocation(identity string, loc Point) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[identity]
	if !ok {
		metrics.RecordUnknownIdentity("update")
		return "", false
	}
	p.Location = &loc
	if loc.Timestamp != 0 {
		p.LastSeen = time.UnixMilli(loc.Timestamp)
	} else {
		p.LastSeen = r.now()
	}
	metrics.RecordPresenceOperation("update")
	return p.Name, true
}

// BeginDisconnect marks an identity as leaving. The phase changes whether
// or not final coordinates are supplied; when they are, they become the
// participant's final recorded position.
func (r *Registry) BeginDisconnect(identity string, last *Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[identity]
	if !ok {
		metrics.RecordUnknownIdentity("disconnecting")
		return false
	}
	p.Phase = PhaseDisconnecting
	if last != nil {
		p.Location = last
	}
	p.LastSeen = r.now()
	metrics.RecordPresenceOperation("disconnecting")
	return true
}

// DropSocket handles a socket close. The connID guard matters: when a
// client reconnects, the stale socket's deferred close must not clobber
// the fresh binding.
//
// A Disconnecting participant is removed immediately (removed=true); any
// other phase becomes SocketDropped and the entry is retained for a
// possible reconnect.
func (r *Registry) DropSocket(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	p := r.participants[identity]
	if p == nil || p.ConnID != connID {
		delete(r.byConn, connID)
		return "", false
	}

	delete(r.byConn, connID)
	metrics.RecordPresenceOperation("drop")

	if p.Phase == PhaseDisconnecting {
		delete(r.participants, identity)
		metrics.SetPresenceParticipants(len(r.participants))
		return identity, true
	}

	p.Phase = PhaseSocketDropped
	return identity, false
}

// Remove deletes an identity outright.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[identity]
	if !ok {
		return false
	}
	delete(r.byConn, p.ConnID)
	delete(r.participants, identity)
	metrics.SetPresenceParticipants(len(r.participants))
	return true
}

// Get returns a copy of a participant's state.
func (r *Registry) Get(identity string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[identity]
	if !ok {
		return Participant{}, false
	}
	out := *p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	return out, true
}

// Len returns the participant count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Snapshot returns the presence list ordered by identity. Active reflects
// whether the participant was seen within the configured window.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	entries := make([]Entry, 0, len(r.participants))
	for _, p := range r.participants {
		e := Entry{
			Identity: p.Identity,
			Name:     p.Name,
			Active:   now.Sub(p.LastSeen) < r.cfg.ActiveWindow,
		}
		if p.Location != nil {
			loc := *p.Location
			e.Location = &loc
		}
		entries = append(entries, e)
	}

	// Deterministic order for clients and tests.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries
}

// Evicted describes one participant removed by a sweep.
type Evicted struct {
	Identity string
	Phase    Phase
}

// Sweep removes every participant whose inactivity exceeds the grace for
// its phase and returns the evicted set. Collection and removal happen
// under one lock so a reconnect cannot race an eviction decision. The
// whole scan holds the lock, which is fine at the table sizes one relay
// serves; a registry large enough to feel that should copy identities
// first and evict in batches. Eviction announcements happen outside the
// lock, in the sweeper, so one unreachable client cannot stall the scan.
func (r *Registry) Sweep() []Evicted {
	start := time.Now()
	r.mu.Lock()

	now := r.now()
	var evicted []Evicted
	for identity, p := range r.participants {
		grace := r.cfg.DropGrace
		if p.Phase == PhaseDisconnecting {
			grace = r.cfg.DisconnectGrace
		}
		if now.Sub(p.LastSeen) > grace {
			evicted = append(evicted, Evicted{Identity: identity, Phase: p.Phase})
			delete(r.byConn, p.ConnID)
			delete(r.participants, identity)
		}
	}
	remaining := len(r.participants)
	r.mu.Unlock()

	for _, e := range evicted {
		metrics.RecordPresenceEviction(string(e.Phase))
	}
	metrics.SetPresenceParticipants(remaining)
	metrics.RecordPresenceSweep(time.Since(start))
	return evicted
}
