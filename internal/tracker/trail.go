// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package tracker

import (
	"sync"
	"time"

	"github.com/tomtom215/trailcast/internal/geo"
)

// Trail window parameters, in meters and wall time.
const (
	// MinTrailStepM suppresses jitter: steps this short do not extend
	// the trail. MaxTrailStepM suppresses teleports from bad fixes or
	// rejoins. Both bounds are exclusive of appending.
	MinTrailStepM = 2.0
	MaxTrailStepM = 50.0

	DefaultTrailWindow       = 30 * time.Second
	DefaultRemoteStaleWindow = 30 * time.Second
)

// TrailPoint is one retained trail vertex.
type TrailPoint struct {
	Latitude  float64
	Longitude float64
	At        time.Time
}

// Trail is the rolling breadcrumb behind a marker. Points expire after
// the window; steps outside the distance band never enter. The marker
// itself always moves, suppressed or not; the trail only records steps
// worth drawing.
type Trail struct {
	mu     sync.Mutex
	points []TrailPoint
	window time.Duration

	now func() time.Time
}

// NewTrail creates a trail. A window of zero uses DefaultTrailWindow.
func NewTrail(window time.Duration) *Trail {
	if window <= 0 {
		window = DefaultTrailWindow
	}
	return &Trail{window: window, now: time.Now}
}

// Push offers a position to the trail and reports whether it was
// appended. Expired points are pruned on every call, appended or not.
// The first point is always appended; after that a point enters only
// when its distance from the last retained point lies strictly between
// the step bounds.
func (t *Trail) Push(lat, lon float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	if len(t.points) == 0 {
		t.points = append(t.points, TrailPoint{Latitude: lat, Longitude: lon, At: now})
		return true
	}

	last := t.points[len(t.points)-1]
	d := geo.HaversineDistance(last.Latitude, last.Longitude, lat, lon)
	if d <= MinTrailStepM || d >= MaxTrailStepM {
		return false
	}

	t.points = append(t.points, TrailPoint{Latitude: lat, Longitude: lon, At: now})
	return true
}

// Points returns the retained vertices in order, oldest first. Expired
// points are pruned before the snapshot.
func (t *Trail) Points() []TrailPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	out := make([]TrailPoint, len(t.points))
	copy(out, t.points)
	return out
}

// Len returns the number of retained vertices after pruning.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return len(t.points)
}

// Reset drops all vertices.
func (t *Trail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.points = t.points[:0]
}

func (t *Trail) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.points) && !t.points[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		t.points = append(t.points[:0], t.points[i:]...)
	}
}
