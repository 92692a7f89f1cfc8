// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package tracker is the client-side pipeline: raw position samples are
// gated, smoothed, and throttled by the sample filter, published over a
// connection by the publisher, and consumed into rolling trails on the
// receiving side.
package tracker

import (
	"math"
	"time"

	"github.com/tomtom215/trailcast/internal/geo"
	"github.com/tomtom215/trailcast/internal/logging"
)

// Filter defaults. The thresholds are in degrees per axis; at mid
// latitudes 0.00001 degrees is roughly one meter.
const (
	DefaultAccuracyCeilingM = 50.0
	DefaultHistorySize      = 5
	DefaultUpdateInterval   = 3000 * time.Millisecond

	// slowThresholdDeg applies below the speed cutoff to widen the no-op
	// zone while stationary; jitter dominates real movement there.
	slowThresholdDeg = 0.000002
	fastThresholdDeg = 0.00001
	speedCutoffMPS   = 1.0
)

// Sample is one raw positioning reading. Timestamp is the client clock in
// milliseconds since the Unix epoch.
type Sample struct {
	Latitude  float64
	Longitude float64
	AccuracyM float64
	Timestamp int64
}

// FilteredSample is a smoothed position ready for publishing.
type FilteredSample struct {
	Latitude  float64
	Longitude float64
	Timestamp int64
}

// FilterConfig tunes the sample filter. Zero values fall back to the
// defaults above.
type FilterConfig struct {
	AccuracyCeilingM float64
	HistorySize      int
	UpdateInterval   time.Duration
}

// SampleFilter damps GPS jitter before anything reaches the wire: samples
// above the accuracy ceiling are dropped, accepted samples are averaged
// over a sliding window, and the smoothed position is published only when
// it moved past an adaptive threshold or the publish interval elapsed.
type SampleFilter struct {
	cfg FilterConfig

	window []Sample
	last   *Sample // last accepted raw sample, for speed estimation

	emitted       *FilteredSample
	lastEmittedAt time.Time

	now func() time.Time
}

// NewSampleFilter creates a filter with the given config.
func NewSampleFilter(cfg FilterConfig) *SampleFilter {
	if cfg.AccuracyCeilingM <= 0 {
		cfg.AccuracyCeilingM = DefaultAccuracyCeilingM
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	return &SampleFilter{
		cfg: cfg,
		now: time.Now,
	}
}

// Observe feeds one raw sample through the filter. It returns the smoothed
// sample and true when the position should be published.
//
// A sample above the accuracy ceiling changes nothing, not even the
// smoothing window. The first accepted sample always publishes.
func (f *SampleFilter) Observe(s Sample) (FilteredSample, bool) {
	if s.AccuracyM > f.cfg.AccuracyCeilingM {
		logging.Debug().
			Float64("accuracy_m", s.AccuracyM).
			Float64("ceiling_m", f.cfg.AccuracyCeilingM).
			Msg("low accuracy, ignored")
		return FilteredSample{}, false
	}

	speed := f.estimateSpeed(s)
	f.last = &s

	f.window = append(f.window, s)
	if len(f.window) > f.cfg.HistorySize {
		f.window = f.window[len(f.window)-f.cfg.HistorySize:]
	}

	candidate := f.smoothed(s.Timestamp)
	if !f.shouldEmit(candidate, speed) {
		return FilteredSample{}, false
	}

	f.emitted = &candidate
	f.lastEmittedAt = f.now()
	return candidate, true
}

// Force re-emits the current smoothed position regardless of thresholds
// and interval, if any sample was ever accepted. Used on visibility resume.
func (f *SampleFilter) Force() (FilteredSample, bool) {
	if len(f.window) == 0 {
		return FilteredSample{}, false
	}
	ts := f.window[len(f.window)-1].Timestamp
	candidate := f.smoothed(ts)
	f.emitted = &candidate
	f.lastEmittedAt = f.now()
	return candidate, true
}

func (f *SampleFilter) smoothed(ts int64) FilteredSample {
	var latSum, lonSum float64
	for _, s := range f.window {
		latSum += s.Latitude
		lonSum += s.Longitude
	}
	n := float64(len(f.window))
	return FilteredSample{
		Latitude:  latSum / n,
		Longitude: lonSum / n,
		Timestamp: ts,
	}
}

// shouldEmit applies the throttling rule: publish when the interval has
// elapsed, or when the smoothed position moved past the adaptive threshold
// on either axis.
func (f *SampleFilter) shouldEmit(candidate FilteredSample, speed float64) bool {
	if f.emitted == nil {
		return true
	}
	if f.now().Sub(f.lastEmittedAt) >= f.cfg.UpdateInterval {
		return true
	}

	threshold := slowThresholdDeg
	if speed >= speedCutoffMPS {
		threshold = fastThresholdDeg
	}
	return math.Abs(f.emitted.Latitude-candidate.Latitude) > threshold ||
		math.Abs(f.emitted.Longitude-candidate.Longitude) > threshold
}

// estimateSpeed derives ground speed from the previous accepted sample.
// The first sample has no baseline and counts as stationary.
func (f *SampleFilter) estimateSpeed(s Sample) float64 {
	if f.last == nil {
		return 0
	}
	return geo.SpeedMetersPerSecond(
		f.last.Latitude, f.last.Longitude, f.last.Timestamp,
		s.Latitude, s.Longitude, s.Timestamp,
	)
}
