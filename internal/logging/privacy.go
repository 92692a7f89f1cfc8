// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package logging

import (
	"math"

	"github.com/rs/zerolog"
)

// Precise coordinates are personal data. Log output coarsens them to
// roughly city-block resolution so operators can debug routing without
// the logs becoming a movement record.
const coordinateLogPrecision = 2 // decimal places, ~1.1 km at the equator

// RedactCoordinate rounds a latitude or longitude to the log-safe precision.
func RedactCoordinate(deg float64) float64 {
	scale := math.Pow10(coordinateLogPrecision)
	return math.Round(deg*scale) / scale
}

// RedactIdentity shortens an identity for log output. Identities are
// client-chosen and may embed names or device serials; eight characters
// is enough to correlate log lines within one session.
func RedactIdentity(identity string) string {
	const max = 8
	if len(identity) <= max {
		return identity
	}
	return identity[:max] + "..."
}

// PresenceEvent is a presence lifecycle event for audit-style logging.
type PresenceEvent struct {
	// Event is the event type (e.g. "connected", "reconnected", "evicted").
	Event string
	// Identity is the participant identity (redacted before output).
	Identity string
	// Name is the participant display name.
	Name string
	// Phase is the connection phase at the time of the event.
	Phase string
	// Latitude and Longitude are the last known coordinates, if any.
	Latitude  float64
	Longitude float64
	// HasLocation indicates whether the coordinates are meaningful.
	HasLocation bool
}

// PresenceLogger logs presence lifecycle events with coordinate redaction
// applied automatically.
type PresenceLogger struct {
	logger zerolog.Logger
}

// NewPresenceLogger creates a presence logger on the global logger.
func NewPresenceLogger() *PresenceLogger {
	return &PresenceLogger{
		logger: With().Str("component", "presence").Logger(),
	}
}

// NewPresenceLoggerWithLogger creates a presence logger with a custom logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewPresenceLoggerWithLogger(logger zerolog.Logger) *PresenceLogger {
	return &PresenceLogger{
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// LogEvent logs a presence event with identity and coordinate redaction.
func (l *PresenceLogger) LogEvent(event *PresenceEvent) {
	e := l.logger.Info().
		Str("event", event.Event).
		Str("identity", RedactIdentity(event.Identity))

	if event.Name != "" {
		e = e.Str("name", event.Name)
	}
	if event.Phase != "" {
		e = e.Str("phase", event.Phase)
	}
	if event.HasLocation {
		e = e.Float64("lat", RedactCoordinate(event.Latitude)).
			Float64("lon", RedactCoordinate(event.Longitude))
	}

	e.Msg("presence event")
}
