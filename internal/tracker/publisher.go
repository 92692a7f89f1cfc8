// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// Publisher defaults.
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultRestartBackoff = 10 * time.Second

	// maxConsecutiveSourceErrors is how many source errors in a row
	// trigger a watch restart.
	maxConsecutiveSourceErrors = 3
)

// ErrIdentityNotSet reports a publisher started without an identity.
var ErrIdentityNotSet = errors.New("identity not set")

// SourceErrorClass classifies position source failures. Permission
// failures are terminal for the watch; the rest are transient.
type SourceErrorClass int

const (
	SourceErrorUnknown SourceErrorClass = iota
	SourceErrorPermissionDenied
	SourceErrorUnavailable
	SourceErrorTimeout
)

// String returns the class name for logs.
func (c SourceErrorClass) String() string {
	switch c {
	case SourceErrorPermissionDenied:
		return "permission_denied"
	case SourceErrorUnavailable:
		return "unavailable"
	case SourceErrorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SourceError is a classified failure from a position source.
type SourceError struct {
	Class SourceErrorClass
	Err   error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("position source error: %s", e.Class)
	}
	return fmt.Sprintf("position source error (%s): %v", e.Class, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// PositionSource produces raw position samples. Watch starts a watch
// session that lives until ctx is cancelled; samples and errors arrive on
// the returned channels. A Watch call that fails outright returns an
// error and nil channels.
type PositionSource interface {
	Watch(ctx context.Context) (<-chan Sample, <-chan SourceError, error)
}

// Conn is the publisher's view of the server connection.
type Conn interface {
	Emit(protocol.Envelope) error
	Connected() bool
}

// PublisherConfig configures a Publisher. Identity is required.
type PublisherConfig struct {
	Identity       string
	Name           string
	PingInterval   time.Duration
	RestartBackoff time.Duration
	Filter         FilterConfig
}

// Publisher drives the sharing loop for one identity: it watches a
// position source, runs samples through the filter, and emits protocol
// frames over the connection. All state lives in the Run goroutine;
// Wake and Close only signal it.
type Publisher struct {
	cfg    PublisherConfig
	source PositionSource
	conn   Conn
	filter *SampleFilter

	wakeCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewPublisher creates a publisher. It does not start watching; call Run.
func NewPublisher(cfg PublisherConfig, source PositionSource, conn Conn) *Publisher {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	return &Publisher{
		cfg:     cfg,
		source:  source,
		conn:    conn,
		filter:  NewSampleFilter(cfg.Filter),
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Wake forces an immediate publish of the current smoothed position and
// restarts the watch. Clients call it when the app returns to the
// foreground; some platforms silently stall watch callbacks in the
// background.
func (p *Publisher) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Close asks the run loop to announce departure and stop. It is safe to
// call more than once and returns after the loop has exited.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.closeCh) })
	<-p.done
}

// Run executes the publish loop until ctx is cancelled or Close is
// called. On an orderly stop it sends a best-effort user_disconnecting
// carrying the last published coordinates.
func (p *Publisher) Run(ctx context.Context) error {
	defer close(p.done)

	if p.cfg.Identity == "" {
		return ErrIdentityNotSet
	}

	p.announce()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	samples, errs := p.startWatch(watchCtx)
	defer func() { cancelWatch() }()

	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()

	var (
		consecutiveErrors int
		restartCh         <-chan time.Time
		lastPublished     *FilteredSample
	)

	restart := func() {
		cancelWatch()
		watchCtx, cancelWatch = context.WithCancel(ctx)
		samples, errs = p.startWatch(watchCtx)
		consecutiveErrors = 0
		restartCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			p.farewell(lastPublished)
			return ctx.Err()

		case <-p.closeCh:
			p.farewell(lastPublished)
			return nil

		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			consecutiveErrors = 0
			if out, emit := p.filter.Observe(s); emit {
				p.publish(out)
				lastPublished = &out
			}

		case srcErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			consecutiveErrors++
			logging.Warn().
				Str("class", srcErr.Class.String()).
				Int("consecutive", consecutiveErrors).
				Err(srcErr.Err).
				Msg("position source error")
			if consecutiveErrors >= maxConsecutiveSourceErrors && restartCh == nil {
				logging.Info().
					Dur("backoff", p.cfg.RestartBackoff).
					Msg("position source failing, scheduling watch restart")
				restartCh = time.After(p.cfg.RestartBackoff)
			}

		case <-restartCh:
			restart()

		case <-p.wakeCh:
			if out, ok := p.filter.Force(); ok {
				p.publish(out)
				lastPublished = &out
			}
			restart()

		case <-pingTicker.C:
			if p.conn.Connected() {
				p.ping()
			}
		}
	}
}

// startWatch opens a watch session. A failed open counts toward the
// consecutive error threshold by feeding a synthetic error channel, so
// the normal restart path recovers from it.
func (p *Publisher) startWatch(ctx context.Context) (<-chan Sample, <-chan SourceError) {
	samples, errs, err := p.source.Watch(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("failed to start position watch")
		failed := make(chan SourceError, maxConsecutiveSourceErrors)
		for i := 0; i < maxConsecutiveSourceErrors; i++ {
			failed <- SourceError{Class: SourceErrorUnavailable, Err: err}
		}
		return nil, failed
	}
	return samples, errs
}

func (p *Publisher) announce() {
	env, err := protocol.NewEnvelope(protocol.TypeUserConnected, protocol.UserConnected{
		Identity: p.cfg.Identity,
		Name:     p.cfg.Name,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to build user_connected frame")
		return
	}
	if err := p.conn.Emit(env); err != nil {
		logging.Warn().Err(err).Msg("failed to send user_connected")
	}
}

func (p *Publisher) publish(s FilteredSample) {
	env, err := protocol.NewEnvelope(protocol.TypeLocationUpdate, protocol.LocationUpdate{
		Identity:  p.cfg.Identity,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Timestamp: s.Timestamp,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to build location_update frame")
		return
	}
	if err := p.conn.Emit(env); err != nil {
		logging.Warn().Err(err).Msg("failed to send location_update")
	}
}

func (p *Publisher) ping() {
	env, err := protocol.NewEnvelope(protocol.TypeUserPing, protocol.UserPing{
		Identity: p.cfg.Identity,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to build user_ping frame")
		return
	}
	if err := p.conn.Emit(env); err != nil {
		logging.Warn().Err(err).Msg("failed to send user_ping")
	}
}

// farewell sends user_disconnecting with the final published coordinates.
// Best effort: the connection may already be gone.
func (p *Publisher) farewell(last *FilteredSample) {
	payload := protocol.UserDisconnecting{Identity: p.cfg.Identity}
	if last != nil {
		payload.LastLatitude = &last.Latitude
		payload.LastLongitude = &last.Longitude
	}
	env, err := protocol.NewEnvelope(protocol.TypeUserDisconnecting, payload)
	if err != nil {
		logging.Error().Err(err).Msg("failed to build user_disconnecting frame")
		return
	}
	if err := p.conn.Emit(env); err != nil {
		logging.Debug().Err(err).Msg("user_disconnecting not delivered")
	}
}
