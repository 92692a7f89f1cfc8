// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/trailcast/internal/protocol"
)

// fakeSource hands out the same sample and error channels on every
// Watch call and counts how often it was opened.
type fakeSource struct {
	mu       sync.Mutex
	samples  chan Sample
	errs     chan SourceError
	watchErr error
	watches  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		samples: make(chan Sample, 16),
		errs:    make(chan SourceError, 16),
	}
}

func (s *fakeSource) Watch(_ context.Context) (<-chan Sample, <-chan SourceError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches++
	if s.watchErr != nil {
		err := s.watchErr
		s.watchErr = nil
		return nil, nil, err
	}
	return s.samples, s.errs, nil
}

func (s *fakeSource) watchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches
}

// fakeConn records every emitted envelope.
type fakeConn struct {
	mu        sync.Mutex
	frames    []protocol.Envelope
	connected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true}
}

func (c *fakeConn) Emit(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) snapshot() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) countOf(msgType string) int {
	n := 0
	for _, env := range c.snapshot() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Identity:       "user-1",
		Name:           "Asha",
		PingInterval:   time.Hour,
		RestartBackoff: 20 * time.Millisecond,
	}
}

func startPublisher(t *testing.T, cfg PublisherConfig, source *fakeSource, conn *fakeConn) *Publisher {
	t.Helper()
	p := NewPublisher(cfg, source, conn)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Close()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("publisher did not stop")
		}
	})
	return p
}

func TestPublisherRequiresIdentity(t *testing.T) {
	cfg := testPublisherConfig()
	cfg.Identity = ""
	p := NewPublisher(cfg, newFakeSource(), newFakeConn())

	if err := p.Run(context.Background()); !errors.Is(err, ErrIdentityNotSet) {
		t.Errorf("Run without identity = %v, want ErrIdentityNotSet", err)
	}
}

func TestPublisherAnnouncesOnStart(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	waitFor(t, func() bool { return len(conn.snapshot()) >= 1 }, "no announcement frame")

	env := conn.snapshot()[0]
	if env.Type != protocol.TypeUserConnected {
		t.Fatalf("first frame type = %s, want %s", env.Type, protocol.TypeUserConnected)
	}
	var payload protocol.UserConnected
	if err := env.Bind(&payload); err != nil {
		t.Fatalf("bind payload: %v", err)
	}
	if payload.Identity != "user-1" || payload.Name != "Asha" {
		t.Errorf("announced %q/%q, want user-1/Asha", payload.Identity, payload.Name)
	}
}

func TestPublisherPublishesFilteredSamples(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	source.samples <- Sample{Latitude: 52.5, Longitude: 13.4, AccuracyM: 10, Timestamp: 1000}

	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 1 }, "no location_update frame")

	for _, env := range conn.snapshot() {
		if env.Type != protocol.TypeLocationUpdate {
			continue
		}
		var payload protocol.LocationUpdate
		if err := env.Bind(&payload); err != nil {
			t.Fatalf("bind payload: %v", err)
		}
		if payload.Identity != "user-1" {
			t.Errorf("identity = %q, want user-1", payload.Identity)
		}
		if payload.Latitude != 52.5 || payload.Longitude != 13.4 {
			t.Errorf("coordinates = (%v, %v), want (52.5, 13.4)", payload.Latitude, payload.Longitude)
		}
	}
}

func TestPublisherDropsInaccurateSamples(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	source.samples <- Sample{Latitude: 1, Longitude: 1, AccuracyM: 200, Timestamp: 1000}
	source.samples <- Sample{Latitude: 2, Longitude: 2, AccuracyM: 10, Timestamp: 2000}

	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 1 }, "accurate sample not published")

	if got := conn.countOf(protocol.TypeLocationUpdate); got != 1 {
		t.Errorf("location_update count = %d, want 1", got)
	}
}

func TestPublisherRestartsAfterConsecutiveErrors(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	waitFor(t, func() bool { return source.watchCount() == 1 }, "initial watch not opened")

	// A burst beyond the error threshold still schedules exactly one restart.
	for i := 0; i < 5; i++ {
		source.errs <- SourceError{Class: SourceErrorTimeout, Err: errors.New("fix timeout")}
	}

	waitFor(t, func() bool { return source.watchCount() == 2 }, "watch not restarted after errors")

	time.Sleep(100 * time.Millisecond)
	if got := source.watchCount(); got != 2 {
		t.Errorf("watch count = %d, want a single restart", got)
	}
}

func TestPublisherErrorCounterResetsOnSample(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	source.errs <- SourceError{Class: SourceErrorUnavailable}
	source.errs <- SourceError{Class: SourceErrorUnavailable}
	source.samples <- Sample{Latitude: 1, Longitude: 1, AccuracyM: 10, Timestamp: 1000}

	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 1 }, "sample not published")

	source.errs <- SourceError{Class: SourceErrorUnavailable}
	source.errs <- SourceError{Class: SourceErrorUnavailable}

	time.Sleep(100 * time.Millisecond)
	if got := source.watchCount(); got != 1 {
		t.Errorf("watch count = %d, want no restart after the counter reset", got)
	}
}

func TestPublisherRecoversFromFailedWatchOpen(t *testing.T) {
	source := newFakeSource()
	source.watchErr = errors.New("provider unavailable")
	conn := newFakeConn()
	startPublisher(t, testPublisherConfig(), source, conn)

	// The failed open feeds the error counter and the backoff reopens it.
	waitFor(t, func() bool { return source.watchCount() == 2 }, "watch not reopened after failed open")
}

func TestPublisherWakeForcesPublishAndRestart(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	p := startPublisher(t, testPublisherConfig(), source, conn)

	source.samples <- Sample{Latitude: 10, Longitude: 20, AccuracyM: 10, Timestamp: 1000}
	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 1 }, "sample not published")

	// Identical position inside the publish interval stays suppressed.
	source.samples <- Sample{Latitude: 10, Longitude: 20, AccuracyM: 10, Timestamp: 2000}
	time.Sleep(50 * time.Millisecond)
	if got := conn.countOf(protocol.TypeLocationUpdate); got != 1 {
		t.Fatalf("location_update count = %d before wake, want 1", got)
	}

	p.Wake()

	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 2 }, "wake did not republish")
	waitFor(t, func() bool { return source.watchCount() == 2 }, "wake did not restart the watch")
}

func TestPublisherWakeWithoutSamplesOnlyRestarts(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	p := startPublisher(t, testPublisherConfig(), source, conn)

	waitFor(t, func() bool { return source.watchCount() == 1 }, "initial watch not opened")
	p.Wake()
	waitFor(t, func() bool { return source.watchCount() == 2 }, "wake did not restart the watch")

	if got := conn.countOf(protocol.TypeLocationUpdate); got != 0 {
		t.Errorf("location_update count = %d, want 0 with nothing to republish", got)
	}
}

func TestPublisherCloseSendsFarewellWithLastPosition(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	p := NewPublisher(testPublisherConfig(), source, conn)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	source.samples <- Sample{Latitude: 10, Longitude: 20, AccuracyM: 10, Timestamp: 1000}
	waitFor(t, func() bool { return conn.countOf(protocol.TypeLocationUpdate) == 1 }, "sample not published")

	p.Close()
	p.Close() // idempotent

	if err := <-errCh; err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}

	frames := conn.snapshot()
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeUserDisconnecting {
		t.Fatalf("final frame type = %s, want %s", last.Type, protocol.TypeUserDisconnecting)
	}
	var payload protocol.UserDisconnecting
	if err := last.Bind(&payload); err != nil {
		t.Fatalf("bind payload: %v", err)
	}
	if payload.LastLatitude == nil || payload.LastLongitude == nil {
		t.Fatal("farewell missing last coordinates")
	}
	if *payload.LastLatitude != 10 || *payload.LastLongitude != 20 {
		t.Errorf("farewell coordinates = (%v, %v), want (10, 20)", *payload.LastLatitude, *payload.LastLongitude)
	}
}

func TestPublisherCloseWithoutPublishOmitsCoordinates(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	p := NewPublisher(testPublisherConfig(), source, conn)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	waitFor(t, func() bool { return conn.countOf(protocol.TypeUserConnected) == 1 }, "no announcement frame")
	p.Close()
	<-errCh

	frames := conn.snapshot()
	last := frames[len(frames)-1]
	var payload protocol.UserDisconnecting
	if err := last.Bind(&payload); err != nil {
		t.Fatalf("bind payload: %v", err)
	}
	if payload.LastLatitude != nil || payload.LastLongitude != nil {
		t.Error("farewell without a published position must omit coordinates")
	}
}

func TestPublisherPingsWhileConnected(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	cfg := testPublisherConfig()
	cfg.PingInterval = 20 * time.Millisecond
	startPublisher(t, cfg, source, conn)

	waitFor(t, func() bool { return conn.countOf(protocol.TypeUserPing) >= 2 }, "no pings while connected")
}

func TestPublisherSkipsPingWhileDisconnected(t *testing.T) {
	source := newFakeSource()
	conn := newFakeConn()
	conn.connected = false
	cfg := testPublisherConfig()
	cfg.PingInterval = 20 * time.Millisecond
	startPublisher(t, cfg, source, conn)

	time.Sleep(100 * time.Millisecond)
	if got := conn.countOf(protocol.TypeUserPing); got != 0 {
		t.Errorf("ping count = %d while disconnected, want 0", got)
	}
}

func TestSourceErrorClassification(t *testing.T) {
	tests := []struct {
		class SourceErrorClass
		want  string
	}{
		{SourceErrorPermissionDenied, "permission_denied"},
		{SourceErrorUnavailable, "unavailable"},
		{SourceErrorTimeout, "timeout"},
		{SourceErrorUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.class.String(); got != tt.want {
			t.Errorf("class %d = %q, want %q", tt.class, got, tt.want)
		}
	}

	inner := errors.New("gps off")
	err := &SourceError{Class: SourceErrorUnavailable, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("SourceError must unwrap to the inner error")
	}
}
