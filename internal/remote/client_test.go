// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/protocol"
)

func init() {
	logging.SetLogger(logging.NewTestLogger(io.Discard))
}

func newTestClient(serverURL string) *Client {
	return NewClient(config.RemoteConfig{
		Enabled: true,
		URL:     serverURL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	})
}

func TestClientPushPoints(t *testing.T) {
	var gotBatch PointBatch
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/locations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	points := []protocol.Location{{Latitude: 1, Longitude: 2, Timestamp: 100}}
	if err := client.PushPoints(context.Background(), "dev-1", points); err != nil {
		t.Fatalf("PushPoints: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBatch.Identity != "dev-1" || len(gotBatch.Points) != 1 {
		t.Errorf("batch = %+v", gotBatch)
	}
}

func TestClientPushPointsEmptyIsNoop(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.PushPoints(context.Background(), "dev-1", nil); err != nil {
		t.Fatalf("PushPoints: %v", err)
	}
	if called {
		t.Error("empty batch must not hit the upstream")
	}
}

func TestClientFetchFriends(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/friends" || r.URL.Query().Get("identity") != "dev-1" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		//nolint:errcheck // Test server response
		json.NewEncoder(w).Encode([]Friend{{Identity: "dev-2", Name: "bob"}})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	friends, err := client.FetchFriends(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("FetchFriends: %v", err)
	}
	if len(friends) != 1 || friends[0].Identity != "dev-2" {
		t.Errorf("friends = %+v", friends)
	}
}

func TestClientUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.PushPoints(context.Background(), "dev-1", []protocol.Location{{Latitude: 1}})
	if err == nil {
		t.Error("5xx response must surface as an error")
	}
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	points := []protocol.Location{{Latitude: 1}}

	// Trip threshold is 60% of at least 10 requests; all of these fail.
	for i := 0; i < 12; i++ {
		_ = client.PushPoints(context.Background(), "dev-1", points)
	}

	before := requests.Load()
	if err := client.PushPoints(context.Background(), "dev-1", points); err == nil {
		t.Error("open breaker must reject requests")
	}
	if requests.Load() != before {
		t.Error("open breaker must not let requests through to the upstream")
	}
}

func TestFlusherBatchesPerIdentity(t *testing.T) {
	batches := make(chan PointBatch, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch PointBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err == nil {
			batches <- batch
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f := NewFlusher(newTestClient(server.URL), time.Minute)
	_ = f.Append("dev-1", protocol.Location{Latitude: 1})
	_ = f.Append("dev-1", protocol.Location{Latitude: 2})
	_ = f.Append("dev-2", protocol.Location{Latitude: 9})

	f.flushOnce(context.Background())

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case b := <-batches:
			got[b.Identity] = len(b.Points)
		case <-time.After(time.Second):
			t.Fatal("missing batch")
		}
	}
	if got["dev-1"] != 2 || got["dev-2"] != 1 {
		t.Errorf("batches = %v", got)
	}

	// A second flush with nothing buffered pushes nothing.
	f.flushOnce(context.Background())
	select {
	case b := <-batches:
		t.Errorf("unexpected batch %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlusherRequeuesOnFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	batches := make(chan PointBatch, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var batch PointBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err == nil {
			batches <- batch
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f := NewFlusher(newTestClient(server.URL), time.Minute)
	_ = f.Append("dev-1", protocol.Location{Latitude: 1})

	f.flushOnce(context.Background())
	fail.Store(false)
	f.flushOnce(context.Background())

	select {
	case b := <-batches:
		if b.Identity != "dev-1" || len(b.Points) != 1 {
			t.Errorf("batch = %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("requeued batch never flushed")
	}
}

func TestFlusherRunStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	f := NewFlusher(newTestClient(server.URL), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.RunWithContext(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("RunWithContext returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flusher did not stop after cancellation")
	}
}
