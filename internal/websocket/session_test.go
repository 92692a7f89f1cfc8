// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/trailcast/internal/presence"
	"github.com/tomtom215/trailcast/internal/protocol"
)

type fakeStore struct {
	mu     sync.Mutex
	points map[string][]protocol.Location
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string][]protocol.Location)}
}

func (s *fakeStore) Append(identity string, point protocol.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[identity] = append(s.points[identity], point)
	return nil
}

func (s *fakeStore) count(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points[identity])
}

// setupSession builds a running hub plus a session over a fresh registry
// and fake store.
func setupSession(t *testing.T) (*Session, *Hub, *presence.Registry, *fakeStore) {
	t.Helper()
	hub, registry := setupHub(t)
	store := newFakeStore()
	return NewSession(registry, hub, store), hub, registry, store
}

func mustEnvelope(t *testing.T, msgType string, payload interface{}) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestSession_UserConnected(t *testing.T) {
	session, hub, registry, store := setupSession(t)

	client := createTestClient(hub)
	registerClient(hub, client)
	client.connID = "conn-1"

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1",
		Name:     "alice",
		Location: &protocol.Location{Latitude: 1, Longitude: 2, Timestamp: 100},
	}))

	p, ok := registry.Get("dev-1")
	if !ok {
		t.Fatal("participant not registered")
	}
	if p.ConnID != "conn-1" || p.Name != "alice" {
		t.Errorf("participant = %+v", p)
	}
	if store.count("dev-1") != 1 {
		t.Errorf("persisted points = %d, want the initial location appended", store.count("dev-1"))
	}

	// Everyone, including the new client, gets a roster push.
	env := drainOne(t, client)
	if env.Type != protocol.TypeActiveUsers {
		t.Errorf("type = %q, want active_users", env.Type)
	}
}

func TestSession_UserConnectedWithoutLocation(t *testing.T) {
	session, hub, registry, store := setupSession(t)
	client := createTestClient(hub)
	registerClient(hub, client)

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1",
		Name:     "alice",
	}))

	if _, ok := registry.Get("dev-1"); !ok {
		t.Fatal("participant not registered")
	}
	if store.count("dev-1") != 0 {
		t.Error("nothing should be persisted without a location")
	}
}

func TestSession_UserConnectedEmptyIdentityIgnored(t *testing.T) {
	session, hub, registry, _ := setupSession(t)
	client := createTestClient(hub)
	registerClient(hub, client)

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Name: "anonymous",
	}))

	if registry.Len() != 0 {
		t.Error("a frame without identity must not register anyone")
	}
}

func TestSession_LocationUpdate(t *testing.T) {
	session, hub, registry, store := setupSession(t)

	sender := createTestClient(hub)
	watcher := createTestClient(hub)
	registerClient(hub, sender)
	registerClient(hub, watcher)

	sender.connID = "conn-1"
	session.HandleFrame(sender, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	drainOne(t, sender)
	drainOne(t, watcher)

	session.HandleFrame(sender, mustEnvelope(t, protocol.TypeLocationUpdate, protocol.LocationUpdate{
		Identity: "dev-1", Latitude: 40.7, Longitude: -74.0, Timestamp: 1700000000000,
	}))

	env := drainOne(t, watcher)
	if env.Type != protocol.TypeUserLocationUpdated {
		t.Fatalf("type = %q, want user_location_updated", env.Type)
	}
	var payload protocol.UserLocationUpdated
	if err := env.Bind(&payload); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if payload.Identity != "dev-1" || payload.Name != "alice" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Location.Latitude != 40.7 || payload.Location.Timestamp != 1700000000000 {
		t.Errorf("location = %+v", payload.Location)
	}

	if store.count("dev-1") != 1 {
		t.Errorf("persisted points = %d, want 1", store.count("dev-1"))
	}
	if p, _ := registry.Get("dev-1"); p.Location == nil || p.Location.Latitude != 40.7 {
		t.Error("registry location not updated")
	}
}

func TestSession_LocationUpdateUnknownIdentityDropped(t *testing.T) {
	session, hub, _, store := setupSession(t)
	watcher := createTestClient(hub)
	registerClient(hub, watcher)

	session.HandleFrame(watcher, mustEnvelope(t, protocol.TypeLocationUpdate, protocol.LocationUpdate{
		Identity: "ghost", Latitude: 1, Longitude: 2,
	}))
	time.Sleep(20 * time.Millisecond)

	select {
	case env := <-watcher.send:
		t.Errorf("unexpected broadcast %q for unknown identity", env.Type)
	default:
	}
	if store.count("ghost") != 0 {
		t.Error("nothing should be persisted for unknown identities")
	}
}

func TestSession_UserDisconnecting(t *testing.T) {
	session, hub, registry, store := setupSession(t)
	client := createTestClient(hub)
	registerClient(hub, client)
	client.connID = "conn-1"

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	drainOne(t, client)

	lat, lon := 48.85, 2.35
	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserDisconnecting, protocol.UserDisconnecting{
		Identity: "dev-1", LastLatitude: &lat, LastLongitude: &lon,
	}))

	p, _ := registry.Get("dev-1")
	if p.Phase != presence.PhaseDisconnecting {
		t.Errorf("phase = %v, want disconnecting", p.Phase)
	}
	if p.Location == nil || p.Location.Latitude != 48.85 {
		t.Errorf("final location = %+v", p.Location)
	}
	if store.count("dev-1") != 1 {
		t.Error("final coordinates should be persisted")
	}
}

func TestSession_UserDisconnectingWithoutCoordinates(t *testing.T) {
	session, hub, registry, store := setupSession(t)
	client := createTestClient(hub)
	registerClient(hub, client)
	client.connID = "conn-1"

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	drainOne(t, client)

	// One coordinate missing counts as no final position at all.
	lat := 48.85
	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserDisconnecting, protocol.UserDisconnecting{
		Identity: "dev-1", LastLatitude: &lat,
	}))

	p, _ := registry.Get("dev-1")
	if p.Phase != presence.PhaseDisconnecting {
		t.Errorf("phase = %v, want disconnecting even without coordinates", p.Phase)
	}
	if store.count("dev-1") != 0 {
		t.Error("a partial coordinate pair must not be persisted")
	}
}

func TestSession_CloseAfterDisconnectingBroadcasts(t *testing.T) {
	session, hub, registry, _ := setupSession(t)

	leaver := createTestClient(hub)
	watcher := createTestClient(hub)
	registerClient(hub, leaver)
	registerClient(hub, watcher)
	leaver.connID = "conn-1"

	session.HandleFrame(leaver, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	drainOne(t, leaver)
	drainOne(t, watcher)

	session.HandleFrame(leaver, mustEnvelope(t, protocol.TypeUserDisconnecting, protocol.UserDisconnecting{
		Identity: "dev-1",
	}))
	session.HandleClose(leaver)

	if registry.Len() != 0 {
		t.Error("disconnecting participant must be removed on close")
	}
	left := drainOne(t, watcher)
	if left.Type != protocol.TypeUserDisconnected {
		t.Errorf("first broadcast = %q, want user_disconnected", left.Type)
	}
	roster := drainOne(t, watcher)
	if roster.Type != protocol.TypeActiveUsers {
		t.Errorf("second broadcast = %q, want active_users", roster.Type)
	}
}

func TestSession_CloseWithoutDisconnectingIsSilent(t *testing.T) {
	session, hub, registry, _ := setupSession(t)

	dropper := createTestClient(hub)
	watcher := createTestClient(hub)
	registerClient(hub, dropper)
	registerClient(hub, watcher)
	dropper.connID = "conn-1"

	session.HandleFrame(dropper, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	drainOne(t, dropper)
	drainOne(t, watcher)

	session.HandleClose(dropper)
	time.Sleep(20 * time.Millisecond)

	if registry.Len() != 1 {
		t.Error("silently dropped participant must be retained for reconnect")
	}
	select {
	case env := <-watcher.send:
		t.Errorf("unexpected broadcast %q after a silent drop", env.Type)
	default:
	}
}

func TestSession_TrackRouting(t *testing.T) {
	session, hub, _, _ := setupSession(t)

	requester := createTestClient(hub)
	target := createTestClient(hub)
	registerClient(hub, requester)
	registerClient(hub, target)
	requester.connID = "conn-1"
	target.connID = "conn-2"

	session.HandleFrame(requester, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
	}))
	session.HandleFrame(target, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-2", Name: "bob",
	}))
	for i := 0; i < 2; i++ {
		drainOne(t, requester)
		drainOne(t, target)
	}

	// dev-1 asks dev-2 for its track.
	session.HandleFrame(requester, mustEnvelope(t, protocol.TypeSendUserTrack, protocol.SendUserTrack{
		TargetIdentity: "dev-2", Identity: "dev-1",
	}))
	env := drainOne(t, target)
	if env.Type != protocol.TypeSendTrack {
		t.Fatalf("type = %q, want send_track", env.Type)
	}
	var req protocol.SendTrack
	if err := env.Bind(&req); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if req.Identity != "dev-1" {
		t.Errorf("requester identity = %q, want dev-1", req.Identity)
	}

	// dev-2 answers with its history, routed back to dev-1 only.
	session.HandleFrame(target, mustEnvelope(t, protocol.TypeGetUserTrack, protocol.GetUserTrack{
		TargetIdentity:  "dev-1",
		MarkID:          "mark-7",
		LocationHistory: []protocol.Location{{Latitude: 1, Longitude: 2}},
	}))
	env = drainOne(t, requester)
	if env.Type != protocol.TypeGetTrack {
		t.Fatalf("type = %q, want get_track", env.Type)
	}
	var track protocol.GetTrack
	if err := env.Bind(&track); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if track.MarkID != "mark-7" || len(track.LocationHistory) != 1 {
		t.Errorf("track = %+v", track)
	}

	select {
	case env := <-target.send:
		t.Errorf("track delivery leaked to target: %q", env.Type)
	default:
	}
}

func TestSession_TrackRoutingUnknownTarget(t *testing.T) {
	session, hub, _, _ := setupSession(t)
	requester := createTestClient(hub)
	registerClient(hub, requester)

	// No panic, no delivery; the metric records the miss.
	session.HandleFrame(requester, mustEnvelope(t, protocol.TypeSendUserTrack, protocol.SendUserTrack{
		TargetIdentity: "ghost", Identity: "dev-1",
	}))
}

func TestSession_RequestActiveUsersRepliesToRequesterOnly(t *testing.T) {
	session, hub, registry, _ := setupSession(t)
	registry.Connect("dev-9", "zoe", "c9", nil)

	requester := createTestClient(hub)
	bystander := createTestClient(hub)
	registerClient(hub, requester)
	registerClient(hub, bystander)

	session.HandleFrame(requester, protocol.Envelope{Type: protocol.TypeRequestActiveUsers})

	env := drainOne(t, requester)
	if env.Type != protocol.TypeActiveUsers {
		t.Fatalf("type = %q, want active_users", env.Type)
	}
	var payload protocol.ActiveUsers
	if err := env.Bind(&payload); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(payload.List) != 1 || payload.List[0].Identity != "dev-9" {
		t.Errorf("list = %+v", payload.List)
	}

	select {
	case env := <-bystander.send:
		t.Errorf("roster reply leaked to bystander: %q", env.Type)
	default:
	}
}

func TestSession_NilStore(t *testing.T) {
	hub, registry := setupHub(t)
	session := NewSession(registry, hub, nil)
	client := createTestClient(hub)
	registerClient(hub, client)

	session.HandleFrame(client, mustEnvelope(t, protocol.TypeUserConnected, protocol.UserConnected{
		Identity: "dev-1", Name: "alice",
		Location: &protocol.Location{Latitude: 1, Longitude: 2},
	}))

	if _, ok := registry.Get("dev-1"); !ok {
		t.Error("connect must work without a track store")
	}
}
