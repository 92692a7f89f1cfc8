// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package protocol defines the WebSocket wire contract between Trailcast
// clients and the server.
//
// Every frame is a JSON envelope {type, data}. The type names and payload
// field names are part of the public contract and must not change: clients
// in the field depend on them byte for byte.
package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Client-to-server message types.
const (
	TypeUserConnected      = "user_connected"
	TypeUserPing           = "user_ping"
	TypeLocationUpdate     = "location_update"
	TypeUserDisconnecting  = "user_disconnecting"
	TypeSendUserTrack      = "send_user_track"
	TypeGetUserTrack       = "get_user_track"
	TypeRequestActiveUsers = "request_active_users"
)

// Server-to-client message types.
const (
	TypeActiveUsers         = "active_users"
	TypeUserLocationUpdated = "user_location_updated"
	TypeUserDisconnected    = "user_disconnected"
	TypeSendTrack           = "send_track"
	TypeGetTrack            = "get_track"
)

// ErrUnknownType reports an envelope with a type outside the contract.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the outer frame of every WebSocket message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Location is a geographic position with an optional client timestamp
// in milliseconds since the Unix epoch.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// UserConnected announces an identity on a fresh or reconnected socket.
type UserConnected struct {
	Identity string    `json:"identity"`
	Name     string    `json:"name"`
	Location *Location `json:"location,omitempty"`
}

// UserPing refreshes the sender's liveness without moving.
type UserPing struct {
	Identity string `json:"identity"`
}

// LocationUpdate carries one filtered position sample.
type LocationUpdate struct {
	Identity  string  `json:"identity"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// UserDisconnecting announces an orderly departure. The final coordinates
// are optional: a client losing GPS lock sends the frame without them.
type UserDisconnecting struct {
	Identity      string   `json:"identity"`
	LastLatitude  *float64 `json:"lastLatitude,omitempty"`
	LastLongitude *float64 `json:"lastLongitude,omitempty"`
}

// SendUserTrack asks the server to request a track from targetIdentity
// on behalf of identity.
type SendUserTrack struct {
	TargetIdentity string `json:"targetIdentity"`
	Identity       string `json:"identity"`
}

// GetUserTrack delivers a recorded track to targetIdentity.
type GetUserTrack struct {
	TargetIdentity  string     `json:"targetIdentity"`
	MarkID          string     `json:"markId"`
	LocationHistory []Location `json:"locationHistory"`
}

// RequestActiveUsers asks for a fresh presence snapshot. It has no payload.
type RequestActiveUsers struct{}

// ActiveUser is one entry of the presence snapshot.
type ActiveUser struct {
	Identity string    `json:"identity"`
	Name     string    `json:"name"`
	Location *Location `json:"location,omitempty"`
	Active   bool      `json:"active"`
}

// ActiveUsers is the presence snapshot broadcast.
type ActiveUsers struct {
	List []ActiveUser `json:"list"`
}

// UserLocationUpdated fans a participant's new position out to everyone.
type UserLocationUpdated struct {
	Identity string   `json:"identity"`
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

// UserDisconnected announces a participant's removal.
type UserDisconnected struct {
	Identity string `json:"identity"`
}

// SendTrack is the server-to-client translation of SendUserTrack,
// delivered only to the targeted identity.
type SendTrack struct {
	Identity string `json:"identity"`
}

// GetTrack is the server-to-client translation of GetUserTrack,
// delivered only to the targeted identity.
type GetTrack struct {
	MarkID          string     `json:"markId"`
	LocationHistory []Location `json:"locationHistory"`
}

// clientTypes enumerates every type the server accepts from clients.
var clientTypes = map[string]bool{
	TypeUserConnected:      true,
	TypeUserPing:           true,
	TypeLocationUpdate:     true,
	TypeUserDisconnecting:  true,
	TypeSendUserTrack:      true,
	TypeGetUserTrack:       true,
	TypeRequestActiveUsers: true,
}

// IsClientType reports whether t is a valid client-to-server message type.
func IsClientType(t string) bool {
	return clientTypes[t]
}

// NewEnvelope wraps a payload in an envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Encode serializes an envelope to wire bytes.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Bind unmarshals the envelope payload into v.
func (e Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("message %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// Decode parses wire bytes into an envelope and rejects unknown client types.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	if !IsClientType(e.Type) {
		return e, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	return e, nil
}
