// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package remote integrates with an optional upstream location API:
// accepted points are pushed to it in batches and friend lists are fetched
// from it. All calls run through a circuit breaker so an unavailable
// upstream never degrades local presence handling.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/logging"
	"github.com/tomtom215/trailcast/internal/metrics"
	"github.com/tomtom215/trailcast/internal/protocol"
)

const breakerName = "remote-api"

// Friend is one entry of the upstream friend list.
type Friend struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// PointBatch is the payload pushed to the upstream locations endpoint.
type PointBatch struct {
	Identity string              `json:"identity"`
	Points   []protocol.Location `json:"points"`
}

// Client talks to the upstream location API with circuit breaker
// protection.
//
// DETERMINISM NOTE: The circuit breaker uses real time (via sony/gobreaker)
// for its interval and timeout calculations. The timing determines when to
// recover from failures, not data integrity; tests should mock the upstream
// server, not the breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates an upstream API client from the remote configuration.
// Circuit breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewClient(cfg config.RemoteConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	metrics.SetCircuitBreakerState(breakerName, 0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.SetCircuitBreakerState(name, stateToFloat(to))
			metrics.RecordCircuitBreakerTransition(name, fromStr, toStr)
		},
	})

	return &Client{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
	}
}

// PushPoints sends one identity's accepted points upstream.
func (c *Client) PushPoints(ctx context.Context, identity string, points []protocol.Location) error {
	if len(points) == 0 {
		return nil
	}
	body, err := json.Marshal(PointBatch{Identity: identity, Points: points})
	if err != nil {
		return fmt.Errorf("marshal point batch: %w", err)
	}
	_, err = c.execute(ctx, http.MethodPost, "/v1/locations", body)
	return err
}

// FetchFriends retrieves the upstream friend list for an identity.
func (c *Client) FetchFriends(ctx context.Context, identity string) ([]Friend, error) {
	data, err := c.execute(ctx, http.MethodGet, "/v1/friends?identity="+identity, nil)
	if err != nil {
		return nil, err
	}
	var friends []Friend
	if err := json.Unmarshal(data, &friends); err != nil {
		return nil, fmt.Errorf("unmarshal friend list: %w", err)
	}
	return friends, nil
}

// execute runs one upstream request through the circuit breaker and
// records the outcome.
func (c *Client) execute(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	result, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordCircuitBreakerRequest(breakerName, "rejected")
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		} else {
			metrics.RecordCircuitBreakerRequest(breakerName, "failure")
		}
		return nil, err
	}
	metrics.RecordCircuitBreakerRequest(breakerName, "success")
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	return data, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
