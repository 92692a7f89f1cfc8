// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package history persists location tracks in BadgerDB so participants can
// retrieve each other's recent movement after the fact.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/trailcast/internal/config"
	"github.com/tomtom215/trailcast/internal/metrics"
	"github.com/tomtom215/trailcast/internal/protocol"
)

// trackKeyPrefix namespaces track points in BadgerDB. Keys are
// track:<identity>:<zero-padded unix nanos> so a prefix scan yields one
// identity's points in chronological order.
const trackKeyPrefix = "track:"

// ErrNoTrack reports a track lookup for an identity with no recorded points.
var ErrNoTrack = errors.New("no track recorded")

// Point is one stored track sample. Timestamp is the client's clock in
// milliseconds; RecordedAt is the server's.
type Point struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  int64     `json:"timestamp,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is a BadgerDB-backed track store. It implements the session layer's
// TrackStore interface.
type Store struct {
	db        *badger.DB
	maxPoints int
	now       func() time.Time
}

// OpenDB opens the BadgerDB instance backing the store. The in-memory mode
// is for tests and ephemeral deployments.
func OpenDB(cfg config.HistoryConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return db, nil
}

// NewStore creates a store over an open BadgerDB handle. maxPoints caps the
// retained track length per identity; zero or negative disables the cap.
func NewStore(db *badger.DB, maxPoints int) *Store {
	return &Store{
		db:        db,
		maxPoints: maxPoints,
		now:       time.Now,
	}
}

func trackKey(identity string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", trackKeyPrefix, identity, at.UnixNano()))
}

func identityPrefix(identity string) []byte {
	return []byte(trackKeyPrefix + identity + ":")
}

// Append records one track point for identity.
func (s *Store) Append(identity string, loc protocol.Location) error {
	start := s.now()
	err := s.append(identity, loc, start)
	metrics.RecordHistoryOperation("append", time.Since(start), err)
	return err
}

func (s *Store) append(identity string, loc protocol.Location, at time.Time) error {
	if identity == "" {
		return errors.New("empty identity")
	}

	point := Point{
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Timestamp:  loc.Timestamp,
		RecordedAt: at,
	}
	data, err := json.Marshal(&point)
	if err != nil {
		return fmt.Errorf("marshal track point: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(trackKey(identity, at), data)
	})
	if err != nil {
		return fmt.Errorf("set track point: %w", err)
	}

	return s.trimToCap(identity)
}

// trimToCap drops the oldest points above the per-identity cap.
func (s *Store) trimToCap(identity string) error {
	if s.maxPoints <= 0 {
		return nil
	}

	var excess [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		prefix := identityPrefix(identity)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		if count <= s.maxPoints {
			return nil
		}

		toDrop := count - s.maxPoints
		for it.Seek(prefix); it.ValidForPrefix(prefix) && toDrop > 0; it.Next() {
			excess = append(excess, it.Item().KeyCopy(nil))
			toDrop--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("count track points: %w", err)
	}
	if len(excess) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range excess {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("trim track point: %w", err)
			}
		}
		return nil
	})
}

// Track returns identity's recorded points in chronological order. A
// positive limit keeps only the most recent points. It returns ErrNoTrack
// when nothing was ever recorded.
func (s *Store) Track(identity string, limit int) ([]Point, error) {
	start := s.now()
	points, err := s.track(identity, limit)
	metrics.RecordHistoryOperation("track", time.Since(start), err)
	return points, err
}

func (s *Store) track(identity string, limit int) ([]Point, error) {
	var points []Point

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := identityPrefix(identity)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var point Point
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &point)
			})
			if err != nil {
				continue
			}
			points = append(points, point)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan track: %w", err)
	}
	if len(points) == 0 {
		return nil, ErrNoTrack
	}
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// Clear deletes identity's whole track and reports how many points went.
func (s *Store) Clear(identity string) (int, error) {
	start := s.now()
	count, err := s.clear(identity)
	metrics.RecordHistoryOperation("clear", time.Since(start), err)
	return count, err
}

func (s *Store) clear(identity string) (int, error) {
	keys, err := s.collectKeys(identityPrefix(identity), time.Time{})
	if err != nil {
		return 0, err
	}
	if err := s.deleteKeys(keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// CleanOlderThan deletes every point recorded before cutoff, across all
// identities, and reports how many were removed.
func (s *Store) CleanOlderThan(cutoff time.Time) (int, error) {
	start := s.now()
	keys, err := s.collectKeys([]byte(trackKeyPrefix), cutoff)
	if err == nil {
		err = s.deleteKeys(keys)
	}
	metrics.RecordHistoryOperation("clean", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		metrics.RecordHistoryPurge(len(keys))
	}
	return len(keys), nil
}

// collectKeys gathers keys under prefix. A non-zero cutoff keeps only
// points recorded before it.
func (s *Store) collectKeys(prefix []byte, cutoff time.Time) ([][]byte, error) {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = !cutoff.IsZero()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if cutoff.IsZero() {
				keys = append(keys, item.KeyCopy(nil))
				continue
			}

			var point Point
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &point)
			})
			if err != nil {
				continue
			}
			if point.RecordedAt.Before(cutoff) {
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan track keys: %w", err)
	}
	return keys, nil
}

func (s *Store) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete track point: %w", err)
			}
		}
		return nil
	})
}

// Locations converts stored points to the wire shape for API responses.
func Locations(points []Point) []protocol.Location {
	out := make([]protocol.Location, 0, len(points))
	for _, p := range points {
		out = append(out, protocol.Location{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Timestamp: p.Timestamp,
		})
	}
	return out
}
