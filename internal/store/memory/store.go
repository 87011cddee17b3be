// Package memory provides an in-memory Store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// Store keeps all rows in process memory. It honors the same contract as the
// Postgres store, including ErrNotFound semantics.
type Store struct {
	mu      sync.RWMutex
	points  map[string][]poller.DataPoint
	status  map[string][]poller.StatusRecord
	runtime map[string]poller.RuntimeState
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		points:  make(map[string][]poller.DataPoint),
		status:  make(map[string][]poller.StatusRecord),
		runtime: make(map[string]poller.RuntimeState),
	}
}

// CreateDataPoint appends one row.
func (s *Store) CreateDataPoint(_ context.Context, dp poller.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[dp.SourceID] = append(s.points[dp.SourceID], dp)
	sort.SliceStable(s.points[dp.SourceID], func(i, j int) bool {
		return s.points[dp.SourceID][i].CollectedAt.Before(s.points[dp.SourceID][j].CollectedAt)
	})
	return nil
}

// FindLatest returns the newest DataPoint collected at or after since.
func (s *Store) FindLatest(_ context.Context, sourceID string, since time.Time) (poller.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.points[sourceID]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].CollectedAt.Before(since) {
			return rows[i], nil
		}
	}
	return poller.DataPoint{}, poller.ErrNotFound
}

// FindRange returns DataPoints within [from, to], ascending by collection
// time.
func (s *Store) FindRange(_ context.Context, sourceID string, from, to time.Time) ([]poller.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []poller.DataPoint
	for _, dp := range s.points[sourceID] {
		if dp.CollectedAt.Before(from) || dp.CollectedAt.After(to) {
			continue
		}
		out = append(out, dp)
	}
	return out, nil
}

// DeleteOlderThan removes DataPoints and StatusRecords from before cutoff.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, rows := range s.points {
		kept := rows[:0]
		for _, dp := range rows {
			if dp.CollectedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, dp)
		}
		s.points[id] = kept
	}
	for id, rows := range s.status {
		kept := rows[:0]
		for _, rec := range rows {
			if rec.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		s.status[id] = kept
	}
	return deleted, nil
}

// AppendStatusRecord appends one history row.
func (s *Store) AppendStatusRecord(_ context.Context, rec poller.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[rec.SourceID] = append(s.status[rec.SourceID], rec)
	return nil
}

// StatusRecords returns all history rows for a source, oldest first.
func (s *Store) StatusRecords(sourceID string) []poller.StatusRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]poller.StatusRecord, len(s.status[sourceID]))
	copy(out, s.status[sourceID])
	return out
}

// LoadRuntimeState returns the persisted scheduling state for a source.
func (s *Store) LoadRuntimeState(_ context.Context, sourceID string) (poller.RuntimeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runtime[sourceID]
	if !ok {
		return poller.RuntimeState{}, poller.ErrNotFound
	}
	return st, nil
}

// SaveRuntimeState upserts the scheduling state for a source.
func (s *Store) SaveRuntimeState(_ context.Context, state poller.RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime[state.SourceID] = state
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}
