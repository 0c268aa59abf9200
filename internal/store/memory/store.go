// Package memory provides an in-memory store for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store"
)

// Store keeps everything in maps guarded by one RWMutex. Snapshot-backed
// stores embed it and add durability on Flush.
type Store struct {
	mu       sync.RWMutex
	values   map[string]scrape.Value
	sessions map[string]scrape.Session
	order    []string // session IDs, insertion order
	active   string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		values:   make(map[string]scrape.Value),
		sessions: make(map[string]scrape.Session),
	}
}

// GetValue returns the current value for a cell.
func (s *Store) GetValue(_ context.Context, cell scrape.Cell) (scrape.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[cell.Key()]
	if !ok {
		return scrape.Value{}, store.ErrNotFound
	}
	return v, nil
}

// PutValue overwrites the current value for the cell.
func (s *Store) PutValue(_ context.Context, value scrape.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[value.Cell.Key()] = value
	return nil
}

// ListValues returns matching values in cell-key order.
func (s *Store) ListValues(_ context.Context, filter store.Filter) ([]scrape.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k, v := range s.values {
		if matches(v, filter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]scrape.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.values[k])
	}
	return out, nil
}

// AggregateStats summarizes prices over the filtered set.
func (s *Store) AggregateStats(ctx context.Context, filter store.Filter) (store.Stats, error) {
	values, err := s.ListValues(ctx, filter)
	if err != nil {
		return store.Stats{}, err
	}
	return Aggregate(values), nil
}

// Aggregate computes Stats over a value slice. Exported so other providers
// can share the math.
func Aggregate(values []scrape.Value) store.Stats {
	stats := store.Stats{Cells: len(values)}
	var sum float64
	for _, v := range values {
		if v.PricePerSqm == nil {
			continue
		}
		p := *v.PricePerSqm
		if stats.Priced == 0 {
			minP, maxP := p, p
			stats.MinPrice, stats.MaxPrice = &minP, &maxP
		} else {
			if p < *stats.MinPrice {
				*stats.MinPrice = p
			}
			if p > *stats.MaxPrice {
				*stats.MaxPrice = p
			}
		}
		stats.Priced++
		sum += p
	}
	if stats.Priced > 0 {
		avg := sum / float64(stats.Priced)
		stats.AvgPrice = &avg
	}
	return stats
}

// CoveredLocations returns distinct location IDs holding a value.
func (s *Store) CoveredLocations(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, v := range s.values {
		out[v.Cell.LocationID] = struct{}{}
	}
	return out, nil
}

// ClearValues drops every scraped value.
func (s *Store) ClearValues(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]scrape.Value)
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (scrape.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return scrape.Session{}, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(_ context.Context, session scrape.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		s.order = append(s.order, session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(_ context.Context, limit int) ([]scrape.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneSession(s.sessions[s.order[i]]))
	}
	return out, nil
}

// ListFailedCells returns the transient failures recorded for a session.
func (s *Store) ListFailedCells(ctx context.Context, sessionID string) ([]scrape.CellFailure, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Failed, nil
}

// ActiveSession returns the current-run pointer.
func (s *Store) ActiveSession(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

// SetActiveSession claims the single-writer slot.
func (s *Store) SetActiveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" && s.active != id {
		return store.ErrSessionConflict
	}
	s.active = id
	return nil
}

// ClearActiveSession releases the slot if the session holds it.
func (s *Store) ClearActiveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		s.active = ""
	}
	return nil
}

// Flush is a no-op; the memory store has no durable layer.
func (s *Store) Flush(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Snapshot copies the full state for snapshot-backed embedders.
func (s *Store) Snapshot() (map[string]scrape.Value, []scrape.Session, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]scrape.Value, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	sessions := make([]scrape.Session, 0, len(s.order))
	for _, id := range s.order {
		sessions = append(sessions, cloneSession(s.sessions[id]))
	}
	return values, sessions, s.active
}

// Restore replaces the full state from a loaded snapshot.
func (s *Store) Restore(values map[string]scrape.Value, sessions []scrape.Session, active string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]scrape.Value, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	s.sessions = make(map[string]scrape.Session, len(sessions))
	s.order = s.order[:0]
	for _, sess := range sessions {
		s.sessions[sess.ID] = cloneSession(sess)
		s.order = append(s.order, sess.ID)
	}
	s.active = active
}

func matches(v scrape.Value, f store.Filter) bool {
	if f.LocationPrefix != "" {
		loc := v.Cell.LocationID
		if loc != f.LocationPrefix && !strings.HasPrefix(loc, f.LocationPrefix+"/") {
			return false
		}
	}
	if f.Operation != "" && v.Cell.Operation != f.Operation {
		return false
	}
	if f.Property != "" && v.Cell.Property != f.Property {
		return false
	}
	return true
}

func cloneSession(s scrape.Session) scrape.Session {
	out := s
	if s.Succeeded != nil {
		out.Succeeded = make(map[string]struct{}, len(s.Succeeded))
		for k := range s.Succeeded {
			out.Succeeded[k] = struct{}{}
		}
	}
	out.Failed = append([]scrape.CellFailure(nil), s.Failed...)
	out.Cells = append([]scrape.Cell(nil), s.Cells...)
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		out.CompletedAt = &ts
	}
	if s.Captcha != nil {
		ch := *s.Captcha
		ch.Image = append([]byte(nil), s.Captcha.Image...)
		out.Captcha = &ch
	}
	return out
}
