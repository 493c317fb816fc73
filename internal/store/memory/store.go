package memory

import (
	"context"
	"sort"
	"sync"

	"sepflow/internal/domain"
	"sepflow/internal/store"
)

type key struct {
	t  domain.EntityType
	id string
}

// Store implements store.Store in memory.
// Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[key]store.Record
	events  []domain.Event
	nextID  int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{records: make(map[key]store.Record)}
}

func (s *Store) Get(ctx context.Context, t domain.EntityType, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key{t, id}]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) List(ctx context.Context, q store.Query) ([]store.Record, error) {
	s.mu.RLock()
	var out []store.Record
	for _, rec := range s.records {
		if q.Match(rec) {
			out = append(out, clone(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, b store.Batch) ([]domain.Event, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// check every write before touching anything
	for _, w := range b.Writes {
		cur, ok := s.records[key{w.Record.Type, w.Record.ID}]
		var actual int64
		if ok {
			actual = cur.Version
		}
		if actual != w.ExpectedVersion {
			return nil, &store.ConflictError{Type: w.Record.Type, ID: w.Record.ID, Expected: w.ExpectedVersion, Actual: actual}
		}
	}
	for _, c := range b.Checks {
		var actual int64
		if cur, ok := s.records[key{c.Type, c.ID}]; ok {
			actual = cur.Version
		}
		if actual != c.Version {
			return nil, &store.ConflictError{Type: c.Type, ID: c.ID, Expected: c.Version, Actual: actual}
		}
	}
	for _, w := range b.Writes {
		s.records[key{w.Record.Type, w.Record.ID}] = clone(w.Record)
	}
	out := make([]domain.Event, 0, len(b.Events))
	for _, e := range b.Events {
		s.nextID++
		e.ID = s.nextID
		s.events = append(s.events, e)
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, q store.EventQuery) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	if q.Desc {
		for i := len(s.events) - 1; i >= 0; i-- {
			if q.Match(s.events[i]) {
				out = append(out, s.events[i])
				if q.Limit > 0 && len(out) == q.Limit {
					break
				}
			}
		}
		return out, nil
	}
	for _, e := range s.events {
		if q.Match(e) {
			out = append(out, e)
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func clone(r store.Record) store.Record {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	r.Data = data
	return r
}
