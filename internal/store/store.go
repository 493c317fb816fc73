// Package store defines the versioned entity store the engine commits through.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sepflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

// ConflictError reports a stale expected version. Actual is 0 when the record is missing.
type ConflictError struct {
	Type     domain.EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Type, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Record is the stored envelope of one entity. Data holds the JSON snapshot;
// the other fields are indexed copies used for queries and version checks.
type Record struct {
	Type      domain.EntityType `json:"type"`
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Owner     string            `json:"owner,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Status    string            `json:"status,omitempty"`
	Version   int64             `json:"version"`
	Data      json.RawMessage   `json:"data"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// Write is a conditional put. ExpectedVersion 0 means the record must not exist;
// otherwise the stored version must equal it. Record.Version must be ExpectedVersion+1.
type Write struct {
	Record          Record
	ExpectedVersion int64
}

// Check is a read guard: the batch commits only if the record is still at Version.
// It covers records a command read to decide but does not write.
type Check struct {
	Type    domain.EntityType
	ID      string
	Version int64
}

// Batch is committed atomically: every check holds, every write succeeds and every
// event is appended, or nothing is.
type Batch struct {
	Writes []Write
	Checks []Check
	Events []domain.Event
}

func (b Batch) Validate() error {
	if len(b.Writes) == 0 {
		return errors.New("empty batch")
	}
	for _, w := range b.Writes {
		if w.Record.ID == "" || w.Record.Type == "" {
			return errors.New("write without type or id")
		}
		if w.ExpectedVersion < 0 || w.Record.Version != w.ExpectedVersion+1 {
			return fmt.Errorf("%s %s: version %d does not follow %d", w.Record.Type, w.Record.ID, w.Record.Version, w.ExpectedVersion)
		}
	}
	for _, c := range b.Checks {
		if c.ID == "" || c.Type == "" || c.Version <= 0 {
			return fmt.Errorf("invalid read guard %s %s@%d", c.Type, c.ID, c.Version)
		}
	}
	return nil
}

// Query filters records of one type. Empty fields do not filter.
type Query struct {
	Type     domain.EntityType
	ParentID string
	Owner    string
	Kinds    []string
	Statuses []string
	Limit    int
}

func (q Query) Match(r Record) bool {
	if r.Type != q.Type {
		return false
	}
	if q.ParentID != "" && r.ParentID != q.ParentID {
		return false
	}
	if q.Owner != "" && r.Owner != q.Owner {
		return false
	}
	if len(q.Kinds) > 0 && !contains(q.Kinds, r.Kind) {
		return false
	}
	if len(q.Statuses) > 0 && !contains(q.Statuses, r.Status) {
		return false
	}
	return true
}

// EventQuery selects audit events. Events are returned oldest first with id > After,
// or newest first with id < Before (when Before > 0) if Desc is set.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	After      int64
	Before     int64
	Desc       bool
	Limit      int
}

func (q EventQuery) Match(e domain.Event) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.EntityKind != "" && e.EntityKind != q.EntityKind {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if e.ID <= q.After {
		return false
	}
	if q.Before > 0 && e.ID >= q.Before {
		return false
	}
	return true
}

// Store is a durable keyed mapping from entity id to versioned record.
type Store interface {
	Get(ctx context.Context, t domain.EntityType, id string) (Record, error)
	// List returns matching records ordered by creation time then id.
	List(ctx context.Context, q Query) ([]Record, error)
	// Commit applies the batch atomically and returns the events with their assigned ids.
	Commit(ctx context.Context, b Batch) ([]domain.Event, error)
	Events(ctx context.Context, q EventQuery) ([]domain.Event, error)
	Close() error
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
