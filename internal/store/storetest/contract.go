// Package storetest holds the behavioural contract every store.Store must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sepflow/internal/domain"
	"sepflow/internal/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

func record(t domain.EntityType, id string, version int64, status string) store.Record {
	return store.Record{
		Type:      t,
		ID:        id,
		Status:    status,
		Version:   version,
		Data:      []byte(`{"id":"` + id + `"}`),
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
}

func event(typ, kind, id string) domain.Event {
	return domain.Event{TS: "2024-01-01T00:00:00Z", Type: typ, EntityKind: kind, EntityID: id, ActorID: "tester", Payload: "{}"}
}

// Run verifies that a store implementation adheres to the contract.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		s := newStore(t)
		rec := record(domain.EntityApplication, "app-1", 1, "open")
		evts, err := s.Commit(ctx, store.Batch{
			Writes: []store.Write{{Record: rec}},
			Events: []domain.Event{event("application.create", "application", "app-1")},
		})
		require.NoError(t, err)
		require.Len(t, evts, 1)
		assert.Greater(t, evts[0].ID, int64(0))

		got, err := s.Get(ctx, domain.EntityApplication, "app-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "open", got.Status)
		assert.JSONEq(t, string(rec.Data), string(got.Data))
	})

	t.Run("Get Missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, domain.EntityTask, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Create Twice Conflicts", func(t *testing.T) {
		s := newStore(t)
		rec := record(domain.EntityEmployee, "emp-1", 1, "")
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: rec}}})
		require.NoError(t, err)
		_, err = s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: rec}}})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("Stale Update Conflicts", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 1, "open")}}})
		require.NoError(t, err)
		_, err = s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 2, "in_progress"), ExpectedVersion: 1}}})
		require.NoError(t, err)

		_, err = s.Commit(ctx, store.Batch{
			Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 2, "closed"), ExpectedVersion: 1}},
			Events: []domain.Event{event("application.close", "application", "app-1")},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrConflict)
		var conflict *store.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(2), conflict.Actual)

		got, err := s.Get(ctx, domain.EntityApplication, "app-1")
		require.NoError(t, err)
		assert.Equal(t, "in_progress", got.Status)
		evts, err := s.Events(ctx, store.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, evts, "failed commit must not append events")
	})

	t.Run("Update Missing Conflicts", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 4, "assigned"), ExpectedVersion: 3}}})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("Batch Is Atomic", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 1, "assigned")}}})
		require.NoError(t, err)
		_, err = s.Commit(ctx, store.Batch{Writes: []store.Write{
			{Record: record(domain.EntityApplication, "app-2", 1, "open")},
			{Record: record(domain.EntityTask, "t-1", 1, "assigned")},
		}})
		assert.ErrorIs(t, err, store.ErrConflict)
		_, err = s.Get(ctx, domain.EntityApplication, "app-2")
		assert.ErrorIs(t, err, store.ErrNotFound, "first write of a failed batch must not be visible")
	})

	t.Run("Read Guard", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 1, "open")}}})
		require.NoError(t, err)
		_, err = s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 2, "closed"), ExpectedVersion: 1}}})
		require.NoError(t, err)

		_, err = s.Commit(ctx, store.Batch{
			Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 1, "assigned")}},
			Checks: []store.Check{{Type: domain.EntityApplication, ID: "app-1", Version: 1}},
			Events: []domain.Event{event("task.assign", "task", "t-1")},
		})
		require.ErrorIs(t, err, store.ErrConflict)
		var conflict *store.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "app-1", conflict.ID)
		assert.Equal(t, int64(2), conflict.Actual)
		_, err = s.Get(ctx, domain.EntityTask, "t-1")
		assert.ErrorIs(t, err, store.ErrNotFound, "guarded batch must not write")
		evts, err := s.Events(ctx, store.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, evts)

		_, err = s.Commit(ctx, store.Batch{
			Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 1, "assigned")}},
			Checks: []store.Check{{Type: domain.EntityApplication, ID: "missing", Version: 1}},
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.Commit(ctx, store.Batch{
			Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 1, "assigned")}},
			Checks: []store.Check{{Type: domain.EntityApplication, ID: "app-1", Version: 2}},
		})
		require.NoError(t, err)
		got, err := s.Get(ctx, domain.EntityApplication, "app-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version, "a guard does not bump the version")
	})

	t.Run("Bad Version Rejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityTask, "t-1", 3, "assigned")}}})
		require.Error(t, err)
		assert.NotErrorIs(t, err, store.ErrConflict)
	})

	t.Run("List Filters", func(t *testing.T) {
		s := newStore(t)
		task := func(id, parent, owner, status, created string) store.Write {
			r := record(domain.EntityTask, id, 1, status)
			r.ParentID = parent
			r.Owner = owner
			r.CreatedAt = created
			return store.Write{Record: r}
		}
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{
			task("t-2", "app-1", "emp-1", "assigned", "2024-01-02T00:00:00Z"),
			task("t-1", "app-1", "", "unassigned", "2024-01-01T00:00:00Z"),
			task("t-3", "app-2", "emp-1", "commented", "2024-01-03T00:00:00Z"),
		}})
		require.NoError(t, err)

		byParent, err := s.List(ctx, store.Query{Type: domain.EntityTask, ParentID: "app-1"})
		require.NoError(t, err)
		require.Len(t, byParent, 2)
		assert.Equal(t, "t-1", byParent[0].ID, "ordered by creation")

		byOwner, err := s.List(ctx, store.Query{Type: domain.EntityTask, Owner: "emp-1"})
		require.NoError(t, err)
		assert.Len(t, byOwner, 2)

		byStatus, err := s.List(ctx, store.Query{Type: domain.EntityTask, Statuses: []string{"commented", "unassigned"}})
		require.NoError(t, err)
		assert.Len(t, byStatus, 2)

		limited, err := s.List(ctx, store.Query{Type: domain.EntityTask, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.List(ctx, store.Query{Type: domain.EntityRequest})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("List Kinds", func(t *testing.T) {
		s := newStore(t)
		req := func(id, kind string) store.Write {
			r := record(domain.EntityRequest, id, 1, "reviewing")
			r.Kind = kind
			return store.Write{Record: r}
		}
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{req("r-1", "budget"), req("r-2", "resource")}})
		require.NoError(t, err)
		got, err := s.List(ctx, store.Query{Type: domain.EntityRequest, Kinds: []string{"resource"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "r-2", got[0].ID)
	})

	t.Run("Events Cursor", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"a", "b", "c"} {
			rec := record(domain.EntityEmployee, id, 1, "")
			_, err := s.Commit(ctx, store.Batch{
				Writes: []store.Write{{Record: rec}},
				Events: []domain.Event{event("employee.create", "employee", id)},
			})
			require.NoError(t, err, "commit %d", i)
		}
		all, err := s.Events(ctx, store.EventQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Less(t, all[0].ID, all[1].ID)

		after, err := s.Events(ctx, store.EventQuery{After: all[0].ID})
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, "b", after[0].EntityID)

		latest, err := s.Events(ctx, store.EventQuery{Desc: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "c", latest[0].EntityID)

		before, err := s.Events(ctx, store.EventQuery{Desc: true, Before: all[2].ID})
		require.NoError(t, err)
		require.Len(t, before, 2)
		assert.Equal(t, "b", before[0].EntityID)

		byEntity, err := s.Events(ctx, store.EventQuery{EntityKind: "employee", EntityID: "a"})
		require.NoError(t, err)
		assert.Len(t, byEntity, 1)
	})

	t.Run("Concurrent Same Version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 1, "open")}}})
		require.NoError(t, err)

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.Commit(ctx, store.Batch{Writes: []store.Write{{Record: record(domain.EntityApplication, "app-1", 2, "in_progress"), ExpectedVersion: 1}}})
			}(i)
		}
		wg.Wait()
		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, workers-1, conflicts)
		got, err := s.Get(ctx, domain.EntityApplication, "app-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}
