package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sepflow/internal/domain"
	"sepflow/internal/store"
	"sepflow/internal/store/redis"
	"sepflow/internal/store/storetest"
)

func newStore(t *testing.T, opts ...redis.Option) (*redis.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	s := redis.NewFromClient(client, opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestRedisStore_Prefix(t *testing.T) {
	s, mr := newStore(t, redis.WithPrefix("test:"))
	ctx := context.Background()
	_, err := s.Commit(ctx, store.Batch{
		Writes: []store.Write{{Record: store.Record{Type: domain.EntityEmployee, ID: "emp-1", Version: 1, Data: []byte(`{}`)}}},
		Events: []domain.Event{{Type: "employee.create", EntityKind: "employee", EntityID: "emp-1", ActorID: "hana"}},
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:entity:employee:emp-1"))
	assert.True(t, mr.Exists("test:events"))

	id, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.NoError(t, s.Ping(ctx))
}
