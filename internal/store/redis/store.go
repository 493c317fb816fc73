package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	backend "github.com/redis/go-redis/v9"

	"sepflow/internal/domain"
	"sepflow/internal/store"
)

const defaultMaxAttempts = 16

// Store implements store.Store on Redis. Records are JSON values, one key per entity;
// events live in a sorted set scored by id.
type Store struct {
	client      *backend.Client
	prefix      string
	maxAttempts int
}

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithMaxAttempts bounds how often a commit is replayed after an unrelated
// concurrent write touched a watched key.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New creates a Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "sepflow:", maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(t domain.EntityType, id string) string {
	return s.prefix + "entity:" + string(t) + ":" + id
}

func (s *Store) indexKey(t domain.EntityType) string {
	return s.prefix + "index:" + string(t)
}

func (s *Store) eventsKey() string { return s.prefix + "events" }
func (s *Store) seqKey() string    { return s.prefix + "events:seq" }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, t domain.EntityType, id string) (store.Record, error) {
	return s.get(ctx, s.client, t, id)
}

type getter interface {
	Get(ctx context.Context, key string) *backend.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, t domain.EntityType, id string) (store.Record, error) {
	val, err := c.Get(ctx, s.key(t, id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	var rec store.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return store.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, q store.Query) ([]store.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(q.Type)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(q.Type, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	var out []store.Record
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec store.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if q.Match(rec) {
			out = append(out, rec)
		}
	}
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

// Commit watches every written and guarded key plus the event sequence, checks versions and
// applies the batch in MULTI/EXEC. A failed EXEC is replayed so that only a real
// version mismatch is reported as a conflict.
func (s *Store) Commit(ctx context.Context, b store.Batch) ([]domain.Event, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.Writes)+len(b.Checks)+1)
	for _, w := range b.Writes {
		keys = append(keys, s.key(w.Record.Type, w.Record.ID))
	}
	for _, c := range b.Checks {
		keys = append(keys, s.key(c.Type, c.ID))
	}
	keys = append(keys, s.seqKey())

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var out []domain.Event
		err := s.client.Watch(ctx, func(tx *backend.Tx) error {
			for _, w := range b.Writes {
				var actual int64
				cur, err := s.get(ctx, tx, w.Record.Type, w.Record.ID)
				switch {
				case err == nil:
					actual = cur.Version
				case !errors.Is(err, store.ErrNotFound):
					return err
				}
				if actual != w.ExpectedVersion {
					return &store.ConflictError{Type: w.Record.Type, ID: w.Record.ID, Expected: w.ExpectedVersion, Actual: actual}
				}
			}
			for _, c := range b.Checks {
				var actual int64
				cur, err := s.get(ctx, tx, c.Type, c.ID)
				switch {
				case err == nil:
					actual = cur.Version
				case !errors.Is(err, store.ErrNotFound):
					return err
				}
				if actual != c.Version {
					return &store.ConflictError{Type: c.Type, ID: c.ID, Expected: c.Version, Actual: actual}
				}
			}
			seq, err := tx.Get(ctx, s.seqKey()).Int64()
			if err != nil && !errors.Is(err, backend.Nil) {
				return err
			}
			out = make([]domain.Event, len(b.Events))
			members := make([]backend.Z, len(b.Events))
			for i, e := range b.Events {
				e.ID = seq + int64(i) + 1
				data, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to marshal event: %w", err)
				}
				out[i] = e
				members[i] = backend.Z{Score: float64(e.ID), Member: string(data)}
			}
			_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
				for _, w := range b.Writes {
					data, err := json.Marshal(w.Record)
					if err != nil {
						return fmt.Errorf("failed to marshal record: %w", err)
					}
					pipe.Set(ctx, s.key(w.Record.Type, w.Record.ID), data, 0)
					pipe.SAdd(ctx, s.indexKey(w.Record.Type), w.Record.ID)
				}
				if len(members) > 0 {
					pipe.ZAdd(ctx, s.eventsKey(), members...)
					pipe.Set(ctx, s.seqKey(), seq+int64(len(members)), 0)
				}
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("redis commit: gave up after %d attempts", s.maxAttempts)
}

func (s *Store) Events(ctx context.Context, q store.EventQuery) ([]domain.Event, error) {
	lo := "-inf"
	if q.After > 0 {
		lo = "(" + strconv.FormatInt(q.After, 10)
	}
	hi := "+inf"
	if q.Before > 0 {
		hi = "(" + strconv.FormatInt(q.Before, 10)
	}
	rng := &backend.ZRangeBy{Min: lo, Max: hi}
	var (
		vals []string
		err  error
	)
	if q.Desc {
		vals, err = s.client.ZRevRangeByScore(ctx, s.eventsKey(), rng).Result()
	} else {
		vals, err = s.client.ZRangeByScore(ctx, s.eventsKey(), rng).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	var out []domain.Event
	for _, v := range vals {
		var e domain.Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if !q.Match(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// LatestEventID returns the highest assigned event id.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	id, err := s.client.Get(ctx, s.seqKey()).Int64()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
