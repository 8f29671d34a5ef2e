// Package redis provides a Redis-backed ActionLog and SnapshotStore for postgate.
//
// Actions are kept in a sorted set scored by posting time (unix ms), so
// counting and pruning are single range commands. The snapshot document is a
// JSON string updated with WATCH/MULTI so concurrent invocations never
// interleave a read-modify-write. This makes it safe for multi-host
// schedulers that share one Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/postgate"
)

const maxUpdateRetries = 5

// Store is a Redis-backed ActionLog and SnapshotStore.
type Store struct {
	client      goredis.UniversalClient
	keyPrefix   string
	snapshotTTL time.Duration
}

var (
	_ postgate.ActionLog       = (*Store)(nil)
	_ postgate.SnapshotStore   = (*Store)(nil)
	_ postgate.SnapshotUpdater = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "postgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithSnapshotTTL sets the expiry of the snapshot document (default 48h).
// No snapshot is usable past its 24h reset, so old documents may expire.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Store) { s.snapshotTTL = ttl }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:      client,
		keyPrefix:   "postgate:",
		snapshotTTL: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) actionsKey() string  { return s.keyPrefix + "actions" }
func (s *Store) snapshotKey() string { return s.keyPrefix + "snapshots" }

// member is the JSON stored as the sorted-set member.
type member struct {
	ID       string              `json:"tweet_id"`
	PostedAt time.Time           `json:"posted_at"`
	Preview  string              `json:"text_preview"`
	Reported *postgate.RateLimit `json:"rate_limit_info,omitempty"`
}

// Record appends an action.
func (s *Store) Record(ctx context.Context, rec postgate.ActionRecord) error {
	data, err := json.Marshal(member{
		ID:       rec.ID,
		PostedAt: rec.PostedAt.UTC(),
		Preview:  rec.Preview,
		Reported: rec.Reported,
	})
	if err != nil {
		return s.fail("record_action", s.actionsKey(), err)
	}
	err = s.client.ZAdd(ctx, s.actionsKey(), goredis.Z{
		Score:  float64(rec.PostedAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return s.fail("record_action", s.actionsKey(), err)
	}
	return nil
}

// CountSince returns actions with PostedAt >= cutoff, most recent first.
func (s *Store) CountSince(ctx context.Context, cutoff time.Time) (int, []postgate.ActionRecord, error) {
	vals, err := s.client.ZRevRangeByScore(ctx, s.actionsKey(), &goredis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, nil, s.fail("count_actions", s.actionsKey(), err)
	}

	out := make([]postgate.ActionRecord, 0, len(vals))
	for _, v := range vals {
		var m member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		if m.PostedAt.Before(cutoff) {
			continue
		}
		out = append(out, postgate.ActionRecord{
			ID:       m.ID,
			PostedAt: m.PostedAt.UTC(),
			Preview:  m.Preview,
			Reported: m.Reported,
		})
	}
	return len(out), out, nil
}

// Prune removes actions with PostedAt < olderThan.
//
// Scores are truncated to milliseconds, so members sharing the cutoff's
// millisecond are decoded and compared on their full timestamp.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	ms := strconv.FormatInt(olderThan.UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, s.actionsKey(), "-inf", "("+ms).Result()
	if err != nil {
		return 0, s.fail("prune_actions", s.actionsKey(), err)
	}

	edge, err := s.client.ZRangeByScore(ctx, s.actionsKey(), &goredis.ZRangeBy{Min: ms, Max: ms}).Result()
	if err != nil {
		return int(n), s.fail("prune_actions", s.actionsKey(), err)
	}
	var stale []any
	for _, v := range edge {
		var m member
		if json.Unmarshal([]byte(v), &m) != nil || m.PostedAt.Before(olderThan) {
			stale = append(stale, v)
		}
	}
	if len(stale) == 0 {
		return int(n), nil
	}
	k, err := s.client.ZRem(ctx, s.actionsKey(), stale...).Result()
	if err != nil {
		return int(n), s.fail("prune_actions", s.actionsKey(), err)
	}
	return int(n + k), nil
}

// LoadSnapshots returns the stored document or ErrNotFound.
func (s *Store) LoadSnapshots(ctx context.Context) (postgate.CacheDocument, error) {
	data, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return postgate.CacheDocument{}, s.fail("load_snapshots", s.snapshotKey(), postgate.ErrNotFound)
	}
	if err != nil {
		return postgate.CacheDocument{}, s.fail("load_snapshots", s.snapshotKey(), err)
	}
	var doc postgate.CacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return postgate.CacheDocument{}, s.fail("load_snapshots", s.snapshotKey(), err)
	}
	return doc, nil
}

// SaveSnapshots replaces the stored document.
func (s *Store) SaveSnapshots(ctx context.Context, doc postgate.CacheDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return s.fail("save_snapshots", s.snapshotKey(), err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(), data, s.snapshotTTL).Err(); err != nil {
		return s.fail("save_snapshots", s.snapshotKey(), err)
	}
	return nil
}

// UpdateSnapshots applies fn to the stored document inside an optimistic
// transaction, retrying when another writer touched the key meanwhile.
func (s *Store) UpdateSnapshots(ctx context.Context, fn func(doc *postgate.CacheDocument) error) error {
	key := s.snapshotKey()

	txf := func(tx *goredis.Tx) error {
		var doc postgate.CacheDocument
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			// A corrupt document is replaced.
			if json.Unmarshal(data, &doc) != nil {
				doc = postgate.CacheDocument{}
			}
		}

		if err := fn(&doc); err != nil {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.snapshotTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return s.fail("update_snapshots", key, err)
	}
	return s.fail("update_snapshots", key, fmt.Errorf("too many concurrent updates"))
}

func (s *Store) fail(op, key string, err error) error {
	return &postgate.StoreError{Op: op, Path: key, Err: err}
}
