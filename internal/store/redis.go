package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time check to verify that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// KeyPrefix is the namespace used for all keys written by RedisStore.
// Layout:
//
//	bifrost:flag:<id>      STRING  JSON-encoded flag
//	bifrost:flags          SET     flag ids
//	bifrost:segment:<id>   STRING  JSON-encoded segment
//	bifrost:segments       SET     segment ids
//	bifrost:audit:<flagID> LIST    JSON-encoded entries, append order
const KeyPrefix = "bifrost"

// RedisStore is a Store backed by Redis. Flag writes and their audit entry
// are committed in a single MULTI/EXEC transaction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store using an already connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("store: redis client cannot be nil")
	}
	return &RedisStore{client: client}
}

func flagKey(id string) string { return fmt.Sprintf("%s:flag:%s", KeyPrefix, id) }
func segmentKey(id string) string { return fmt.Sprintf("%s:segment:%s", KeyPrefix, id) }
func auditKey(flagID string) string { return fmt.Sprintf("%s:audit:%s", KeyPrefix, flagID) }

var (
	flagIndexKey    = KeyPrefix + ":flags"
	segmentIndexKey = KeyPrefix + ":segments"
)

func (s *RedisStore) GetFlag(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	raw, err := s.client.Get(ctx, flagKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %q: %w", id, err)
	}

	var f ruleengine.FeatureFlag
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flag %q: %w", id, err)
	}
	return &f, nil
}

func (s *RedisStore) ListFlags(ctx context.Context) ([]*ruleengine.FeatureFlag, error) {
	values, err := s.loadIndexed(ctx, flagIndexKey, flagKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}

	flags := make([]*ruleengine.FeatureFlag, 0, len(values))
	for _, raw := range values {
		var f ruleengine.FeatureFlag
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("failed to decode flag: %w", err)
		}
		flags = append(flags, &f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].ID < flags[j].ID })
	return flags, nil
}

func (s *RedisStore) PersistFlag(ctx context.Context, f *ruleengine.FeatureFlag, entry audit.Entry) error {
	flagJSON, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flag %q: %w", f.ID, err)
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, flagKey(f.ID), flagJSON, 0)
		pipe.SAdd(ctx, flagIndexKey, f.ID)
		pipe.RPush(ctx, auditKey(entry.FlagID), entryJSON)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist flag %q: %w", f.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteFlag(ctx context.Context, id string, entry audit.Entry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	// WATCH the flag key so a concurrent re-create between the existence
	// check and EXEC aborts the transaction instead of deleting it.
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, flagKey(id)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, flagKey(id))
			pipe.SRem(ctx, flagIndexKey, id)
			pipe.RPush(ctx, auditKey(entry.FlagID), entryJSON)
			return nil
		})
		return err
	}, flagKey(id))

	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("flag %q changed during delete: %w", id, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to delete flag %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetSegment(ctx context.Context, id string) (*ruleengine.Segment, error) {
	raw, err := s.client.Get(ctx, segmentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment %q: %w", id, err)
	}

	var seg ruleengine.Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		return nil, fmt.Errorf("failed to decode segment %q: %w", id, err)
	}
	return &seg, nil
}

func (s *RedisStore) ListSegments(ctx context.Context) ([]*ruleengine.Segment, error) {
	values, err := s.loadIndexed(ctx, segmentIndexKey, segmentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}

	segments := make([]*ruleengine.Segment, 0, len(values))
	for _, raw := range values {
		var seg ruleengine.Segment
		if err := json.Unmarshal([]byte(raw), &seg); err != nil {
			return nil, fmt.Errorf("failed to decode segment: %w", err)
		}
		segments = append(segments, &seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments, nil
}

func (s *RedisStore) PersistSegment(ctx context.Context, seg *ruleengine.Segment) error {
	raw, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("failed to encode segment %q: %w", seg.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, segmentKey(seg.ID), raw, 0)
		pipe.SAdd(ctx, segmentIndexKey, seg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist segment %q: %w", seg.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteSegment(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, segmentKey(id))
		pipe.SRem(ctx, segmentIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete segment %q: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if err := s.client.RPush(ctx, auditKey(e.FlagID), raw).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *RedisStore) ListAudit(ctx context.Context, flagID string, limit int) ([]audit.Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	values, err := s.client.LRange(ctx, auditKey(flagID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]audit.Entry, 0, len(values))
	for _, raw := range values {
		var e audit.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// loadIndexed reads every member of an index set and MGETs the referenced keys.
// Ids whose key vanished between the two reads are skipped.
func (s *RedisStore) loadIndexed(ctx context.Context, indexKey string, keyFn func(string) string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(id)
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}
	return values, nil
}
