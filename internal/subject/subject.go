// Package subject provides the attribute sources the flag service consults
// for identified evaluation contexts.
package subject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// KeyPrefix namespaces subject records in Redis: bifrost:subject:<id>.
const KeyPrefix = "bifrost:subject:"

// RedisSource reads JSON-encoded ruleengine.Subject records from Redis.
// Records are written by whatever system owns subject profiles.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a source on an already connected client.
func NewRedisSource(client *redis.Client) *RedisSource {
	if client == nil {
		panic("subject: redis client cannot be nil")
	}
	return &RedisSource{client: client}
}

// Resolve returns nil, nil for unknown subjects.
func (s *RedisSource) Resolve(ctx context.Context, subjectID string) (*ruleengine.Subject, error) {
	raw, err := s.client.Get(ctx, KeyPrefix+subjectID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject %q: %w", subjectID, err)
	}

	var sub ruleengine.Subject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subject %q: %w", subjectID, err)
	}
	if sub.ID == "" {
		sub.ID = subjectID
	}
	return &sub, nil
}

// Put stores a subject record. Used by the seed tool and tests.
func (s *RedisSource) Put(ctx context.Context, sub *ruleengine.Subject) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subject %q: %w", sub.ID, err)
	}
	if err := s.client.Set(ctx, KeyPrefix+sub.ID, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store subject %q: %w", sub.ID, err)
	}
	return nil
}

// MemorySource is a process-local subject source.
type MemorySource struct {
	mu       sync.RWMutex
	subjects map[string]*ruleengine.Subject
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{subjects: make(map[string]*ruleengine.Subject)}
}

func (s *MemorySource) Resolve(ctx context.Context, subjectID string) (*ruleengine.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subjects[subjectID]
	if !ok {
		return nil, nil
	}
	return clone(sub), nil
}

func (s *MemorySource) Put(_ context.Context, sub *ruleengine.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subjects[sub.ID] = clone(sub)
	return nil
}

func clone(sub *ruleengine.Subject) *ruleengine.Subject {
	c := *sub
	c.Attributes = maps.Clone(sub.Attributes)
	c.Properties = maps.Clone(sub.Properties)
	return &c
}
