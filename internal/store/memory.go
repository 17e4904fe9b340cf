package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time check to verify that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store. It is the default backend for
// development and the reference implementation for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	flags    map[string]*ruleengine.FeatureFlag
	segments map[string]*ruleengine.Segment
	entries  map[string][]audit.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:    make(map[string]*ruleengine.FeatureFlag),
		segments: make(map[string]*ruleengine.Segment),
		entries:  make(map[string][]audit.Entry),
	}
}

func (s *MemoryStore) GetFlag(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

func (s *MemoryStore) ListFlags(ctx context.Context) ([]*ruleengine.FeatureFlag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.flags))
	out := make([]*ruleengine.FeatureFlag, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.flags[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) PersistFlag(ctx context.Context, f *ruleengine.FeatureFlag, entry audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[f.ID] = f.Clone()
	s.entries[entry.FlagID] = append(s.entries[entry.FlagID], entry)
	return nil
}

func (s *MemoryStore) DeleteFlag(ctx context.Context, id string, entry audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[id]; !ok {
		return ErrNotFound
	}
	delete(s.flags, id)
	s.entries[entry.FlagID] = append(s.entries[entry.FlagID], entry)
	return nil
}

func (s *MemoryStore) GetSegment(ctx context.Context, id string) (*ruleengine.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return seg.Clone(), nil
}

func (s *MemoryStore) ListSegments(ctx context.Context) ([]*ruleengine.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ruleengine.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PersistSegment(ctx context.Context, seg *ruleengine.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments[seg.ID] = seg.Clone()
	return nil
}

func (s *MemoryStore) DeleteSegment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[id]; !ok {
		return ErrNotFound
	}
	delete(s.segments, id)
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.FlagID] = append(s.entries[e.FlagID], e)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, flagID string, limit int) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[flagID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}
