package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
)

// SegmentInput is the payload for CreateSegment.
type SegmentInput struct {
	ID          string
	Description string
	Criteria    []ruleengine.Condition
	IsActive    bool
}

// SegmentUpdate is a partial update. Nil fields are left untouched.
type SegmentUpdate struct {
	Description *string
	Criteria    *[]ruleengine.Condition
	IsActive    *bool
}

// GetSegment returns a copy of a segment from the snapshot.
func (s *Service) GetSegment(_ context.Context, id string) (*ruleengine.Segment, error) {
	seg, ok := (*s.segments.Load())[id]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return seg.Clone(), nil
}

// ListSegments returns copies of every segment ordered by id.
func (s *Service) ListSegments(_ context.Context) []*ruleengine.Segment {
	set := *s.segments.Load()
	out := make([]*ruleengine.Segment, 0, len(set))
	for _, id := range slices.Sorted(maps.Keys(set)) {
		out = append(out, set[id].Clone())
	}
	return out
}

// CreateSegment validates and persists a new segment. The reserved id "all"
// cannot be defined.
func (s *Service) CreateSegment(ctx context.Context, in SegmentInput) (*ruleengine.Segment, error) {
	id := strings.TrimSpace(in.ID)
	if id == ruleengine.SegmentAll {
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidSegment, id)
	}

	s.segMu.Lock()
	defer s.segMu.Unlock()

	if _, ok := (*s.segments.Load())[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSegmentExists, id)
	}

	now := s.now().UTC()
	seg := &ruleengine.Segment{
		ID:          id,
		Description: strings.TrimSpace(in.Description),
		Criteria:    slices.Clone(in.Criteria),
		IsActive:    in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.commitSegment(ctx, seg); err != nil {
		return nil, err
	}

	s.logger.Info("segment created", slog.String("segment_id", id))
	return seg.Clone(), nil
}

// UpdateSegment applies a partial update to a segment.
func (s *Service) UpdateSegment(ctx context.Context, id string, upd SegmentUpdate) (*ruleengine.Segment, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	old, ok := (*s.segments.Load())[id]
	if !ok {
		return nil, ErrSegmentNotFound
	}

	next := old.Clone()
	if upd.Description != nil {
		next.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Criteria != nil {
		next.Criteria = slices.Clone(*upd.Criteria)
	}
	if upd.IsActive != nil {
		next.IsActive = *upd.IsActive
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.commitSegment(ctx, next); err != nil {
		return nil, err
	}

	s.logger.Info("segment updated", slog.String("segment_id", id))
	return next.Clone(), nil
}

// DeleteSegment removes a segment. Segments still listed as eligible by a
// flag cannot be deleted.
func (s *Service) DeleteSegment(ctx context.Context, id string) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	if _, ok := (*s.segments.Load())[id]; !ok {
		return ErrSegmentNotFound
	}
	if users := s.flagsUsingSegment(id); len(users) > 0 {
		return fmt.Errorf("%w: %s is used by %s", ErrSegmentInUse, id, strings.Join(users, ", "))
	}

	if err := s.store.DeleteSegment(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete segment %s: %w", id, err)
	}

	s.swapSegments(func(set segmentSet) { delete(set, id) })
	s.invalidate()

	s.logger.Info("segment deleted", slog.String("segment_id", id))
	return nil
}

// commitSegment compiles, persists and publishes seg. Callers hold segMu.
func (s *Service) commitSegment(ctx context.Context, seg *ruleengine.Segment) error {
	if err := seg.Compile(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSegment, err)
	}
	if err := s.store.PersistSegment(ctx, seg); err != nil {
		return fmt.Errorf("failed to persist segment %s: %w", seg.ID, err)
	}
	s.swapSegments(func(set segmentSet) { set[seg.ID] = seg })
	s.invalidate()
	return nil
}

// swapSegments publishes a modified copy of the segment set.
func (s *Service) swapSegments(mutate func(segmentSet)) {
	next := maps.Clone(*s.segments.Load())
	mutate(next)
	s.segments.Store(&next)
}

func (s *Service) flagsUsingSegment(id string) []string {
	var users []string
	s.flags.Range(func(_, v any) bool {
		if slices.Contains(v.(*ruleengine.FeatureFlag).EligibleSegments, id) {
			users = append(users, v.(*ruleengine.FeatureFlag).ID)
		}
		return true
	})
	slices.Sort(users)
	return users
}
