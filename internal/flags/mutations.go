package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
)

// FlagInput is the payload for CreateFlag. Zero values give the documented
// defaults: disabled, 0% rollout, type release.
type FlagInput struct {
	ID                string
	Type              ruleengine.FlagType
	Enabled           bool
	RolloutPercentage int
	EligibleSegments  []string
	Conditions        []ruleengine.Condition
	Metadata          map[string]any
}

// FlagUpdate is a partial update. Nil fields are left untouched.
type FlagUpdate struct {
	Type              *ruleengine.FlagType
	Enabled           *bool
	RolloutPercentage *int
	EligibleSegments  *[]string
	Conditions        *[]ruleengine.Condition
	Metadata          *map[string]any
}

// CreateFlag validates and persists a new flag together with its CREATED
// audit entry. Nothing becomes visible to Evaluate unless both commit.
func (s *Service) CreateFlag(ctx context.Context, in FlagInput, actor, reason string) (*ruleengine.FeatureFlag, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	id := strings.TrimSpace(in.ID)

	unlock := s.locks.Lock(id)
	defer unlock()
	s.segMu.RLock()
	defer s.segMu.RUnlock()

	_, err := s.current(ctx, id)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrFlagExists, id)
	case !errors.Is(err, ErrFlagNotFound):
		return nil, err
	}

	now := s.now().UTC()
	flagType := in.Type
	if flagType == "" {
		flagType = ruleengine.FlagTypeRelease
	}
	f := &ruleengine.FeatureFlag{
		ID:                id,
		Type:              flagType,
		Enabled:           in.Enabled,
		RolloutPercentage: in.RolloutPercentage,
		EligibleSegments:  slices.Clone(in.EligibleSegments),
		Conditions:        slices.Clone(in.Conditions),
		Metadata:          maps.Clone(in.Metadata),
		CreatedBy:         actor,
		UpdatedBy:         actor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.validateFlag(f); err != nil {
		return nil, err
	}

	entry, err := audit.NewEntry(id, audit.ActionCreated, nil, f, actor, reason, now)
	if err != nil {
		return nil, err
	}
	if err := s.commitFlag(ctx, f, entry); err != nil {
		return nil, err
	}

	s.logger.Info("flag created", slog.String("flag_id", id), slog.String("actor", actor))
	return f.Clone(), nil
}

// UpdateFlag applies a partial update. The audit action reflects what
// changed: ENABLED/DISABLED for an enabled-only change, ROLLOUT_UPDATED for a
// percentage-only change, UPDATED otherwise. An update that changes nothing
// is not persisted and returns the current value.
func (s *Service) UpdateFlag(ctx context.Context, id string, upd FlagUpdate, actor, reason string) (*ruleengine.FeatureFlag, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	s.segMu.RLock()
	defer s.segMu.RUnlock()

	old, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}

	next := old.Clone()
	if upd.Type != nil {
		next.Type = *upd.Type
	}
	if upd.Enabled != nil {
		next.Enabled = *upd.Enabled
	}
	if upd.RolloutPercentage != nil {
		next.RolloutPercentage = *upd.RolloutPercentage
	}
	if upd.EligibleSegments != nil {
		next.EligibleSegments = slices.Clone(*upd.EligibleSegments)
	}
	if upd.Conditions != nil {
		next.Conditions = slices.Clone(*upd.Conditions)
	}
	if upd.Metadata != nil {
		next.Metadata = maps.Clone(*upd.Metadata)
	}

	action, changed := classifyUpdate(old, next)
	if !changed {
		return old.Clone(), nil
	}
	if err := s.validateFlag(next); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next.UpdatedBy = actor
	next.UpdatedAt = now

	entry, err := audit.NewEntry(id, action, old, next, actor, reason, now)
	if err != nil {
		return nil, err
	}
	if err := s.commitFlag(ctx, next, entry); err != nil {
		return nil, err
	}

	s.logger.Info("flag updated",
		slog.String("flag_id", id),
		slog.String("action", string(action)),
		slog.String("actor", actor),
	)
	return next.Clone(), nil
}

// DeleteFlag removes a flag. Its audit history is kept.
func (s *Service) DeleteFlag(ctx context.Context, id, actor, reason string) error {
	if actor == "" {
		return ErrActorRequired
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	old, err := s.current(ctx, id)
	if err != nil {
		return err
	}

	entry, err := audit.NewEntry(id, audit.ActionDeleted, old, nil, actor, reason, s.now())
	if err != nil {
		return err
	}
	if err := s.store.DeleteFlag(ctx, id, entry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.flags.Delete(id)
			s.invalidate()
			return ErrFlagNotFound
		}
		return fmt.Errorf("failed to delete flag %s: %w", id, err)
	}

	s.flags.Delete(id)
	s.invalidate()

	s.logger.Info("flag deleted", slog.String("flag_id", id), slog.String("actor", actor))
	return nil
}

// ApplyRolloutStep sets the rollout percentage of a flag and records it
// under action. It is the write path of the rollout controller.
func (s *Service) ApplyRolloutStep(ctx context.Context, id string, percentage int, action audit.Action, actor, reason string) error {
	if actor == "" {
		return ErrActorRequired
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	old, err := s.current(ctx, id)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	next := old.Clone()
	next.RolloutPercentage = percentage
	next.UpdatedBy = actor
	next.UpdatedAt = now
	if err := next.Compile(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	entry, err := audit.NewEntry(id, action, old, next, actor, reason, now)
	if err != nil {
		return err
	}
	return s.commitFlag(ctx, next, entry)
}

// RecordRolloutEvent appends an audit entry that does not change the flag,
// such as a paused or completed rollout. details becomes the new value.
func (s *Service) RecordRolloutEvent(ctx context.Context, id string, action audit.Action, details any, actor, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	entry, err := audit.NewEntry(id, action, nil, details, actor, reason, s.now())
	if err != nil {
		return err
	}
	return s.audit.Append(ctx, entry)
}

// Rollback turns a flag off and resets its rollout to 0% in one commit,
// recorded as EMERGENCY_ROLLBACK.
func (s *Service) Rollback(ctx context.Context, id, actor, reason string) (*ruleengine.FeatureFlag, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	old, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := old.Clone()
	next.Enabled = false
	next.RolloutPercentage = 0
	next.UpdatedBy = actor
	next.UpdatedAt = now

	entry, err := audit.NewEntry(id, audit.ActionEmergencyRollback, old, next, actor, reason, now)
	if err != nil {
		return nil, err
	}
	if err := s.commitFlag(ctx, next, entry); err != nil {
		return nil, err
	}

	s.logger.Warn("emergency rollback applied",
		slog.String("flag_id", id),
		slog.String("actor", actor),
		slog.String("reason", reason),
	)
	return next.Clone(), nil
}

// commitFlag persists f with its entry, then publishes f to readers and
// drops cached decisions. On a store error the snapshot is left untouched.
// Callers hold the lock for f.ID.
func (s *Service) commitFlag(ctx context.Context, f *ruleengine.FeatureFlag, entry audit.Entry) error {
	if err := s.store.PersistFlag(ctx, f, entry); err != nil {
		return fmt.Errorf("failed to persist flag %s: %w", f.ID, err)
	}
	s.flags.Store(f.ID, f)
	s.invalidate()
	return nil
}

// validateFlag compiles f and checks that every eligible segment exists.
// Callers hold segMu for reading.
func (s *Service) validateFlag(f *ruleengine.FeatureFlag) error {
	if err := f.Compile(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}
	segments := *s.segments.Load()
	for _, id := range f.EligibleSegments {
		if id == ruleengine.SegmentAll {
			continue
		}
		if _, ok := segments[id]; !ok {
			return fmt.Errorf("%w: unknown segment %q", ErrInvalidFlag, id)
		}
	}
	return nil
}

// classifyUpdate picks the audit action for the difference between old and
// next. changed is false when nothing differs.
func classifyUpdate(old, next *ruleengine.FeatureFlag) (action audit.Action, changed bool) {
	enabled := old.Enabled != next.Enabled
	rollout := old.RolloutPercentage != next.RolloutPercentage
	other := old.Type != next.Type ||
		!slices.Equal(old.EligibleSegments, next.EligibleSegments) ||
		!sameValue(len(old.Conditions), len(next.Conditions), old.Conditions, next.Conditions) ||
		!sameValue(len(old.Metadata), len(next.Metadata), old.Metadata, next.Metadata)

	switch {
	case !enabled && !rollout && !other:
		return "", false
	case enabled && !rollout && !other:
		if next.Enabled {
			return audit.ActionEnabled, true
		}
		return audit.ActionDisabled, true
	case rollout && !enabled && !other:
		return audit.ActionRolloutUpdated, true
	default:
		return audit.ActionUpdated, true
	}
}

// sameValue treats nil and empty collections as equal.
func sameValue(lenA, lenB int, a, b any) bool {
	if lenA == 0 && lenB == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
