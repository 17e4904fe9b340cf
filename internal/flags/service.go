// Package flags implements the flag service: the authoritative in-memory
// snapshot of flags and segments, the evaluation read path and the mutation
// API that writes through a store.Store.
//
// Readers never take a lock on the hot path. Each flag is an immutable
// *ruleengine.FeatureFlag swapped as a whole, so a concurrent Evaluate sees
// either the old or the new value. Mutations of the same flag id are
// serialized; different flags mutate concurrently.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/validation"
)

var (
	ErrFlagNotFound    = errors.New("flag not found")
	ErrFlagExists      = errors.New("flag already exists")
	ErrInvalidFlag     = errors.New("invalid flag")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrSegmentExists   = errors.New("segment already exists")
	ErrInvalidSegment  = errors.New("invalid segment")
	ErrSegmentInUse    = errors.New("segment referenced by flags")
	ErrActorRequired   = errors.New("actor is required")
)

// SubjectResolver fetches the attribute record for an identified subject.
// A nil subject with a nil error means the subject is unknown; evaluation
// then proceeds with the context attributes only.
type SubjectResolver interface {
	Resolve(ctx context.Context, subjectID string) (*ruleengine.Subject, error)
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithSubjectResolver enables subject attribute lookups for identified contexts.
func WithSubjectResolver(r SubjectResolver) Option {
	return func(s *Service) { s.subjects = r }
}

// WithDecisionCache memoizes decisions. Without it every call is evaluated.
func WithDecisionCache(c *cache.DecisionCache) Option {
	return func(s *Service) { s.decisions = c }
}

// WithClock overrides time.Now for timestamps on flags and audit entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the flag/segment snapshot. Construct it with New.
type Service struct {
	logger    *slog.Logger
	store     store.Store
	audit     *audit.Log
	engine    *ruleengine.Engine
	decisions *cache.DecisionCache
	subjects  SubjectResolver
	now       func() time.Time

	// flags maps id -> *ruleengine.FeatureFlag (compiled, never mutated).
	flags sync.Map

	// segments is replaced as a whole on every segment mutation.
	segments atomic.Pointer[segmentSet]

	// segMu orders segment mutations against flag mutations that reference
	// segments. Flag writers hold it for reading.
	segMu sync.RWMutex

	locks keyedMutex
}

type segmentSet map[string]*ruleengine.Segment

// New builds a Service and loads every flag and segment from st.
// The returned service is ready to evaluate.
func New(ctx context.Context, log *slog.Logger, st store.Store, opts ...Option) (*Service, error) {
	validation.AssertNotNilInterface(st, "store")

	log = logger.OrDefault(log)
	s := &Service{
		logger: log,
		store:  st,
		audit:  audit.NewLog(st),
		engine: ruleengine.New(log),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := segmentSet{}
	s.segments.Store(&empty)

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrap fills the snapshot from the store. Records that fail to compile
// are logged and skipped so one bad row cannot take the service down.
func (s *Service) bootstrap(ctx context.Context) error {
	segments, err := s.store.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load segments: %w", err)
	}
	set := make(segmentSet, len(segments))
	for _, seg := range segments {
		if err := seg.Compile(); err != nil {
			s.logger.Error("skipping invalid segment", slog.String("segment_id", seg.ID), slog.String("error", err.Error()))
			continue
		}
		set[seg.ID] = seg
	}
	s.segments.Store(&set)

	flagList, err := s.store.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flags: %w", err)
	}
	loaded := 0
	for _, f := range flagList {
		if err := f.Compile(); err != nil {
			s.logger.Error("skipping invalid flag", slog.String("flag_id", f.ID), slog.String("error", err.Error()))
			continue
		}
		s.flags.Store(f.ID, f)
		loaded++
	}

	s.logger.Info("flag snapshot loaded",
		slog.Int("flags", loaded),
		slog.Int("segments", len(set)),
	)
	return nil
}

// Evaluate decides whether flagID is on for ectx. It never fails: every
// internal error degrades to a negative decision with a diagnostic reason.
func (s *Service) Evaluate(ctx context.Context, flagID string, ectx ruleengine.EvaluationContext) ruleengine.Decision {
	start := time.Now()
	d := s.evaluate(ctx, flagID, ectx)

	observability.EvaluationDuration.Observe(time.Since(start).Seconds())
	observability.EvaluationsTotal.WithLabelValues(string(d.Reason), strconv.FormatBool(d.Enabled)).Inc()
	return d
}

func (s *Service) evaluate(ctx context.Context, flagID string, ectx ruleengine.EvaluationContext) ruleengine.Decision {
	var (
		key        string
		generation uint64
	)
	if s.decisions != nil {
		key = cache.Key(flagID, ectx)
		// Captured before reading the snapshot so a concurrent invalidation
		// makes the Put below a no-op.
		generation = s.decisions.Generation()
		if d, ok := s.decisions.Get(key); ok {
			return d
		}
	}

	d := s.decide(ctx, flagID, ectx)

	if s.decisions != nil {
		s.decisions.Put(key, generation, d)
	}
	return d
}

func (s *Service) decide(ctx context.Context, flagID string, ectx ruleengine.EvaluationContext) ruleengine.Decision {
	flag, err := s.lookup(ctx, flagID)
	if errors.Is(err, ErrFlagNotFound) {
		return ruleengine.Off(ruleengine.ReasonNotFound)
	}
	if err != nil {
		s.logger.Warn("flag lookup failed", slog.String("flag_id", flagID), slog.String("error", err.Error()))
		return ruleengine.Off(ruleengine.ReasonStoreUnavailable)
	}
	if !flag.Enabled {
		return ruleengine.Off(ruleengine.ReasonDisabled)
	}

	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = s.now().UTC()
	}

	var subject *ruleengine.Subject
	if ectx.SubjectID != "" && s.subjects != nil {
		subject, err = s.subjects.Resolve(ctx, ectx.SubjectID)
		if err != nil {
			s.logger.Warn("subject lookup failed",
				slog.String("flag_id", flagID),
				slog.String("subject_id", ectx.SubjectID),
				slog.String("error", err.Error()),
			)
			return ruleengine.Off(ruleengine.ReasonSubjectUnavailable)
		}
	}

	segments := *s.segments.Load()
	return s.engine.Evaluate(flag, ruleengine.EvaluationInput{
		Context: ectx,
		Subject: subject,
		Segments: func(id string) (*ruleengine.Segment, bool) {
			seg, ok := segments[id]
			return seg, ok
		},
	})
}

// lookup returns the snapshot value for id, reading through to the store
// when the snapshot has no entry. A store hit is compiled and cached in the
// snapshot under the flag lock so it cannot overwrite a concurrent mutation.
func (s *Service) lookup(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	if v, ok := s.flags.Load(id); ok {
		return v.(*ruleengine.FeatureFlag), nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	return s.current(ctx, id)
}

// current is lookup for callers already holding the lock for id.
func (s *Service) current(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	if v, ok := s.flags.Load(id); ok {
		return v.(*ruleengine.FeatureFlag), nil
	}

	f, err := s.store.GetFlag(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flag %s: %w", id, err)
	}
	if err := f.Compile(); err != nil {
		return nil, fmt.Errorf("stored flag %s does not compile: %w", id, err)
	}
	s.flags.Store(id, f)
	return f, nil
}

// GetFlag returns a copy of the current value of a flag.
func (s *Service) GetFlag(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	f, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// ListFlags returns copies of every flag in the snapshot ordered by id.
func (s *Service) ListFlags(_ context.Context) []*ruleengine.FeatureFlag {
	var out []*ruleengine.FeatureFlag
	s.flags.Range(func(_, v any) bool {
		out = append(out, v.(*ruleengine.FeatureFlag).Clone())
		return true
	})
	slices.SortFunc(out, func(a, b *ruleengine.FeatureFlag) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// AuditLog returns up to limit of the most recent audit entries for a flag,
// oldest first. History outlives the flag, so unknown ids are not an error.
func (s *Service) AuditLog(ctx context.Context, flagID string, limit int) ([]audit.Entry, error) {
	return s.audit.ListForFlag(ctx, flagID, limit)
}

// invalidate drops every cached decision. Any flag or segment change may
// alter decisions for other flags through shared segments.
func (s *Service) invalidate() {
	if s.decisions != nil {
		s.decisions.InvalidateAll()
	}
}
