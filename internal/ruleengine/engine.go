package ruleengine

import (
	"log/slog"
)

// SegmentLookup resolves a segment id against the current snapshot.
type SegmentLookup func(id string) (*Segment, bool)

// EvaluationInput aggregates everything one evaluation needs.
// Using a struct allows us to add new fields in the future without
// breaking the Engine signature.
type EvaluationInput struct {
	// Context is the caller-supplied evaluation context (the "Who").
	Context EvaluationContext

	// Subject is the resolved subject record. Nil for anonymous contexts
	// or when no subject source is configured.
	Subject *Subject

	// Segments resolves ids listed in FeatureFlag.EligibleSegments.
	Segments SegmentLookup
}

// Engine is the orchestrator for feature flag evaluation.
// It is stateless apart from its logger and safe for concurrent use.
type Engine struct {
	logger *slog.Logger // Dedicated logger instance (DI)
}

// New creates a new Engine.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Evaluate runs the decision pipeline for a flag, short-circuiting at the
// first decisive step:
//
//  1. missing flag            -> not_found
//  2. disabled flag           -> disabled
//  3. identified subject not in any eligible segment -> not_in_segment
//  4. bucket >= rollout percentage -> excluded_by_rollout
//  5. any condition false     -> conditions_not_met
//
// Otherwise the decision is positive with all_conditions_met.
// Evaluate never panics on bad data; errors degrade to a negative decision.
func (e *Engine) Evaluate(flag *FeatureFlag, in EvaluationInput) Decision {
	if flag == nil {
		return Off(ReasonNotFound)
	}
	if !flag.Enabled {
		return Off(ReasonDisabled)
	}
	if !flag.compiled {
		e.logger.Error("flag evaluated before compilation", slog.String("flag_id", flag.ID))
		return Off(ReasonConditionError)
	}

	attrs := NewAttributes(in.Context, in.Subject)

	// Segment check applies to identified subjects only. An empty eligible
	// list leaves no identified-subject path, so we fall through as anonymous.
	if in.Context.SubjectID != "" && len(flag.EligibleSegments) > 0 {
		if !e.inAnySegment(flag, attrs, in.Segments) {
			return Off(ReasonNotInSegment)
		}
	}

	if !InRollout(StableIdentifier(in.Context), flag.ID, flag.RolloutPercentage) {
		return Off(ReasonExcludedByRollout)
	}

	for i, p := range flag.predicates {
		ok, err := Eval(p, attrs)
		if err != nil {
			e.logger.Warn("condition evaluation failed",
				slog.String("flag_id", flag.ID),
				slog.Int("condition", i),
				slog.String("attribute", p.Attribute()),
				slog.String("error", err.Error()),
			)
			return Off(ReasonConditionError)
		}
		if !ok {
			return Off(ReasonConditionsNotMet)
		}
	}

	return Decision{Enabled: true, Reason: ReasonAllConditionsMet}
}

// inAnySegment is the OR across eligible segments. A segment that cannot be
// resolved or fails to evaluate counts as a non-match for that segment only.
func (e *Engine) inAnySegment(flag *FeatureFlag, attrs Attributes, lookup SegmentLookup) bool {
	for _, id := range flag.EligibleSegments {
		if id == SegmentAll {
			return true
		}
		if lookup == nil {
			continue
		}
		seg, ok := lookup(id)
		if !ok {
			e.logger.Warn("eligible segment not found",
				slog.String("flag_id", flag.ID),
				slog.String("segment_id", id),
			)
			continue
		}
		match, err := seg.Matches(attrs)
		if err != nil {
			e.logger.Warn("segment evaluation failed",
				slog.String("flag_id", flag.ID),
				slog.String("segment_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if match {
			return true
		}
	}
	return false
}
