// Package ruleengine provides the core logic for feature flag evaluation.
// It owns the domain model (flags, segments, conditions), compiles conditions
// into predicates, buckets subjects for percentage rollouts and orchestrates
// the decision pipeline.
package ruleengine

import (
	"maps"
	"slices"
	"time"
)

// FlagType classifies a flag by its operational purpose.
type FlagType string

const (
	FlagTypeRelease    FlagType = "release"
	FlagTypeExperiment FlagType = "experiment"
	FlagTypeOps        FlagType = "ops"
	FlagTypePermission FlagType = "permission"
)

// Valid reports whether t is one of the known flag types.
func (t FlagType) Valid() bool {
	switch t {
	case FlagTypeRelease, FlagTypeExperiment, FlagTypeOps, FlagTypePermission:
		return true
	}
	return false
}

// SegmentAll is the reserved segment id that matches every subject,
// anonymous ones included.
const SegmentAll = "all"

// FeatureFlag is the unit of evaluation.
//
// Values stored in the service snapshot are treated as immutable: every
// mutation builds a new FeatureFlag and swaps the pointer.
type FeatureFlag struct {
	ID                string         `json:"id"`
	Type              FlagType       `json:"type"`
	Enabled           bool           `json:"enabled"`
	RolloutPercentage int            `json:"rollout_percentage"`
	EligibleSegments  []string       `json:"eligible_segments"`
	Conditions        []Condition    `json:"conditions"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedBy         string         `json:"created_by"`
	UpdatedBy         string         `json:"updated_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	// predicates is populated by Compile and never serialized.
	predicates []Predicate
	compiled   bool
}

// Clone returns a deep copy of the flag. Compiled predicates are shared
// because they are immutable once built.
func (f *FeatureFlag) Clone() *FeatureFlag {
	if f == nil {
		return nil
	}
	c := *f
	c.EligibleSegments = slices.Clone(f.EligibleSegments)
	c.Conditions = slices.Clone(f.Conditions)
	c.Metadata = maps.Clone(f.Metadata)
	c.predicates = slices.Clone(f.predicates)
	return &c
}

// Compiled reports whether Compile has run on this value.
func (f *FeatureFlag) Compiled() bool {
	return f.compiled
}

// Segment is a reusable, named eligibility rule set.
type Segment struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Criteria    []Condition `json:"criteria"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	predicates []Predicate
	compiled   bool
}

// Clone returns a deep copy of the segment.
func (s *Segment) Clone() *Segment {
	if s == nil {
		return nil
	}
	c := *s
	c.Criteria = slices.Clone(s.Criteria)
	c.predicates = slices.Clone(s.predicates)
	return &c
}

// Operator is the closed set of comparison operators a Condition may use.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

// Condition is the stored (uncompiled) form of a predicate.
// Value holds the comparand as decoded from JSON (string, float64, bool).
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// EvaluationContext is the per-call input describing who is asking.
type EvaluationContext struct {
	SubjectID  string         `json:"subject_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Subject is the identified entity behind EvaluationContext.SubjectID, as
// returned by the subject attribute source.
type Subject struct {
	ID string `json:"id"`

	// Attributes is the free-form attribute bag (e.g. "plan", "country").
	Attributes map[string]any `json:"attributes,omitempty"`

	// Properties holds first-class fields of the subject record
	// (e.g. "email", "role"). Consulted after Attributes.
	Properties map[string]any `json:"properties,omitempty"`
}

// Reason explains why a Decision came out the way it did.
type Reason string

const (
	ReasonNotFound           Reason = "not_found"
	ReasonDisabled           Reason = "disabled"
	ReasonNotInSegment       Reason = "not_in_segment"
	ReasonExcludedByRollout  Reason = "excluded_by_rollout"
	ReasonConditionsNotMet   Reason = "conditions_not_met"
	ReasonAllConditionsMet   Reason = "all_conditions_met"
	ReasonStoreUnavailable   Reason = "store_unavailable"
	ReasonSubjectUnavailable Reason = "subject_unavailable"
	ReasonConditionError     Reason = "condition_error"
)

// Transient reports whether the reason stems from an infrastructure failure
// rather than from the flag configuration. Transient decisions are not cached.
func (r Reason) Transient() bool {
	return r == ReasonStoreUnavailable || r == ReasonSubjectUnavailable
}

// Decision is the outcome of evaluating a flag for a context.
type Decision struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}

// Off builds a negative decision with the given reason.
func Off(reason Reason) Decision {
	return Decision{Enabled: false, Reason: reason}
}
