package ruleengine

import (
	"errors"
	"fmt"
	"regexp"
)

const (
	// MaxConditions limits the number of predicates attached to a single flag or segment.
	// Evaluation is linear in this number and runs on every cache miss.
	MaxConditions = 64

	// MaxEligibleSegments limits the OR fan-out of segment membership checks.
	MaxEligibleSegments = 32
)

// ErrInvalidRule is wrapped by every compilation or validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// idRegex ensures ids are URL-safe slugs (lowercase, numbers, hyphens, underscores).
// We compile it once at package initialization for performance.
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateID enforces the slug format shared by flags and segments.
func ValidateID(id string) error {
	if len(id) < 2 || len(id) > 255 {
		return fmt.Errorf("%w: id must be between 2 and 255 characters", ErrInvalidRule)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q must contain only lowercase letters, numbers, hyphens and underscores", ErrInvalidRule, id)
	}
	return nil
}

// Compile validates the flag and compiles its conditions into predicates.
// It must be called after deserializing a flag from storage and before
// the flag is handed to the Engine.
func (f *FeatureFlag) Compile() error {
	if err := ValidateID(f.ID); err != nil {
		return err
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: unknown flag type %q", ErrInvalidRule, f.Type)
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout percentage must be between 0 and 100, got %d", ErrInvalidRule, f.RolloutPercentage)
	}
	if len(f.EligibleSegments) > MaxEligibleSegments {
		return fmt.Errorf("%w: at most %d eligible segments allowed, got %d", ErrInvalidRule, MaxEligibleSegments, len(f.EligibleSegments))
	}
	seen := make(map[string]struct{}, len(f.EligibleSegments))
	for _, id := range f.EligibleSegments {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: segment %q listed twice", ErrInvalidRule, id)
		}
		seen[id] = struct{}{}
	}

	predicates, err := CompileConditions(f.Conditions)
	if err != nil {
		return fmt.Errorf("flag %s: %w", f.ID, err)
	}
	f.predicates = predicates
	f.compiled = true
	return nil
}

// Compile validates the segment and compiles its criteria.
func (s *Segment) Compile() error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	predicates, err := CompileConditions(s.Criteria)
	if err != nil {
		return fmt.Errorf("segment %s: %w", s.ID, err)
	}
	s.predicates = predicates
	s.compiled = true
	return nil
}

// CompileConditions turns stored conditions into predicates, rejecting
// unknown operators and comparands the operator cannot use.
func CompileConditions(conditions []Condition) ([]Predicate, error) {
	if len(conditions) > MaxConditions {
		return nil, fmt.Errorf("%w: at most %d conditions allowed, got %d", ErrInvalidRule, MaxConditions, len(conditions))
	}
	predicates := make([]Predicate, 0, len(conditions))
	for i, c := range conditions {
		p, err := compilePredicate(c)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		predicates = append(predicates, p)
	}
	return predicates, nil
}

func compilePredicate(c Condition) (Predicate, error) {
	if c.Attribute == "" {
		return nil, fmt.Errorf("%w: attribute is required", ErrInvalidRule)
	}

	switch c.Operator {
	case OperatorEquals:
		if !isPrimitive(c.Value) {
			return nil, fmt.Errorf("%w: equals needs a string, number or boolean, got %T", ErrInvalidRule, c.Value)
		}
		return equalsPredicate{attribute: c.Attribute, want: normalize(c.Value)}, nil
	case OperatorNotEquals:
		if !isPrimitive(c.Value) {
			return nil, fmt.Errorf("%w: not_equals needs a string, number or boolean, got %T", ErrInvalidRule, c.Value)
		}
		return notEqualsPredicate{attribute: c.Attribute, want: normalize(c.Value)}, nil
	case OperatorContains:
		if !isPrimitive(c.Value) {
			return nil, fmt.Errorf("%w: contains needs a string, number or boolean, got %T", ErrInvalidRule, c.Value)
		}
		return containsPredicate{attribute: c.Attribute, needle: normalize(c.Value)}, nil
	case OperatorGreaterThan:
		bound, ok := toNumber(c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: greater_than needs a numeric value, got %v", ErrInvalidRule, c.Value)
		}
		return greaterThanPredicate{attribute: c.Attribute, bound: bound}, nil
	case OperatorLessThan:
		bound, ok := toNumber(c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: less_than needs a numeric value, got %v", ErrInvalidRule, c.Value)
		}
		return lessThanPredicate{attribute: c.Attribute, bound: bound}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, c.Operator)
	}
}
