package ruleengine

import "fmt"

// Matches reports whether the attribute view satisfies every criterion.
// Inactive segments never match; an empty criteria list matches everyone
// that reaches this check.
func (s *Segment) Matches(attrs Attributes) (bool, error) {
	if !s.IsActive {
		return false, nil
	}
	if !s.compiled {
		return false, fmt.Errorf("segment %s used before compilation", s.ID)
	}
	for _, p := range s.predicates {
		ok, err := Eval(p, attrs)
		if err != nil {
			return false, fmt.Errorf("segment %s: %w", s.ID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
