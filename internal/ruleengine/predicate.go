package ruleengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTypeMismatch is returned when an attribute value cannot be compared
// with the predicate's comparand (e.g. greater_than on a non-numeric string).
var ErrTypeMismatch = errors.New("attribute type mismatch")

// Predicate is a compiled Condition. The set of implementations is closed:
// the unexported method keeps other packages from adding variants, and
// compilePredicate switches over every Operator.
type Predicate interface {
	// Attribute is the name resolved against the evaluation attributes.
	Attribute() string

	// match tests a defined attribute value. Undefined values never reach
	// match; see Eval.
	match(value any) (bool, error)
}

// Eval resolves the predicate's attribute and tests it.
// A missing attribute is false for every operator (fail closed).
func Eval(p Predicate, attrs Attributes) (bool, error) {
	value, ok := attrs.Lookup(p.Attribute())
	if !ok {
		return false, nil
	}
	return p.match(value)
}

type equalsPredicate struct {
	attribute string
	want      any
}

func (p equalsPredicate) Attribute() string { return p.attribute }

func (p equalsPredicate) match(value any) (bool, error) {
	return primitiveEqual(value, p.want), nil
}

type notEqualsPredicate struct {
	attribute string
	want      any
}

func (p notEqualsPredicate) Attribute() string { return p.attribute }

func (p notEqualsPredicate) match(value any) (bool, error) {
	return !primitiveEqual(value, p.want), nil
}

type containsPredicate struct {
	attribute string
	needle    any
}

func (p containsPredicate) Attribute() string { return p.attribute }

func (p containsPredicate) match(value any) (bool, error) {
	switch v := value.(type) {
	case string:
		needle, ok := p.needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: substring test on %q needs a string comparand, got %T", ErrTypeMismatch, p.attribute, p.needle)
		}
		return strings.Contains(v, needle), nil
	case []string:
		for _, item := range v {
			if primitiveEqual(item, p.needle) {
				return true, nil
			}
		}
		return false, nil
	case []any:
		for _, item := range v {
			if primitiveEqual(item, p.needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: contains on %q needs a string or list, got %T", ErrTypeMismatch, p.attribute, value)
	}
}

type greaterThanPredicate struct {
	attribute string
	bound     float64
}

func (p greaterThanPredicate) Attribute() string { return p.attribute }

func (p greaterThanPredicate) match(value any) (bool, error) {
	n, ok := toNumber(value)
	if !ok {
		return false, fmt.Errorf("%w: %q is not numeric (%T)", ErrTypeMismatch, p.attribute, value)
	}
	return n > p.bound, nil
}

type lessThanPredicate struct {
	attribute string
	bound     float64
}

func (p lessThanPredicate) Attribute() string { return p.attribute }

func (p lessThanPredicate) match(value any) (bool, error) {
	n, ok := toNumber(value)
	if !ok {
		return false, fmt.Errorf("%w: %q is not numeric (%T)", ErrTypeMismatch, p.attribute, value)
	}
	return n < p.bound, nil
}

// normalize folds Go numeric kinds into float64 so that values decoded from
// JSON and values supplied by Go callers compare the same way.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// primitiveEqual is strict equality over string, number and bool.
// Values of different kinds, or non-primitive values, are never equal.
func primitiveEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// toNumber coerces numbers, numeric strings and booleans to float64.
func toNumber(v any) (float64, bool) {
	switch n := normalize(v).(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isPrimitive(v any) bool {
	switch normalize(v).(type) {
	case string, float64, bool:
		return true
	}
	return false
}
