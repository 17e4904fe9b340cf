// Package validation holds the constructor guards that turn a missing
// mandatory dependency into an immediate panic at wiring time.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics when a required pointer dependency is nil.
//
//	validation.AssertNotNil(cfg, "control plane config")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panicNil(name)
	}
}

// AssertNotNilInterface panics when v is nil or an interface wrapping a nil
// pointer, map, slice, func or channel (a typed nil store, for instance).
//
//	validation.AssertNotNilInterface(writer, "flag writer")
func AssertNotNilInterface(v any, name string) {
	if v == nil {
		panicNil(name)
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panicNil(name)
		}
	}
}

func panicNil(name string) {
	panic(fmt.Sprintf("critical error: %s cannot be nil", name))
}
