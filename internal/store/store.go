// Package store provides the Store Adapter: durable persistence for flags,
// segments and the audit log. The flag service keeps the authoritative
// in-memory snapshot and writes every mutation through a Store.
package store

import (
	"context"
	"errors"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

var (
	// ErrNotFound is returned when a flag or segment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent writer invalidated the
	// operation, or a unique key was reused.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence contract consumed by the flag service.
//
// Values returned by reads are fresh copies owned by the caller. Callers
// compile them before evaluation. Flag writes carry their audit entry so
// that implementations can commit both atomically: either the flag and its
// entry are stored, or neither is.
type Store interface {
	audit.Repository

	// GetFlag retrieves a single flag by id. Returns ErrNotFound if absent.
	GetFlag(ctx context.Context, id string) (*ruleengine.FeatureFlag, error)

	// ListFlags retrieves every flag ordered by id.
	ListFlags(ctx context.Context) ([]*ruleengine.FeatureFlag, error)

	// PersistFlag creates or replaces a flag and appends entry in the same commit.
	PersistFlag(ctx context.Context, f *ruleengine.FeatureFlag, entry audit.Entry) error

	// DeleteFlag removes a flag and appends entry in the same commit.
	// Returns ErrNotFound if absent. Audit history for the flag is kept.
	DeleteFlag(ctx context.Context, id string, entry audit.Entry) error

	// GetSegment retrieves a single segment by id. Returns ErrNotFound if absent.
	GetSegment(ctx context.Context, id string) (*ruleengine.Segment, error)

	// ListSegments retrieves every segment ordered by id.
	ListSegments(ctx context.Context) ([]*ruleengine.Segment, error)

	// PersistSegment creates or replaces a segment.
	PersistSegment(ctx context.Context, s *ruleengine.Segment) error

	// DeleteSegment removes a segment. Returns ErrNotFound if absent.
	DeleteSegment(ctx context.Context, id string) error
}
