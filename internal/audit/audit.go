// Package audit defines the append-only record of flag mutations.
// Entries are immutable once built; the log exposes no update or delete.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names the kind of mutation an Entry records.
type Action string

const (
	ActionCreated                 Action = "CREATED"
	ActionUpdated                 Action = "UPDATED"
	ActionEnabled                 Action = "ENABLED"
	ActionDisabled                Action = "DISABLED"
	ActionRolloutUpdated          Action = "ROLLOUT_UPDATED"
	ActionGradualRolloutStarted   Action = "GRADUAL_ROLLOUT_STARTED"
	ActionGradualRolloutPaused    Action = "GRADUAL_ROLLOUT_PAUSED"
	ActionGradualRolloutResumed   Action = "GRADUAL_ROLLOUT_RESUMED"
	ActionGradualRolloutCompleted Action = "GRADUAL_ROLLOUT_COMPLETED"
	ActionGradualRolloutCancelled Action = "GRADUAL_ROLLOUT_CANCELLED"
	ActionEmergencyRollback       Action = "EMERGENCY_ROLLBACK"
	ActionDeleted                 Action = "DELETED"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionEnabled, ActionDisabled, ActionRolloutUpdated,
		ActionGradualRolloutStarted, ActionGradualRolloutPaused, ActionGradualRolloutResumed,
		ActionGradualRolloutCompleted, ActionGradualRolloutCancelled, ActionEmergencyRollback,
		ActionDeleted:
		return true
	}
	return false
}

// ErrInvalidEntry is returned by Append for entries missing required fields.
var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry is one immutable audit record.
// OldValue and NewValue are JSON snapshots of the flag before and after the
// mutation; either may be empty (creation has no old value, deletion no new one).
type Entry struct {
	ID          string          `json:"id"`
	FlagID      string          `json:"flag_id"`
	Action      Action          `json:"action"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	PerformedBy string          `json:"performed_by"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEntry builds an entry with a fresh id. oldValue and newValue are
// marshalled to JSON; pass nil to leave a side empty.
func NewEntry(flagID string, action Action, oldValue, newValue any, performedBy, reason string, at time.Time) (Entry, error) {
	oldRaw, err := snapshot(oldValue)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to snapshot old value: %w", err)
	}
	newRaw, err := snapshot(newValue)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to snapshot new value: %w", err)
	}

	e := Entry{
		ID:          uuid.NewString(),
		FlagID:      flagID,
		Action:      action,
		OldValue:    oldRaw,
		NewValue:    newRaw,
		PerformedBy: performedBy,
		Reason:      reason,
		Timestamp:   at.UTC(),
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Validate checks the fields every persisted entry must carry.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	}
	if e.FlagID == "" {
		return fmt.Errorf("%w: flag id is required", ErrInvalidEntry)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, e.Action)
	}
	if e.PerformedBy == "" {
		return fmt.Errorf("%w: performed_by is required", ErrInvalidEntry)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEntry)
	}
	return nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Repository is the persistence the Log writes through.
type Repository interface {
	// AppendAudit stores one entry. Entries for a flag must be returned by
	// ListAudit in append order.
	AppendAudit(ctx context.Context, e Entry) error

	// ListAudit returns the most recent limit entries for flagID, oldest
	// first. A limit <= 0 returns every entry.
	ListAudit(ctx context.Context, flagID string, limit int) ([]Entry, error)
}

// Log is the append-only audit log.
type Log struct {
	repo Repository
}

// NewLog creates a Log backed by repo.
func NewLog(repo Repository) *Log {
	if repo == nil {
		panic("audit: repository cannot be nil")
	}
	return &Log{repo: repo}
}

// Append validates and persists an entry. Persistence errors are returned
// to the caller, never swallowed.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := l.repo.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("failed to append audit entry for flag %s: %w", e.FlagID, err)
	}
	return nil
}

// ListForFlag returns up to limit of the most recent entries for flagID in
// chronological order.
func (l *Log) ListForFlag(ctx context.Context, flagID string, limit int) ([]Entry, error) {
	entries, err := l.repo.ListAudit(ctx, flagID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for flag %s: %w", flagID, err)
	}
	return entries, nil
}
