package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/store"
)

var now = time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("BRT", -3*3600))

func TestNewEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		flagID   string
		action   audit.Action
		oldValue any
		newValue any
		actor    string
		wantErr  bool
		wantOld  string
		wantNew  string
	}{
		{
			name:     "Should snapshot both sides as JSON",
			flagID:   "checkout",
			action:   audit.ActionRolloutUpdated,
			oldValue: map[string]int{"rollout_percentage": 10},
			newValue: map[string]int{"rollout_percentage": 50},
			actor:    "alice",
			wantOld:  `{"rollout_percentage":10}`,
			wantNew:  `{"rollout_percentage":50}`,
		},
		{
			name:     "Should leave the old value empty on creation",
			flagID:   "checkout",
			action:   audit.ActionCreated,
			newValue: map[string]bool{"enabled": false},
			actor:    "alice",
			wantNew:  `{"enabled":false}`,
		},
		{
			name:     "Should pass raw JSON through untouched",
			flagID:   "checkout",
			action:   audit.ActionDeleted,
			oldValue: json.RawMessage(`{"id":"checkout"}`),
			actor:    "alice",
			wantOld:  `{"id":"checkout"}`,
		},
		{
			name:    "Should reject a missing actor",
			flagID:  "checkout",
			action:  audit.ActionCreated,
			wantErr: true,
		},
		{
			name:    "Should reject unknown actions",
			flagID:  "checkout",
			action:  "RENAMED",
			actor:   "alice",
			wantErr: true,
		},
		{
			name:    "Should reject a missing flag id",
			action:  audit.ActionCreated,
			actor:   "alice",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := audit.NewEntry(tt.flagID, tt.action, tt.oldValue, tt.newValue, tt.actor, "why", now)

			if tt.wantErr {
				assert.ErrorIs(t, err, audit.ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, time.UTC, e.Timestamp.Location())
			assert.True(t, now.Equal(e.Timestamp))
			assert.Equal(t, "why", e.Reason)
			if tt.wantOld == "" {
				assert.Empty(t, e.OldValue)
			} else {
				assert.JSONEq(t, tt.wantOld, string(e.OldValue))
			}
			if tt.wantNew == "" {
				assert.Empty(t, e.NewValue)
			} else {
				assert.JSONEq(t, tt.wantNew, string(e.NewValue))
			}
		})
	}
}

func TestNewEntry_UniqueIDs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 100 {
		e, err := audit.NewEntry("f1", audit.ActionUpdated, nil, nil, "alice", "", now)
		require.NoError(t, err)
		_, dup := seen[e.ID]
		require.False(t, dup)
		seen[e.ID] = struct{}{}
	}
}

type failingRepo struct {
	audit.Repository
	err error
}

func (r failingRepo) AppendAudit(context.Context, audit.Entry) error { return r.err }

func (r failingRepo) ListAudit(context.Context, string, int) ([]audit.Entry, error) {
	return nil, r.err
}

func TestLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("Should list appended entries in order", func(t *testing.T) {
		log := audit.NewLog(store.NewMemoryStore())
		actions := []audit.Action{audit.ActionCreated, audit.ActionEnabled, audit.ActionRolloutUpdated}
		for i, a := range actions {
			e, err := audit.NewEntry("f1", a, nil, nil, "alice", "", now.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
			require.NoError(t, log.Append(ctx, e))
		}

		entries, err := log.ListForFlag(ctx, "f1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, a := range actions {
			assert.Equal(t, a, entries[i].Action)
		}

		last, err := log.ListForFlag(ctx, "f1", 1)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, audit.ActionRolloutUpdated, last[0].Action)
	})

	t.Run("Should reject invalid entries before touching the repository", func(t *testing.T) {
		log := audit.NewLog(failingRepo{err: errors.New("must not be called")})

		err := log.Append(ctx, audit.Entry{FlagID: "f1"})
		assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	})

	t.Run("Should propagate persistence errors", func(t *testing.T) {
		boom := errors.New("disk full")
		log := audit.NewLog(failingRepo{err: boom})
		e, err := audit.NewEntry("f1", audit.ActionCreated, nil, nil, "alice", "", now)
		require.NoError(t, err)

		assert.ErrorIs(t, log.Append(ctx, e), boom)

		_, err = log.ListForFlag(ctx, "f1", 10)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Should panic without a repository", func(t *testing.T) {
		assert.Panics(t, func() { audit.NewLog(nil) })
	})
}
