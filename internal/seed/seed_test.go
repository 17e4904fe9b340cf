package seed_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/seed"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/subject"
)

const document = `
segments:
  - id: pro
    description: Paying customers
    criteria:
      - attribute: plan
        operator: equals
        value: pro
  - id: legacy
    is_active: false
flags:
  - id: checkout-v2
    type: release
    enabled: true
    rollout_percentage: 100
    eligible_segments: [pro]
    conditions:
      - attribute: seats
        operator: greater_than
        value: 5
    metadata:
      owner: payments
subjects:
  - id: u1
    attributes:
      plan: pro
      seats: 10
  - id: u2
    attributes:
      plan: free
      seats: 10
`

func newTarget(t *testing.T) (*flags.Service, *subject.MemorySource) {
	t.Helper()
	subjects := subject.NewMemorySource()
	svc, err := flags.New(context.Background(), nil, store.NewMemoryStore(), flags.WithSubjectResolver(subjects))
	require.NoError(t, err)
	return svc, subjects
}

func TestDecode(t *testing.T) {
	t.Run("Should parse a full document", func(t *testing.T) {
		doc, err := seed.Decode(strings.NewReader(document))
		require.NoError(t, err)
		assert.Len(t, doc.Segments, 2)
		assert.Len(t, doc.Flags, 1)
		assert.Len(t, doc.Subjects, 2)
		require.NotNil(t, doc.Segments[1].IsActive)
		assert.False(t, *doc.Segments[1].IsActive)
	})

	t.Run("Should accept an empty document", func(t *testing.T) {
		doc, err := seed.Decode(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, doc.Flags)
	})

	t.Run("Should reject unknown keys", func(t *testing.T) {
		_, err := seed.Decode(strings.NewReader("flags:\n  - id: x\n    enabeld: true\n"))
		assert.Error(t, err)
	})

	t.Run("Should load from a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seed.yaml")
		require.NoError(t, os.WriteFile(path, []byte(document), 0o600))

		doc, err := seed.LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "checkout-v2", doc.Flags[0].ID)

		_, err = seed.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	svc, subjects := newTarget(t)
	seeder := seed.New(nil, svc, subjects, "bootstrap")

	doc, err := seed.Decode(strings.NewReader(document))
	require.NoError(t, err)

	res, err := seeder.Apply(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{SegmentsCreated: 2, FlagsCreated: 1, Subjects: 2}, res)

	t.Run("Should evaluate seeded data end to end", func(t *testing.T) {
		d := svc.Evaluate(ctx, "checkout-v2", ruleengine.EvaluationContext{SubjectID: "u1"})
		assert.Equal(t, ruleengine.Decision{Enabled: true, Reason: ruleengine.ReasonAllConditionsMet}, d)

		d = svc.Evaluate(ctx, "checkout-v2", ruleengine.EvaluationContext{SubjectID: "u2"})
		assert.Equal(t, ruleengine.Off(ruleengine.ReasonNotInSegment), d)
	})

	t.Run("Should default segments to active and keep explicit inactive", func(t *testing.T) {
		pro, err := svc.GetSegment(ctx, "pro")
		require.NoError(t, err)
		assert.True(t, pro.IsActive)

		legacy, err := svc.GetSegment(ctx, "legacy")
		require.NoError(t, err)
		assert.False(t, legacy.IsActive)
	})

	t.Run("Should audit seeded flags under the seeding actor", func(t *testing.T) {
		entries, err := svc.AuditLog(ctx, "checkout-v2", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionCreated, entries[0].Action)
		assert.Equal(t, "bootstrap", entries[0].PerformedBy)
	})

	t.Run("Should converge when applied again", func(t *testing.T) {
		res, err := seeder.Apply(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, seed.Result{SegmentsUpdated: 2, FlagsUpdated: 1, Subjects: 2}, res)

		entries, err := svc.AuditLog(ctx, "checkout-v2", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "an unchanged flag is not re-audited")
	})

	t.Run("Should update flags that changed", func(t *testing.T) {
		doc.Flags[0].RolloutPercentage = 40
		_, err := seeder.Apply(ctx, doc)
		require.NoError(t, err)

		f, err := svc.GetFlag(ctx, "checkout-v2")
		require.NoError(t, err)
		assert.Equal(t, 40, f.RolloutPercentage)
	})
}

func TestApply_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		yaml     string
		subjects bool
		wantErr  error
		contains string
	}{
		{
			name:     "Should reject flags referencing unknown segments",
			yaml:     "flags:\n  - id: x\n    eligible_segments: [ghost]\n",
			subjects: true,
			wantErr:  flags.ErrInvalidFlag,
		},
		{
			name:     "Should reject invalid segment criteria",
			yaml:     "segments:\n  - id: bad\n    criteria:\n      - {attribute: a, operator: matches, value: b}\n",
			subjects: true,
			wantErr:  flags.ErrInvalidSegment,
		},
		{
			name:     "Should require a subject store for subjects",
			yaml:     "subjects:\n  - id: u1\n",
			contains: "no subject store",
		},
		{
			name:     "Should require subject ids",
			yaml:     "subjects:\n  - attributes: {plan: pro}\n",
			subjects: true,
			contains: "subject id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, subjects := newTarget(t)
			var writer seed.SubjectWriter
			if tt.subjects {
				writer = subjects
			}

			doc, err := seed.Decode(strings.NewReader(tt.yaml))
			require.NoError(t, err)

			_, err = seed.New(nil, svc, writer, "").Apply(ctx, doc)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.contains != "" {
				assert.ErrorContains(t, err, tt.contains)
			}
		})
	}

	assert.Panics(t, func() { seed.New(nil, nil, nil, "") })
}
