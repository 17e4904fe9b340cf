// Package seed loads YAML bootstrap documents and applies them through the
// flag service, so seeded data is validated and audited like any other write.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Document is the root of a seed file.
type Document struct {
	Segments []Segment `yaml:"segments,omitempty"`
	Flags    []Flag    `yaml:"flags,omitempty"`
	Subjects []Subject `yaml:"subjects,omitempty"`
}

type Condition struct {
	Attribute string `yaml:"attribute"`
	Operator  string `yaml:"operator"`
	Value     any    `yaml:"value"`
}

type Segment struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description,omitempty"`
	Criteria    []Condition `yaml:"criteria,omitempty"`
	// IsActive defaults to true.
	IsActive *bool `yaml:"is_active,omitempty"`
}

type Flag struct {
	ID                string         `yaml:"id"`
	Type              string         `yaml:"type,omitempty"`
	Enabled           bool           `yaml:"enabled"`
	RolloutPercentage int            `yaml:"rollout_percentage"`
	EligibleSegments  []string       `yaml:"eligible_segments,omitempty"`
	Conditions        []Condition    `yaml:"conditions,omitempty"`
	Metadata          map[string]any `yaml:"metadata,omitempty"`
}

type Subject struct {
	ID         string         `yaml:"id"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// Decode parses a document. Unknown keys are rejected so typos do not
// silently drop data.
func Decode(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to decode seed document: %w", err)
	}
	return &doc, nil
}

// LoadFile decodes the document at path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// FlagService is the write surface seeding needs. flags.Service implements it.
type FlagService interface {
	CreateSegment(ctx context.Context, in flags.SegmentInput) (*ruleengine.Segment, error)
	UpdateSegment(ctx context.Context, id string, upd flags.SegmentUpdate) (*ruleengine.Segment, error)
	CreateFlag(ctx context.Context, in flags.FlagInput, actor, reason string) (*ruleengine.FeatureFlag, error)
	UpdateFlag(ctx context.Context, id string, upd flags.FlagUpdate, actor, reason string) (*ruleengine.FeatureFlag, error)
}

// SubjectWriter stores subject records. subject.RedisSource and
// subject.MemorySource implement it.
type SubjectWriter interface {
	Put(ctx context.Context, sub *ruleengine.Subject) error
}

// Result counts what Apply did.
type Result struct {
	SegmentsCreated int
	SegmentsUpdated int
	FlagsCreated    int
	FlagsUpdated    int
	Subjects        int
}

// Seeder applies documents. Applying the same document twice converges:
// existing segments and flags are updated in place.
type Seeder struct {
	logger   *slog.Logger
	flags    FlagService
	subjects SubjectWriter
	actor    string
}

// New creates a Seeder. subjects may be nil when the document has none.
func New(log *slog.Logger, svc FlagService, subjects SubjectWriter, actor string) *Seeder {
	validation.AssertNotNilInterface(svc, "flag service")
	if actor == "" {
		actor = "seed"
	}
	return &Seeder{
		logger:   logger.OrDefault(log),
		flags:    svc,
		subjects: subjects,
		actor:    actor,
	}
}

// Apply writes segments first so flags can reference them, then flags, then
// subjects. It stops at the first error; earlier writes stay committed.
func (s *Seeder) Apply(ctx context.Context, doc *Document) (Result, error) {
	var res Result

	for _, seg := range doc.Segments {
		created, err := s.applySegment(ctx, seg)
		if err != nil {
			return res, fmt.Errorf("segment %q: %w", seg.ID, err)
		}
		if created {
			res.SegmentsCreated++
		} else {
			res.SegmentsUpdated++
		}
	}

	for _, f := range doc.Flags {
		created, err := s.applyFlag(ctx, f)
		if err != nil {
			return res, fmt.Errorf("flag %q: %w", f.ID, err)
		}
		if created {
			res.FlagsCreated++
		} else {
			res.FlagsUpdated++
		}
	}

	if len(doc.Subjects) > 0 && s.subjects == nil {
		return res, errors.New("document has subjects but no subject store is configured")
	}
	for _, sub := range doc.Subjects {
		if sub.ID == "" {
			return res, errors.New("subject id is required")
		}
		err := s.subjects.Put(ctx, &ruleengine.Subject{
			ID:         sub.ID,
			Attributes: normalizeMap(sub.Attributes),
			Properties: normalizeMap(sub.Properties),
		})
		if err != nil {
			return res, fmt.Errorf("subject %q: %w", sub.ID, err)
		}
		res.Subjects++
	}

	s.logger.Info("seed applied",
		slog.Int("segments_created", res.SegmentsCreated),
		slog.Int("segments_updated", res.SegmentsUpdated),
		slog.Int("flags_created", res.FlagsCreated),
		slog.Int("flags_updated", res.FlagsUpdated),
		slog.Int("subjects", res.Subjects),
	)
	return res, nil
}

func (s *Seeder) applySegment(ctx context.Context, seg Segment) (created bool, err error) {
	active := seg.IsActive == nil || *seg.IsActive
	criteria := toConditions(seg.Criteria)

	_, err = s.flags.CreateSegment(ctx, flags.SegmentInput{
		ID:          seg.ID,
		Description: seg.Description,
		Criteria:    criteria,
		IsActive:    active,
	})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, flags.ErrSegmentExists) {
		return false, err
	}

	_, err = s.flags.UpdateSegment(ctx, seg.ID, flags.SegmentUpdate{
		Description: &seg.Description,
		Criteria:    &criteria,
		IsActive:    &active,
	})
	return false, err
}

func (s *Seeder) applyFlag(ctx context.Context, f Flag) (created bool, err error) {
	flagType := ruleengine.FlagType(f.Type)
	if flagType == "" {
		flagType = ruleengine.FlagTypeRelease
	}
	conditions := toConditions(f.Conditions)

	_, err = s.flags.CreateFlag(ctx, flags.FlagInput{
		ID:                f.ID,
		Type:              flagType,
		Enabled:           f.Enabled,
		RolloutPercentage: f.RolloutPercentage,
		EligibleSegments:  f.EligibleSegments,
		Conditions:        conditions,
		Metadata:          f.Metadata,
	}, s.actor, "seed")
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, flags.ErrFlagExists) {
		return false, err
	}

	segments := f.EligibleSegments
	metadata := f.Metadata
	_, err = s.flags.UpdateFlag(ctx, f.ID, flags.FlagUpdate{
		Type:              &flagType,
		Enabled:           &f.Enabled,
		RolloutPercentage: &f.RolloutPercentage,
		EligibleSegments:  &segments,
		Conditions:        &conditions,
		Metadata:          &metadata,
	}, s.actor, "seed")
	return false, err
}

// toConditions converts YAML conditions. Integers become float64 to match
// what JSON decoding produces everywhere else.
func toConditions(in []Condition) []ruleengine.Condition {
	if len(in) == 0 {
		return nil
	}
	out := make([]ruleengine.Condition, len(in))
	for i, c := range in {
		out[i] = ruleengine.Condition{
			Attribute: c.Attribute,
			Operator:  ruleengine.Operator(c.Operator),
			Value:     normalize(c.Value),
		}
	}
	return out
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
