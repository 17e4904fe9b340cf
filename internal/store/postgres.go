package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time check to verify that PostgresStore implements Store.
// If the interface changes and the struct doesn't, the build fails here.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the implementation of Store backed by PostgreSQL.
// Flag writes and their audit entry share one transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

const selectFlagColumns = `
	SELECT id, type, enabled, rollout_percentage, eligible_segments, conditions, metadata,
	       created_by, updated_by, created_at, updated_at
	FROM flags`

func (s *PostgresStore) GetFlag(ctx context.Context, id string) (*ruleengine.FeatureFlag, error) {
	f, err := scanFlag(s.db.QueryRow(ctx, selectFlagColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %q: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) ListFlags(ctx context.Context) ([]*ruleengine.FeatureFlag, error) {
	rows, err := s.db.Query(ctx, selectFlagColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	// Ensure rows are closed to prevent connection leaks in the pool.
	defer rows.Close()

	var flags []*ruleengine.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return flags, nil
}

func (s *PostgresStore) PersistFlag(ctx context.Context, f *ruleengine.FeatureFlag, entry audit.Entry) error {
	conditions, err := json.Marshal(nonNilConditions(f.Conditions))
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(f.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	segments := f.EligibleSegments
	if segments == nil {
		segments = []string{}
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO flags (id, type, enabled, rollout_percentage, eligible_segments, conditions, metadata,
			                   created_by, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				type = EXCLUDED.type,
				enabled = EXCLUDED.enabled,
				rollout_percentage = EXCLUDED.rollout_percentage,
				eligible_segments = EXCLUDED.eligible_segments,
				conditions = EXCLUDED.conditions,
				metadata = EXCLUDED.metadata,
				updated_by = EXCLUDED.updated_by,
				updated_at = EXCLUDED.updated_at
		`,
			f.ID, string(f.Type), f.Enabled, f.RolloutPercentage, segments, conditions, metadata,
			f.CreatedBy, f.UpdatedBy, f.CreatedAt, f.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert flag: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to persist flag %q: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlag(ctx context.Context, id string, entry audit.Entry) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM flags WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete flag: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete flag %q: %w", id, err)
	}
	return nil
}

const selectSegmentColumns = `
	SELECT id, description, criteria, is_active, created_at, updated_at
	FROM segments`

func (s *PostgresStore) GetSegment(ctx context.Context, id string) (*ruleengine.Segment, error) {
	seg, err := scanSegment(s.db.QueryRow(ctx, selectSegmentColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment %q: %w", id, err)
	}
	return seg, nil
}

func (s *PostgresStore) ListSegments(ctx context.Context) ([]*ruleengine.Segment, error) {
	rows, err := s.db.Query(ctx, selectSegmentColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*ruleengine.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return segments, nil
}

func (s *PostgresStore) PersistSegment(ctx context.Context, seg *ruleengine.Segment) error {
	criteria, err := json.Marshal(nonNilConditions(seg.Criteria))
	if err != nil {
		return fmt.Errorf("failed to encode criteria: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO segments (id, description, criteria, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			criteria = EXCLUDED.criteria,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, seg.ID, seg.Description, criteria, seg.IsActive, seg.CreatedAt, seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist segment %q: %w", seg.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSegment(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete segment %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e audit.Entry) error {
	if err := insertAudit(ctx, s.db, e); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, flagID string, limit int) ([]audit.Entry, error) {
	// LIMIT NULL means no limit in PostgreSQL.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.Query(ctx, `
		SELECT id::text, flag_id, action, old_value, new_value, performed_by, reason, created_at
		FROM (
			SELECT seq, id, flag_id, action, old_value, new_value, performed_by, reason, created_at
			FROM audit_entries
			WHERE flag_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, flagID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			action   string
			oldValue []byte
			newValue []byte
		)
		if err := rows.Scan(&e.ID, &e.FlagID, &action, &oldValue, &newValue, &e.PerformedBy, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Action = audit.Action(action)
		e.OldValue = oldValue
		e.NewValue = newValue
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAudit(ctx context.Context, db execer, e audit.Entry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO audit_entries (id, flag_id, action, old_value, new_value, performed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.FlagID, string(e.Action), nullableJSON(e.OldValue), nullableJSON(e.NewValue), e.PerformedBy, e.Reason, e.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		// Error Code 23505: unique_violation
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("audit entry %s already recorded: %w", e.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func scanFlag(row pgx.Row) (*ruleengine.FeatureFlag, error) {
	var (
		f          ruleengine.FeatureFlag
		flagType   string
		conditions []byte
		metadata   []byte
	)
	err := row.Scan(
		&f.ID,
		&flagType,
		&f.Enabled,
		&f.RolloutPercentage,
		&f.EligibleSegments,
		&conditions,
		&metadata,
		&f.CreatedBy,
		&f.UpdatedBy,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Type = ruleengine.FlagType(flagType)
	if err := json.Unmarshal(conditions, &f.Conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions for flag %q: %w", f.ID, err)
	}
	if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata for flag %q: %w", f.ID, err)
	}
	if len(f.Metadata) == 0 {
		f.Metadata = nil
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func scanSegment(row pgx.Row) (*ruleengine.Segment, error) {
	var (
		seg      ruleengine.Segment
		criteria []byte
	)
	if err := row.Scan(&seg.ID, &seg.Description, &criteria, &seg.IsActive, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(criteria, &seg.Criteria); err != nil {
		return nil, fmt.Errorf("invalid criteria for segment %q: %w", seg.ID, err)
	}
	seg.CreatedAt = seg.CreatedAt.UTC()
	seg.UpdatedAt = seg.UpdatedAt.UTC()
	return &seg, nil
}

func nonNilConditions(c []ruleengine.Condition) []ruleengine.Condition {
	if c == nil {
		return []ruleengine.Condition{}
	}
	return c
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// nullableJSON maps an empty snapshot to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
