package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// schemaProbe fails when the migrations have not been applied. It runs on
// the simple protocol so no cached plan outlives a schema change.
const schemaProbe = `SELECT 1 FROM flags, segments, audit_entries LIMIT 0`

// NewHealthChecker reports the pool healthy when Postgres answers and the
// flag, segment and audit tables exist.
func NewHealthChecker(pool *pgxpool.Pool) observability.Checker {
	return observability.CheckerFunc{
		ComponentName: "postgres",
		Fn: func(ctx context.Context) error {
			if pool == nil {
				return errors.New("postgres pool is nil")
			}
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres ping failed: %w", err)
			}
			if _, err := pool.Exec(ctx, schemaProbe, pgx.QueryExecModeSimpleProtocol); err != nil {
				return fmt.Errorf("postgres schema check failed: %w", err)
			}
			return nil
		},
	}
}
