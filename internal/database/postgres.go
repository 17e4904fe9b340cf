// Package database provides the PostgreSQL connection factory used by the
// Postgres store backend.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from config.
// It returns the pool directly, allowing the caller to manage the lifecycle via Dependency Injection.
// The first ping is retried with exponential backoff so that the service
// survives a database that starts slower than it does.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	// 1. Parse the configuration string
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 2. Configure settings (Pool Tuning)
	// MaxConns prevents the app from starving the DB (connection exhaustion).
	// MinConns keeps some connections warm to reduce latency for new requests.
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	// 3. Create the pool. pgxpool connects lazily, so this does not touch the network.
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 4. Verify connection (Ping) to ensure network is healthy
	if err := pingWithRetry(ctx, pool, cfg); err != nil {
		pool.Close() // Clean up if ping fails
		return nil, err
	}

	return pool, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, cfg *config.DatabaseConfig) error {
	log := logger.FromContext(ctx)
	maxRetries := max(cfg.PingMaxRetries, 1)
	backoff := cfg.PingBackoff
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = pool.Ping(pingCtx)
		cancel()

		if lastErr == nil {
			log.Info("postgres ping successful", slog.Int("attempt", attempt))
			return nil
		}

		log.Warn("postgres ping failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Any("error", lastErr),
		)
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("database connection aborted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, lastErr)
}

// RunPoolMonitor exports pool statistics every interval until ctx is done.
// It blocks, so run it in its own goroutine.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastAcquireCount    int64
		lastAcquireDuration time.Duration
		lastEmptyAcquire    int64
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))

			// pgxpool counters are cumulative; export deltas.
			if d := stat.AcquireCount() - lastAcquireCount; d > 0 {
				observability.DatabasePoolAcquireCount.Add(float64(d))
			}
			lastAcquireCount = stat.AcquireCount()

			if d := stat.AcquireDuration() - lastAcquireDuration; d > 0 {
				observability.DatabasePoolAcquireDuration.Add(d.Seconds())
			}
			lastAcquireDuration = stat.AcquireDuration()

			if d := stat.EmptyAcquireCount() - lastEmptyAcquire; d > 0 {
				observability.DatabasePoolWaitCount.Add(float64(d))
			}
			lastEmptyAcquire = stat.EmptyAcquireCount()
		}
	}
}
