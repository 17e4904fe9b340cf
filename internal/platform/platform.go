// Package platform opens the infrastructure selected by configuration (store
// backend, subject source, connection pools) for the service binaries.
package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/subject"
)

// Infra holds the opened dependencies. Pool and Redis are nil when the
// configuration does not need them.
type Infra struct {
	Store    store.Store
	Subjects *subject.RedisSource
	Pool     *pgxpool.Pool
	Redis    *redis.Client

	// Checkers back the readiness probe and the readiness health signal.
	Checkers []observability.Checker
}

// Open connects to whatever cfg.Engine selects. On error everything opened so
// far is closed.
func Open(ctx context.Context, log *slog.Logger, cfg *config.Config) (_ *Infra, err error) {
	log = logger.OrDefault(log)
	infra := &Infra{}
	defer func() {
		if err != nil {
			infra.Close()
		}
	}()

	if cfg.Engine.Store == config.StorePostgres {
		infra.Pool, err = database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		infra.Checkers = append(infra.Checkers, database.NewHealthChecker(infra.Pool))
		log.Info("connected to postgres")
	}

	if cfg.Engine.Store == config.StoreRedis || cfg.Engine.SubjectSource == config.SubjectSourceRedis {
		infra.Redis, err = cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		infra.Checkers = append(infra.Checkers, cache.NewHealthChecker(infra.Redis))
		log.Info("connected to redis")
	}

	switch cfg.Engine.Store {
	case config.StorePostgres:
		infra.Store = store.NewPostgresStore(infra.Pool)
	case config.StoreRedis:
		infra.Store = store.NewRedisStore(infra.Redis)
	default:
		log.Warn("using the in-memory store, state is lost on restart")
		infra.Store = store.NewMemoryStore()
	}

	if cfg.Engine.SubjectSource == config.SubjectSourceRedis {
		infra.Subjects = subject.NewRedisSource(infra.Redis)
	}

	return infra, nil
}

// Close releases the pools. Safe to call on a partially opened Infra.
func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}
