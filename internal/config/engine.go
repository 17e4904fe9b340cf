package config

import (
	"fmt"
	"time"
)

// Store backends selectable through BIFROST_ENGINE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Subject attribute sources selectable through BIFROST_ENGINE_SUBJECT_SOURCE.
const (
	SubjectSourceNone  = "none"
	SubjectSourceRedis = "redis"
)

// EngineConfig configures flag evaluation and persistence.
type EngineConfig struct {
	// Store selects the durable backend behind the in-memory snapshot.
	Store string `envconfig:"STORE" default:"memory" validate:"oneof=memory postgres redis"`

	// SubjectSource selects where subject attributes are fetched from.
	SubjectSource string `envconfig:"SUBJECT_SOURCE" default:"none" validate:"oneof=none redis"`

	// Decision cache
	CacheEnabled         bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheCapacity        int           `envconfig:"CACHE_CAPACITY" default:"100000" validate:"min=1"`
	CacheTTL             time.Duration `envconfig:"CACHE_TTL" default:"60s"`
	CacheMetricsInterval time.Duration `envconfig:"CACHE_METRICS_INTERVAL" default:"15s"`
}

// Validate checks EngineConfig fields that tags cannot express.
func (e *EngineConfig) Validate() error {
	if e.CacheEnabled && e.CacheTTL < time.Second {
		return fmt.Errorf("decision cache ttl must be at least 1s, got %s", e.CacheTTL)
	}
	if e.CacheEnabled && e.CacheMetricsInterval <= 0 {
		return fmt.Errorf("decision cache metrics interval must be positive")
	}
	return nil
}

func (e *EngineConfig) usesRedis() bool {
	return e.Store == StoreRedis || e.SubjectSource == SubjectSourceRedis
}
