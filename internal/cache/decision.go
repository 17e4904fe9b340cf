// Package cache provides the decision cache that memoizes flag evaluations,
// plus the Redis client factory and health checker shared by the Redis
// store backend.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/spaolacci/murmur3"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// entry is what the cache physically stores. generation and storedAt let
// Get reject values that outlived an invalidation or the TTL, whatever the
// state of otter's own expiry.
type entry struct {
	decision   ruleengine.Decision
	generation uint64
	storedAt   time.Time
}

// DecisionCache memoizes (flag, subject, context) -> Decision using a
// contention-free S3-FIFO cache provided by the 'otter' library.
//
// Staleness is bounded two ways: entries older than the TTL are misses on
// read (lazy eviction, otter sweeps them physically), and InvalidateAll
// bumps a generation counter so that a Put racing with an invalidation can
// never resurrect a pre-mutation decision.
type DecisionCache struct {
	store      otter.Cache[string, entry]
	ttl        time.Duration
	generation atomic.Uint64
	now        func() time.Time
}

// Option configures a DecisionCache.
type Option func(*DecisionCache)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *DecisionCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewDecisionCache initializes the cache with strict limits.
// capacity: Max number of items (Hard Cap to prevent OOM).
// ttl: Max age of a cached decision.
func NewDecisionCache(capacity int, ttl time.Duration, opts ...Option) (*DecisionCache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("decision cache ttl must be positive, got %s", ttl)
	}

	store, err := otter.MustBuilder[string, entry](capacity).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build decision cache: %w", err)
	}

	c := &DecisionCache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generation returns the current invalidation generation. Callers capture it
// before computing a decision and hand it back to Put.
func (c *DecisionCache) Generation() uint64 {
	return c.generation.Load()
}

// Get returns the cached decision for key, if it is fresh and was stored in
// the current generation.
func (c *DecisionCache) Get(key string) (ruleengine.Decision, bool) {
	e, ok := c.store.Get(key)
	if !ok || e.generation != c.generation.Load() || c.now().Sub(e.storedAt) >= c.ttl {
		observability.DecisionCacheMisses.Inc()
		return ruleengine.Decision{}, false
	}
	observability.DecisionCacheHits.Inc()
	return e.decision, true
}

// Put stores a decision computed while generation was current.
// Transient decisions are never stored.
func (c *DecisionCache) Put(key string, generation uint64, d ruleengine.Decision) {
	if d.Reason.Transient() {
		return
	}
	c.store.Set(key, entry{decision: d, generation: generation, storedAt: c.now()})
}

// InvalidateAll makes every cached decision a miss. Safe under concurrent Get/Put.
func (c *DecisionCache) InvalidateAll() {
	c.generation.Add(1)
	c.store.Clear()
	observability.DecisionCacheInvalidations.Inc()
}

// Size returns the number of physically stored entries.
func (c *DecisionCache) Size() int {
	return c.store.Size()
}

// RunMetricsCollector periodically exports otter statistics until ctx is done.
// It blocks, so run it in its own goroutine.
func (c *DecisionCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastEvicted, lastRejected int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.store.Stats()

			// Stats are cumulative; export deltas into the counters.
			evicted := stats.EvictedCount()
			if d := evicted - lastEvicted; d > 0 {
				observability.DecisionCacheEvictions.Add(float64(d))
			}
			lastEvicted = evicted

			rejected := stats.RejectedSets()
			if d := rejected - lastRejected; d > 0 {
				observability.DecisionCacheDropped.Add(float64(d))
			}
			lastRejected = rejected

			observability.DecisionCacheUsage.Set(float64(c.store.Size()))
		}
	}
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *DecisionCache) Close() {
	c.store.Close()
}

// Key builds the cache key for evaluating flagID in ctx. Two contexts share a
// key only if they resolve to the same stable identifier and carry the same
// built-ins and attributes, so a decision is never reused across inputs the
// rule engine could tell apart. Subject attributes fetched from the resolver
// are not part of the key; the TTL bounds how long they may be stale.
func Key(flagID string, ctx ruleengine.EvaluationContext) string {
	h := murmur3.New128()
	// encoding/json sorts map keys, so equal attribute maps hash equally.
	attrs, err := json.Marshal(ctx.Attributes)
	if err != nil {
		// fmt prints maps in key order too.
		attrs = fmt.Appendf(nil, "%#v", ctx.Attributes)
	}
	h.Write([]byte(ctx.SubjectID))
	h.Write([]byte{0})
	h.Write([]byte(ctx.IP))
	h.Write([]byte{0})
	h.Write([]byte(ctx.UserAgent))
	h.Write([]byte{0})
	h.Write(attrs)

	return flagID + "|" + ruleengine.StableIdentifier(ctx) + "|" + hex.EncodeToString(h.Sum(nil))
}
