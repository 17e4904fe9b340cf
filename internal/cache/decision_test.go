package cache_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var on = ruleengine.Decision{Enabled: true, Reason: ruleengine.ReasonAllConditionsMet}

func newCache(t *testing.T, ttl time.Duration, clock *fakeClock) *cache.DecisionCache {
	t.Helper()
	c, err := cache.NewDecisionCache(1000, ttl, cache.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDecisionCache_GetPut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	_, ok := c.Get("k1")
	assert.False(t, ok)

	c.Put("k1", c.Generation(), on)
	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, on, got)
}

func TestDecisionCache_TTLIsLazy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	c.Put("k1", c.Generation(), on)

	clock.Advance(59 * time.Second)
	_, ok := c.Get("k1")
	assert.True(t, ok, "entry should still be fresh")

	clock.Advance(time.Second)
	_, ok = c.Get("k1")
	assert.False(t, ok, "entry at TTL age must be a miss")
}

func TestDecisionCache_InvalidateAll(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	for i := range 10 {
		c.Put(fmt.Sprintf("k%d", i), c.Generation(), on)
	}

	testsupport.AssertMetricDelta(t, "bifrost_decision_cache_invalidations_total", nil, 1, func() {
		c.InvalidateAll()
	})

	for i := range 10 {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
}

func TestDecisionCache_StaleGenerationIsRejected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	// An evaluation captured the generation, then a mutation invalidated
	// the cache before the evaluation stored its result.
	gen := c.Generation()
	c.InvalidateAll()
	c.Put("k1", gen, on)

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestDecisionCache_SkipsTransientDecisions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	c.Put("store", c.Generation(), ruleengine.Off(ruleengine.ReasonStoreUnavailable))
	c.Put("subject", c.Generation(), ruleengine.Off(ruleengine.ReasonSubjectUnavailable))
	c.Put("disabled", c.Generation(), ruleengine.Off(ruleengine.ReasonDisabled))

	_, ok := c.Get("store")
	assert.False(t, ok)
	_, ok = c.Get("subject")
	assert.False(t, ok)
	_, ok = c.Get("disabled")
	assert.True(t, ok)
}

func TestDecisionCache_RejectsNonPositiveTTL(t *testing.T) {
	_, err := cache.NewDecisionCache(10, 0)
	assert.Error(t, err)
}

func TestDecisionCache_ConcurrentInvalidation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; !stop.Load(); i++ {
				key := fmt.Sprintf("w%d-%d", id, i%50)
				c.Put(key, c.Generation(), on)
				c.Get(key)
			}
		}(w)
	}

	for range 100 {
		c.InvalidateAll()
	}
	stop.Store(true)
	wg.Wait()

	// Nothing written before the final invalidation survives it.
	gen := c.Generation()
	c.InvalidateAll()
	_, ok := c.Get("w0-0")
	assert.False(t, ok)
	assert.NotEqual(t, gen, c.Generation())
}

func TestDecisionCache_Metrics(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache(t, time.Minute, clock)

	t.Run("misses", func(t *testing.T) {
		testsupport.AssertMetricDelta(t, "bifrost_decision_cache_misses_total", nil, 1, func() {
			_, found := c.Get("non-existent-key")
			assert.False(t, found)
		})
	})

	t.Run("hits", func(t *testing.T) {
		c.Put("flag-1", c.Generation(), on)
		testsupport.AssertMetricDelta(t, "bifrost_decision_cache_hits_total", nil, 1, func() {
			_, found := c.Get("flag-1")
			assert.True(t, found)
		})
	})

	t.Run("reflects items usage", func(t *testing.T) {
		go c.RunMetricsCollector(t.Context(), 10*time.Millisecond)

		for i := range 5 {
			c.Put(fmt.Sprintf("usage-%d", i), c.Generation(), on)
		}

		require.Eventually(t, func() bool {
			return testsupport.GetMetricValue(t, "bifrost_decision_cache_items_count", nil) >= 5
		}, 2*time.Second, 50*time.Millisecond, "usage metric failed to update")
	})
}

func TestKey(t *testing.T) {
	t.Parallel()

	base := ruleengine.EvaluationContext{
		SubjectID:  "u-1",
		IP:         "10.0.0.1",
		Attributes: map[string]any{"plan": "pro", "country": "BR"},
	}

	tests := []struct {
		name     string
		a, b     ruleengine.EvaluationContext
		flagA    string
		flagB    string
		wantSame bool
	}{
		{
			name:     "Should match for identical inputs",
			a:        base,
			b:        ruleengine.EvaluationContext{SubjectID: "u-1", IP: "10.0.0.1", Attributes: map[string]any{"country": "BR", "plan": "pro"}},
			flagA:    "f1",
			flagB:    "f1",
			wantSame: true,
		},
		{
			name:     "Should ignore the timestamp",
			a:        base,
			b:        ruleengine.EvaluationContext{SubjectID: "u-1", IP: "10.0.0.1", Timestamp: time.Now(), Attributes: base.Attributes},
			flagA:    "f1",
			flagB:    "f1",
			wantSame: true,
		},
		{
			name:  "Should differ across flags",
			a:     base,
			b:     base,
			flagA: "f1",
			flagB: "f2",
		},
		{
			name:  "Should differ across subjects",
			a:     base,
			b:     ruleengine.EvaluationContext{SubjectID: "u-2", IP: "10.0.0.1", Attributes: base.Attributes},
			flagA: "f1",
			flagB: "f1",
		},
		{
			name:  "Should differ when an attribute changes",
			a:     base,
			b:     ruleengine.EvaluationContext{SubjectID: "u-1", IP: "10.0.0.1", Attributes: map[string]any{"plan": "free", "country": "BR"}},
			flagA: "f1",
			flagB: "f1",
		},
		{
			name:  "Should differ when the user agent changes",
			a:     base,
			b:     ruleengine.EvaluationContext{SubjectID: "u-1", IP: "10.0.0.1", UserAgent: "curl/8", Attributes: base.Attributes},
			flagA: "f1",
			flagB: "f1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := cache.Key(tt.flagA, tt.a)
			kb := cache.Key(tt.flagB, tt.b)
			if tt.wantSame {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}
}
