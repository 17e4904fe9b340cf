package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are defined globally here. The seed binary therefore
// registers control-plane series it never touches; they simply stay at zero.

// namespace defines the global prefix for all metrics (e.g., bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets defines custom buckets for the evaluation hot path.
// Standard buckets are too coarse (starting at 5ms), so we add sub-millisecond resolution.
// Range: 50us to 100ms.
var lowLatencyBuckets = []float64{.00005, .0001, .00025, .0005, .001, .002, .005, .010, .025, .050, .100}

var (
	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures the latency of HTTP requests.
	// Metric: bifrost_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in Control Plane",
		Buckets:   prometheus.DefBuckets, // Standard buckets are fine for Admin APIs (human speed)
	}, []string{"method", "route"})

	// ControlPlaneReqTotal counts the total number of HTTP requests.
	// Metric: bifrost_control_plane_http_requests_total
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in Control Plane",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// EVALUATION ENGINE
	// -------------------------------------------------------------------------

	// EvaluationsTotal counts decisions by reason code.
	// Metric: bifrost_engine_evaluations_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by decision reason",
	}, []string{"reason", "enabled"})

	// EvaluationDuration measures end-to-end Evaluate latency, cache included.
	// Metric: bifrost_engine_evaluation_seconds
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_seconds",
		Help:      "Time taken to evaluate a flag",
		Buckets:   lowLatencyBuckets,
	})

	// --- Decision Cache Metrics (Otter) ---

	DecisionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "hits_total",
		Help:      "Total decision cache hits",
	})

	DecisionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "misses_total",
		Help:      "Total decision cache misses, expired and stale-generation entries included",
	})

	// DecisionCacheEvictions tracks items removed due to capacity pressure.
	DecisionCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "evictions_total",
		Help:      "Total items evicted due to capacity pressure",
	})

	// Otter tracks item count efficiently, but not byte size.
	DecisionCacheUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "items_count",
		Help:      "Current number of items in the decision cache",
	})

	// DecisionCacheDropped tracks sets rejected by the cache.
	DecisionCacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "dropped_total",
		Help:      "Total sets rejected by the decision cache",
	})

	DecisionCacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision_cache",
		Name:      "invalidations_total",
		Help:      "Total full invalidations triggered by flag or segment mutations",
	})

	// -------------------------------------------------------------------------
	// ROLLOUT CONTROLLER
	// -------------------------------------------------------------------------

	// RolloutStepsTotal counts checkpoint applications.
	// Metric: bifrost_rollout_steps_total
	RolloutStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "steps_total",
		Help:      "Total rollout checkpoints applied",
	}, []string{"status"}) // success, fail

	// RolloutTransitionsTotal counts plans reaching a state.
	RolloutTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "transitions_total",
		Help:      "Total rollout plan state transitions",
	}, []string{"state"})

	// RolloutActivePlans is the number of Running or Paused plans.
	RolloutActivePlans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "active_plans",
		Help:      "Current number of running or paused rollout plans",
	})

	// RolloutHealthChecksTotal counts health-signal results.
	RolloutHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "health_checks_total",
		Help:      "Total rollout health checks by result",
	}, []string{"result"}) // healthy, unhealthy

	// -------------------------------------------------------------------------
	// DATABASE
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports pgxpool statistics by state.
	// Metric: bifrost_database_pool_connections
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "PostgreSQL connection pool connections by state",
	}, []string{"state"}) // total, idle, in_use, max

	// DatabasePoolAcquireCount counts successful connection acquisitions.
	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions from the pool",
	})

	// DatabasePoolAcquireDuration accumulates time spent acquiring connections.
	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Total time spent acquiring connections from the pool",
	})

	// DatabasePoolWaitCount counts acquisitions that had to wait for a free connection.
	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_empty_acquire_total",
		Help:      "Total acquisitions that waited because the pool was empty",
	})
)
