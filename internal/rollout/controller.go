package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// FlagWriter is the mutation surface the controller drives. flags.Service
// implements it.
type FlagWriter interface {
	ApplyRolloutStep(ctx context.Context, flagID string, percentage int, action audit.Action, actor, reason string) error
	RecordRolloutEvent(ctx context.Context, flagID string, action audit.Action, details any, actor, reason string) error
	Rollback(ctx context.Context, flagID, actor, reason string) (*ruleengine.FeatureFlag, error)
}

// HealthSignal reports whether it is safe to advance a rollout.
// An error counts as unhealthy.
type HealthSignal interface {
	IsHealthy(ctx context.Context, flagID string) (bool, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStepIntervals sets the interval used when a plan leaves it empty and
// the smallest interval a plan may request.
func WithStepIntervals(defaultInterval, minInterval time.Duration) Option {
	return func(c *Controller) {
		c.defaultInterval = defaultInterval
		c.minInterval = minInterval
	}
}

// WithHealthCheckTimeout bounds each health signal call.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(c *Controller) { c.checkTimeout = d }
}

const (
	defaultStepInterval = 5 * time.Minute
	defaultMinInterval  = time.Second
	defaultCheckTimeout = 5 * time.Second

	// finalizeTimeout bounds audit writes made after the run context is gone.
	finalizeTimeout = 10 * time.Second
)

// stopRequest is the cancellation cause of an operator cancel.
type stopRequest struct {
	actor  string
	reason string
}

func (r *stopRequest) Error() string { return "rollout cancelled by " + r.actor }

// run is the controller-side record of one plan.
//
// Lock order is r.mu before c.mu. The controller never takes r.mu while
// holding c.mu, so it reads active instead of the status.
type run struct {
	plan Plan

	// active is true from the moment the flag slot is reserved until the plan
	// completes, is cancelled or fails to start.
	active atomic.Bool

	mu sync.Mutex
	// pending is true while Start writes the first checkpoint; ready is
	// closed once that resolves either way.
	pending bool
	ready   chan struct{}
	status  Status
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func (r *run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.clone()
}

// visible returns the status of a run that finished starting.
func (r *run) visible() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return Status{}, false
	}
	return r.status.clone(), true
}

// Controller supervises rollout plans, at most one active plan per flag.
// Each running plan is driven by its own goroutine; its only suspension
// points are the inter-step wait and the health check, and both observe
// cancellation.
type Controller struct {
	logger *slog.Logger
	writer FlagWriter
	signal HealthSignal
	now    func() time.Time

	defaultInterval time.Duration
	minInterval     time.Duration
	checkTimeout    time.Duration

	root context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	// mu guards plans and closed. It is never held across a store write.
	mu     sync.Mutex
	plans  map[string]*run
	closed bool
}

// New creates a Controller. Call Close to stop every running plan.
func New(log *slog.Logger, writer FlagWriter, signal HealthSignal, opts ...Option) *Controller {
	validation.AssertNotNilInterface(writer, "flag writer")
	validation.AssertNotNilInterface(signal, "health signal")

	root, stop := context.WithCancelCause(context.Background())
	c := &Controller{
		logger:          logger.OrDefault(log),
		writer:          writer,
		signal:          signal,
		now:             time.Now,
		defaultInterval: defaultStepInterval,
		minInterval:     defaultMinInterval,
		checkTimeout:    defaultCheckTimeout,
		root:            root,
		stop:            stop,
		plans:           make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates p, applies its first checkpoint synchronously and hands
// the rest of the plan to a background goroutine. A flag with a running,
// paused or starting plan is rejected with ErrActivePlan. Only the flag's own
// slot is held during the first write; other flags are not blocked.
func (c *Controller) Start(ctx context.Context, p Plan) (Status, error) {
	if p.StepInterval == 0 {
		p.StepInterval = c.defaultInterval
	}
	p.Checkpoints = slices.Clone(p.Checkpoints)
	if err := p.validate(c.minInterval); err != nil {
		return Status{}, err
	}

	r := &run{
		plan:    p,
		pending: true,
		ready:   make(chan struct{}),
		status: Status{
			FlagID:       p.FlagID,
			Checkpoints:  p.Checkpoints,
			StepInterval: p.StepInterval,
			State:        StateRunning,
			StartedBy:    p.Actor,
		},
	}
	r.active.Store(true)

	prev, err := c.reserve(r)
	if err != nil {
		return Status{}, err
	}

	if err := c.writer.ApplyRolloutStep(ctx, p.FlagID, p.Checkpoints[0], audit.ActionGradualRolloutStarted, p.Actor, p.Reason); err != nil {
		observability.RolloutStepsTotal.WithLabelValues("fail").Inc()
		c.release(r, prev)
		return Status{}, fmt.Errorf("failed to apply first checkpoint: %w", err)
	}
	observability.RolloutStepsTotal.WithLabelValues("success").Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := c.now().UTC()
	r.pending = false
	r.status.CurrentApplied = true
	r.status.StartedAt = now
	r.status.UpdatedAt = now
	close(r.ready)

	observability.RolloutActivePlans.Inc()
	observability.RolloutTransitionsTotal.WithLabelValues(string(StateRunning)).Inc()
	c.logger.Info("gradual rollout started",
		slog.String("flag_id", p.FlagID),
		slog.Any("checkpoints", p.Checkpoints),
		slog.Duration("step_interval", p.StepInterval),
		slog.String("actor", p.Actor),
	)

	if !c.launch(r) {
		// Close ran while the first checkpoint was being written.
		c.pauseLocked(context.Background(), r, ErrControllerClosed)
	}
	return r.status.clone(), nil
}

// reserve claims the flag slot for r and returns the plan it replaces.
func (c *Controller) reserve(r *run) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrControllerClosed
	}
	prev, ok := c.plans[r.plan.FlagID]
	if ok && prev.active.Load() {
		return nil, fmt.Errorf("%w: %s", ErrActivePlan, r.plan.FlagID)
	}
	c.plans[r.plan.FlagID] = r
	return prev, nil
}

// release undoes reserve after a failed start, restoring prev when there was one.
func (c *Controller) release(r *run, prev *run) {
	c.mu.Lock()
	if c.plans[r.plan.FlagID] == r {
		if prev != nil {
			c.plans[r.plan.FlagID] = prev
		} else {
			delete(c.plans, r.plan.FlagID)
		}
	}
	c.mu.Unlock()

	r.active.Store(false)
	r.mu.Lock()
	close(r.ready)
	r.mu.Unlock()
}

func (c *Controller) lookup(flagID string) (*run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.plans[flagID]
	return r, ok
}

// Status returns the latest plan for a flag, terminal ones included.
func (c *Controller) Status(flagID string) (Status, error) {
	r, ok := c.lookup(flagID)
	if !ok {
		return Status{}, ErrNoPlan
	}
	st, ok := r.visible()
	if !ok {
		return Status{}, ErrNoPlan
	}
	return st, nil
}

// List returns the latest plan of every flag ordered by flag id.
func (c *Controller) List() []Status {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.plans))
	for _, id := range slices.Sorted(maps.Keys(c.plans)) {
		runs = append(runs, c.plans[id])
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		if st, ok := r.visible(); ok {
			out = append(out, st)
		}
	}
	return out
}

// Cancel stops an active plan. A running plan stops at its next suspension
// point and a starting plan first finishes its initial write; Cancel waits
// for either, or for ctx.
func (c *Controller) Cancel(ctx context.Context, flagID, actor, reason string) (Status, error) {
	for {
		r, ok := c.lookup(flagID)
		if !ok {
			return Status{}, ErrNoPlan
		}

		r.mu.Lock()
		switch {
		case r.pending:
			ready := r.ready
			r.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return Status{}, ctx.Err()
			}

		case r.status.State == StateRunning:
			cancel, done := r.cancel, r.done
			r.mu.Unlock()

			cancel(&stopRequest{actor: actor, reason: reason})
			select {
			case <-done:
			case <-ctx.Done():
				return r.snapshot(), ctx.Err()
			}
			// The goroutine may have paused or completed on its own before
			// seeing the request. Anything still active goes round again.
			if st := r.snapshot(); st.State == StateCancelled {
				return st, nil
			}

		case r.status.State == StatePaused:
			err := c.finishCancelled(ctx, r, actor, reason)
			status := r.status.clone()
			r.mu.Unlock()
			return status, err

		default:
			r.mu.Unlock()
			return Status{}, ErrNoPlan
		}
	}
}

// Resume restarts a paused plan. The current checkpoint is re-applied if it
// never committed; otherwise the plan waits one interval and re-checks health.
func (c *Controller) Resume(ctx context.Context, flagID, actor, reason string) (Status, error) {
	r, ok := c.lookup(flagID)
	if !ok {
		return Status{}, ErrNoPlan
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending || r.status.State != StatePaused {
		return Status{}, fmt.Errorf("%w: %s is %s", ErrNotPaused, flagID, r.status.State)
	}
	if actor == "" {
		return Status{}, fmt.Errorf("%w: actor is required", ErrInvalidPlan)
	}
	if c.isClosed() {
		return Status{}, ErrControllerClosed
	}
	if err := c.writer.RecordRolloutEvent(ctx, flagID, audit.ActionGradualRolloutResumed, r.status, actor, reason); err != nil {
		return Status{}, fmt.Errorf("failed to record resume: %w", err)
	}

	prevErr := r.status.LastError
	r.status.State = StateRunning
	r.status.LastError = ""
	r.status.UpdatedAt = c.now().UTC()
	if !c.launch(r) {
		r.status.State = StatePaused
		r.status.LastError = prevErr
		return Status{}, ErrControllerClosed
	}

	observability.RolloutTransitionsTotal.WithLabelValues(string(StateRunning)).Inc()
	c.logger.Info("gradual rollout resumed", slog.String("flag_id", flagID), slog.String("actor", actor))
	return r.status.clone(), nil
}

// EmergencyRollback cancels any active plan for the flag, then turns the
// flag off with a 0% rollout. A plan that stopped but whose cancel audit
// failed does not prevent the rollback.
func (c *Controller) EmergencyRollback(ctx context.Context, flagID, actor, reason string) (*ruleengine.FeatureFlag, error) {
	st, err := c.Cancel(ctx, flagID, actor, "emergency rollback: "+reason)
	switch {
	case err == nil, errors.Is(err, ErrNoPlan):
	case st.State == StateCancelled:
		c.logger.Error("proceeding with rollback after cancel audit failure",
			slog.String("flag_id", flagID),
			slog.String("error", err.Error()),
		)
	default:
		return nil, fmt.Errorf("failed to stop rollout: %w", err)
	}
	return c.writer.Rollback(ctx, flagID, actor, reason)
}

// Close stops every running plan and waits for their goroutines. Running
// plans end up Paused so an operator can resume them after a restart.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stop(ErrControllerClosed)
	c.wg.Wait()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// launch starts the goroutine for r and reports false once Close has begun.
// Callers hold r.mu; the goroutine is registered under c.mu so Close never
// races its wait.
func (c *Controller) launch(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	ctx, cancel := context.WithCancelCause(c.root)
	r.cancel = cancel
	r.done = make(chan struct{})

	c.wg.Add(1)
	go c.drive(ctx, r, cancel, r.done)
	return true
}

// drive walks the remaining checkpoints of r until it completes, pauses or
// is stopped.
func (c *Controller) drive(ctx context.Context, r *run, cancel context.CancelCauseFunc, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer cancel(nil)

	p := r.plan
	ctx, log := logger.With(ctx, c.logger, slog.String("flag_id", p.FlagID))

	for {
		st := r.snapshot()
		idx := st.CurrentStepIndex
		percentage := p.Checkpoints[idx]

		if !st.CurrentApplied {
			err := c.writer.ApplyRolloutStep(ctx, p.FlagID, percentage, audit.ActionRolloutUpdated, p.Actor, p.Reason)
			if ctx.Err() != nil {
				c.stopped(ctx, r)
				return
			}
			if err != nil {
				observability.RolloutStepsTotal.WithLabelValues("fail").Inc()
				c.pause(r, fmt.Errorf("failed to apply checkpoint %d%%: %w", percentage, err))
				return
			}
			observability.RolloutStepsTotal.WithLabelValues("success").Inc()
			r.mu.Lock()
			r.status.CurrentApplied = true
			r.status.UpdatedAt = c.now().UTC()
			r.mu.Unlock()
			log.Info("rollout checkpoint applied", slog.Int("percentage", percentage), slog.Int("step", idx))
		}

		timer := time.NewTimer(p.StepInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopped(ctx, r)
			return
		case <-timer.C:
		}

		healthy, err := c.checkHealth(ctx, p.FlagID)
		if ctx.Err() != nil {
			c.stopped(ctx, r)
			return
		}
		if !healthy {
			if err == nil {
				err = errors.New("health signal reported unhealthy")
			}
			c.pause(r, fmt.Errorf("health check failed at %d%%: %w", percentage, err))
			return
		}

		if idx == len(p.Checkpoints)-1 {
			c.complete(r)
			return
		}

		r.mu.Lock()
		r.status.CurrentStepIndex++
		r.status.CurrentApplied = false
		r.status.UpdatedAt = c.now().UTC()
		r.mu.Unlock()
	}
}

func (c *Controller) checkHealth(ctx context.Context, flagID string) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	healthy, err := c.signal.IsHealthy(checkCtx, flagID)
	if err != nil || !healthy {
		observability.RolloutHealthChecksTotal.WithLabelValues("unhealthy").Inc()
		return false, err
	}
	observability.RolloutHealthChecksTotal.WithLabelValues("healthy").Inc()
	return true, nil
}

// stopped finalizes a run whose context was cancelled: an operator cancel
// ends it as Cancelled, a controller shutdown leaves it Paused.
func (c *Controller) stopped(ctx context.Context, r *run) {
	var req *stopRequest
	if errors.As(context.Cause(ctx), &req) {
		auditCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		r.mu.Lock()
		defer r.mu.Unlock()
		_ = c.finishCancelled(auditCtx, r, req.actor, req.reason)
		return
	}
	c.pause(r, ErrControllerClosed)
}

// pause moves r to Paused and records why.
func (c *Controller) pause(r *run, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	c.pauseLocked(ctx, r, cause)
}

// pauseLocked is pause for callers holding r.mu.
func (c *Controller) pauseLocked(ctx context.Context, r *run, cause error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, finalizeTimeout)
		defer cancel()
	}

	r.status.State = StatePaused
	r.status.LastError = cause.Error()
	r.status.UpdatedAt = c.now().UTC()
	observability.RolloutTransitionsTotal.WithLabelValues(string(StatePaused)).Inc()

	c.logger.Warn("gradual rollout paused",
		slog.String("flag_id", r.plan.FlagID),
		slog.Int("step", r.status.CurrentStepIndex),
		slog.String("cause", cause.Error()),
	)
	c.record(ctx, r, audit.ActionGradualRolloutPaused, r.plan.Actor, cause.Error())
}

func (c *Controller) complete(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.State = StateCompleted
	r.status.UpdatedAt = c.now().UTC()
	r.active.Store(false)
	observability.RolloutTransitionsTotal.WithLabelValues(string(StateCompleted)).Inc()
	observability.RolloutActivePlans.Dec()

	c.logger.Info("gradual rollout completed", slog.String("flag_id", r.plan.FlagID))
	c.record(ctx, r, audit.ActionGradualRolloutCompleted, r.plan.Actor, r.plan.Reason)
}

// finishCancelled moves r to Cancelled. Callers hold r.mu.
func (c *Controller) finishCancelled(ctx context.Context, r *run, actor, reason string) error {
	r.status.State = StateCancelled
	r.status.UpdatedAt = c.now().UTC()
	r.active.Store(false)
	observability.RolloutTransitionsTotal.WithLabelValues(string(StateCancelled)).Inc()
	observability.RolloutActivePlans.Dec()

	c.logger.Info("gradual rollout cancelled",
		slog.String("flag_id", r.plan.FlagID),
		slog.String("actor", actor),
		slog.String("reason", reason),
	)
	return c.record(ctx, r, audit.ActionGradualRolloutCancelled, actor, reason)
}

// record appends a rollout event. The state change already happened, so a
// failed write is kept on the status instead of undoing it. Callers hold r.mu.
func (c *Controller) record(ctx context.Context, r *run, action audit.Action, actor, reason string) error {
	if actor == "" {
		actor = r.plan.Actor
	}
	err := c.writer.RecordRolloutEvent(ctx, r.plan.FlagID, action, r.status.clone(), actor, reason)
	if err != nil {
		c.logger.Error("failed to record rollout event",
			slog.String("flag_id", r.plan.FlagID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
		msg := "audit: " + err.Error()
		if r.status.LastError != "" {
			msg = r.status.LastError + "; " + msg
		}
		r.status.LastError = msg
	}
	return err
}
