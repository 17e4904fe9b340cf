package rollout_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/audit"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/rollout"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

const (
	tick    = 5 * time.Millisecond
	waitFor = 2 * time.Second
)

var alwaysHealthy = rollout.SignalFunc(func(context.Context, string) (bool, error) { return true, nil })

// setup returns a service holding an enabled flag at 0% and a controller
// driving it with fast intervals.
func setup(t *testing.T, signal rollout.HealthSignal) (*flags.Service, *rollout.Controller) {
	t.Helper()
	ctx := context.Background()

	svc, err := flags.New(ctx, nil, store.NewMemoryStore())
	require.NoError(t, err)
	_, err = svc.CreateFlag(ctx, flags.FlagInput{ID: "checkout-v2", Enabled: true}, "alice", "")
	require.NoError(t, err)

	ctrl := rollout.New(nil, svc, signal, rollout.WithStepIntervals(tick, time.Millisecond))
	t.Cleanup(ctrl.Close)
	return svc, ctrl
}

func plan(checkpoints ...int) rollout.Plan {
	return rollout.Plan{FlagID: "checkout-v2", Checkpoints: checkpoints, StepInterval: tick, Actor: "alice", Reason: "ramp"}
}

func waitForState(t *testing.T, ctrl *rollout.Controller, state rollout.State) rollout.Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := ctrl.Status("checkout-v2")
		return err == nil && st.State == state
	}, waitFor, time.Millisecond)
	st, _ := ctrl.Status("checkout-v2")
	return st
}

func auditActions(t *testing.T, svc *flags.Service) []audit.Action {
	t.Helper()
	entries, err := svc.AuditLog(context.Background(), "checkout-v2", 0)
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func percentage(t *testing.T, svc *flags.Service) int {
	t.Helper()
	f, err := svc.GetFlag(context.Background(), "checkout-v2")
	require.NoError(t, err)
	return f.RolloutPercentage
}

func TestController_CompletesHealthyPlan(t *testing.T) {
	svc, ctrl := setup(t, alwaysHealthy)

	testsupport.AssertMetricDelta(t, "bifrost_rollout_transitions_total", map[string]string{"state": "running"}, 1, func() {
		st, err := ctrl.Start(context.Background(), plan(10, 50, 100))
		require.NoError(t, err)
		assert.Equal(t, rollout.StateRunning, st.State)
		assert.Equal(t, 10, st.CurrentPercentage())
	})

	st := waitForState(t, ctrl, rollout.StateCompleted)
	assert.Equal(t, 100, st.CurrentPercentage())
	assert.Equal(t, "alice", st.StartedBy)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 100, percentage(t, svc))

	assert.Equal(t, []audit.Action{
		audit.ActionCreated,
		audit.ActionGradualRolloutStarted,
		audit.ActionRolloutUpdated,
		audit.ActionRolloutUpdated,
		audit.ActionGradualRolloutCompleted,
	}, auditActions(t, svc))
}

func TestController_PausesOnUnhealthySignal(t *testing.T) {
	var checks atomic.Int32
	var recovered atomic.Bool
	signal := rollout.SignalFunc(func(context.Context, string) (bool, error) {
		n := checks.Add(1)
		return n == 1 || recovered.Load(), nil
	})
	svc, ctrl := setup(t, signal)

	_, err := ctrl.Start(context.Background(), plan(10, 50, 100))
	require.NoError(t, err)

	st := waitForState(t, ctrl, rollout.StatePaused)
	assert.Equal(t, 50, st.CurrentPercentage())
	assert.Contains(t, st.LastError, "health check failed at 50%")
	assert.Equal(t, 50, percentage(t, svc), "a paused plan holds its percentage")
	assert.Contains(t, auditActions(t, svc), audit.ActionGradualRolloutPaused)

	t.Run("Should reject a second plan while paused", func(t *testing.T) {
		_, err := ctrl.Start(context.Background(), plan(60))
		assert.ErrorIs(t, err, rollout.ErrActivePlan)
	})

	t.Run("Should continue from the held checkpoint after resume", func(t *testing.T) {
		recovered.Store(true)
		st, err := ctrl.Resume(context.Background(), "checkout-v2", "bob", "metrics recovered")
		require.NoError(t, err)
		assert.Equal(t, rollout.StateRunning, st.State)
		assert.Empty(t, st.LastError)

		waitForState(t, ctrl, rollout.StateCompleted)
		assert.Equal(t, 100, percentage(t, svc))
		assert.Contains(t, auditActions(t, svc), audit.ActionGradualRolloutResumed)
	})
}

func TestController_HealthErrorsPause(t *testing.T) {
	signal := rollout.SignalFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("error rate 7%")
	})
	_, ctrl := setup(t, signal)

	_, err := ctrl.Start(context.Background(), plan(25, 100))
	require.NoError(t, err)

	st := waitForState(t, ctrl, rollout.StatePaused)
	assert.Equal(t, 25, st.CurrentPercentage())
	assert.Contains(t, st.LastError, "error rate 7%")
}

func TestController_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("Should stop a running plan at its current checkpoint", func(t *testing.T) {
		svc, ctrl := setup(t, alwaysHealthy)
		p := plan(10, 100)
		p.StepInterval = time.Hour

		_, err := ctrl.Start(ctx, p)
		require.NoError(t, err)

		st, err := ctrl.Cancel(ctx, "checkout-v2", "bob", "wrong week")
		require.NoError(t, err)
		assert.Equal(t, rollout.StateCancelled, st.State)
		assert.Equal(t, 10, percentage(t, svc))

		actions := auditActions(t, svc)
		assert.Equal(t, audit.ActionGradualRolloutCancelled, actions[len(actions)-1])

		_, err = ctrl.Start(ctx, plan(50))
		assert.NoError(t, err, "a cancelled plan no longer blocks the flag")
	})

	t.Run("Should cancel a paused plan", func(t *testing.T) {
		unhealthy := rollout.SignalFunc(func(context.Context, string) (bool, error) { return false, nil })
		_, ctrl := setup(t, unhealthy)

		_, err := ctrl.Start(ctx, plan(10, 100))
		require.NoError(t, err)
		waitForState(t, ctrl, rollout.StatePaused)

		st, err := ctrl.Cancel(ctx, "checkout-v2", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, rollout.StateCancelled, st.State)
	})

	t.Run("Should report missing and finished plans", func(t *testing.T) {
		_, ctrl := setup(t, alwaysHealthy)

		_, err := ctrl.Cancel(ctx, "checkout-v2", "bob", "")
		assert.ErrorIs(t, err, rollout.ErrNoPlan)

		_, err = ctrl.Start(ctx, plan(100))
		require.NoError(t, err)
		waitForState(t, ctrl, rollout.StateCompleted)

		_, err = ctrl.Cancel(ctx, "checkout-v2", "bob", "")
		assert.ErrorIs(t, err, rollout.ErrNoPlan)
	})
}

func TestController_RejectsInvalidPlans(t *testing.T) {
	svc, err := flags.New(context.Background(), nil, store.NewMemoryStore())
	require.NoError(t, err)
	_, err = svc.CreateFlag(context.Background(), flags.FlagInput{ID: "checkout-v2"}, "alice", "")
	require.NoError(t, err)

	ctrl := rollout.New(nil, svc, alwaysHealthy, rollout.WithStepIntervals(time.Minute, time.Second))
	t.Cleanup(ctrl.Close)

	tests := []struct {
		name    string
		mutate  func(p *rollout.Plan)
		wantErr error
	}{
		{"Should require an actor", func(p *rollout.Plan) { p.Actor = "" }, rollout.ErrInvalidPlan},
		{"Should require checkpoints", func(p *rollout.Plan) { p.Checkpoints = nil }, rollout.ErrInvalidPlan},
		{"Should reject non increasing checkpoints", func(p *rollout.Plan) { p.Checkpoints = []int{10, 10, 50} }, rollout.ErrInvalidPlan},
		{"Should reject checkpoints above 100", func(p *rollout.Plan) { p.Checkpoints = []int{50, 150} }, rollout.ErrInvalidPlan},
		{"Should reject negative checkpoints", func(p *rollout.Plan) { p.Checkpoints = []int{-1, 10} }, rollout.ErrInvalidPlan},
		{"Should reject intervals below the minimum", func(p *rollout.Plan) { p.StepInterval = 10 * time.Millisecond }, rollout.ErrInvalidPlan},
		{"Should fail for unknown flags", func(p *rollout.Plan) { p.FlagID = "ghost" }, flags.ErrFlagNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := plan(10, 50)
			p.StepInterval = time.Minute
			tt.mutate(&p)

			_, err := ctrl.Start(context.Background(), p)
			assert.ErrorIs(t, err, tt.wantErr)
			_, err = ctrl.Status(p.FlagID)
			assert.ErrorIs(t, err, rollout.ErrNoPlan, "rejected plans are not registered")
		})
	}

	t.Run("Should apply the default interval", func(t *testing.T) {
		p := plan(10, 50)
		p.StepInterval = 0

		st, err := ctrl.Start(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, st.StepInterval)
	})
}

func TestController_Resume(t *testing.T) {
	_, ctrl := setup(t, alwaysHealthy)
	ctx := context.Background()

	_, err := ctrl.Resume(ctx, "checkout-v2", "bob", "")
	assert.ErrorIs(t, err, rollout.ErrNoPlan)

	p := plan(10, 100)
	p.StepInterval = time.Hour
	_, err = ctrl.Start(ctx, p)
	require.NoError(t, err)

	_, err = ctrl.Resume(ctx, "checkout-v2", "bob", "")
	assert.ErrorIs(t, err, rollout.ErrNotPaused)
}

func TestController_EmergencyRollback(t *testing.T) {
	var checks atomic.Int32
	signal := rollout.SignalFunc(func(ctx context.Context, _ string) (bool, error) {
		if checks.Add(1) == 1 {
			return true, nil
		}
		<-ctx.Done()
		return false, ctx.Err()
	})
	svc, ctrl := setup(t, signal)
	ctx := context.Background()

	_, err := ctrl.Start(ctx, plan(20, 80, 100))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return percentage(t, svc) == 80 }, waitFor, time.Millisecond)

	f, err := ctrl.EmergencyRollback(ctx, "checkout-v2", "oncall", "checkout errors")
	require.NoError(t, err)
	assert.False(t, f.Enabled)
	assert.Zero(t, f.RolloutPercentage)

	st, err := ctrl.Status("checkout-v2")
	require.NoError(t, err)
	assert.Equal(t, rollout.StateCancelled, st.State)

	d := svc.Evaluate(ctx, "checkout-v2", ruleengine.EvaluationContext{SubjectID: "u1"})
	assert.Equal(t, ruleengine.Off(ruleengine.ReasonDisabled), d)

	actions := auditActions(t, svc)
	assert.Equal(t, []audit.Action{audit.ActionGradualRolloutCancelled, audit.ActionEmergencyRollback}, actions[len(actions)-2:])

	t.Run("Should roll back flags without a plan", func(t *testing.T) {
		_, err := svc.CreateFlag(ctx, flags.FlagInput{ID: "search-v3", Enabled: true, RolloutPercentage: 100}, "alice", "")
		require.NoError(t, err)

		f, err := ctrl.EmergencyRollback(ctx, "search-v3", "oncall", "")
		require.NoError(t, err)
		assert.False(t, f.Enabled)
	})

	t.Run("Should fail for unknown flags", func(t *testing.T) {
		_, err := ctrl.EmergencyRollback(ctx, "ghost", "oncall", "")
		assert.ErrorIs(t, err, flags.ErrFlagNotFound)
	})
}

func TestController_ClosePausesRunningPlans(t *testing.T) {
	svc, ctrl := setup(t, alwaysHealthy)
	ctx := context.Background()

	p := plan(10, 100)
	p.StepInterval = time.Hour
	_, err := ctrl.Start(ctx, p)
	require.NoError(t, err)

	ctrl.Close()

	st, err := ctrl.Status("checkout-v2")
	require.NoError(t, err)
	assert.Equal(t, rollout.StatePaused, st.State)
	assert.Contains(t, st.LastError, rollout.ErrControllerClosed.Error())
	assert.Contains(t, auditActions(t, svc), audit.ActionGradualRolloutPaused)

	_, err = ctrl.Start(ctx, plan(10))
	assert.ErrorIs(t, err, rollout.ErrControllerClosed)
	_, err = ctrl.Resume(ctx, "checkout-v2", "bob", "")
	assert.ErrorIs(t, err, rollout.ErrControllerClosed)
}

func TestController_List(t *testing.T) {
	svc, ctrl := setup(t, alwaysHealthy)
	ctx := context.Background()

	_, err := svc.CreateFlag(ctx, flags.FlagInput{ID: "a-flag", Enabled: true}, "alice", "")
	require.NoError(t, err)

	for _, id := range []string{"checkout-v2", "a-flag"} {
		p := plan(10, 100)
		p.FlagID = id
		p.StepInterval = time.Hour
		_, err := ctrl.Start(ctx, p)
		require.NoError(t, err)
	}

	list := ctrl.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-flag", list[0].FlagID)
	assert.Equal(t, "checkout-v2", list[1].FlagID)
}

// faultyWriter wraps a flags.Service and lets a test fail or stall writes.
type faultyWriter struct {
	*flags.Service
	beforeStep  func(flagID string, percentage int) error
	beforeEvent func(action audit.Action) error
}

func (w *faultyWriter) ApplyRolloutStep(ctx context.Context, flagID string, percentage int, action audit.Action, actor, reason string) error {
	if w.beforeStep != nil {
		if err := w.beforeStep(flagID, percentage); err != nil {
			return err
		}
	}
	return w.Service.ApplyRolloutStep(ctx, flagID, percentage, action, actor, reason)
}

func (w *faultyWriter) RecordRolloutEvent(ctx context.Context, flagID string, action audit.Action, details any, actor, reason string) error {
	if w.beforeEvent != nil {
		if err := w.beforeEvent(action); err != nil {
			return err
		}
	}
	return w.Service.RecordRolloutEvent(ctx, flagID, action, details, actor, reason)
}

// setupFaulty is setup with a controller that writes through w.
func setupFaulty(t *testing.T, w *faultyWriter, signal rollout.HealthSignal) (*flags.Service, *rollout.Controller) {
	t.Helper()
	svc, _ := setup(t, signal)
	w.Service = svc

	ctrl := rollout.New(nil, w, signal, rollout.WithStepIntervals(tick, time.Millisecond))
	t.Cleanup(ctrl.Close)
	return svc, ctrl
}

var errLedger = errors.New("ledger unavailable")

func TestController_WriteFailures(t *testing.T) {
	t.Run("Should pause and hold the last checkpoint when a step fails", func(t *testing.T) {
		w := &faultyWriter{beforeStep: func(_ string, percentage int) error {
			if percentage == 50 {
				return errLedger
			}
			return nil
		}}
		svc, ctrl := setupFaulty(t, w, alwaysHealthy)

		testsupport.AssertMetricDelta(t, "bifrost_rollout_steps_total", map[string]string{"status": "fail"}, 1, func() {
			_, err := ctrl.Start(context.Background(), plan(10, 50, 100))
			require.NoError(t, err)
			waitForState(t, ctrl, rollout.StatePaused)
		})

		st, err := ctrl.Status("checkout-v2")
		require.NoError(t, err)
		assert.Contains(t, st.LastError, "failed to apply checkpoint 50%")
		assert.Contains(t, st.LastError, errLedger.Error())
		assert.False(t, st.CurrentApplied)
		assert.Equal(t, 10, st.CurrentPercentage())
		assert.Equal(t, 10, percentage(t, svc))
		assert.Contains(t, auditActions(t, svc), audit.ActionGradualRolloutPaused)
	})

	t.Run("Should keep the completed state when its audit write fails", func(t *testing.T) {
		w := &faultyWriter{beforeEvent: func(action audit.Action) error {
			if action == audit.ActionGradualRolloutCompleted {
				return errLedger
			}
			return nil
		}}
		svc, ctrl := setupFaulty(t, w, alwaysHealthy)

		_, err := ctrl.Start(context.Background(), plan(10, 100))
		require.NoError(t, err)

		st := waitForState(t, ctrl, rollout.StateCompleted)
		assert.Equal(t, "audit: "+errLedger.Error(), st.LastError)
		assert.Equal(t, 100, percentage(t, svc))
		assert.NotContains(t, auditActions(t, svc), audit.ActionGradualRolloutCompleted)
	})

	t.Run("Should free the flag when the first checkpoint fails", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		w := &faultyWriter{beforeStep: func(string, int) error {
			if fail.Load() {
				return errLedger
			}
			return nil
		}}
		_, ctrl := setupFaulty(t, w, alwaysHealthy)
		ctx := context.Background()

		_, err := ctrl.Start(ctx, plan(10, 100))
		assert.ErrorIs(t, err, errLedger)
		_, err = ctrl.Status("checkout-v2")
		assert.ErrorIs(t, err, rollout.ErrNoPlan)

		fail.Store(false)
		st, err := ctrl.Start(ctx, plan(10, 100))
		require.NoError(t, err)
		assert.Equal(t, rollout.StateRunning, st.State)
	})
}

func TestController_SlowStartDoesNotBlockOtherFlags(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	w := &faultyWriter{beforeStep: func(flagID string, _ int) error {
		if flagID == "slow-flag" {
			once.Do(func() { close(entered) })
			<-gate
		}
		return nil
	}}
	svc, ctrl := setupFaulty(t, w, alwaysHealthy)
	ctx := context.Background()

	_, err := svc.CreateFlag(ctx, flags.FlagInput{ID: "slow-flag", Enabled: true}, "alice", "")
	require.NoError(t, err)

	slow := plan(10, 100)
	slow.FlagID = "slow-flag"
	slow.StepInterval = time.Hour

	type result struct {
		st  rollout.Status
		err error
	}
	started := make(chan result, 1)
	go func() {
		st, err := ctrl.Start(ctx, slow)
		started <- result{st, err}
	}()
	<-entered

	others := make(chan struct{})
	go func() {
		defer close(others)

		p := plan(10, 100)
		p.StepInterval = time.Hour
		_, err := ctrl.Start(ctx, p)
		assert.NoError(t, err)

		_, err = ctrl.Status("checkout-v2")
		assert.NoError(t, err)
		assert.Len(t, ctrl.List(), 1, "a starting plan is not listed")

		_, err = ctrl.Status("slow-flag")
		assert.ErrorIs(t, err, rollout.ErrNoPlan)
		_, err = ctrl.Start(ctx, slow)
		assert.ErrorIs(t, err, rollout.ErrActivePlan)

		f, err := ctrl.EmergencyRollback(ctx, "checkout-v2", "oncall", "errors")
		if assert.NoError(t, err) {
			assert.False(t, f.Enabled)
		}
	}()

	select {
	case <-others:
	case <-time.After(waitFor):
		close(gate)
		t.Fatal("operations on another flag waited for a slow start")
	}

	close(gate)
	res := <-started
	require.NoError(t, res.err)
	assert.Equal(t, rollout.StateRunning, res.st.State)
	assert.Equal(t, 10, percentage(t, svc))

	st, err := ctrl.Status("slow-flag")
	require.NoError(t, err)
	assert.Equal(t, rollout.StateRunning, st.State)
}

func TestController_EmergencyRollbackSurvivesCancelAuditFailure(t *testing.T) {
	tests := []struct {
		name   string
		signal rollout.HealthSignal
		state  rollout.State
	}{
		{
			name:   "Should roll back a running plan",
			signal: alwaysHealthy,
			state:  rollout.StateRunning,
		},
		{
			name:   "Should roll back a paused plan",
			signal: rollout.SignalFunc(func(context.Context, string) (bool, error) { return false, nil }),
			state:  rollout.StatePaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &faultyWriter{beforeEvent: func(action audit.Action) error {
				if action == audit.ActionGradualRolloutCancelled {
					return errLedger
				}
				return nil
			}}
			svc, ctrl := setupFaulty(t, w, tt.signal)
			ctx := context.Background()

			p := plan(10, 100)
			if tt.state == rollout.StateRunning {
				p.StepInterval = time.Hour
			}
			_, err := ctrl.Start(ctx, p)
			require.NoError(t, err)
			waitForState(t, ctrl, tt.state)

			f, err := ctrl.EmergencyRollback(ctx, "checkout-v2", "oncall", "checkout errors")
			require.NoError(t, err)
			assert.False(t, f.Enabled)
			assert.Zero(t, f.RolloutPercentage)

			st, err := ctrl.Status("checkout-v2")
			require.NoError(t, err)
			assert.Equal(t, rollout.StateCancelled, st.State)
			assert.Contains(t, st.LastError, "audit: "+errLedger.Error())

			actions := auditActions(t, svc)
			assert.Equal(t, audit.ActionEmergencyRollback, actions[len(actions)-1])
			assert.NotContains(t, actions, audit.ActionGradualRolloutCancelled)
		})
	}
}
