// Package rollout implements the gradual-rollout controller: a background
// state machine per flag that walks the rollout percentage through a list of
// checkpoints, gated by a health signal between steps.
package rollout

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a plan.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Active reports whether the plan still blocks a new plan for its flag.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

var (
	ErrInvalidPlan      = errors.New("invalid rollout plan")
	ErrActivePlan       = errors.New("flag already has an active rollout")
	ErrNoPlan           = errors.New("no active rollout for flag")
	ErrNotPaused        = errors.New("rollout is not paused")
	ErrControllerClosed = errors.New("rollout controller closed")
)

// Plan is an operator request to roll a flag out gradually.
type Plan struct {
	FlagID       string        `json:"flag_id"`
	Checkpoints  []int         `json:"checkpoints"`
	StepInterval time.Duration `json:"step_interval"`
	Actor        string        `json:"actor"`
	Reason       string        `json:"reason,omitempty"`
}

// validate checks the plan after defaults were applied.
func (p Plan) validate(minInterval time.Duration) error {
	if p.FlagID == "" {
		return fmt.Errorf("%w: flag id is required", ErrInvalidPlan)
	}
	if p.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidPlan)
	}
	if len(p.Checkpoints) == 0 {
		return fmt.Errorf("%w: at least one checkpoint is required", ErrInvalidPlan)
	}
	for i, c := range p.Checkpoints {
		if c < 0 || c > 100 {
			return fmt.Errorf("%w: checkpoint %d is out of range: %d", ErrInvalidPlan, i, c)
		}
		if i > 0 && c <= p.Checkpoints[i-1] {
			return fmt.Errorf("%w: checkpoints must be strictly increasing", ErrInvalidPlan)
		}
	}
	if p.StepInterval < minInterval {
		return fmt.Errorf("%w: step interval %s is below the minimum %s", ErrInvalidPlan, p.StepInterval, minInterval)
	}
	return nil
}

// Status is a point-in-time snapshot of a plan.
type Status struct {
	FlagID           string        `json:"flag_id"`
	Checkpoints      []int         `json:"checkpoints"`
	StepInterval     time.Duration `json:"step_interval"`
	State            State         `json:"state"`
	CurrentStepIndex int           `json:"current_step_index"`
	// CurrentApplied is true once checkpoints[CurrentStepIndex] was persisted.
	CurrentApplied bool      `json:"current_applied"`
	StartedBy      string    `json:"started_by"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// CurrentPercentage is the checkpoint the plan is at, or -1 before the first
// step was applied.
func (s Status) CurrentPercentage() int {
	if !s.CurrentApplied && s.CurrentStepIndex == 0 {
		return -1
	}
	if !s.CurrentApplied {
		return s.Checkpoints[s.CurrentStepIndex-1]
	}
	return s.Checkpoints[s.CurrentStepIndex]
}

func (s Status) clone() Status {
	s.Checkpoints = slices.Clone(s.Checkpoints)
	return s
}
