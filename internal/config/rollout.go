package config

import (
	"fmt"
	"time"
)

// Health signals selectable through BIFROST_ROLLOUT_HEALTH_SIGNAL.
const (
	// HealthSignalReadiness gates rollouts on the service's own readiness checks.
	HealthSignalReadiness = "readiness"
	// HealthSignalGRPC gates rollouts on a remote grpc.health.v1 endpoint.
	HealthSignalGRPC = "grpc"
)

// RolloutConfig configures the gradual rollout controller.
type RolloutConfig struct {
	// DefaultStepInterval applies when a start request omits the interval.
	DefaultStepInterval time.Duration `envconfig:"DEFAULT_STEP_INTERVAL" default:"5m"`

	// MinStepInterval rejects plans that would advance faster than this.
	MinStepInterval time.Duration `envconfig:"MIN_STEP_INTERVAL" default:"1s"`

	// HealthCheckTimeout bounds a single health signal query.
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	HealthSignal string `envconfig:"HEALTH_SIGNAL" default:"readiness" validate:"oneof=readiness grpc"`

	// GRPCTarget is the dial target of the grpc.health.v1 server (host:port).
	GRPCTarget string `envconfig:"GRPC_TARGET"`

	// GRPCService is the service name sent in HealthCheckRequest.
	// Empty asks for the server's overall health. "{flag}" is replaced by the flag id.
	GRPCService string `envconfig:"GRPC_SERVICE"`
}

// Validate checks RolloutConfig fields for correctness.
func (r *RolloutConfig) Validate() error {
	if r.MinStepInterval <= 0 {
		return fmt.Errorf("rollout min step interval must be positive")
	}
	if r.DefaultStepInterval < r.MinStepInterval {
		return fmt.Errorf("rollout default step interval (%s) cannot be below the minimum (%s)", r.DefaultStepInterval, r.MinStepInterval)
	}
	if r.HealthCheckTimeout <= 0 {
		return fmt.Errorf("rollout health check timeout must be positive")
	}
	if r.HealthSignal == HealthSignalGRPC {
		if err := validateNoWhitespace(r.GRPCTarget, "rollout grpc target"); err != nil {
			return err
		}
	}
	return nil
}
