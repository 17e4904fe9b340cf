package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolloutConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "Should load a grpc health signal",
			envVars: map[string]string{
				"BIFROST_ROLLOUT_HEALTH_SIGNAL": "grpc",
				"BIFROST_ROLLOUT_GRPC_TARGET":   "canary-monitor:50051",
				"BIFROST_ROLLOUT_GRPC_SERVICE":  "rollout.{flag}",
			},
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, HealthSignalGRPC, cfg.Rollout.HealthSignal)
				assert.Equal(t, "canary-monitor:50051", cfg.Rollout.GRPCTarget)
				assert.Equal(t, "rollout.{flag}", cfg.Rollout.GRPCService)
			},
		},
		{
			name: "Should require a target for the grpc health signal",
			envVars: map[string]string{
				"BIFROST_ROLLOUT_HEALTH_SIGNAL": "grpc",
			},
			wantErr: true,
		},
		{
			name: "Should fail validation on an unknown health signal",
			envVars: map[string]string{
				"BIFROST_ROLLOUT_HEALTH_SIGNAL": "datadog",
			},
			wantErr: true,
		},
		{
			name: "Should fail validation when the default interval is below the minimum",
			envVars: map[string]string{
				"BIFROST_ROLLOUT_DEFAULT_STEP_INTERVAL": "1s",
				"BIFROST_ROLLOUT_MIN_STEP_INTERVAL":     "10s",
			},
			wantErr: true,
		},
		{
			name: "Should fail validation on a zero health check timeout",
			envVars: map[string]string{
				"BIFROST_ROLLOUT_HEALTH_CHECK_TIMEOUT": "0s",
			},
			wantErr: true,
		},
		{
			name:    "Should use rollout defaults",
			envVars: map[string]string{},
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Minute, cfg.Rollout.DefaultStepInterval)
				assert.Equal(t, time.Second, cfg.Rollout.MinStepInterval)
				assert.Equal(t, 5*time.Second, cfg.Rollout.HealthCheckTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}
