package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides database and Redis config needed for all tests
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"BIFROST_DB_HOST":        "localhost",
		"BIFROST_DB_PORT":        "5432",
		"BIFROST_DB_NAME":        "bifrost_test",
		"BIFROST_DB_USER":        "test_user",
		"BIFROST_DB_PASSWORD":    "test_pass",
		"BIFROST_REDIS_HOST":     "localhost",
		"BIFROST_REDIS_PORT":     "6379",
		"BIFROST_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// with all required database, Redis, and control plane settings for production tests
func validProductionConfig() map[string]string {
	return map[string]string{
		// App
		"BIFROST_APP_ENV": "production",

		// Engine
		"BIFROST_ENGINE_STORE": "postgres",

		// Database
		"BIFROST_DB_HOST":     "prod-db.example.com",
		"BIFROST_DB_PORT":     "5432",
		"BIFROST_DB_NAME":     "bifrost_prod",
		"BIFROST_DB_USER":     "prod_user",
		"BIFROST_DB_PASSWORD": "SuperSecure123!",
		"BIFROST_DB_SSL_MODE": "require",

		// Redis
		"BIFROST_REDIS_HOST":        "prod-redis.example.com",
		"BIFROST_REDIS_PORT":        "6379",
		"BIFROST_REDIS_PASSWORD":    "RedisSecure123!",
		"BIFROST_REDIS_TLS_ENABLED": "true",

		// Control Plane
		"BIFROST_SERVER_CONTROL_TLS_ENABLED":   "true",
		"BIFROST_SERVER_CONTROL_TLS_CERT_FILE": "/certs/control-cert.pem",
		"BIFROST_SERVER_CONTROL_TLS_KEY_FILE":  "/certs/control-key.pem",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bifrost", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.Control.Port)
				assert.Equal(t, StoreMemory, cfg.Engine.Store)
				assert.Equal(t, SubjectSourceNone, cfg.Engine.SubjectSource)
				assert.True(t, cfg.Engine.CacheEnabled)
				assert.Equal(t, 60*time.Second, cfg.Engine.CacheTTL)
				assert.Equal(t, 5*time.Minute, cfg.Rollout.DefaultStepInterval)
				assert.Equal(t, HealthSignalReadiness, cfg.Rollout.HealthSignal)
			},
			wantErr: false,
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_NAME":             "test-app",
				"BIFROST_APP_VERSION":          "1.0.0",
				"BIFROST_APP_ENV":              "staging",
				"BIFROST_APP_LOG_LEVEL":        "debug",
				"BIFROST_APP_LOG_FORMAT":       "json",
				"BIFROST_APP_SHUTDOWN_TIMEOUT": "60s",
				"BIFROST_SERVER_CONTROL_PORT":  "9090",
				"BIFROST_ENGINE_STORE":         "postgres",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "9090", cfg.Server.Control.Port)
				assert.Equal(t, StorePostgres, cfg.Engine.Store)
			},
			wantErr: false,
		},
		{
			name: "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV": "invalid",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_LOG_LEVEL": "trace",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_LOG_FORMAT": "xml",
			}),
			wantErr: true,
		},
		{
			name: "Should pass validation in staging environment",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV": "staging",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "staging", cfg.App.Environment)
			},
			wantErr: false,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV":        "development",
				"BIFROST_DB_PASSWORD":    "", // Empty password OK in development
				"BIFROST_REDIS_PASSWORD": "", // Empty password OK in development
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup: Set environment variables for this test
			// t.Setenv automatically prevents parallel execution and cleans up after the test
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			// Execute
			cfg, err := Load()

			// Assert
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
