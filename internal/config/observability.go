package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig configures the admin listener that serves probes and
// Prometheus metrics apart from the control API.
type ObservabilityConfig struct {
	// Host is empty to listen on every interface.
	Host string `envconfig:"HOST"`
	Port string `envconfig:"PORT" default:"9090"`

	// Timeout applies to reads, writes and (tripled) idle connections.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/healthz"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/readyz"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Validate checks the port and that the three endpoint paths are absolute
// and distinct.
func (o *ObservabilityConfig) Validate() error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}

	seen := make(map[string]string, 3)
	for _, p := range []struct{ name, path string }{
		{"liveness", o.LivenessPath},
		{"readiness", o.ReadinessPath},
		{"metrics", o.MetricsPath},
	} {
		if !strings.HasPrefix(p.path, "/") {
			return fmt.Errorf("observability %s path must start with '/', got %q", p.name, p.path)
		}
		if other, ok := seen[p.path]; ok {
			return fmt.Errorf("observability %s path %q collides with the %s path", p.name, p.path, other)
		}
		seen[p.path] = p.name
	}
	return nil
}
