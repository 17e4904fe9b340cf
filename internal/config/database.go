package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// maxPostgresIdentifierLen is NAMEDATALEN-1.
const maxPostgresIdentifierLen = 63

var secureSSLModes = []string{"require", "verify-ca", "verify-full"}

// DatabaseConfig holds the PostgreSQL endpoint used by the postgres store
// backend. Set either URL or the individual components.
type DatabaseConfig struct {
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`

	SSLMode string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// PoolMonitorInterval is how often pool statistics are exported as metrics.
	PoolMonitorInterval time.Duration `envconfig:"POOL_MONITOR_INTERVAL" default:"15s"`
}

// ConnectionString returns URL when set, otherwise a postgres:// DSN built
// from the components.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return dsn.String()
}

// IsConfigured reports whether enough is set to attempt a connection.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}

// Validate checks the endpoint and pool settings. Production requires a
// strong password and a verifying SSL mode.
func (c *DatabaseConfig) Validate(environment string) error {
	var err error
	if c.URL != "" {
		err = c.validateURL(environment)
	} else {
		err = c.validateComponents(environment)
	}
	if err != nil {
		return err
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("database min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *DatabaseConfig) validateComponents(environment string) error {
	if err := validateHost(c.Host, "database"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "database"); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.Name, "database name"); err != nil {
		return err
	}
	if len(c.Name) > maxPostgresIdentifierLen {
		return fmt.Errorf("database name cannot exceed %d characters", maxPostgresIdentifierLen)
	}
	if err := validateNoWhitespace(c.User, "database user"); err != nil {
		return err
	}
	if environment != EnvironmentProduction {
		return nil
	}
	if err := requireProductionPassword(c.Password, "database"); err != nil {
		return err
	}
	if !slices.Contains(secureSSLModes, c.SSLMode) {
		return fmt.Errorf("database SSL mode must be one of %v in production environment", secureSSLModes)
	}
	return nil
}

func (c *DatabaseConfig) validateURL(environment string) error {
	parsed, err := parseAndValidateURL(c.URL, []string{"postgres", "postgresql"})
	if err != nil {
		return fmt.Errorf("invalid database URL: %w", err)
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return errors.New("invalid database URL: user is required")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return errors.New("invalid database URL: database name is required in the path")
	}
	if environment == EnvironmentProduction {
		if mode := parsed.Query().Get("sslmode"); !slices.Contains(secureSSLModes, mode) {
			return fmt.Errorf("database URL sslmode must be one of %v in production environment, got %q", secureSSLModes, mode)
		}
	}
	return nil
}
