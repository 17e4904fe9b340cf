//go:build integration

package observability_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/platform"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

// readiness fetches the readiness endpoint and decodes the component map.
func readiness(t *testing.T, url string) (int, map[string]string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status map[string]string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body.Status
}

func TestObservabilityServer_Integration(t *testing.T) {
	ctx := context.Background()

	pgCtr, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer pgCtr.Terminate(ctx)

	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	host, port, err := net.SplitHostPort(redisCtr.Client.Options().Addr)
	require.NoError(t, err)

	// The checkers come from the same wiring the control plane uses.
	infra, err := platform.Open(ctx, nil, &config.Config{
		Engine: config.EngineConfig{Store: config.StorePostgres, SubjectSource: config.SubjectSourceRedis},
		Database: config.DatabaseConfig{
			URL:            pgCtr.ConnectionString,
			MaxConns:       2,
			ConnectTimeout: 5 * time.Second,
			PingMaxRetries: 3,
			PingBackoff:    200 * time.Millisecond,
		},
		Redis: config.RedisConfig{
			Host:           host,
			Port:           port,
			PoolSize:       2,
			DialTimeout:    time.Second,
			ReadTimeout:    time.Second,
			WriteTimeout:   time.Second,
			PingMaxRetries: 3,
			PingBackoff:    200 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer infra.Close()
	require.Len(t, infra.Checkers, 2)

	freePort, err := getFreePort()
	require.NoError(t, err)

	// Non-default paths prove the server honours its configuration.
	cfg := &config.ObservabilityConfig{
		Host:          "127.0.0.1",
		Port:          strconv.Itoa(freePort),
		Timeout:       time.Second,
		LivenessPath:  "/alive",
		ReadinessPath: "/check-deps",
		MetricsPath:   "/telemetry",
	}
	server := observability.NewServer(nil, cfg, infra.Checkers...)
	server.Start()
	defer func() { _ = server.Shutdown(ctx) }()

	baseURL := "http://" + net.JoinHostPort(cfg.Host, cfg.Port)

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + cfg.LivenessPath)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 100*time.Millisecond, "observability server failed to start")

	t.Run("Should answer liveness on the configured path", func(t *testing.T) {
		resp, err := http.Get(baseURL + cfg.LivenessPath)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", string(body))
	})

	t.Run("Should expose bifrost metrics on the configured path", func(t *testing.T) {
		resp, err := http.Get(baseURL + cfg.MetricsPath)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "go_goroutines")
		assert.Contains(t, string(body), "bifrost_")
	})

	t.Run("Should be ready when postgres and redis are healthy", func(t *testing.T) {
		code, status := readiness(t, baseURL+cfg.ReadinessPath)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, map[string]string{"postgres": "up", "redis": "up"}, status)
	})

	t.Run("Should report postgres down when the schema is missing", func(t *testing.T) {
		_, err := pgCtr.DB.Exec(ctx, `ALTER TABLE segments RENAME TO segments_moved`)
		require.NoError(t, err)
		defer func() {
			_, err := pgCtr.DB.Exec(ctx, `ALTER TABLE segments_moved RENAME TO segments`)
			require.NoError(t, err)
		}()

		code, status := readiness(t, baseURL+cfg.ReadinessPath)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, status["postgres"], "down: postgres schema check failed")
		assert.Equal(t, "up", status["redis"])
	})

	t.Run("Should report redis down after the container stops", func(t *testing.T) {
		require.NoError(t, redisCtr.Container.Stop(ctx, nil))

		require.Eventually(t, func() bool {
			resp, err := http.Get(baseURL + cfg.ReadinessPath)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			return resp.StatusCode == http.StatusServiceUnavailable
		}, 5*time.Second, 200*time.Millisecond)

		_, status := readiness(t, baseURL+cfg.ReadinessPath)
		assert.Equal(t, "up", status["postgres"])
		assert.True(t, strings.HasPrefix(status["redis"], "down: "), status["redis"])
	})
}

// getFreePort asks the kernel for a free TCP port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
