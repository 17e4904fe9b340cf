// Package main runs the Bifrost control plane: flag evaluation, flag and
// segment management, and the gradual-rollout controller behind a REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/platform"
	"github.com/rafaeljc/bifrost/internal/rollout"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	infra, err := platform.Open(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	if infra.Pool != nil {
		go database.RunPoolMonitor(ctx, infra.Pool, cfg.Database.PoolMonitorInterval)
	}

	// -------------------------------------------------------------------------
	// 3. Wiring
	// -------------------------------------------------------------------------
	var opts []flags.Option
	if infra.Subjects != nil {
		opts = append(opts, flags.WithSubjectResolver(infra.Subjects))
	}
	if cfg.Engine.CacheEnabled {
		decisions, err := cache.NewDecisionCache(cfg.Engine.CacheCapacity, cfg.Engine.CacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create decision cache: %w", err)
		}
		defer decisions.Close()
		go decisions.RunMetricsCollector(ctx, cfg.Engine.CacheMetricsInterval)
		opts = append(opts, flags.WithDecisionCache(decisions))
	}

	svc, err := flags.New(ctx, log, infra.Store, opts...)
	if err != nil {
		return err
	}

	gate, closeGate, err := healthSignal(log, cfg, infra.Checkers)
	if err != nil {
		return err
	}
	defer closeGate()

	controller := rollout.New(log, svc, gate,
		rollout.WithStepIntervals(cfg.Rollout.DefaultStepInterval, cfg.Rollout.MinStepInterval),
		rollout.WithHealthCheckTimeout(cfg.Rollout.HealthCheckTimeout),
	)
	// Stop plans before the store closes so their final audit entries land.
	defer controller.Close()

	api := controlapi.NewAPI(log, &cfg.Server.Control, svc, controller)

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	obs := observability.NewServer(log, &cfg.Observability, infra.Checkers...)
	obs.Start()

	srvCfg := cfg.Server.Control
	server := &http.Server{
		Addr:              net.JoinHostPort(srvCfg.Host, srvCfg.Port),
		Handler:           api.Router,
		ReadTimeout:       srvCfg.ReadTimeout,
		WriteTimeout:      srvCfg.WriteTimeout,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
		IdleTimeout:       srvCfg.IdleTimeout,
		MaxHeaderBytes:    srvCfg.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("control plane listening", slog.String("addr", server.Addr))

		var err error
		if srvCfg.TLSEnabled {
			err = server.ListenAndServeTLS(srvCfg.TLSCert, srvCfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("control plane server failed: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("control plane shutdown failed", slog.String("error", err.Error()))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("observability shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("service exited successfully")
	return nil
}

// healthSignal builds the rollout gate selected by configuration.
func healthSignal(log *slog.Logger, cfg *config.Config, checkers []observability.Checker) (rollout.HealthSignal, func(), error) {
	if cfg.Rollout.HealthSignal == config.HealthSignalGRPC {
		s, err := rollout.NewGRPCSignal(log, cfg.Rollout.GRPCTarget, cfg.Rollout.GRPCService)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return rollout.NewCheckerSignal(checkers...), func() {}, nil
}
