// Package main applies a YAML seed document to the configured store: the
// one-time bootstrap step that runs before the control plane serves traffic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/platform"
	"github.com/rafaeljc/bifrost/internal/seed"
)

func main() {
	if err := run(); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "", "path to the YAML seed document")
	actor := flag.String("actor", "seed", "actor recorded in audit entries")
	flag.Parse()

	if *file == "" {
		return errors.New("-file is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Engine.Store == config.StoreMemory {
		return errors.New("seeding the in-memory store has no lasting effect; set BIFROST_ENGINE_STORE")
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)

	doc, err := seed.LoadFile(*file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := platform.Open(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	svc, err := flags.New(ctx, log, infra.Store)
	if err != nil {
		return err
	}

	var subjects seed.SubjectWriter
	if infra.Subjects != nil {
		subjects = infra.Subjects
	}

	res, err := seed.New(log, svc, subjects, *actor).Apply(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", *file, err)
	}

	log.Info("seed complete",
		slog.String("file", *file),
		slog.Int("flags", res.FlagsCreated+res.FlagsUpdated),
		slog.Int("segments", res.SegmentsCreated+res.SegmentsUpdated),
		slog.Int("subjects", res.Subjects),
	)
	return nil
}
