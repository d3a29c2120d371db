// Command enginectl is the Version CLI (C7): create/validate/realize
// VersionSpecs, run an engine interactively, or drive the Job Handler for a
// single local test job.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodeforge/enginectl/internal/cli"
	"github.com/nodeforge/enginectl/internal/config"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid config", "error", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Cfg:    cfg,
		Logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	os.Exit(app.Run(ctx, os.Args[1:]))
}
