package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/orchestra/internal/api"
	"github.com/seantiz/orchestra/internal/config"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/notify"
	"github.com/seantiz/orchestra/internal/orchestration"
	"github.com/seantiz/orchestra/internal/store"
)

// drainTimeout bounds how long in-flight executions get to settle on exit.
const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and execution engine",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("orchestra: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"enforce_concurrency", cfg.Execution.EnforceConcurrency,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if err := reg.InitializeAll(ctx, backendConfigs(cfg)); err != nil {
		return err
	}

	bus := notify.NewBus()
	defer bus.Close()

	publishers := notify.Multi{bus}
	if cfg.Notify.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix, cfg.Notify.EventTTL)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		defer rp.Close()
		publishers = append(publishers, rp)
		logger.Info("publishing lifecycle events to redis", "prefix", cfg.Notify.ChannelPrefix)
	}

	orch := orchestration.New(reg, logger,
		orchestration.WithConcurrencyLimits(cfg.Execution.EnforceConcurrency))
	eng := engine.NewEngine(db, orch, publishers, logger, engine.Config{
		DefaultTimeout:    cfg.Execution.DefaultTimeout,
		DefaultMaxRetries: cfg.Execution.DefaultMaxRetries,
		CancelAckTimeout:  cfg.Execution.CancelAckTimeout,
	})

	srv := api.NewServer(cfg.ListenAddr, eng, orch, bus, logger,
		api.WithAccess(cfg.Access.Checker()),
		api.WithSubmitLimit(cfg.API.SubmitRate, cfg.API.SubmitBurst),
		api.WithAllowedOrigins(cfg.API.AllowedOrigins...),
	)
	runErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := eng.Shutdown(drainCtx); err != nil {
		logger.Warn("executions still running at exit", "error", err)
	}
	reg.ShutdownAll(drainCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("orchestra: stopped")
	return nil
}
