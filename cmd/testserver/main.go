// testserver starts an Orchestra API server with in-memory storage and fast
// simulated steps for manual end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/orchestra/internal/api"
	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/backend/agno"
	"github.com/seantiz/orchestra/internal/backend/crewai"
	"github.com/seantiz/orchestra/internal/backend/langgraph"
	"github.com/seantiz/orchestra/internal/backend/n8n"
	"github.com/seantiz/orchestra/internal/engine"
	"github.com/seantiz/orchestra/internal/notify"
	"github.com/seantiz/orchestra/internal/orchestration"
	"github.com/seantiz/orchestra/internal/store"
)

// stepScale shrinks simulated step durations to a few milliseconds.
const stepScale = 0.01

func main() {
	addr := ":8080"
	if v := os.Getenv("ORCHESTRA_LISTEN_ADDR"); v != "" {
		addr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg := backend.NewRegistry(logger)
	cfgs := make(map[string]backend.Config)
	for _, a := range []backend.Adapter{langgraph.New(logger), agno.New(logger), crewai.New(logger), n8n.New(logger)} {
		if err := reg.Register(a); err != nil {
			log.Fatalf("register backend: %v", err)
		}
		cfgs[a.Descriptor().ID] = backend.Config{StepScale: stepScale}
	}
	if err := reg.InitializeAll(ctx, cfgs); err != nil {
		log.Fatalf("initialize backends: %v", err)
	}
	defer reg.ShutdownAll(context.Background())

	bus := notify.NewBus()
	defer bus.Close()

	orch := orchestration.New(reg, logger)
	eng := engine.NewEngine(db, orch, bus, logger, engine.Config{DefaultTimeout: 10 * time.Second})
	srv := api.NewServer(addr, eng, orch, bus, logger)

	logger.Info("testserver: starting", "addr", addr, "step_scale", stepScale)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions still running at exit", "error", err)
	}
}
