package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/backend/agno"
	"github.com/seantiz/orchestra/internal/backend/crewai"
	"github.com/seantiz/orchestra/internal/backend/langgraph"
	"github.com/seantiz/orchestra/internal/backend/n8n"
	"github.com/seantiz/orchestra/internal/config"
)

// configPath is set by the persistent --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Run agent workflows on pluggable execution backends",
	Long: `orchestra accepts workflow execution requests over HTTP, runs them on
one of the langgraph, agno, crewai or n8n backends and tracks every job
through queued, running and its final state.

Without a subcommand it behaves like "orchestra serve".`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML configuration file (default $ORCHESTRA_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backendsCmd)
}

// newRegistry registers every backend the configuration leaves enabled.
func newRegistry(cfg config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry(logger)
	adapters := []backend.Adapter{
		langgraph.New(logger),
		agno.New(logger),
		crewai.New(logger),
		n8n.New(logger),
	}
	for _, a := range adapters {
		id := a.Descriptor().ID
		if !cfg.Backend(id).IsEnabled() {
			logger.Info("backend disabled by configuration", "backend", id)
			continue
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// backendConfigs extracts the adapter settings keyed by backend id.
func backendConfigs(cfg config.Config) map[string]backend.Config {
	out := make(map[string]backend.Config, len(cfg.Backends))
	for id, b := range cfg.Backends {
		out[id] = b.Config
	}
	return out
}
