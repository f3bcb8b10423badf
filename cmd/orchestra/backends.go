package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/orchestra/internal/backend"
	"github.com/seantiz/orchestra/internal/config"
)

var backendsOutput string

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the execution backends this build can run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		reg, err := newRegistry(cfg, config.NewLogger(io.Discard, cfg.Level()))
		if err != nil {
			return err
		}
		return printBackends(cmd.OutOrStdout(), reg.List(), backendsOutput)
	},
}

func init() {
	backendsCmd.Flags().StringVarP(&backendsOutput, "output", "o", "table", "output format: table|json")
}

func printBackends(w io.Writer, descs []backend.Descriptor, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tVERSION\tMAX CONCURRENT\tLANGUAGES\tDESCRIPTION")
		for _, d := range descs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				d.ID, d.Version, d.Capabilities.MaxConcurrentExecutions,
				strings.Join(d.Languages, ","), d.Description)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
