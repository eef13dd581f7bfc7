// Package cmd provides the CLI for the personal-pipeline server.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/pkg/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitInterrupted = 130
)

// errInterrupted marks a graceful shutdown triggered by SIGINT.
var errInterrupted = errors.New("interrupted")

// NewRootCmd creates the root command. Serving is the default action.
func NewRootCmd() *cobra.Command {
	var configPath string
	var createSample bool

	cmd := &cobra.Command{
		Use:   "personal-pipeline",
		Short: "Operational knowledge retrieval server for incident response",
		Long: `Personal Pipeline indexes runbooks and operational documentation from
files, web endpoints, repositories, wikis, and databases, and serves
them to AI agents over MCP and to humans over a JSON HTTP API.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if createSample {
				fmt.Fprint(cmd.OutOrStdout(), config.Sample())
				return nil
			}
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.SetVersionTemplate("personal-pipeline version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (falls back to CONFIG_FILE, then config.yaml)")
	cmd.Flags().BoolVar(&createSample, "create-sample-config", false, "Print a documented sample config to stdout and exit")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP and HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	// A local .env supplies credentials during development; missing
	// files are fine.
	_ = godotenv.Load()

	if err := NewRootCmd().Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			return exitInterrupted
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}
	return exitOK
}
