package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	rootDebug      bool
	rootConfigPath string
	rootMCPBridge  bool
	rootClientID   string
)

// rootCmd is the base command. Without flags it starts the service;
// with --mcp-bridge it runs the STDIO↔HTTP bridge instead. These are
// the only two modes.
var rootCmd = &cobra.Command{
	Use:   "localrouter",
	Short: "Local OpenAI-compatible router and MCP gateway",
	Long: `LocalRouter exposes an OpenAI-compatible API on localhost, routes
requests to upstream LLM providers, runs safety checks, and aggregates
MCP tool servers behind a single gateway.

Modes:
  localrouter                     start the service (default)
  localrouter --mcp-bridge        run the STDIO-to-HTTP bridge for MCP clients`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func runRoot(cmd *cobra.Command, args []string) error {
	if rootClientID != "" && !rootMCPBridge {
		return fmt.Errorf("--client-id requires --mcp-bridge")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if rootMCPBridge {
		return runBridge(ctx)
	}
	return runServe(ctx)
}

// Execute runs the CLI. Exit codes: 0 clean shutdown, 1 bad arguments,
// 2 secret unavailable, 3 gateway unreachable.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.Flags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&rootConfigPath, "config-path", "", "Custom configuration directory (disables layered config)")
	rootCmd.Flags().BoolVar(&rootMCPBridge, "mcp-bridge", false, "Run the STDIO-to-HTTP MCP bridge")
	rootCmd.Flags().StringVar(&rootClientID, "client-id", "", "MCP client identity for the bridge (requires --mcp-bridge)")
}
