// Package app provides the entry point for the mcp-remote command-line application.
package app

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/oauth"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

var rootCmd = &cobra.Command{
	Use:               "mcp-remote",
	DisableAutoGenTag: true,
	Short:             "mcp-remote bridges local stdio MCP clients to remote MCP servers",
	Long: `mcp-remote bridges a local MCP (Model Context Protocol) client speaking
newline-delimited JSON-RPC over stdio to a remote MCP server reachable over
HTTP streaming or SSE, with OAuth 2.1 authorization, transport fallback, and
optional load balancing across several equivalent servers.

The local client needs no knowledge of transports or credentials: it spawns
mcp-remote as if it were the server itself.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
		if viper.GetBool("log-to-file") {
			if path, err := logger.InitializeFile(); err != nil {
				logger.Warnf("Could not open log file, staying on stderr: %v", err)
			} else {
				logger.Debugf("Logging to %s", path)
			}
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// NewRootCmd creates a new root command for the mcp-remote CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("log-to-file", false, "Write logs to the user data directory instead of stderr")
	for _, flag := range []string{"debug", "log-to-file"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}

	// Add subcommands
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(loadBalanceCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(notificationDemoCmd)

	return rootCmd
}

// Process exit codes. Scripted callers distinguish configuration
// problems from connectivity and authorization failures.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitTransport = 2
	ExitAuth      = 3
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case transport.IsExhausted(err):
		return ExitTransport
	case transport.IsAuthError(err), errors.Is(err, oauth.ErrAuthTimeout):
		return ExitAuth
	default:
		return ExitConfig
	}
}
