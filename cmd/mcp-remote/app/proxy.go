package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/proxy"
)

var proxyFlags struct {
	remote           remoteFlags
	toolFilter       []string
	logNotifications bool
	quiet            bool
}

var proxyCmd = &cobra.Command{
	Use:   "proxy [flags] SERVER_URL",
	Short: "Bridge stdio to a remote MCP server",
	Long: `Bridge a local stdio MCP client to one remote MCP server.

Reads newline-delimited JSON-RPC from stdin, forwards requests over the
configured transport chain, and writes replies and server notifications to
stdout. If the server demands authorization, the OAuth 2.1 flow runs in the
system browser and the resulting tokens persist under the credential
directory for reuse.

#### Examples

Bridge to a streamable HTTP server, falling back to SSE:

	mcp-remote proxy https://mcp.example.com/mcp --fallback sse

Use a static token instead of OAuth:

	mcp-remote proxy https://mcp.example.com/mcp --auth-token "$TOKEN"

Expose only filesystem tools to the client:

	mcp-remote proxy https://mcp.example.com/mcp --tool-filter 'fs_*'`,
	Args: cobra.ExactArgs(1),
	RunE: runProxy,
}

func init() {
	addRemoteFlags(proxyCmd, &proxyFlags.remote)
	proxyCmd.Flags().StringSliceVar(&proxyFlags.toolFilter, "tool-filter", nil,
		"Glob pattern of tools to expose (repeatable; default all)")
	proxyCmd.Flags().BoolVar(&proxyFlags.logNotifications, "log-notifications", false,
		"Emit proxy logs as MCP notifications/message frames on stdout")
	proxyCmd.Flags().BoolVar(&proxyFlags.quiet, "quiet", false,
		"Suppress all diagnostic output")
}

func runProxy(cmd *cobra.Command, args []string) error {
	serverURL := args[0]

	strategy, err := proxyFlags.remote.strategy(serverURL)
	if err != nil {
		return err
	}

	// Human-readable output stays on stderr; stdout carries only
	// JSON-RPC frames for the local client.
	if proxyFlags.quiet && !proxyFlags.logNotifications && !viper.GetBool("debug") {
		logger.InitializeDiscard()
	}

	stdioProxy, err := proxy.NewStdioProxy(strategy, os.Stdout, &proxy.Options{
		ToolFilter:          proxyFlags.toolFilter,
		RequestTimeout:      proxyFlags.remote.timeout,
		NotificationLogging: proxyFlags.logNotifications,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("Proxying stdio to %s", serverURL)
	return stdioProxy.Run(ctx, os.Stdin)
}
