package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/proxy"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

var loadBalanceFlags struct {
	remote     remoteFlags
	toolFilter []string
}

var loadBalanceCmd = &cobra.Command{
	Use:   "load-balance [flags] SERVER_URL...",
	Short: "Bridge stdio to a pool of equivalent MCP servers",
	Long: `Bridge a local stdio MCP client to several equivalent remote MCP servers.

Requests are distributed round-robin across healthy endpoints. An
endpoint that keeps failing is marked degraded and eventually taken out of
rotation; it is probed in the background and restored once it answers
reliably again. A request id stays routed to the endpoint that first saw
it, so retries after a reconnect reach the right server.

#### Examples

Balance across two replicas:

	mcp-remote load-balance https://a.example.com/mcp https://b.example.com/mcp`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLoadBalance,
}

func init() {
	addRemoteFlags(loadBalanceCmd, &loadBalanceFlags.remote)
	loadBalanceCmd.Flags().StringSliceVar(&loadBalanceFlags.toolFilter, "tool-filter", nil,
		"Glob pattern of tools to expose (repeatable; default all)")
}

func runLoadBalance(cmd *cobra.Command, args []string) error {
	balancer, err := proxy.NewBalancer(args, func(url string) (*transport.Strategy, error) {
		return loadBalanceFlags.remote.strategy(url)
	})
	if err != nil {
		return err
	}

	stdioProxy, err := proxy.NewStdioProxy(balancer, os.Stdout, &proxy.Options{
		ToolFilter:     loadBalanceFlags.toolFilter,
		RequestTimeout: loadBalanceFlags.remote.timeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("Load balancing stdio across %d endpoints", len(args))
	return stdioProxy.Run(ctx, os.Stdin)
}
