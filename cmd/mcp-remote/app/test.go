package app

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

var testFlags struct {
	remote remoteFlags
}

var testCmd = &cobra.Command{
	Use:   "test [flags] SERVER_URL",
	Short: "Probe a remote MCP server and report what it offers",
	Long: `Connect to a remote MCP server, run the initialization handshake, list its
tools, and report the results. Useful for verifying connectivity,
transport fallback, and authorization before wiring the server into a
client.

The exit code distinguishes failure classes: 2 when every transport
failed, 3 when authorization failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	addRemoteFlags(testCmd, &testFlags.remote)
}

func runTest(cmd *cobra.Command, args []string) error {
	serverURL := args[0]

	strategy, err := testFlags.remote.strategy(serverURL)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger.Infof("Connecting to %s", serverURL)
	if err := strategy.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := strategy.Disconnect(); err != nil {
			logger.Warnf("Error during disconnect: %v", err)
		}
	}()
	logger.Infof("Connected via %s", strategy.Active().Type())

	initialize, err := transport.NewRequest(1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcp-remote",
			"version": "dev",
		},
	})
	if err != nil {
		return err
	}
	reply, err := strategy.Send(ctx, initialize)
	if err != nil {
		return err
	}
	reportServerInfo(reply)

	initialized, err := transport.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if _, err := strategy.Send(ctx, initialized); err != nil {
		logger.Warnf("Failed to send initialized notification: %v", err)
	}

	listTools, err := transport.NewRequest(2, "tools/list", nil)
	if err != nil {
		return err
	}
	reply, err = strategy.Send(ctx, listTools)
	if err != nil {
		return err
	}
	reportTools(reply)

	listResources, err := transport.NewRequest(3, "resources/list", nil)
	if err != nil {
		return err
	}
	if reply, err = strategy.Send(ctx, listResources); err != nil {
		logger.Warnf("resources/list failed: %v", err)
	} else {
		reportResources(reply)
	}

	logger.Infof("Server check passed")
	return nil
}

func reportServerInfo(reply *transport.Message) {
	if reply.Error != nil {
		logger.Warnf("initialize failed: %s (code %d)", reply.Error.Message, reply.Error.Code)
		return
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		logger.Warnf("Could not parse initialize result: %v", err)
		return
	}
	logger.Infof("Server: %s %s (protocol %s)",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
}

func reportResources(reply *transport.Message) {
	if reply.Error != nil {
		// Servers without a resource surface answer method-not-found.
		logger.Debugf("resources/list not supported: %s (code %d)", reply.Error.Message, reply.Error.Code)
		return
	}
	var result struct {
		Resources []struct {
			URI  string `json:"uri"`
			Name string `json:"name"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		logger.Warnf("Could not parse resources/list result: %v", err)
		return
	}
	logger.Infof("Server offers %d resources", len(result.Resources))
	for _, resource := range result.Resources {
		logger.Infof("  %s (%s)", resource.Name, resource.URI)
	}
}

func reportTools(reply *transport.Message) {
	if reply.Error != nil {
		logger.Warnf("tools/list failed: %s (code %d)", reply.Error.Message, reply.Error.Code)
		return
	}
	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		logger.Warnf("Could not parse tools/list result: %v", err)
		return
	}
	logger.Infof("Server offers %d tools", len(result.Tools))
	for _, tool := range result.Tools {
		logger.Infof("  %s: %s", tool.Name, tool.Description)
	}
}
