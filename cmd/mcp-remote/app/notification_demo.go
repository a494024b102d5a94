package app

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiveport/mcp-remote/pkg/transport"
)

// demoInterval paces the emitted frames so a consumer can watch them arrive.
const demoInterval = 500 * time.Millisecond

var notificationDemoCmd = &cobra.Command{
	Use:   "notification-demo",
	Short: "Emit sample notifications/message frames on stdout",
	Long: `Emit a short sequence of MCP notifications/message frames on stdout, one
per log level. Useful for verifying that a client renders proxy log
notifications correctly before pointing it at a real server.`,
	Args: cobra.NoArgs,
	RunE: runNotificationDemo,
}

func runNotificationDemo(cmd *cobra.Command, _ []string) error {
	writer := transport.NewFrameWriter(os.Stdout)

	samples := []struct {
		level string
		data  string
	}{
		{"debug", "Resolving remote endpoint"},
		{"info", "Connected via http-stream transport"},
		{"warning", "Companion stream dropped, reconnecting"},
		{"error", "Request timed out after 60s"},
	}

	for i, sample := range samples {
		params, err := json.Marshal(map[string]string{
			"level":  sample.level,
			"logger": "mcp-remote",
			"data":   sample.data,
		})
		if err != nil {
			return err
		}
		notification, err := transport.NewNotification("notifications/message", json.RawMessage(params))
		if err != nil {
			return err
		}
		if err := writer.Write(notification); err != nil {
			return err
		}

		if i < len(samples)-1 {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(demoInterval):
			}
		}
	}
	return nil
}
