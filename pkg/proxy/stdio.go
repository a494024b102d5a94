package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/mcp"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

// remote is the connectable half of a Sender.
type remote interface {
	Sender
	Connect(ctx context.Context) error
	Disconnect() error
}

// Options configures a stdio proxy session.
type Options struct {
	// ToolFilter restricts visible tools; empty allows all.
	ToolFilter []string
	// RequestTimeout bounds one forwarded exchange. Zero means the default.
	RequestTimeout time.Duration
	// ShutdownGrace is how long in-flight requests may settle after the
	// local stream closes. Zero means the default.
	ShutdownGrace time.Duration
	// NotificationLogging emits the proxy's own log records as MCP
	// notifications/message frames on the local output stream instead
	// of human-readable text on stderr.
	NotificationLogging bool
}

// StdioProxy bridges a local newline JSON-RPC stream to a remote
// sender. It owns the session lifecycle: connect, pump, disconnect.
type StdioProxy struct {
	remote    remote
	forwarder *Forwarder
	options   *Options
}

// NewStdioProxy creates a proxy over an already-configured remote. The
// remote may be a single transport strategy or a load balancer.
func NewStdioProxy(r remote, out io.Writer, options *Options) (*StdioProxy, error) {
	if options == nil {
		options = &Options{}
	}
	filter, err := mcp.NewToolFilter(options.ToolFilter)
	if err != nil {
		return nil, err
	}

	p := &StdioProxy{
		remote:    r,
		forwarder: NewForwarder(r, out, filter, options.RequestTimeout, options.ShutdownGrace),
		options:   options,
	}

	if options.NotificationLogging {
		logger.InitializeNotifications(p.emitLogNotification)
	}
	return p, nil
}

// Run connects the remote and pumps traffic until the local stream
// closes or ctx is cancelled.
func (p *StdioProxy) Run(ctx context.Context, in io.Reader) error {
	if err := p.remote.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to remote: %w", err)
	}
	defer func() {
		if err := p.remote.Disconnect(); err != nil {
			logger.Warnf("Error during disconnect: %v", err)
		}
	}()

	return p.forwarder.Run(ctx, in)
}

// emitLogNotification writes one proxy log record as a JSON-RPC
// notifications/message frame through the shared output writer, so log
// frames never interleave with forwarded traffic.
func (p *StdioProxy) emitLogNotification(level, loggerName, data string) {
	params, err := json.Marshal(map[string]string{
		"level":  level,
		"logger": loggerName,
		"data":   data,
	})
	if err != nil {
		return
	}
	notification, err := transport.NewNotification("notifications/message", json.RawMessage(params))
	if err != nil {
		return
	}
	_ = p.forwarder.Writer().Write(notification)
}
