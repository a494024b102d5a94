package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TransportType identifies one of the supported remote transports.
type TransportType string

const (
	// TransportTypeHTTPStream is the streamable HTTP transport: requests
	// POSTed to the endpoint, replies on the response or a companion GET stream
	TransportTypeHTTPStream TransportType = "http-stream"
	// TransportTypeSSE is the server-sent-events transport with a
	// separate POST endpoint announced over the stream
	TransportTypeSSE TransportType = "sse"
	// TransportTypeStdio runs the remote server as a subprocess and
	// speaks newline JSON-RPC over its pipes
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeTCP speaks newline JSON-RPC over a raw TCP connection
	TransportTypeTCP TransportType = "tcp"
)

// ParseTransportType converts a string to a TransportType, accepting the
// common aliases seen in configs.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http-stream", "httpstream", "http", "streamable-http":
		return TransportTypeHTTPStream, nil
	case "sse":
		return TransportTypeSSE, nil
	case "stdio", "subprocess":
		return TransportTypeStdio, nil
	case "tcp":
		return TransportTypeTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, s)
	}
}

// RemoteTransport is the contract every remote transport satisfies. Send
// blocks until the correlated reply arrives or ctx expires; a (nil, nil)
// return means the message expects no reply. Server-initiated messages
// are delivered on the Notifications channel in arrival order.
type RemoteTransport interface {
	// Connect establishes the session with the remote endpoint.
	Connect(ctx context.Context) error
	// Send forwards msg and waits for its reply when msg carries an id.
	Send(ctx context.Context, msg *Message) (*Message, error)
	// Notifications returns the channel carrying server-initiated
	// messages. The channel closes when the transport disconnects.
	Notifications() <-chan *Message
	// Disconnect tears the session down and releases resources.
	Disconnect() error
	// IsAlive reports whether the transport is connected and usable.
	IsAlive() bool
	// Type identifies the transport.
	Type() TransportType
}

// Config carries the settings shared by all transports.
type Config struct {
	// URL is the remote endpoint for HTTP-based transports, or host:port
	// for TCP.
	URL string
	// Command and Args launch the subprocess for the stdio transport.
	Command string
	Args    []string
	// Headers are static headers added to every HTTP request.
	Headers map[string]string
	// AuthToken, when set, is sent as a bearer Authorization header.
	AuthToken string
	// UserAgent overrides the default User-Agent header.
	UserAgent string
	// ConnectTimeout bounds establishing a transport session.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single request-reply exchange.
	RequestTimeout time.Duration
	// InsecureAllowHTTP permits plaintext HTTP to non-localhost hosts.
	InsecureAllowHTTP bool
}

// Default timeouts applied when the config leaves them unset.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c *Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}
