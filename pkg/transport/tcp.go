package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// tcpDialTimeout bounds the connection attempt to the remote host.
const tcpDialTimeout = 10 * time.Second

// TCPTransport speaks newline JSON-RPC over a raw TCP connection.
type TCPTransport struct {
	config *Config

	demux     *demux
	connected atomic.Bool

	mu     sync.Mutex
	conn   net.Conn
	writer *FrameWriter

	wg sync.WaitGroup
}

// NewTCPTransport creates a TCP transport for the given config. The
// config URL is the host:port to dial, with an optional tcp:// prefix.
func NewTCPTransport(config *Config) *TCPTransport {
	return &TCPTransport{
		config: config,
		demux:  newDemux(),
	}
}

// Type identifies the transport.
func (*TCPTransport) Type() TransportType { return TransportTypeTCP }

// Connect dials the remote host and starts the read loop.
func (t *TCPTransport) Connect(ctx context.Context) error {
	addr := strings.TrimPrefix(t.config.URL, "tcp://")
	if addr == "" {
		return fmt.Errorf("no address configured for TCP transport")
	}

	dialer := &net.Dialer{Timeout: tcpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.writer = NewFrameWriter(conn)
	t.mu.Unlock()
	t.connected.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readMessages(conn)
	}()

	logger.Debugf("TCP transport connected, addr=%s", addr)
	return nil
}

func (t *TCPTransport) readMessages(conn net.Conn) {
	reader := NewFrameReader(conn)
	for {
		msg, err := reader.Read()
		if err != nil {
			if err != io.EOF && t.connected.Load() {
				logger.Warnf("TCP read error: %v", err)
			}
			t.connected.Store(false)
			t.demux.close()
			return
		}
		t.demux.dispatch(msg)
	}
}

// Send writes msg to the connection and waits for its reply when msg
// carries an id.
func (t *TCPTransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	expectsReply := msg.ID != nil && msg.Method != ""
	key := msg.CorrelationKey()

	var replyCh <-chan *Message
	if expectsReply {
		ch, ok := t.demux.register(key)
		if !ok {
			return nil, fmt.Errorf("%w: duplicate request id %q", ErrInvalidMessage, key)
		}
		replyCh = ch
		defer t.demux.unregister(key)
	}

	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if err := writer.Write(msg); err != nil {
		return nil, fmt.Errorf("failed to write to connection: %w", err)
	}

	if !expectsReply {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.requestTimeout())
	defer cancel()
	return t.demux.wait(ctx, key, replyCh)
}

// Notifications returns the channel of server-initiated messages.
func (t *TCPTransport) Notifications() <-chan *Message {
	return t.demux.notifications
}

// IsAlive reports whether the connection is up.
func (t *TCPTransport) IsAlive() bool {
	return t.connected.Load()
}

// Disconnect closes the connection and fails pending waiters.
func (t *TCPTransport) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	logger.Debugf("TCP transport disconnected")
	return nil
}
