package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// shutdownGrace is how long a subprocess gets to exit after SIGTERM
// before it is killed.
const shutdownGrace = 5 * time.Second

// StdioTransport runs the remote server as a child process and speaks
// newline JSON-RPC over its stdin and stdout. The child's stderr is
// surfaced through the logger.
type StdioTransport struct {
	config *Config

	demux     *demux
	connected atomic.Bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *FrameWriter

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStdioTransport creates a subprocess transport for the given config.
func NewStdioTransport(config *Config) *StdioTransport {
	return &StdioTransport{
		config: config,
		demux:  newDemux(),
		done:   make(chan struct{}),
	}
}

// Type identifies the transport.
func (*StdioTransport) Type() TransportType { return TransportTypeStdio }

// Connect launches the child process and starts the pipe readers.
func (t *StdioTransport) Connect(_ context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("no command configured for subprocess transport")
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.config.Command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.writer = NewFrameWriter(stdin)
	t.mu.Unlock()
	t.connected.Store(true)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.readMessages(stdout)
	}()
	go func() {
		defer t.wg.Done()
		t.relayStderr(stderr)
	}()

	logger.Debugf("Subprocess started, command=%s pid=%d", t.config.Command, cmd.Process.Pid)
	return nil
}

// readMessages routes child stdout frames until the pipe closes.
func (t *StdioTransport) readMessages(stdout io.Reader) {
	reader := NewFrameReader(stdout)
	for {
		msg, err := reader.Read()
		if err != nil {
			if err != io.EOF && t.connected.Load() {
				logger.Warnf("Subprocess stdout read error: %v", err)
			}
			t.connected.Store(false)
			t.demux.close()
			return
		}
		t.demux.dispatch(msg)
	}
}

// relayStderr forwards child diagnostics line by line.
func (t *StdioTransport) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debugf("[%s] %s", t.config.Command, scanner.Text())
	}
}

// Send writes msg to the child's stdin and waits for its reply when msg
// carries an id.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) (*Message, error) {
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
		return nil, fmt.Errorf("failed to write to subprocess: %w", err)
	}

	if !expectsReply {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.requestTimeout())
	defer cancel()
	return t.demux.wait(ctx, key, replyCh)
}

// Notifications returns the channel of server-initiated messages.
func (t *StdioTransport) Notifications() <-chan *Message {
	return t.demux.notifications
}

// IsAlive reports whether the child is still running and reachable.
func (t *StdioTransport) IsAlive() bool {
	return t.connected.Load()
}

// Disconnect closes the child's stdin, sends SIGTERM, and kills the
// process if it outlives the grace period.
func (t *StdioTransport) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}

	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debugf("SIGTERM failed, killing subprocess: %v", err)
		_ = cmd.Process.Kill()
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			logger.Debugf("Subprocess exited: %v", err)
		}
	case <-time.After(shutdownGrace):
		logger.Warnf("Subprocess did not exit within %s, killing", shutdownGrace)
		_ = cmd.Process.Kill()
		<-exited
	}

	t.wg.Wait()
	return nil
}
