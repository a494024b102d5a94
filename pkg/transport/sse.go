package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/networking"
)

// endpointWait bounds how long Connect waits for the server to announce
// its POST endpoint on a fresh event stream.
const endpointWait = 30 * time.Second

// SSETransport speaks the HTTP+SSE transport: a long-lived GET event
// stream delivers every server-to-client message, and an "endpoint"
// event on that stream announces the URL client messages are POSTed to.
type SSETransport struct {
	config *Config
	client *http.Client

	demux     *demux
	connected atomic.Bool

	mu          sync.Mutex
	postURL     string
	lastEventID string

	streamCtx    context.Context
	streamCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewSSETransport creates an SSE transport for the given config.
func NewSSETransport(config *Config) *SSETransport {
	return &SSETransport{
		config: config,
		demux:  newDemux(),
	}
}

// Type identifies the transport.
func (*SSETransport) Type() TransportType { return TransportTypeSSE }

// Connect opens the event stream and waits for the server to announce
// its POST endpoint.
func (t *SSETransport) Connect(ctx context.Context) error {
	if err := networking.ValidateEndpointURLWithInsecure(t.config.URL, t.config.InsecureAllowHTTP); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	builder := networking.NewHttpClientBuilder().
		WithStreaming().
		WithHeaders(t.config.Headers).
		WithBearerToken(t.config.AuthToken)
	if t.config.UserAgent != "" {
		builder = builder.WithHeader("User-Agent", t.config.UserAgent)
	}
	client, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}
	t.client = client

	t.streamCtx, t.streamCancel = context.WithCancel(context.Background())

	waitCtx, cancel := context.WithTimeout(ctx, endpointWait)
	defer cancel()

	body, scanner, err := t.openStream(t.streamCtx)
	if err != nil {
		t.streamCancel()
		return err
	}

	if err := t.awaitEndpoint(waitCtx, scanner); err != nil {
		t.streamCancel()
		// A held-open stream never drains; just close it.
		_ = body.Close()
		return err
	}

	t.connected.Store(true)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readEvents(body, scanner)
		t.reconnectLoop()
	}()

	logger.Debugf("SSE transport connected, endpoint=%s", t.config.URL)
	return nil
}

// openStream issues the GET and returns the live body and its scanner.
func (t *SSETransport) openStream(ctx context.Context) (io.ReadCloser, *sseScanner, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.mu.Lock()
	lastID := t.lastEventID
	t.mu.Unlock()
	if lastID != "" {
		req.Header.Set(lastEventIDHeader, lastID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := httpStatusError(resp)
		drainAndClose(resp.Body)
		return nil, nil, err
	}

	return resp.Body, newSSEScanner(resp.Body), nil
}

// awaitEndpoint consumes events until the endpoint announcement arrives.
func (t *SSETransport) awaitEndpoint(ctx context.Context, scanner *sseScanner) error {
	type result struct {
		ev  *sseEvent
		err error
	}
	events := make(chan result, 1)

	for {
		go func() {
			ev, err := scanner.Next()
			events <- result{ev, err}
		}()

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for endpoint announcement: %w", ctx.Err())
		case r := <-events:
			if r.err != nil {
				return fmt.Errorf("event stream ended before endpoint announcement: %w", r.err)
			}
			if r.ev.Event == "endpoint" {
				return t.setEndpoint(r.ev.Data)
			}
			t.handleEvent(r.ev)
		}
	}
}

// setEndpoint resolves the announced POST target against the stream URL.
func (t *SSETransport) setEndpoint(raw string) error {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("invalid stream URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid endpoint announcement %q: %w", raw, err)
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	t.postURL = resolved
	t.mu.Unlock()
	logger.Debugf("Server announced message endpoint: %s", resolved)
	return nil
}

// readEvents consumes the stream until it drops.
func (t *SSETransport) readEvents(body io.ReadCloser, scanner *sseScanner) {
	defer drainAndClose(body)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if err != io.EOF && t.streamCtx.Err() == nil {
				logger.Debugf("Event stream read error: %v", err)
			}
			return
		}
		t.handleEvent(ev)
	}
}

// handleEvent routes one event: message payloads go through the demux,
// endpoint re-announcements update the POST target.
func (t *SSETransport) handleEvent(ev *sseEvent) {
	if ev.ID != "" {
		t.mu.Lock()
		t.lastEventID = ev.ID
		t.mu.Unlock()
	}

	switch ev.Event {
	case "endpoint":
		if err := t.setEndpoint(ev.Data); err != nil {
			logger.Warnf("Ignoring bad endpoint announcement: %v", err)
		}
	case "message":
		if strings.TrimSpace(ev.Data) == "" {
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			logger.Warnf("Dropping malformed event payload: %v", err)
			return
		}
		t.demux.dispatch(&msg)
	default:
		logger.Debugf("Ignoring event type %q", ev.Event)
	}
}

// reconnectLoop re-opens the stream with Last-Event-ID until the
// transport is closed.
func (t *SSETransport) reconnectLoop() {
	delay := time.Second
	for t.connected.Load() && t.streamCtx.Err() == nil {
		body, scanner, err := t.openStream(t.streamCtx)
		if err != nil {
			if t.streamCtx.Err() != nil {
				return
			}
			var httpErr *HTTPError
			if errors.Is(err, ErrAuthRequired) || (errors.As(err, &httpErr) && !httpErr.Retryable()) {
				logger.Warnf("Event stream reconnect refused, giving up: %v", err)
				t.connected.Store(false)
				t.demux.close()
				return
			}
			logger.Warnf("Event stream reconnect failed, retrying in %s: %v", delay, err)
			select {
			case <-time.After(delay):
			case <-t.streamCtx.Done():
				return
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		delay = time.Second
		t.readEvents(body, scanner)
	}
}

// Send POSTs msg to the announced endpoint. Replies arrive over the
// event stream; notifications return (nil, nil) once accepted.
func (t *SSETransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()
	if postURL == "" {
		return nil, fmt.Errorf("%w: no message endpoint announced", ErrTransportClosed)
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

	ctx, cancel := context.WithTimeout(ctx, t.config.requestTimeout())
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := httpStatusError(resp)
		drainAndClose(resp.Body)
		return nil, err
	}
	drainAndClose(resp.Body)

	if !expectsReply {
		return nil, nil
	}
	return t.demux.wait(ctx, key, replyCh)
}

// Notifications returns the channel of server-initiated messages.
func (t *SSETransport) Notifications() <-chan *Message {
	return t.demux.notifications
}

// IsAlive reports whether the transport accepts sends.
func (t *SSETransport) IsAlive() bool {
	return t.connected.Load()
}

// Disconnect closes the event stream and fails pending waiters.
func (t *SSETransport) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if t.streamCancel != nil {
		t.streamCancel()
	}
	t.wg.Wait()
	t.demux.close()
	logger.Debugf("SSE transport disconnected, endpoint=%s", t.config.URL)
	return nil
}
