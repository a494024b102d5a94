package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/networking"
)

// sessionHeader carries the server-assigned session id on every request
// after initialization.
const sessionHeader = "Mcp-Session-Id"

// lastEventIDHeader asks the server to replay events missed across a
// stream reconnect.
const lastEventIDHeader = "Last-Event-ID"

// HTTPStreamTransport speaks the streamable HTTP transport: messages are
// POSTed to the endpoint and replies arrive either inline (JSON or SSE
// body) or on a companion GET stream. A server-assigned session id is
// echoed on every subsequent request.
type HTTPStreamTransport struct {
	config *Config
	client *http.Client

	demux     *demux
	connected atomic.Bool

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	streaming   bool

	streamCtx    context.Context
	streamCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewHTTPStreamTransport creates an HTTP-stream transport for the given config.
func NewHTTPStreamTransport(config *Config) *HTTPStreamTransport {
	return &HTTPStreamTransport{
		config: config,
		demux:  newDemux(),
	}
}

// Type identifies the transport.
func (*HTTPStreamTransport) Type() TransportType { return TransportTypeHTTPStream }

// Connect validates the endpoint, builds the HTTP client, and probes
// the endpoint so an unreachable or broken server surfaces here instead
// of on the first send.
func (t *HTTPStreamTransport) Connect(ctx context.Context) error {
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

	if err := t.probe(ctx); err != nil {
		return err
	}

	t.streamCtx, t.streamCancel = context.WithCancel(context.Background())
	t.connected.Store(true)
	logger.Debugf("HTTP stream transport ready, endpoint=%s", t.config.URL)
	return nil
}

// probe issues a GET against the endpoint. Any HTTP answer proves a
// listener (servers without a GET stream say 405); only network
// failures, auth rejections, and server errors fail the probe.
func (t *HTTPStreamTransport) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "text/event-stream" {
		// A held-open stream never drains; just close it.
		_ = resp.Body.Close()
	} else {
		drainAndClose(resp.Body)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		return httpStatusError(resp)
	}
	return nil
}

// Send POSTs msg and returns the correlated reply. For notifications it
// returns (nil, nil) once the server accepts the frame.
func (t *HTTPStreamTransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	expectsReply := msg.ID != nil && msg.Method != ""
	key := msg.CorrelationKey()

	var replyCh <-chan *Message
	if expectsReply {
		// Register before POSTing so a reply racing in over the
		// companion stream always finds its waiter.
		ch, ok := t.demux.register(key)
		if !ok {
			return nil, fmt.Errorf("%w: duplicate request id %q", ErrInvalidMessage, key)
		}
		replyCh = ch
		defer t.demux.unregister(key)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.requestTimeout())
	defer cancel()

	resp, err := t.post(ctx, msg)
	if err != nil {
		return nil, err
	}

	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		drainAndClose(resp.Body)
		// Accepted means any reply arrives on the companion stream, so
		// it must be open whether or not the server assigned a session.
		t.ensureCompanionStream()
		if !expectsReply {
			return nil, nil
		}
		return t.demux.wait(ctx, key, replyCh)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return t.consumeResponseBody(ctx, resp, key, expectsReply, replyCh)

	default:
		err := httpStatusError(resp)
		drainAndClose(resp.Body)
		return nil, err
	}
}

func (t *HTTPStreamTransport) post(ctx context.Context, msg *Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := t.getSessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST failed: %w", err)
	}
	return resp, nil
}

// consumeResponseBody handles a 2xx POST response carrying content: a
// single JSON reply, or an SSE body streaming until the reply shows up.
func (t *HTTPStreamTransport) consumeResponseBody(
	ctx context.Context,
	resp *http.Response,
	key string,
	expectsReply bool,
	replyCh <-chan *Message,
) (*Message, error) {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	switch contentType {
	case "text/event-stream":
		go t.readEventStream(resp.Body, "")
		if !expectsReply {
			return nil, nil
		}
		return t.demux.wait(ctx, key, replyCh)

	default:
		defer drainAndClose(resp.Body)
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if !expectsReply || len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		var reply Message
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if reply.IsResponse() && reply.CorrelationKey() == key {
			return &reply, nil
		}
		// Inline body was not our reply; route it and keep waiting.
		t.demux.dispatch(&reply)
		return t.demux.wait(ctx, key, replyCh)
	}
}

// captureSession records the server-assigned session id and makes sure
// the companion GET stream is open for server-initiated messages.
func (t *HTTPStreamTransport) captureSession(resp *http.Response) {
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		return
	}

	t.mu.Lock()
	isNew := t.sessionID != sid
	t.sessionID = sid
	t.mu.Unlock()

	if isNew {
		logger.Debugf("Session established, id=%s", sid)
	}
	t.ensureCompanionStream()
}

// ensureCompanionStream starts the GET stream goroutine once per connection.
func (t *HTTPStreamTransport) ensureCompanionStream() {
	if !t.connected.Load() {
		return
	}
	t.mu.Lock()
	if t.streaming {
		t.mu.Unlock()
		return
	}
	t.streaming = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runCompanionStream()
	}()
}

func (t *HTTPStreamTransport) getSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// runCompanionStream holds a GET event stream open for server-initiated
// messages, reconnecting with Last-Event-ID until the transport closes.
// Servers that do not offer a GET stream answer 405, which ends the loop.
func (t *HTTPStreamTransport) runCompanionStream() {
	delay := time.Second
	for t.connected.Load() {
		err := t.openCompanionStream()
		if err == nil {
			delay = time.Second
			continue
		}
		if t.streamCtx.Err() != nil {
			return
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			logger.Debugf("Server does not offer a companion stream: %v", err)
			return
		}

		logger.Warnf("Companion stream dropped, reconnecting in %s: %v", delay, err)
		select {
		case <-time.After(delay):
		case <-t.streamCtx.Done():
			return
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (t *HTTPStreamTransport) openCompanionStream() error {
	req, err := http.NewRequestWithContext(t.streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if sid := t.getSessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	t.mu.Lock()
	lastID := t.lastEventID
	t.mu.Unlock()
	if lastID != "" {
		req.Header.Set(lastEventIDHeader, lastID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := httpStatusError(resp)
		drainAndClose(resp.Body)
		return err
	}

	t.readEventStream(resp.Body, lastID)
	return nil
}

// readEventStream parses SSE events off body and routes the carried
// JSON-RPC messages. It records event ids so a reconnect can resume.
func (t *HTTPStreamTransport) readEventStream(body io.ReadCloser, _ string) {
	defer drainAndClose(body)

	scanner := newSSEScanner(body)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				logger.Debugf("Event stream read error: %v", err)
			}
			return
		}
		if ev.ID != "" {
			t.mu.Lock()
			t.lastEventID = ev.ID
			t.mu.Unlock()
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			logger.Warnf("Dropping malformed event payload: %v", err)
			continue
		}
		t.demux.dispatch(&msg)
	}
}

// Notifications returns the channel of server-initiated messages.
func (t *HTTPStreamTransport) Notifications() <-chan *Message {
	return t.demux.notifications
}

// IsAlive reports whether the transport accepts sends.
func (t *HTTPStreamTransport) IsAlive() bool {
	return t.connected.Load()
}

// Disconnect closes the companion stream and fails pending waiters.
func (t *HTTPStreamTransport) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if t.streamCancel != nil {
		t.streamCancel()
	}
	t.wg.Wait()
	t.demux.close()
	logger.Debugf("HTTP stream transport disconnected, endpoint=%s", t.config.URL)
	return nil
}

// httpStatusError builds an HTTPError for a non-2xx response, folding
// 401 into the auth-required sentinel for the strategy.
func httpStatusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrAuthRequired, resp.Status)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}

// drainAndClose consumes up to a small remainder of the body before
// closing so the underlying connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
