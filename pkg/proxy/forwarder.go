package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/mcp"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

// Sender is the remote side the forwarder speaks to: a single transport
// strategy or a load-balancing dispatcher.
type Sender interface {
	Send(ctx context.Context, msg *transport.Message) (*transport.Message, error)
	Notifications() <-chan *transport.Message
}

// DefaultRequestTimeout bounds one forwarded request-reply exchange.
const DefaultRequestTimeout = 30 * time.Second

// DefaultShutdownGrace is how long in-flight requests may still settle
// after the local stream closes, before they are cancelled.
const DefaultShutdownGrace = 5 * time.Second

// Forwarder pumps JSON-RPC traffic between a local newline stream and a
// remote sender. All local output funnels through one writer so frames
// never interleave; server-initiated messages are relayed in arrival
// order.
type Forwarder struct {
	sender  Sender
	writer  *transport.FrameWriter
	filter  *mcp.ToolFilter
	pending *pendingTable

	requestTimeout time.Duration
	shutdownGrace  time.Duration
	wg             sync.WaitGroup
}

// NewForwarder creates a Forwarder writing local output to out. A nil
// filter allows every tool; zero durations mean the defaults.
func NewForwarder(sender Sender, out io.Writer, filter *mcp.ToolFilter, requestTimeout, shutdownGrace time.Duration) *Forwarder {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if shutdownGrace <= 0 {
		shutdownGrace = DefaultShutdownGrace
	}
	if filter == nil {
		filter, _ = mcp.NewToolFilter(nil)
	}
	return &Forwarder{
		sender:         sender,
		writer:         transport.NewFrameWriter(out),
		filter:         filter,
		pending:        newPendingTable(),
		requestTimeout: requestTimeout,
		shutdownGrace:  shutdownGrace,
	}
}

// Run pumps messages until the local stream closes or ctx is cancelled.
// On shutdown every outstanding request is answered with a cancellation
// error before Run returns.
func (f *Forwarder) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		f.relayNotifications(ctx)
	}()

	err := f.readLocal(ctx, in)

	// In-flight requests get a bounded grace to settle before their
	// callers are answered with a cancellation. Handlers that finish in
	// time still deliver real replies and queued notifications.
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		f.wg.Wait()
	}()
	select {
	case <-settled:
	case <-time.After(f.shutdownGrace):
		logger.Warnf("Shutdown grace expired, cancelling %d pending requests", f.pending.size())
		f.pending.cancelAll()
		<-settled
	case <-ctx.Done():
		f.pending.cancelAll()
		<-settled
	}
	cancel()
	<-relayDone
	return err
}

// readLocal consumes the local stream frame by frame.
func (f *Forwarder) readLocal(ctx context.Context, in io.Reader) error {
	reader := transport.NewFrameReader(in)
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := reader.Read()
		if err != nil {
			switch {
			case err == io.EOF:
				logger.Debugf("Local stream closed")
				return nil
			case errors.Is(err, transport.ErrFrameTooLarge):
				f.answerError(nil, transport.CodeInvalidRequest, "frame exceeds maximum size")
				return fmt.Errorf("oversized frame on local stream: %w", err)
			case errors.Is(err, transport.ErrInvalidMessage):
				// One bad frame does not end the session.
				f.answerError(nil, transport.CodeParseError, "parse error")
				continue
			default:
				return fmt.Errorf("local stream read failed: %w", err)
			}
		}

		f.handleLocal(ctx, msg)
	}
}

// handleLocal routes one client message.
func (f *Forwarder) handleLocal(ctx context.Context, msg *transport.Message) {
	if err := msg.Validate(); err != nil {
		f.answerError(msg.ID, transport.CodeInvalidRequest, "invalid request")
		return
	}

	switch {
	case msg.IsNotification():
		// Fire and forget; a failed notification never surfaces locally.
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if _, err := f.sender.Send(ctx, msg); err != nil {
				logger.Debugf("Failed to forward notification %s: %v", msg.Method, err)
			}
		}()

	case msg.IsRequest():
		if msg.Method == "tools/call" && !f.filter.Allowed(msg.ToolName()) {
			f.answerError(msg.ID, transport.CodeMethodNotFound, fmt.Sprintf("tool %q is not available", msg.ToolName()))
			return
		}
		f.forwardRequest(ctx, msg)

	default:
		// A response from the client answers a server-initiated request;
		// forward it without correlation.
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if _, err := f.sender.Send(ctx, msg); err != nil {
				logger.Debugf("Failed to forward client response: %v", err)
			}
		}()
	}
}

// forwardRequest sends one request remote-ward and answers the client
// with the reply, or with the proxy's own error when the remote cannot.
func (f *Forwarder) forwardRequest(parent context.Context, msg *transport.Message) {
	key := msg.CorrelationKey()

	ctx, cancel := context.WithTimeout(parent, f.requestTimeout)
	if !f.pending.add(key, cancel) {
		cancel()
		logger.Warnf("Duplicate in-flight request id %q", key)
		f.answerError(msg.ID, transport.CodeInvalidRequest, "Invalid Request")
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		defer f.pending.remove(key)
		defer f.unpin(key)

		reply, err := f.sender.Send(ctx, msg)
		if err != nil {
			f.answerSendFailure(msg, err)
			return
		}
		if reply == nil {
			return
		}
		if msg.Method == "tools/list" && reply.Result != nil {
			filtered, ferr := f.filter.FilterToolsList(reply.Result)
			if ferr != nil {
				logger.Warnf("Failed to filter tools/list result: %v", ferr)
			} else {
				reply.Result = filtered
			}
		}
		if err := f.writer.Write(reply); err != nil {
			logger.Errorf("Failed to write reply for id %q: %v", key, err)
		}
	}()
}

// unpin releases the sender's routing pin for a settled request, when
// the sender keeps one.
func (f *Forwarder) unpin(key string) {
	if unpinner, ok := f.sender.(interface{ Unpin(string) }); ok {
		unpinner.Unpin(key)
	}
}

// answerSendFailure maps a forwarding failure onto the protocol error
// the client receives.
func (f *Forwarder) answerSendFailure(msg *transport.Message, err error) {
	key := msg.CorrelationKey()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warnf("Request %q timed out", key)
		f.answerError(msg.ID, transport.CodeRequestTimedOut, "request timed out")
	case errors.Is(err, context.Canceled), errors.Is(err, transport.ErrTransportClosed):
		f.answerError(msg.ID, transport.CodeCancelled, "cancelled")
	case transport.IsAuthError(err):
		logger.Warnf("Request %q rejected: authentication required", key)
		f.answerError(msg.ID, transport.CodeAuthRequired, "authentication required")
	default:
		logger.Warnf("Request %q failed: %v", key, err)
		f.answerError(msg.ID, transport.CodeInternalError, "upstream request failed")
	}
}

// relayNotifications copies server-initiated messages to the client in
// arrival order.
func (f *Forwarder) relayNotifications(ctx context.Context) {
	notifications := f.sender.Notifications()
	if notifications == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			f.flushNotifications(notifications)
			return
		case msg, ok := <-notifications:
			if !ok {
				return
			}
			if err := f.writer.Write(msg); err != nil {
				logger.Errorf("Failed to relay notification: %v", err)
				return
			}
		}
	}
}

// flushNotifications delivers whatever is already queued at shutdown
// without blocking on more.
func (f *Forwarder) flushNotifications(notifications <-chan *transport.Message) {
	for {
		select {
		case msg, ok := <-notifications:
			if !ok {
				return
			}
			if err := f.writer.Write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// answerError emits a proxy-originated error response on the local stream.
func (f *Forwarder) answerError(id []byte, code int, message string) {
	response, err := transport.NewErrorResponse(id, code, message, nil)
	if err != nil {
		logger.Errorf("Failed to build error response: %v", err)
		return
	}
	if err := f.writer.Write(response); err != nil {
		logger.Errorf("Failed to write error response: %v", err)
	}
}

// Pending reports the number of in-flight requests, exposed for tests
// and shutdown diagnostics.
func (f *Forwarder) Pending() int {
	return f.pending.size()
}

// Writer exposes the shared local output writer so other components
// (notification logging) can emit frames without interleaving.
func (f *Forwarder) Writer() *transport.FrameWriter {
	return f.writer
}
