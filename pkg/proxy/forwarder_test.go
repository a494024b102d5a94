package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveport/mcp-remote/pkg/mcp"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

// fakeSender scripts the remote side of a forwarder.
type fakeSender struct {
	mu            sync.Mutex
	sent          []*transport.Message
	handler       func(msg *transport.Message) (*transport.Message, error)
	notifications chan *transport.Message
}

func newFakeSender(handler func(msg *transport.Message) (*transport.Message, error)) *fakeSender {
	return &fakeSender{
		handler:       handler,
		notifications: make(chan *transport.Message, 8),
	}
}

func (s *fakeSender) Send(_ context.Context, msg *transport.Message) (*transport.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	if s.handler != nil {
		return s.handler(msg)
	}
	return nil, nil
}

func (s *fakeSender) Notifications() <-chan *transport.Message {
	return s.notifications
}

func (s *fakeSender) sentMessages() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Message(nil), s.sent...)
}

func echoHandler(msg *transport.Message) (*transport.Message, error) {
	if msg.ID == nil {
		return nil, nil
	}
	return transport.NewResponse(msg.ID, map[string]bool{"ok": true})
}

// runForwarder feeds input through a forwarder and returns the frames it
// wrote locally.
func runForwarder(t *testing.T, sender Sender, filterPatterns []string, timeout time.Duration, input string) []*transport.Message {
	t.Helper()

	filter, err := mcp.NewToolFilter(filterPatterns)
	require.NoError(t, err)

	var out bytes.Buffer
	forwarder := NewForwarder(sender, &out, filter, timeout, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, forwarder.Run(ctx, strings.NewReader(input)))

	var frames []*transport.Message
	reader := transport.NewFrameReader(bytes.NewReader(out.Bytes()))
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, msg)
	}
	return frames
}

func TestForwarderRequestReply(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(echoHandler)
	frames := runForwarder(t, sender, nil, 0, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")

	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].CorrelationKey())
	assert.JSONEq(t, `{"ok":true}`, string(frames[0].Result))
}

func TestForwarderDuplicateID(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sender := newFakeSender(func(msg *transport.Message) (*transport.Message, error) {
		<-block
		return echoHandler(msg)
	})

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n" +
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"

	go func() {
		time.Sleep(200 * time.Millisecond)
		close(block)
	}()

	frames := runForwarder(t, sender, nil, 0, input)
	require.Len(t, frames, 2)

	// The second use of the id is rejected without touching the remote.
	var rejections []*transport.Error
	for _, frame := range frames {
		if frame.Error != nil {
			rejections = append(rejections, frame.Error)
		}
	}
	require.Len(t, rejections, 1)
	assert.Equal(t, transport.CodeInvalidRequest, rejections[0].Code)
	assert.Equal(t, "Invalid Request", rejections[0].Message)
}

// delayedSender answers after a fixed delay, honoring cancellation.
type delayedSender struct {
	delay time.Duration
}

func (s *delayedSender) Send(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	select {
	case <-time.After(s.delay):
		return echoHandler(msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (*delayedSender) Notifications() <-chan *transport.Message { return nil }

func TestForwarderShutdownWaitsForInFlight(t *testing.T) {
	t.Parallel()

	// The local stream closes right after the request is read; the reply
	// only exists 300ms later and must still reach the client.
	sender := &delayedSender{delay: 300 * time.Millisecond}
	frames := runForwarder(t, sender, nil, 0, `{"jsonrpc":"2.0","id":4,"method":"slow/op"}`+"\n")

	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error, "in-flight request must settle, not be cancelled")
	assert.Equal(t, "4", frames[0].CorrelationKey())
	assert.JSONEq(t, `{"ok":true}`, string(frames[0].Result))
}

func TestForwarderRequestTimeout(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(msg *transport.Message) (*transport.Message, error) {
		return nil, context.DeadlineExceeded
	})

	frames := runForwarder(t, sender, nil, 50*time.Millisecond, `{"jsonrpc":"2.0","id":9,"method":"slow/op"}`+"\n")

	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, transport.CodeRequestTimedOut, frames[0].Error.Code)
	assert.Equal(t, "request timed out", frames[0].Error.Message)
	assert.Equal(t, "9", frames[0].CorrelationKey())
}

func TestForwarderAuthFailure(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(*transport.Message) (*transport.Message, error) {
		return nil, transport.ErrAuthRequired
	})

	frames := runForwarder(t, sender, nil, 0, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")

	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, transport.CodeAuthRequired, frames[0].Error.Code)
	assert.Equal(t, "authentication required", frames[0].Error.Message)
}

func TestForwarderParseErrorKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(echoHandler)
	input := "this is not json\n" + `{"jsonrpc":"2.0","id":3,"method":"ping"}` + "\n"

	frames := runForwarder(t, sender, nil, 0, input)
	require.Len(t, frames, 2)

	require.NotNil(t, frames[0].Error)
	assert.Equal(t, transport.CodeParseError, frames[0].Error.Code)

	assert.Equal(t, "3", frames[1].CorrelationKey())
	assert.Nil(t, frames[1].Error)
}

func TestForwarderFilteredToolCall(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(echoHandler)
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"db_drop"}}` + "\n"

	frames := runForwarder(t, sender, []string{"fs_*"}, 0, input)

	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, transport.CodeMethodNotFound, frames[0].Error.Code)
	assert.Empty(t, sender.sentMessages(), "filtered calls never reach the remote")
}

func TestForwarderFiltersToolsListReply(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(msg *transport.Message) (*transport.Message, error) {
		result := json.RawMessage(`{"tools":[{"name":"fs_read"},{"name":"db_drop"}],"nextCursor":"c1"}`)
		return transport.NewResponse(msg.ID, result)
	})

	frames := runForwarder(t, sender, []string{"fs_*"}, 0, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")

	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"tools":[{"name":"fs_read"}],"nextCursor":"c1"}`, string(frames[0].Result))
}

func TestForwarderNotificationFireAndForget(t *testing.T) {
	t.Parallel()

	sender := newFakeSender(func(msg *transport.Message) (*transport.Message, error) {
		if msg.IsNotification() {
			return nil, fmt.Errorf("remote rejected it")
		}
		return echoHandler(msg)
	})

	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"

	frames := runForwarder(t, sender, nil, 0, input)

	// Only the request produces local output; the failed notification is silent.
	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].CorrelationKey())
	assert.Len(t, sender.sentMessages(), 2)
}

func TestForwarderRelaysServerNotifications(t *testing.T) {
	t.Parallel()

	var sender *fakeSender
	sender = newFakeSender(func(msg *transport.Message) (*transport.Message, error) {
		// Queue two notifications before answering so arrival order is testable.
		first, _ := transport.NewNotification("notifications/progress", map[string]int{"step": 1})
		second, _ := transport.NewNotification("notifications/progress", map[string]int{"step": 2})
		sender.notifications <- first
		sender.notifications <- second
		return echoHandler(msg)
	})

	frames := runForwarder(t, sender, nil, 0, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	var steps []string
	for _, frame := range frames {
		if frame.Method == "notifications/progress" {
			steps = append(steps, string(frame.Params))
		}
	}
	require.Len(t, steps, 2, "both notifications relayed")
	assert.JSONEq(t, `{"step":1}`, steps[0])
	assert.JSONEq(t, `{"step":2}`, steps[1])
}
