package transport

import (
	"context"
	"sync"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// notificationBuffer sizes the server-to-client notification channel.
// Arrival order is preserved; the reader loop drops (and logs) frames
// only if the consumer stops draining entirely.
const notificationBuffer = 64

// demux routes inbound frames from a shared stream to the waiter that
// sent the matching request, and queues server-initiated messages for
// the notification consumer. All transports that receive replies and
// notifications on one stream share this.
type demux struct {
	mu            sync.Mutex
	pending       map[string]chan *Message
	notifications chan *Message
	closed        bool
}

func newDemux() *demux {
	return &demux{
		pending:       make(map[string]chan *Message),
		notifications: make(chan *Message, notificationBuffer),
	}
}

// register creates a single-use reply slot for the given correlation key.
// It returns false if the key already has a waiter in flight.
func (d *demux) register(key string) (<-chan *Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	if _, exists := d.pending[key]; exists {
		return nil, false
	}
	ch := make(chan *Message, 1)
	d.pending[key] = ch
	return ch, true
}

// unregister discards the reply slot for key, typically after a timeout.
func (d *demux) unregister(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, key)
}

// dispatch routes one inbound message. Responses go to their waiter;
// everything else (notifications and server-initiated requests) goes to
// the notification channel in arrival order.
func (d *demux) dispatch(msg *Message) {
	if msg.IsResponse() {
		key := msg.CorrelationKey()
		d.mu.Lock()
		ch, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			logger.Debugf("Dropping response with no pending request, id=%s", key)
		}
		return
	}

	select {
	case d.notifications <- msg:
	default:
		logger.Warnf("Notification channel full, dropping %s", msg.Method)
	}
}

// wait blocks until a reply arrives on ch or ctx expires.
func (d *demux) wait(ctx context.Context, key string, ch <-chan *Message) (*Message, error) {
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		return msg, nil
	case <-ctx.Done():
		d.unregister(key)
		return nil, ctx.Err()
	}
}

// close fails all pending waiters and closes the notification channel.
// Safe to call more than once.
func (d *demux) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for key, ch := range d.pending {
		close(ch)
		delete(d.pending, key)
	}
	close(d.notifications)
}
