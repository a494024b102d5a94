// Package proxy wires the local stdio endpoint to a remote transport:
// it forwards requests, correlates replies, relays notifications, and
// answers locally when the remote cannot.
package proxy

import (
	"context"
	"sync"
)

// pendingTable tracks in-flight requests by correlation key. It enforces
// id uniqueness among outstanding requests and lets shutdown cancel
// everything still waiting.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]context.CancelFunc)}
}

// add registers an in-flight request. It returns false when the key is
// already outstanding, which the caller must answer as an invalid request.
func (t *pendingTable) add(key string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return false
	}
	t.entries[key] = cancel
	return true
}

// remove drops a settled request.
func (t *pendingTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// cancelAll cancels every outstanding request, typically at shutdown.
func (t *pendingTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cancel := range t.entries {
		cancel()
		delete(t.entries, key)
	}
}

// size returns the number of outstanding requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
