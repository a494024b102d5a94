package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

// EndpointState is the health of one balanced endpoint.
type EndpointState int

const (
	// StateHealthy endpoints receive new traffic.
	StateHealthy EndpointState = iota
	// StateDegraded endpoints still receive traffic but are close to
	// being taken out of rotation.
	StateDegraded
	// StateDown endpoints receive no traffic until probes restore them.
	StateDown
)

func (s EndpointState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Health state machine tuning.
const (
	// failureWindow is the sliding window for counting retryable failures.
	failureWindow = 60 * time.Second
	// degradedThreshold failures within the window mark an endpoint degraded.
	degradedThreshold = 2
	// downThreshold failures within the window take it out of rotation.
	downThreshold = 5
	// probeInterval is how often down endpoints are pinged.
	probeInterval = 30 * time.Second
	// probeRestoreCount consecutive successful probes restore an endpoint.
	probeRestoreCount = 2
	// probeTimeout bounds one health probe.
	probeTimeout = 10 * time.Second
)

// balancedEndpoint is one remote server in the rotation.
type balancedEndpoint struct {
	url      string
	strategy *transport.Strategy

	mu             sync.Mutex
	state          EndpointState
	failures       []time.Time
	probeSuccesses int
}

// recordFailure notes a retryable failure and advances the state machine.
func (e *balancedEndpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.failures = append(e.failures, now)
	e.trimFailures(now)

	previous := e.state
	switch {
	case len(e.failures) >= downThreshold:
		e.state = StateDown
		e.probeSuccesses = 0
	case len(e.failures) >= degradedThreshold:
		e.state = StateDegraded
	}
	if e.state != previous {
		logger.Warnf("Endpoint %s is now %s", e.url, e.state)
	}
}

// recordSuccess clears the failure window so only consecutive failures
// accumulate, and lifts degradation on live traffic.
func (e *balancedEndpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = nil
	if e.state == StateDegraded {
		e.state = StateHealthy
		logger.Infof("Endpoint %s recovered", e.url)
	}
}

// recordProbe advances a down endpoint back toward rotation.
func (e *balancedEndpoint) recordProbe(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateDown {
		return
	}
	if !ok {
		e.probeSuccesses = 0
		return
	}
	e.probeSuccesses++
	if e.probeSuccesses >= probeRestoreCount {
		e.state = StateHealthy
		e.failures = nil
		e.probeSuccesses = 0
		logger.Infof("Endpoint %s restored to rotation", e.url)
	}
}

func (e *balancedEndpoint) trimFailures(now time.Time) {
	cutoff := now.Add(-failureWindow)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = kept
}

// currentState returns the endpoint's health.
func (e *balancedEndpoint) currentState() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Balancer distributes traffic round-robin across several remote
// endpoints and tracks their health. A request id stays pinned to the
// endpoint that first saw it, so a resend after a reconnect lands on
// the endpoint already holding the original.
type Balancer struct {
	endpoints     []*balancedEndpoint
	notifications chan *transport.Message

	mu   sync.Mutex
	next int
	pins map[string]*balancedEndpoint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBalancer creates a Balancer over one Strategy per endpoint URL.
func NewBalancer(urls []string, configure func(url string) (*transport.Strategy, error)) (*Balancer, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no endpoints to balance across")
	}

	b := &Balancer{
		notifications: make(chan *transport.Message, 64),
		pins:          make(map[string]*balancedEndpoint),
	}
	for _, url := range urls {
		strategy, err := configure(url)
		if err != nil {
			return nil, fmt.Errorf("failed to configure endpoint %s: %w", url, err)
		}
		b.endpoints = append(b.endpoints, &balancedEndpoint{url: url, strategy: strategy})
	}
	return b, nil
}

// Connect establishes every endpoint and starts the probe loop. At
// least one endpoint must connect; the rest start down and are probed
// back into rotation.
func (b *Balancer) Connect(ctx context.Context) error {
	var (
		connectMu sync.Mutex
		connected int
	)
	var group errgroup.Group
	for _, endpoint := range b.endpoints {
		endpoint := endpoint
		group.Go(func() error {
			if err := endpoint.strategy.Connect(ctx); err != nil {
				logger.Warnf("Endpoint %s failed to connect, starting down: %v", endpoint.url, err)
				endpoint.mu.Lock()
				endpoint.state = StateDown
				endpoint.mu.Unlock()
				return nil
			}
			connectMu.Lock()
			connected++
			connectMu.Unlock()
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.relayEndpointNotifications(endpoint)
			}()
			return nil
		})
	}
	_ = group.Wait()
	if connected == 0 {
		return fmt.Errorf("%w: no endpoint reachable", transport.ErrAllTransportsFailed)
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.probeLoop(probeCtx)
	}()

	logger.Infof("Load balancing across %d endpoints (%d up)", len(b.endpoints), connected)
	return nil
}

// Send routes msg to its pinned endpoint, or picks the next healthy one
// round-robin and pins the session there.
func (b *Balancer) Send(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	endpoint, err := b.pick(msg)
	if err != nil {
		return nil, err
	}

	reply, err := endpoint.strategy.Send(ctx, msg)
	if err != nil {
		if transport.IsRetryable(err) {
			endpoint.recordFailure()
		}
		return nil, err
	}
	endpoint.recordSuccess()
	return reply, nil
}

// pick selects an endpoint, honoring session pins.
func (b *Balancer) pick(msg *transport.Message) (*balancedEndpoint, error) {
	key := msg.CorrelationKey()

	b.mu.Lock()
	defer b.mu.Unlock()

	if key != "" {
		if pinned, ok := b.pins[key]; ok {
			if pinned.currentState() != StateDown {
				return pinned, nil
			}
			// Pinned endpoint is gone; the session restarts elsewhere.
			delete(b.pins, key)
		}
	}

	// Degraded endpoints only take traffic when no healthy one remains.
	for _, worst := range []EndpointState{StateHealthy, StateDegraded} {
		for i := 0; i < len(b.endpoints); i++ {
			candidate := b.endpoints[b.next%len(b.endpoints)]
			b.next++
			if candidate.currentState() > worst {
				continue
			}
			if key != "" {
				b.pins[key] = candidate
			}
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("%w: every endpoint is down", transport.ErrAllTransportsFailed)
}

// Unpin releases a settled request id. The forwarder calls this once a
// reply is delivered so the pin table does not grow without bound.
func (b *Balancer) Unpin(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pins, key)
}

// Notifications returns the merged notification stream of every endpoint.
func (b *Balancer) Notifications() <-chan *transport.Message {
	return b.notifications
}

func (b *Balancer) relayEndpointNotifications(endpoint *balancedEndpoint) {
	source := endpoint.strategy.Notifications()
	if source == nil {
		return
	}
	for msg := range source {
		// Never block here: a stalled consumer must not wedge the
		// endpoint's notification pump or a later Disconnect.
		select {
		case b.notifications <- msg:
		default:
			logger.Warnf("Notification buffer full, dropping %s from %s", msg.Method, endpoint.url)
		}
	}
}

// probeLoop pings down endpoints on a fixed interval and restores those
// that answer consistently.
func (b *Balancer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, endpoint := range b.endpoints {
			if endpoint.currentState() != StateDown {
				continue
			}
			b.probe(ctx, endpoint)
		}
	}
}

// probe reconnects (if needed) and pings one down endpoint.
func (b *Balancer) probe(ctx context.Context, endpoint *balancedEndpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if active := endpoint.strategy.Active(); active == nil || !active.IsAlive() {
		if err := endpoint.strategy.Connect(probeCtx); err != nil {
			logger.Debugf("Probe reconnect for %s failed: %v", endpoint.url, err)
			endpoint.recordProbe(false)
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.relayEndpointNotifications(endpoint)
		}()
	}

	ping, err := transport.NewRequest("probe-"+uuid.NewString(), "ping", nil)
	if err != nil {
		endpoint.recordProbe(false)
		return
	}
	if _, err := endpoint.strategy.Send(probeCtx, ping); err != nil {
		logger.Debugf("Probe ping for %s failed: %v", endpoint.url, err)
		endpoint.recordProbe(false)
		return
	}
	endpoint.recordProbe(true)
}

// States reports the current health of every endpoint, keyed by URL.
func (b *Balancer) States() map[string]EndpointState {
	states := make(map[string]EndpointState, len(b.endpoints))
	for _, endpoint := range b.endpoints {
		states[endpoint.url] = endpoint.currentState()
	}
	return states
}

// Disconnect stops probing and tears down every endpoint.
func (b *Balancer) Disconnect() error {
	if b.cancel != nil {
		b.cancel()
	}
	var firstErr error
	for _, endpoint := range b.endpoints {
		if err := endpoint.strategy.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	close(b.notifications)
	return firstErr
}
