package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hiveport/mcp-remote/pkg/logger"
)

// Default retry policy for a single transport before falling back.
const (
	DefaultRetryAttempts  = 3
	DefaultInitialBackoff = time.Second
)

// Authenticator obtains a bearer token when the remote answers 401.
// The OAuth engine satisfies this; static-token setups can too.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// NewTransport constructs a transport of the given type over config.
func NewTransport(transportType TransportType, config *Config) (RemoteTransport, error) {
	switch transportType {
	case TransportTypeHTTPStream:
		return NewHTTPStreamTransport(config), nil
	case TransportTypeSSE:
		return NewSSETransport(config), nil
	case TransportTypeStdio:
		return NewStdioTransport(config), nil
	case TransportTypeTCP:
		return NewTCPTransport(config), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, transportType)
	}
}

// StrategyConfig describes the transport chain and its retry policy.
type StrategyConfig struct {
	// Primary is tried first; Fallbacks follow in order.
	Primary   TransportType
	Fallbacks []TransportType
	// RetryAttempts is the per-transport retry budget. Zero means the default.
	RetryAttempts int
	// InitialBackoff seeds the exponential backoff. Zero means the default.
	InitialBackoff time.Duration
}

func (c *StrategyConfig) chain() []TransportType {
	return append([]TransportType{c.Primary}, c.Fallbacks...)
}

func (c *StrategyConfig) attempts() int {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return DefaultRetryAttempts
}

func (c *StrategyConfig) initialBackoff() time.Duration {
	if c.InitialBackoff > 0 {
		return c.InitialBackoff
	}
	return DefaultInitialBackoff
}

// Strategy walks a transport chain, retrying each candidate with
// exponential backoff before moving on. The session sticks to whichever
// transport last succeeded; each send resumes the walk from there, so a
// transport that dies mid-session is retried and then abandoned for the
// next candidate rather than failing the session outright.
type Strategy struct {
	config         *Config
	strategyConfig *StrategyConfig
	auth           Authenticator

	closed atomic.Bool

	mu     sync.Mutex
	active RemoteTransport
}

// NewStrategy creates a Strategy over the given transport config and chain.
func NewStrategy(config *Config, strategyConfig *StrategyConfig, auth Authenticator) *Strategy {
	return &Strategy{
		config:         config,
		strategyConfig: strategyConfig,
		auth:           auth,
	}
}

// Connect walks the chain and pins the first transport that establishes.
// It returns ErrAllTransportsFailed when every candidate exhausts its
// retry budget, and ErrAuthRequired when authentication itself failed.
func (s *Strategy) Connect(ctx context.Context) error {
	s.closed.Store(false)

	var lastErr error
	for _, transportType := range s.strategyConfig.chain() {
		transport, err := s.connectOne(ctx, transportType)
		if err == nil {
			s.mu.Lock()
			s.active = transport
			s.mu.Unlock()
			logger.Infof("Connected via %s transport", transportType)
			return nil
		}

		lastErr = err
		if IsAuthError(err) {
			// Authentication failed outright; a different transport
			// will hit the same wall.
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		logger.Warnf("Transport %s failed, trying next: %v", transportType, err)
	}

	return fmt.Errorf("%w: %w", ErrAllTransportsFailed, lastErr)
}

// connectOne retries a single transport type with exponential backoff.
// A 401 triggers the authenticator once, without consuming a retry.
func (s *Strategy) connectOne(ctx context.Context, transportType TransportType) (RemoteTransport, error) {
	authAttempted := false

	operation := func() (RemoteTransport, error) {
		transport, err := NewTransport(transportType, s.config)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		err = s.connectWithTimeout(ctx, transport)
		if err == nil {
			return transport, nil
		}

		if IsAuthError(err) {
			if s.auth == nil || authAttempted {
				return nil, backoff.Permanent(err)
			}
			authAttempted = true
			if authErr := s.authenticate(ctx); authErr != nil {
				return nil, backoff.Permanent(authErr)
			}
			// Fresh credentials; retry immediately without counting
			// this round against the budget.
			retry, rerr := NewTransport(transportType, s.config)
			if rerr != nil {
				return nil, backoff.Permanent(rerr)
			}
			if rerr = s.connectWithTimeout(ctx, retry); rerr == nil {
				return retry, nil
			}
			err = rerr
		}

		return nil, classifyRetry(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.strategyConfig.initialBackoff()

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(s.strategyConfig.attempts())),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Transport %s attempt failed, retrying in %s: %v", transportType, duration, err)
		}),
	)
}

func (s *Strategy) connectWithTimeout(ctx context.Context, transport RemoteTransport) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.config.connectTimeout())
	defer cancel()
	return transport.Connect(connectCtx)
}

// classifyRetry translates a transport error into the retry loop's
// vocabulary: non-retryable failures abort the loop, and a parseable
// Retry-After header overrides the computed delay.
func classifyRetry(err error) error {
	if !IsRetryable(err) {
		return backoff.Permanent(err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if delay, ok := httpErr.RetryAfterDuration(); ok {
			return fmt.Errorf("%w: %w", err, &backoff.RetryAfterError{Duration: delay})
		}
	}
	return err
}

// authenticate runs the authenticator and installs the token for
// subsequent connection attempts.
func (s *Strategy) authenticate(ctx context.Context) error {
	token, err := s.auth.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}
	s.config.AuthToken = token
	return nil
}

// Active returns the pinned transport, or nil before Connect succeeds.
func (s *Strategy) Active() RemoteTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send forwards msg, resuming the chain walk at the pinned transport.
// Each candidate gets the full retry budget; a retryable exhaustion
// advances to the next transport, a non-retryable failure returns
// immediately. A 401 mid-session triggers one re-authentication and
// reconnect before the send is retried on the same transport.
func (s *Strategy) Send(ctx context.Context, msg *Message) (*Message, error) {
	if s.closed.Load() {
		return nil, ErrTransportClosed
	}

	chain := s.strategyConfig.chain()
	start := 0
	if active := s.Active(); active != nil {
		for i, transportType := range chain {
			if transportType == active.Type() {
				start = i
				break
			}
		}
	}

	var lastErr error
	for _, transportType := range chain[start:] {
		reply, err := s.sendOn(ctx, transportType, msg)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		logger.Warnf("Transport %s exhausted, trying next: %v", transportType, err)
	}

	return nil, fmt.Errorf("%w: %w", ErrAllTransportsFailed, lastErr)
}

// sendOn delivers msg over one transport type, connecting it first when
// the pinned transport is absent, dead, or of a different type.
func (s *Strategy) sendOn(ctx context.Context, transportType TransportType, msg *Message) (*Message, error) {
	authAttempted := false

	operation := func() (*Message, error) {
		transport, err := s.ensure(ctx, transportType)
		if err != nil {
			return nil, classifyRetry(err)
		}
		reply, err := transport.Send(ctx, msg)
		if err == nil {
			return reply, nil
		}

		if IsAuthError(err) && s.auth != nil && !authAttempted {
			authAttempted = true
			logger.Infof("Session rejected with 401, re-authenticating")
			if authErr := s.authenticate(ctx); authErr != nil {
				return nil, backoff.Permanent(authErr)
			}
			replacement, reconnectErr := s.reconnect(ctx, transport)
			if reconnectErr != nil {
				return nil, classifyRetry(reconnectErr)
			}
			// Fresh credentials; resend without counting this round
			// against the budget.
			if reply, err = replacement.Send(ctx, msg); err == nil {
				return reply, nil
			}
		}

		return nil, classifyRetry(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.strategyConfig.initialBackoff()

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(s.strategyConfig.attempts())),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Send on %s failed, retrying in %s: %v", transportType, duration, err)
		}),
	)
}

// ensure returns a live transport of the given type, replacing the
// pinned one when it does not match or has died.
func (s *Strategy) ensure(ctx context.Context, transportType TransportType) (RemoteTransport, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil && active.Type() == transportType && active.IsAlive() {
		return active, nil
	}

	replacement, err := NewTransport(transportType, s.config)
	if err != nil {
		return nil, err
	}
	if err := s.connectWithTimeout(ctx, replacement); err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.active
	s.active = replacement
	s.mu.Unlock()
	if old != nil {
		_ = old.Disconnect()
	}
	logger.Infof("Connected via %s transport", transportType)
	return replacement, nil
}

// reconnect tears down the pinned transport and re-establishes the same
// type with current credentials.
func (s *Strategy) reconnect(ctx context.Context, old RemoteTransport) (RemoteTransport, error) {
	_ = old.Disconnect()

	replacement, err := NewTransport(old.Type(), s.config)
	if err != nil {
		return nil, err
	}
	if err := s.connectWithTimeout(ctx, replacement); err != nil {
		return nil, fmt.Errorf("reconnect failed: %w", err)
	}

	s.mu.Lock()
	s.active = replacement
	s.mu.Unlock()
	return replacement, nil
}

// Notifications returns the pinned transport's notification channel.
func (s *Strategy) Notifications() <-chan *Message {
	transport := s.Active()
	if transport == nil {
		return nil
	}
	return transport.Notifications()
}

// Disconnect tears down the pinned transport.
func (s *Strategy) Disconnect() error {
	s.closed.Store(true)
	s.mu.Lock()
	transport := s.active
	s.active = nil
	s.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Disconnect()
}

// IsExhausted reports whether err means the whole chain failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrAllTransportsFailed)
}
