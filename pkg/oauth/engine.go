package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/tokenstore"
)

// RefreshSkew refreshes tokens this long before their stated expiry so
// a request never goes out with a token about to lapse mid-flight.
const RefreshSkew = 60 * time.Second

// Engine hands out valid bearer tokens for one remote server, running
// the authorization flow or a refresh only when needed. Concurrent
// callers share a single in-flight refresh.
type Engine struct {
	flow      *Flow
	store     *tokenstore.Store
	serverURL string
	group     singleflight.Group
}

// NewEngine creates an Engine over the given flow config and store.
func NewEngine(config *Config, store *tokenstore.Store) (*Engine, error) {
	flow, err := NewFlow(config, store)
	if err != nil {
		return nil, err
	}
	return &Engine{
		flow:      flow,
		store:     store,
		serverURL: config.ServerURL,
	}, nil
}

// Authenticate returns a bearer token valid for at least the refresh
// skew, satisfying the transport layer's authenticator contract.
func (e *Engine) Authenticate(ctx context.Context) (string, error) {
	result, err, shared := e.group.Do("token", func() (any, error) {
		return e.currentToken(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.Debugf("Token request coalesced with concurrent caller")
	}
	return result.(string), nil
}

func (e *Engine) currentToken(ctx context.Context) (string, error) {
	if record, err := e.store.Load(e.serverURL); err == nil {
		if usable(record) {
			return record.AccessToken, nil
		}
	}

	record, err := e.flow.Authorize(ctx)
	if err != nil {
		return "", fmt.Errorf("authorization failed: %w", err)
	}
	return record.AccessToken, nil
}

// usable reports whether the stored token survives past the refresh skew.
func usable(record *tokenstore.TokenRecord) bool {
	if record.AccessToken == "" {
		return false
	}
	if record.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(RefreshSkew).Before(record.ExpiresAt)
}

// TokenSource adapts the engine to oauth2.TokenSource for HTTP clients
// that manage their own Authorization headers.
func (e *Engine) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &engineTokenSource{engine: e, ctx: ctx}
}

type engineTokenSource struct {
	engine *Engine
	ctx    context.Context
}

func (s *engineTokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.engine.Authenticate(s.ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.engine.store.Load(s.engine.serverURL)
	if err != nil {
		return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}, nil
	}
	return record.Token(), nil
}
