package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastStrategyConfig(primary TransportType, fallbacks ...TransportType) *StrategyConfig {
	return &StrategyConfig{
		Primary:        primary,
		Fallbacks:      fallbacks,
		RetryAttempts:  2,
		InitialBackoff: 10 * time.Millisecond,
	}
}

func TestStrategyConnectsPrimary(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	strategy := NewStrategy(testConfig(server.URL), fastStrategyConfig(TransportTypeHTTPStream), nil)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()

	active := strategy.Active()
	require.NotNil(t, active)
	assert.Equal(t, TransportTypeHTTPStream, active.Type())
}

func TestStrategyFallsBackToNextTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	// The stdio primary has no command configured and fails immediately;
	// the HTTP fallback succeeds.
	strategy := NewStrategy(testConfig(server.URL), fastStrategyConfig(TransportTypeStdio, TransportTypeHTTPStream), nil)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()

	assert.Equal(t, TransportTypeHTTPStream, strategy.Active().Type())
}

func TestStrategyExhaustsChain(t *testing.T) {
	t.Parallel()

	config := &Config{URL: "ftp://bad.example.com"}
	strategy := NewStrategy(config, fastStrategyConfig(TransportTypeHTTPStream, TransportTypeSSE), nil)

	err := strategy.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
}

type staticAuthenticator struct {
	token string
	calls atomic.Int32
	err   error
}

func (a *staticAuthenticator) Authenticate(context.Context) (string, error) {
	a.calls.Add(1)
	return a.token, a.err
}

func TestStrategyReauthenticatesOn401(t *testing.T) {
	t.Parallel()

	var unauthorized atomic.Bool
	unauthorized.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		unauthorized.Store(false)
		msg := readRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID)
	}))
	defer server.Close()

	auth := &staticAuthenticator{token: "fresh-token"}
	strategy := NewStrategy(testConfig(server.URL), fastStrategyConfig(TransportTypeHTTPStream), auth)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()

	request, err := NewRequest(1, "initialize", nil)
	require.NoError(t, err)

	reply, err := strategy.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, json.RawMessage("1"), reply.ID)
	assert.EqualValues(t, 1, auth.calls.Load())
	assert.False(t, unauthorized.Load())
}

func TestStrategyAuthFailureStopsChain(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	auth := &staticAuthenticator{err: fmt.Errorf("user declined")}
	strategy := NewStrategy(testConfig(server.URL), fastStrategyConfig(TransportTypeHTTPStream), auth)

	err := strategy.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err), "expected auth error, got %v", err)
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestStrategySendRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if posts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		msg := readRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, msg.ID)
	}))
	defer server.Close()

	strategyConfig := &StrategyConfig{
		Primary:        TransportTypeHTTPStream,
		RetryAttempts:  3,
		InitialBackoff: 10 * time.Millisecond,
	}
	strategy := NewStrategy(testConfig(server.URL), strategyConfig, nil)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()

	request, err := NewRequest(1, "tools/list", nil)
	require.NoError(t, err)

	reply, err := strategy.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.EqualValues(t, 3, posts.Load())
}

func TestStrategySendFallsBackMidSession(t *testing.T) {
	t.Parallel()

	events := make(chan string, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			// The HTTP-stream transport never gets a request through.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		for {
			select {
			case event := <-events:
				fmt.Fprint(w, event)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		msg := readRequest(t, r)
		w.WriteHeader(http.StatusAccepted)
		events <- fmt.Sprintf(
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"via\":\"sse\"}}\n\n", msg.ID)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	strategy := NewStrategy(testConfig(server.URL),
		fastStrategyConfig(TransportTypeHTTPStream, TransportTypeSSE), nil)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()
	require.Equal(t, TransportTypeHTTPStream, strategy.Active().Type())

	request, err := NewRequest(1, "tools/list", nil)
	require.NoError(t, err)

	reply, err := strategy.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.JSONEq(t, `{"via":"sse"}`, string(reply.Result))
	assert.Equal(t, TransportTypeSSE, strategy.Active().Type())
}

func TestStrategySendHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if posts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		msg := readRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID)
	}))
	defer server.Close()

	// The configured backoff is far longer than the test allows; only the
	// server-provided Retry-After makes the second attempt prompt.
	strategyConfig := &StrategyConfig{
		Primary:        TransportTypeHTTPStream,
		RetryAttempts:  2,
		InitialBackoff: time.Minute,
	}
	strategy := NewStrategy(testConfig(server.URL), strategyConfig, nil)
	require.NoError(t, strategy.Connect(context.Background()))
	defer strategy.Disconnect()

	request, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	start := time.Now()
	reply, err := strategy.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 2, posts.Load())
}

func TestStrategySendAfterDisconnect(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	strategy := NewStrategy(testConfig(server.URL), fastStrategyConfig(TransportTypeHTTPStream), nil)
	require.NoError(t, strategy.Connect(context.Background()))
	require.NoError(t, strategy.Disconnect())

	request, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	_, err = strategy.Send(context.Background(), request)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
