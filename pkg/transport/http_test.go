package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) *Config {
	return &Config{URL: url, RequestTimeout: 5 * time.Second}
}

func readRequest(t *testing.T, r *http.Request) *Message {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	return &msg
}

func TestHTTPStreamInlineReply(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		msg := readRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, msg.ID)
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(1, "tools/list", nil)
	require.NoError(t, err)

	reply, err := transport.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.JSONEq(t, `{"ok":true}`, string(reply.Result))
}

func TestHTTPStreamAcceptedWithCompanionStream(t *testing.T) {
	t.Parallel()

	const sessionID = "sess-123"

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			msg := readRequest(t, r)
			assert.Equal(t, "2.0", msg.JSONRPC)
			w.Header().Set(sessionHeader, sessionID)
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			if r.Header.Get(sessionHeader) == "" {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			assert.Equal(t, sessionID, r.Header.Get(sessionHeader))
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "id: 1\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"streamed\":true}}\n\n")
			w.(http.Flusher).Flush()
			// Hold the stream open until the client goes away.
			<-r.Context().Done()
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(1, "initialize", nil)
	require.NoError(t, err)

	reply, err := transport.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.JSONEq(t, `{"streamed":true}`, string(reply.Result))
}

func TestHTTPStreamSSEBodyReply(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// A notification precedes the reply on the same stream.
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{}}\n\n")
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(5, "tools/list", nil)
	require.NoError(t, err)

	reply, err := transport.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "5", reply.CorrelationKey())

	select {
	case notification := <-transport.Notifications():
		assert.Equal(t, "notifications/progress", notification.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification to be relayed")
	}
}

func TestHTTPStreamUnauthorized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(1, "initialize", nil)
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), request)
	assert.True(t, IsAuthError(err), "expected auth error, got %v", err)
}

func TestHTTPStreamServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), request)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "5xx must be retryable")

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "2", httpErr.RetryAfter)

	delay, ok := httpErr.RetryAfterDuration()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)
}

func TestHTTPStreamConnectFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport := NewHTTPStreamTransport(testConfig(url))
	err := transport.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "unreachable endpoint must be retryable")
	assert.False(t, transport.IsAlive())
}

func TestHTTPStreamConnectFailsOnServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	err := transport.Connect(context.Background())
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestHTTPStreamAcceptedReplyWithoutSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			readRequest(t, r)
			// No session id assigned; the reply still arrives on the
			// companion stream.
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"late\":true}}\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	request, err := NewRequest(7, "tools/list", nil)
	require.NoError(t, err)

	reply, err := transport.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.JSONEq(t, `{"late":true}`, string(reply.Result))
}

func TestHTTPStreamNotificationNoReply(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPStreamTransport(testConfig(server.URL))
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Disconnect()

	notification, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)

	reply, err := transport.Send(context.Background(), notification)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHTTPStreamRejectsNonHTTPSRemote(t *testing.T) {
	t.Parallel()

	transport := NewHTTPStreamTransport(testConfig("http://example.com/mcp"))
	err := transport.Connect(context.Background())
	require.Error(t, err)
}
