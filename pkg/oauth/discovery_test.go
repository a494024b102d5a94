package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metadataJSON(issuer string) string {
	return fmt.Sprintf(`{
		"issuer": %q,
		"authorization_endpoint": %q,
		"token_endpoint": %q,
		"registration_endpoint": %q,
		"code_challenge_methods_supported": ["S256"]
	}`, issuer, issuer+"/authorize", issuer+"/token", issuer+"/register")
}

func TestDiscoverServerMetadata(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataJSON(server.URL))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	metadata, err := DiscoverServerMetadata(context.Background(), server.Client(), server.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, server.URL+"/token", metadata.TokenEndpoint)
	assert.True(t, metadata.SupportsS256())
}

func TestDiscoverServerMetadataPathAware(t *testing.T) {
	t.Parallel()

	// RFC 8414: the path-suffixed location is tried before the root one.
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server/tenant/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataJSON(server.URL))
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "wrong candidate", http.StatusNotFound)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	metadata, err := DiscoverServerMetadata(context.Background(), server.Client(), server.URL+"/tenant/a")
	require.NoError(t, err)
	assert.NotEmpty(t, metadata.TokenEndpoint)
}

func TestDiscoverServerMetadataOIDCFallback(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataJSON(server.URL))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	metadata, err := DiscoverServerMetadata(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.NotEmpty(t, metadata.AuthorizationEndpoint)
}

func TestDiscoverServerMetadataRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>not metadata</html>")
	}))
	defer server.Close()

	_, err := DiscoverServerMetadata(context.Background(), server.Client(), server.URL)
	assert.ErrorIs(t, err, ErrNoAuthServer)
}

func TestDiscoverServerMetadataNoServer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := DiscoverServerMetadata(context.Background(), server.Client(), server.URL)
	assert.ErrorIs(t, err, ErrNoAuthServer)
}

func TestServerMetadataValidate(t *testing.T) {
	t.Parallel()

	valid := &ServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}
	assert.NoError(t, valid.Validate())

	missing := &ServerMetadata{TokenEndpoint: "https://auth.example.com/token"}
	assert.Error(t, missing.Validate())

	insecure := &ServerMetadata{
		AuthorizationEndpoint: "http://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}
	assert.Error(t, insecure.Validate())
}

func TestSupportsS256(t *testing.T) {
	t.Parallel()

	assert.True(t, (&ServerMetadata{}).SupportsS256(), "absent field defaults to supported")
	assert.True(t, (&ServerMetadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}).SupportsS256())
	assert.False(t, (&ServerMetadata{CodeChallengeMethodsSupported: []string{"plain"}}).SupportsS256())
}
