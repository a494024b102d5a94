package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hiveport/mcp-remote/pkg/networking"
)

// maxMetadataSize bounds a discovery response body.
const maxMetadataSize = 1024 * 1024

// discoveryTimeout bounds one metadata fetch.
const discoveryTimeout = 30 * time.Second

// ErrNoAuthServer is returned when the remote publishes no usable
// authorization server metadata.
var ErrNoAuthServer = errors.New("no authorization server metadata found")

// ServerMetadata is the RFC 8414 authorization server metadata subset
// the flow needs.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Validate checks the metadata carries the endpoints the flow requires.
func (m *ServerMetadata) Validate() error {
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("metadata missing authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("metadata missing token_endpoint")
	}
	for _, endpoint := range []string{m.AuthorizationEndpoint, m.TokenEndpoint} {
		if err := networking.ValidateEndpointURL(endpoint); err != nil {
			return fmt.Errorf("invalid endpoint in metadata: %w", err)
		}
	}
	return nil
}

// SupportsS256 reports whether the server advertises S256 PKCE. Servers
// that omit the field are assumed to accept it, matching common practice.
func (m *ServerMetadata) SupportsS256() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// DiscoverServerMetadata resolves authorization server metadata for the
// given remote server URL, trying the well-known locations in order.
func DiscoverServerMetadata(ctx context.Context, client networking.HTTPClient, serverURL string) (*ServerMetadata, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}

	candidates := wellKnownURLs(origin, base.Path)

	var lastErr error
	for _, candidate := range candidates {
		metadata, err := fetchMetadata(ctx, client, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if err := metadata.Validate(); err != nil {
			lastErr = err
			continue
		}
		return metadata, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAuthServer, lastErr)
	}
	return nil, ErrNoAuthServer
}

// wellKnownURLs lists discovery candidates: the path-aware RFC 8414
// variants first, then the origin-level OAuth and OIDC locations.
func wellKnownURLs(origin *url.URL, path string) []string {
	path = strings.TrimSuffix(path, "/")
	var candidates []string
	if path != "" && path != "/" {
		candidates = append(candidates,
			origin.String()+"/.well-known/oauth-authorization-server"+path,
		)
	}
	candidates = append(candidates,
		origin.String()+"/.well-known/oauth-authorization-server",
		origin.String()+"/.well-known/openid-configuration",
	)
	return candidates
}

func fetchMetadata(ctx context.Context, client networking.HTTPClient, metadataURL string) (*ServerMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata fetch returned %s", resp.Status)
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType != "application/json" {
		return nil, fmt.Errorf("unexpected metadata content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata ServerMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &metadata, nil
}
