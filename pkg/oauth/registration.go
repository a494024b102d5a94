package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hiveport/mcp-remote/pkg/networking"
)

// registrationTimeout bounds one dynamic registration request.
const registrationTimeout = 30 * time.Second

// ErrRegistrationUnsupported is returned when the server publishes no
// registration endpoint.
var ErrRegistrationUnsupported = errors.New("server does not support dynamic client registration")

// RegistrationRequest is the RFC 7591 client registration request.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the RFC 7591 client registration response.
type RegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}

// RegisterClient performs dynamic client registration for a public
// native client using PKCE.
func RegisterClient(
	ctx context.Context,
	client networking.HTTPClient,
	metadata *ServerMetadata,
	clientName string,
	redirectURI string,
	scope string,
) (*RegistrationResponse, error) {
	if metadata.RegistrationEndpoint == "" {
		return nil, ErrRegistrationUnsupported
	}

	request := &RegistrationRequest{
		ClientName:    clientName,
		RedirectURIs:  []string{redirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		// Public client; proof of possession comes from PKCE.
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration returned %s: %s", resp.Status, string(respBody))
	}

	var registration RegistrationResponse
	if err := json.Unmarshal(respBody, &registration); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if registration.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &registration, nil
}
