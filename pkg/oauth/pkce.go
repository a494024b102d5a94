// Package oauth implements the OAuth 2.1 authorization engine: metadata
// discovery, dynamic client registration, the PKCE browser flow with a
// loopback callback server, and persistent token refresh.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceParams holds the per-authorization PKCE material. The verifier
// lives only in process memory and is never written to disk or logged.
type pkceParams struct {
	verifier  string
	challenge string
}

// generatePKCEParams creates an S256 code verifier and challenge. The 32
// random bytes encode to 43 base64url characters, the RFC 7636 minimum.
func generatePKCEParams() (*pkceParams, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return &pkceParams{
		verifier:  verifier,
		challenge: challenge,
	}, nil
}

// generateState creates the opaque CSRF token bound to one authorization
// round trip.
func generateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
