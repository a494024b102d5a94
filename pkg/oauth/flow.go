package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/hiveport/mcp-remote/pkg/logger"
	"github.com/hiveport/mcp-remote/pkg/networking"
	"github.com/hiveport/mcp-remote/pkg/tokenstore"
)

// DefaultAuthTimeout bounds the interactive authorization round trip,
// from opening the browser to receiving the callback.
const DefaultAuthTimeout = 5 * time.Minute

// DefaultClientName is the name sent during dynamic registration.
const DefaultClientName = "mcp-remote"

// ErrAuthTimeout is returned when the user does not complete the
// browser flow in time.
var ErrAuthTimeout = errors.New("timed out waiting for authorization")

// Config configures one authorization flow against a remote server.
type Config struct {
	// ServerURL is the remote MCP endpoint requiring authorization.
	ServerURL string
	// ClientName is sent during dynamic registration. Empty means the default.
	ClientName string
	// Scopes to request. Empty requests the server's defaults.
	Scopes []string
	// CallbackPort fixes the loopback callback port. Zero picks a free one.
	CallbackPort int
	// SkipBrowser suppresses opening the system browser; the
	// authorization URL is still logged for manual use.
	SkipBrowser bool
	// AuthTimeout bounds the interactive flow. Zero means the default.
	AuthTimeout time.Duration
	// StaticClientID bypasses dynamic registration when the server
	// issues pre-registered credentials.
	StaticClientID     string
	StaticClientSecret string
}

func (c *Config) clientName() string {
	if c.ClientName != "" {
		return c.ClientName
	}
	return DefaultClientName
}

func (c *Config) authTimeout() time.Duration {
	if c.AuthTimeout > 0 {
		return c.AuthTimeout
	}
	return DefaultAuthTimeout
}

// callbackResult carries the authorization code (or failure) from the
// loopback HTTP handler back to the flow.
type callbackResult struct {
	code string
	err  error
}

// Flow runs the OAuth 2.1 authorization code flow with PKCE: discovery,
// registration, browser authorization against a loopback callback, and
// code exchange. Tokens and client registrations persist in the store;
// the PKCE verifier never leaves process memory.
type Flow struct {
	config *Config
	store  *tokenstore.Store
	client *http.Client
}

// NewFlow creates a Flow persisting into store.
func NewFlow(config *Config, store *tokenstore.Store) (*Flow, error) {
	if err := networking.ValidateEndpointURL(config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	client, err := networking.NewHttpClientBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	return &Flow{config: config, store: store, client: client}, nil
}

// Authorize returns a valid token record for the server, reusing or
// refreshing stored credentials when possible and running the
// interactive flow only when it must. Concurrent instances coordinate
// through the store's authorization lock: one runs the flow, the rest
// wait for the token it produces.
func (f *Flow) Authorize(ctx context.Context) (*tokenstore.TokenRecord, error) {
	if record, err := f.store.Load(f.config.ServerURL); err == nil {
		if usable(record) {
			logger.Debugf("Reusing stored token %s", tokenstore.Redacted(record.AccessToken))
			return record, nil
		}
		if record.RefreshToken != "" {
			refreshed, refreshErr := f.refresh(ctx, record)
			if refreshErr == nil {
				return refreshed, nil
			}
			if refreshRejected(refreshErr) {
				// The grant itself was refused; only a new interactive
				// authorization can recover.
				logger.Infof("Refresh token rejected, re-authorizing")
			} else {
				logger.Debugf("Token refresh failed: %v", refreshErr)
				if record.Valid() {
					// The refresh endpoint may be flaking; ride out the
					// remaining lifetime of the current token.
					return record, nil
				}
			}
		}
	}

	port, err := networking.FindOrUsePort(f.config.CallbackPort)
	if err != nil {
		return nil, fmt.Errorf("no callback port available: %w", err)
	}

	lock, err := f.store.AcquireAuthLock(f.config.ServerURL, port)
	if errors.Is(err, tokenstore.ErrLockHeld) {
		logger.Infof("Waiting for authorization in progress in another instance")
		record, waitErr := f.store.WaitForToken(ctx, f.config.ServerURL)
		if waitErr == nil {
			return record, nil
		}
		if !errors.Is(waitErr, tokenstore.ErrNotFound) {
			return nil, waitErr
		}
		// The other instance gave up or died; claim the flow ourselves.
		lock, err = f.store.AcquireAuthLock(f.config.ServerURL, port)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire authorization lock: %w", err)
	}
	defer lock.Release()

	return f.runInteractive(ctx, port)
}

// runInteractive executes the full browser flow on the given callback port.
func (f *Flow) runInteractive(ctx context.Context, port int) (*tokenstore.TokenRecord, error) {
	metadata, err := DiscoverServerMetadata(ctx, f.client, f.config.ServerURL)
	if err != nil {
		return nil, err
	}
	if !metadata.SupportsS256() {
		return nil, fmt.Errorf("authorization server does not support S256 PKCE")
	}

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	clientID, clientSecret, err := f.resolveClient(ctx, metadata, redirectURI)
	if err != nil {
		return nil, err
	}

	oauthConfig := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       f.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
	}

	pkce, err := generatePKCEParams()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	resultChan := make(chan callbackResult, 1)
	server, err := f.startCallbackServer(port, state, resultChan)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	logger.Infof("Opening browser for authorization: %s", authURL)
	if !f.config.SkipBrowser {
		if err := browser.OpenURL(authURL); err != nil {
			logger.Warnf("Could not open browser, visit the URL manually: %v", err)
		}
	}

	code, err := f.awaitCallback(ctx, resultChan)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	token, err := oauthConfig.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", pkce.verifier),
	)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	logger.Infof("Authorization complete, token %s", tokenstore.Redacted(token.AccessToken))

	return f.store.Update(ctx, f.config.ServerURL, func(record *tokenstore.TokenRecord) error {
		record.ClientID = clientID
		record.ClientSecret = clientSecret
		record.Scope = joinScopes(f.config.Scopes)
		record.SetToken(token)
		return nil
	})
}

// resolveClient returns client credentials: static ones when configured,
// a stored registration when present, or a fresh dynamic registration.
func (f *Flow) resolveClient(ctx context.Context, metadata *ServerMetadata, redirectURI string) (string, string, error) {
	if f.config.StaticClientID != "" {
		return f.config.StaticClientID, f.config.StaticClientSecret, nil
	}

	if record, err := f.store.Load(f.config.ServerURL); err == nil && record.ClientID != "" {
		logger.Debugf("Reusing registered client %s", record.ClientID)
		return record.ClientID, record.ClientSecret, nil
	}

	registration, err := RegisterClient(ctx, f.client, metadata, f.config.clientName(), redirectURI, joinScopes(f.config.Scopes))
	if err != nil {
		return "", "", fmt.Errorf("dynamic registration failed: %w", err)
	}
	logger.Debugf("Registered client %s", registration.ClientID)
	return registration.ClientID, registration.ClientSecret, nil
}

// startCallbackServer serves the loopback redirect endpoint.
func (f *Flow) startCallbackServer(port int, state string, resultChan chan<- callbackResult) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errCode := query.Get("error"); errCode != "" {
			description := query.Get("error_description")
			resultChan <- callbackResult{err: fmt.Errorf("authorization denied: %s (%s)", errCode, description)}
			writeCallbackPage(w, "Authorization failed. You can close this tab.")
			return
		}
		if query.Get("state") != state {
			resultChan <- callbackResult{err: fmt.Errorf("state mismatch in authorization callback")}
			writeCallbackPage(w, "Authorization failed. You can close this tab.")
			return
		}
		code := query.Get("code")
		if code == "" {
			resultChan <- callbackResult{err: fmt.Errorf("authorization callback missing code")}
			writeCallbackPage(w, "Authorization failed. You can close this tab.")
			return
		}

		resultChan <- callbackResult{code: code}
		writeCallbackPage(w, "Authorization complete. You can close this tab.")
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	// Give a failed bind a moment to surface before the browser opens.
	select {
	case err := <-listenErr:
		return nil, fmt.Errorf("callback server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	return server, nil
}

// awaitCallback blocks until the callback delivers a result or the
// authorization window closes.
func (f *Flow) awaitCallback(ctx context.Context, resultChan <-chan callbackResult) (string, error) {
	timer := time.NewTimer(f.config.authTimeout())
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.err != nil {
			return "", result.err
		}
		return result.code, nil
	case <-timer.C:
		return "", ErrAuthTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh exchanges the stored refresh token for a new token pair and
// persists the result.
func (f *Flow) refresh(ctx context.Context, record *tokenstore.TokenRecord) (*tokenstore.TokenRecord, error) {
	metadata, err := DiscoverServerMetadata(ctx, f.client, f.config.ServerURL)
	if err != nil {
		return nil, err
	}

	oauthConfig := &oauth2.Config{
		ClientID:     record.ClientID,
		ClientSecret: record.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	// An expired access token forces TokenSource to use the refresh token.
	stale := record.Token()
	stale.Expiry = time.Now().Add(-time.Minute)
	token, err := oauthConfig.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	logger.Debugf("Refreshed token %s", tokenstore.Redacted(token.AccessToken))

	return f.store.Update(ctx, f.config.ServerURL, func(updated *tokenstore.TokenRecord) error {
		if updated.ClientID == "" {
			updated.ClientID = record.ClientID
			updated.ClientSecret = record.ClientSecret
		}
		updated.SetToken(token)
		return nil
	})
}

// refreshRejected reports whether a refresh failure means the grant was
// refused, as opposed to the token endpoint being temporarily broken.
func refreshRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return retrieveErr.Response != nil &&
		retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500
}

func writeCallbackPage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", message)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
