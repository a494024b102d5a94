package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiveport/mcp-remote/pkg/oauth"
	"github.com/hiveport/mcp-remote/pkg/tokenstore"
	"github.com/hiveport/mcp-remote/pkg/transport"
)

// remoteFlags are the connection settings shared by every command that
// talks to a remote server.
type remoteFlags struct {
	transportName  string
	fallbacks      []string
	command        string
	commandArgs    []string
	headers        []string
	authToken      string
	apiKey         string
	userAgent      string
	connectTimeout time.Duration
	timeout        time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	insecure       bool

	authDir      string
	callbackPort int
	skipBrowser  bool
	scopes       []string
	clientID     string
	clientSecret string
}

func addRemoteFlags(cmd *cobra.Command, flags *remoteFlags) {
	cmd.Flags().StringVar(&flags.transportName, "transport", "http-stream",
		"Primary transport (http-stream, sse, stdio, tcp)")
	cmd.Flags().StringSliceVar(&flags.fallbacks, "fallback", nil,
		"Fallback transports tried in order when the primary fails")
	cmd.Flags().StringVar(&flags.command, "command", "",
		"Command to launch for the stdio transport")
	cmd.Flags().StringSliceVar(&flags.commandArgs, "arg", nil,
		"Argument passed to the stdio transport command (repeatable)")
	cmd.Flags().StringArrayVar(&flags.headers, "header", nil,
		"Extra HTTP header as 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&flags.authToken, "auth-token", "",
		"Static bearer token, bypassing the OAuth flow")
	cmd.Flags().StringVar(&flags.apiKey, "api-key", "",
		"API key sent as X-Api-Key, bypassing the OAuth flow")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "",
		"Override the User-Agent header")
	cmd.Flags().DurationVar(&flags.connectTimeout, "connect-timeout", 0,
		"Timeout for establishing a transport session (default 30s)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0,
		"Per-request timeout (default 30s)")
	cmd.Flags().IntVar(&flags.retryAttempts, "retry-attempts", 0,
		"Connection attempts per transport before falling back (default 3)")
	cmd.Flags().DurationVar(&flags.initialBackoff, "initial-backoff", 0,
		"Initial retry backoff (default 1s)")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false,
		"Allow plaintext HTTP to non-localhost endpoints")

	cmd.Flags().StringVar(&flags.authDir, "auth-dir", "",
		"Credential directory (default ~/.mcp-auth)")
	cmd.Flags().IntVar(&flags.callbackPort, "callback-port", 0,
		"Fixed OAuth callback port (default: pick a free one)")
	cmd.Flags().BoolVar(&flags.skipBrowser, "skip-browser", false,
		"Do not open the browser; print the authorization URL instead")
	cmd.Flags().StringSliceVar(&flags.scopes, "scope", nil,
		"OAuth scope to request (repeatable)")
	cmd.Flags().StringVar(&flags.clientID, "client-id", "",
		"Pre-registered OAuth client id, bypassing dynamic registration")
	cmd.Flags().StringVar(&flags.clientSecret, "client-secret", "",
		"Client secret for a pre-registered OAuth client")
}

// transportConfig builds the per-endpoint transport settings.
func (f *remoteFlags) transportConfig(serverURL string) (*transport.Config, error) {
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" {
		headers["X-Api-Key"] = f.apiKey
	}

	return &transport.Config{
		URL:               serverURL,
		Command:           f.command,
		Args:              f.commandArgs,
		Headers:           headers,
		AuthToken:         f.authToken,
		UserAgent:         f.userAgent,
		ConnectTimeout:    f.connectTimeout,
		RequestTimeout:    f.timeout,
		InsecureAllowHTTP: f.insecure,
	}, nil
}

// strategyConfig builds the transport chain and retry policy.
func (f *remoteFlags) strategyConfig() (*transport.StrategyConfig, error) {
	primary, err := transport.ParseTransportType(f.transportName)
	if err != nil {
		return nil, err
	}

	var fallbacks []transport.TransportType
	for _, name := range f.fallbacks {
		fallback, err := transport.ParseTransportType(name)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, fallback)
	}

	return &transport.StrategyConfig{
		Primary:        primary,
		Fallbacks:      fallbacks,
		RetryAttempts:  f.retryAttempts,
		InitialBackoff: f.initialBackoff,
	}, nil
}

// authenticator builds the OAuth engine, unless static credentials make
// it unnecessary.
func (f *remoteFlags) authenticator(serverURL string) (transport.Authenticator, error) {
	if f.authToken != "" || f.apiKey != "" {
		return nil, nil
	}

	store, err := tokenstore.NewStore(f.authDir)
	if err != nil {
		return nil, err
	}
	return oauth.NewEngine(&oauth.Config{
		ServerURL:          serverURL,
		Scopes:             f.scopes,
		CallbackPort:       f.callbackPort,
		SkipBrowser:        f.skipBrowser,
		StaticClientID:     f.clientID,
		StaticClientSecret: f.clientSecret,
	}, store)
}

// strategy assembles the full transport strategy for one server URL.
func (f *remoteFlags) strategy(serverURL string) (*transport.Strategy, error) {
	config, err := f.transportConfig(serverURL)
	if err != nil {
		return nil, err
	}
	strategyConfig, err := f.strategyConfig()
	if err != nil {
		return nil, err
	}
	auth, err := f.authenticator(serverURL)
	if err != nil {
		return nil, err
	}
	return transport.NewStrategy(config, strategyConfig, auth), nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, header := range raw {
		name, value, found := strings.Cut(header, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", header)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}
