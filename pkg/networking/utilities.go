package networking

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient is the interface that wraps the Do method of an HTTP client.
// It allows tests to substitute a fake client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// IsLocalhost reports whether host (optionally host:port) refers to the
// loopback interface.
func IsLocalhost(host string) bool {
	if host == "" {
		return false
	}

	// Strip a port suffix if present. IPv6 literals are bracketed.
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ValidateEndpointURL validates that the given endpoint URL is well-formed
// and uses HTTPS (localhost excepted).
func ValidateEndpointURL(endpoint string) error {
	return ValidateEndpointURLWithInsecure(endpoint, false)
}

// ValidateEndpointURLWithInsecure validates an endpoint URL, optionally
// permitting plain HTTP for non-localhost hosts.
func ValidateEndpointURLWithInsecure(endpoint string, insecureAllowHTTP bool) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if IsLocalhost(parsed.Host) || insecureAllowHTTP {
			return nil
		}
		return fmt.Errorf("endpoint must use HTTPS: %s (plaintext HTTP requires explicit opt-in)", endpoint)
	default:
		return fmt.Errorf("unsupported URL scheme %q in %s", parsed.Scheme, endpoint)
	}
}
