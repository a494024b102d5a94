package networking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		host string
		want bool
	}{
		{"localhost", "localhost", true},
		{"localhost with port", "localhost:8080", true},
		{"loopback IPv4", "127.0.0.1", true},
		{"loopback IPv4 with port", "127.0.0.1:9000", true},
		{"bracketed loopback IPv6", "[::1]", true},
		{"bracketed loopback IPv6 with port", "[::1]:8080", true},
		{"remote host", "example.com", false},
		{"remote host with port", "example.com:443", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsLocalhost(tt.host))
		})
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		insecure bool
		wantErr  bool
	}{
		{"https remote", "https://mcp.example.com/mcp", false, false},
		{"http localhost", "http://localhost:8080/mcp", false, false},
		{"http loopback", "http://127.0.0.1:8080/mcp", false, false},
		{"http remote rejected", "http://mcp.example.com/mcp", false, true},
		{"http remote with opt-in", "http://mcp.example.com/mcp", true, false},
		{"unsupported scheme", "ftp://mcp.example.com", false, true},
		{"unsupported scheme despite opt-in", "ftp://mcp.example.com", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateEndpointURLWithInsecure(tt.endpoint, tt.insecure)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEndpointURLDefaultsSecure(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateEndpointURL("https://mcp.example.com"))
	assert.Error(t, ValidateEndpointURL("http://mcp.example.com"))
}
