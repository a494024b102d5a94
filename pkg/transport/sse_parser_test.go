package transport

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEScanner(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		": keepalive comment",
		"event: endpoint",
		"data: /messages?sessionId=abc",
		"",
		"id: 7",
		"data: {\"jsonrpc\":\"2.0\",",
		"data: \"method\":\"ping\"}",
		"",
	}, "\n")

	scanner := newSSEScanner(strings.NewReader(input))

	first, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "endpoint", first.Event)
	assert.Equal(t, "/messages?sessionId=abc", first.Data)

	second, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", second.Event, "default event type")
	assert.Equal(t, "7", second.ID)
	assert.Equal(t, "{\"jsonrpc\":\"2.0\",\n\"method\":\"ping\"}", second.Data, "multi-line data joined with newlines")

	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEScannerIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	scanner := newSSEScanner(strings.NewReader("retry: 3000\ndata: hello\n\n"))
	ev, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.Data)
}
