package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedNotification struct {
	level  string
	logger string
	data   string
}

// notification tests swap the singleton logger, so they must not run in
// parallel with each other or with other logger tests.
func withNotificationCapture(t *testing.T) *[]capturedNotification {
	t.Helper()

	var mu sync.Mutex
	captured := &[]capturedNotification{}
	InitializeNotifications(func(level, loggerName, data string) {
		mu.Lock()
		defer mu.Unlock()
		*captured = append(*captured, capturedNotification{level, loggerName, data})
	})
	t.Cleanup(Initialize)
	return captured
}

func TestNotificationHandlerLevels(t *testing.T) {
	captured := withNotificationCapture(t)

	Infof("informational message")
	Warnf("warning message")
	Errorf("error message")

	require.Len(t, *captured, 3)
	assert.Equal(t, "info", (*captured)[0].level)
	assert.Equal(t, "informational message", (*captured)[0].data)
	assert.Equal(t, "warning", (*captured)[1].level)
	assert.Equal(t, "error", (*captured)[2].level)
	for _, n := range *captured {
		assert.Equal(t, "mcp-remote", n.logger)
	}
}

func TestNotificationHandlerFiltersDebug(t *testing.T) {
	captured := withNotificationCapture(t)

	Debugf("chatty debug line")
	Infof("kept")

	require.Len(t, *captured, 1)
	assert.Equal(t, "kept", (*captured)[0].data)
}

func TestNotificationHandlerFoldsAttrs(t *testing.T) {
	captured := withNotificationCapture(t)

	Infow("request done", "method", "tools/list", "elapsed", "12ms")

	require.Len(t, *captured, 1)
	assert.Contains(t, (*captured)[0].data, "request done")
	assert.Contains(t, (*captured)[0].data, "method=tools/list")
	assert.Contains(t, (*captured)[0].data, "elapsed=12ms")
}
