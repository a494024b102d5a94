package logger

import (
	"context"
	"log/slog"
)

// EmitFunc delivers one log record as an MCP notifications/message frame.
// The caller owns the local output stream; the handler never writes to it
// directly. Implementations must be safe for concurrent use.
type EmitFunc func(level string, loggerName string, data string)

// InitializeNotifications routes the singleton logger through emit.
// Records carry no timestamps and no ANSI codes so the resulting frames
// stay valid JSON-RPC for the consumer on the local output stream.
func InitializeNotifications(emit EmitFunc) {
	level := slog.LevelInfo
	singleton.Store(slog.New(&notificationHandler{emit: emit, level: level}))
}

// notificationHandler is a slog.Handler that forwards each record to an
// EmitFunc. Attrs and groups are folded into the message text since MCP
// log notifications carry a single data string.
type notificationHandler struct {
	emit  EmitFunc
	level slog.Level
	attrs []slog.Attr
}

func (h *notificationHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *notificationHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	appendAttr := func(a slog.Attr) bool {
		msg += " " + a.Key + "=" + a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)

	h.emit(mcpLevel(r.Level), "mcp-remote", msg)
	return nil
}

func (h *notificationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &notificationHandler{emit: h.emit, level: h.level, attrs: merged}
}

func (h *notificationHandler) WithGroup(string) slog.Handler {
	return h
}

// mcpLevel maps slog levels onto the MCP logging level names.
func mcpLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
