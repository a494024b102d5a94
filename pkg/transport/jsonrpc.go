// Package transport implements the wire layer of the proxy: the newline
// JSON-RPC codec, the remote transports (HTTP stream, SSE, subprocess,
// TCP), and the strategy that selects and falls back between them.
package transport

import (
	"encoding/json"
	"fmt"
)

// Message represents a JSON-RPC message. The ID is kept as raw JSON so
// numeric ids round-trip bit-exactly, and unknown top-level fields are
// preserved in Extra so forwarded messages survive unchanged.
type Message struct {
	JSONRPC string
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error
	Extra   map[string]json.RawMessage
}

// Error represents a JSON-RPC error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest creates a new JSON-RPC request message
func NewRequest(id any, method string, params any) (*Message, error) {
	idJSON, err := marshalField(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal id: %w", err)
	}
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: "2.0",
		ID:      idJSON,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewResponse creates a new JSON-RPC response message
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	resultJSON, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if resultJSON == nil {
		resultJSON = json.RawMessage("{}")
	}

	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC error response message
func NewErrorResponse(id json.RawMessage, code int, message string, data any) (*Message, error) {
	dataJSON, err := marshalField(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error data: %w", err)
	}
	if id == nil {
		id = json.RawMessage("null")
	}

	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// NewNotification creates a new JSON-RPC notification message
func NewNotification(method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate validates the JSON-RPC message
func (m *Message) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("%w: invalid JSON-RPC version %q", ErrInvalidMessage, m.JSONRPC)
	}

	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("%w: not a request, response, or notification", ErrInvalidMessage)
	}

	return nil
}

// CorrelationKey returns the printable normalized form of the id, used as
// the key in the pending-request table. String ids are unquoted; all
// other ids use their compact JSON text. Messages without an id return
// the empty string.
func (m *Message) CorrelationKey() string {
	if m.ID == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// ToolName extracts params.name from a tools/call request. Returns the
// empty string when params are absent or malformed.
func (m *Message) ToolName() string {
	if m.Params == nil {
		return ""
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return ""
	}
	return params.Name
}

// knownFields are the JSON-RPC 2.0 object members handled explicitly;
// anything else lands in Extra.
var knownFields = map[string]struct{}{
	"jsonrpc": {},
	"id":      {},
	"method":  {},
	"params":  {},
	"result":  {},
	"error":   {},
}

// UnmarshalJSON decodes a JSON-RPC object, distinguishing an absent id
// (notification) from an explicit null id and retaining unknown fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &m.JSONRPC); err != nil {
			return fmt.Errorf("invalid jsonrpc field: %w", err)
		}
	}
	if raw, ok := fields["id"]; ok {
		m.ID = raw
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &m.Method); err != nil {
			return fmt.Errorf("invalid method field: %w", err)
		}
	}
	m.Params = fields["params"]
	m.Result = fields["result"]
	if raw, ok := fields["error"]; ok && string(raw) != "null" {
		m.Error = &Error{}
		if err := json.Unmarshal(raw, m.Error); err != nil {
			return fmt.Errorf("invalid error field: %w", err)
		}
	}

	for k, v := range fields {
		if _, known := knownFields[k]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}

	return nil
}

// MarshalJSON encodes the message, re-emitting any retained unknown fields.
func (m *Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, 6+len(m.Extra))
	for k, v := range m.Extra {
		fields[k] = v
	}

	jsonrpc, err := json.Marshal(m.JSONRPC)
	if err != nil {
		return nil, err
	}
	fields["jsonrpc"] = jsonrpc

	if m.ID != nil {
		fields["id"] = m.ID
	}
	if m.Method != "" {
		method, err := json.Marshal(m.Method)
		if err != nil {
			return nil, err
		}
		fields["method"] = method
	}
	if m.Params != nil {
		fields["params"] = m.Params
	}
	if m.Result != nil {
		fields["result"] = m.Result
	}
	if m.Error != nil {
		errJSON, err := json.Marshal(m.Error)
		if err != nil {
			return nil, err
		}
		fields["error"] = errJSON
	}

	return json.Marshal(fields)
}
