// Package mcp holds protocol-level helpers: the tool filter applied to
// traffic between the local client and the remote server.
package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

// ToolFilter restricts which remote tools the local client can see and
// call. Patterns are glob-style; an empty filter allows everything.
type ToolFilter struct {
	patterns []glob.Glob
	raw      []string
}

// NewToolFilter compiles the given glob patterns.
func NewToolFilter(patterns []string) (*ToolFilter, error) {
	filter := &ToolFilter{raw: patterns}
	for _, pattern := range patterns {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool filter pattern %q: %w", pattern, err)
		}
		filter.patterns = append(filter.patterns, compiled)
	}
	return filter, nil
}

// Empty reports whether the filter allows all tools.
func (f *ToolFilter) Empty() bool {
	return len(f.patterns) == 0
}

// Allowed reports whether a tool name passes the filter.
func (f *ToolFilter) Allowed(name string) bool {
	if f.Empty() {
		return true
	}
	for _, pattern := range f.patterns {
		if pattern.Match(name) {
			return true
		}
	}
	return false
}

// FilterToolsList removes disallowed tools from a tools/list result,
// leaving every other field of the result untouched.
func (f *ToolFilter) FilterToolsList(result json.RawMessage) (json.RawMessage, error) {
	if f.Empty() || result == nil {
		return result, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	rawTools, ok := payload["tools"]
	if !ok {
		return result, nil
	}

	var tools []json.RawMessage
	if err := json.Unmarshal(rawTools, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse tools array: %w", err)
	}

	kept := make([]json.RawMessage, 0, len(tools))
	for _, tool := range tools {
		var meta struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(tool, &meta); err != nil {
			continue
		}
		if f.Allowed(meta.Name) {
			kept = append(kept, tool)
		}
	}

	filtered, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filtered tools: %w", err)
	}
	payload["tools"] = filtered

	return json.Marshal(payload)
}
