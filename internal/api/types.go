package api

import (
	"encoding/json"
)

// AgentConfig is sent as the body of session creation. APIKey is also
// passed to the start call.
type AgentConfig struct {
	Model      string `json:"model" toml:"model"`
	APIKey     string `json:"api_key" toml:"api_key"`
	PromptType string `json:"prompt_type,omitempty" toml:"prompt_type"`
	APIBase    string `json:"api_base,omitempty" toml:"api_base"`
}

// Redacted returns a copy safe to log.
func (c AgentConfig) Redacted() AgentConfig {
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	return c
}

// SessionInfo is one element of GET /sessions. Fields beyond the name are
// kept raw.
type SessionInfo struct {
	Name  string                     `json:"name"`
	Path  string                     `json:"path,omitempty"`
	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Extra.
func (s *SessionInfo) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &s.Name); err != nil {
			return err
		}
		delete(fields, "name")
	}
	if raw, ok := fields["path"]; ok {
		_ = json.Unmarshal(raw, &s.Path)
		delete(fields, "path")
	}
	if len(fields) > 0 {
		s.Extra = fields
	}
	return nil
}

// SessionState is the aggregate snapshot served by GET /sessions/{name}/state
// (files, working path, git info). Its shape belongs to the server.
type SessionState = json.RawMessage

// InterruptEvent is the body of POST /sessions/{name}/event.
type InterruptEvent struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Producer string `json:"producer"`
	Consumer string `json:"consumer"`
}
