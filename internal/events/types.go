// Package events models the remote session's event log and folds it into a
// displayable SessionView.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType names the top-level kind of a ServerEvent.
type EventType string

const (
	TypeStop          EventType = "Stop"
	TypeModelRequest  EventType = "ModelRequest"
	TypeModelResponse EventType = "ModelResponse"
	TypeToolRequest   EventType = "ToolRequest"
	TypeToolResponse  EventType = "ToolResponse"
	TypeTask          EventType = "Task"
	TypeInterrupt     EventType = "Interrupt"
	TypeUserRequest   EventType = "UserRequest"
	TypeUserResponse  EventType = "UserResponse"
	TypeError         EventType = "Error"
	TypeGitEvent      EventType = "GitEvent"
	TypeSessionReset  EventType = "session.reset"
)

// Git sub-event kinds carried in a GitEvent's content.type.
const (
	GitBaseCommit = "base_commit"
	GitCommit     = "commit"
	GitRevert     = "revert"
)

// ServerEvent is one entry of a session's event log, as served by
// GET /sessions/{name}/events and the push stream.
type ServerEvent struct {
	Type     EventType       `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Producer string          `json:"producer,omitempty"`
	Consumer string          `json:"consumer,omitempty"`
}

// NewEvent builds a ServerEvent whose content is the JSON encoding of content.
// Strings are encoded as JSON strings.
func NewEvent(t EventType, content any) ServerEvent {
	ev := ServerEvent{Type: t}
	if content == nil {
		return ev
	}
	raw, err := json.Marshal(content)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(content))
	}
	ev.Content = raw
	return ev
}

// ContentText returns the content as text: a JSON string is decoded, any
// other JSON value is returned verbatim.
func (e ServerEvent) ContentText() string {
	raw := bytes.TrimSpace(e.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// DecodeContent unmarshals the content into dst. A JSON string holding a
// JSON document is unwrapped first, since the server double-encodes some
// payloads (ModelResponse).
func (e ServerEvent) DecodeContent(dst any) error {
	raw := bytes.TrimSpace(e.Content)
	if len(raw) == 0 {
		return fmt.Errorf("%s: empty content", e.Type)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("%s: decode content: %w", e.Type, err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: decode content: %w", e.Type, err)
	}
	return nil
}

// MessageType classifies a conversation Message.
type MessageType string

const (
	MessageUser    MessageType = "user"
	MessageAgent   MessageType = "agent"
	MessageCommand MessageType = "command"
	MessageTool    MessageType = "tool"
	MessageTask    MessageType = "task"
	MessageThought MessageType = "thought"
	MessageError   MessageType = "error"
)

// Message is one conversation entry. Messages are never modified once
// appended to a SessionView.
type Message struct {
	Text string      `json:"text"`
	Type MessageType `json:"type"`
}

// GitData is the linear commit ledger of a session. BaseCommit is the
// ancestor of Commits[0]; a revert truncates Commits.
type GitData struct {
	BaseCommit *string  `json:"base_commit"`
	Commits    []string `json:"commits"`
}

// SessionView is the state reconstructed from a session's event log.
// The zero value is the initial view.
type SessionView struct {
	Messages     []Message `json:"messages"`
	Ended        bool      `json:"ended"`
	ModelLoading bool      `json:"modelLoading"`
	ToolMessage  string    `json:"toolMessage"`
	UserRequest  bool      `json:"userRequest"`
	GitData      GitData   `json:"gitData"`
}

// Clone returns a deep copy of v.
func (v SessionView) Clone() SessionView {
	out := v
	if v.Messages != nil {
		out.Messages = append([]Message(nil), v.Messages...)
	}
	if v.GitData.Commits != nil {
		out.GitData.Commits = append([]string(nil), v.GitData.Commits...)
	}
	if v.GitData.BaseCommit != nil {
		base := *v.GitData.BaseCommit
		out.GitData.BaseCommit = &base
	}
	return out
}

// LastMessage returns the most recent message, if any.
func (v SessionView) LastMessage() (Message, bool) {
	if len(v.Messages) == 0 {
		return Message{}, false
	}
	return v.Messages[len(v.Messages)-1], true
}
