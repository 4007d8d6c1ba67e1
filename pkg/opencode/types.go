// Package opencode provides a client for the OpenCode server running inside
// the sandbox. OpenCode exposes a REST API plus a Server-Sent Events (SSE)
// stream on a local port.
package opencode

import (
	"encoding/json"
)

// Event types from the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventServerConnected    = "server.connected"
	EventServerHeartbeat    = "server.heartbeat"
)

// Part types.
const (
	PartTypeText       = "text"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
)

// Tool status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the provider and model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PartInput is one element of a prompt request's parts array. Text parts set
// Type "text" and Text; file attachments set Type "file" plus Mime, URL and
// Filename.
type PartInput struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// PromptRequest for POST /session/{id}/prompt_async. MessageID is the
// caller-chosen user message ID; OpenCode parents all resulting assistant
// messages on it.
type PromptRequest struct {
	Parts     []PartInput `json:"parts"`
	MessageID string      `json:"messageID,omitempty"`
	Model     *ModelSpec  `json:"model,omitempty"`
}

// EventEnvelope is the base structure of every SSE event.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo contains message metadata. ParentID carries the user message ID
// an assistant message was created in response to.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	ParentID  string `json:"parentID,omitempty"`
	Finish    string `json:"finish,omitempty"`
}

// MessagePartUpdatedProperties for message.part.updated events. Delta, when
// present, is an incremental text fragment; otherwise Part.Text holds the
// full text so far.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part represents a message part. Text parts use Text; tool parts use CallID,
// Tool and State; step-finish parts carry Cost, Tokens and Reason.
type Part struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	MessageID string          `json:"messageID"`
	SessionID string          `json:"sessionID"`
	Text      string          `json:"text,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	State     *ToolState      `json:"state,omitempty"`
	Cost      *float64        `json:"cost,omitempty"`
	Tokens    json.RawMessage `json:"tokens,omitempty"`
	Reason    *string         `json:"reason,omitempty"`
}

// ToolState represents tool execution state within a tool part.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HasInput reports whether the tool state carries a non-empty input object.
func (s *ToolState) HasInput() bool {
	if s == nil || len(s.Input) == 0 {
		return false
	}
	switch string(s.Input) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// Message is one entry of GET /session/{id}/message.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// SessionIdleProperties for session.idle events.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionStatusProperties for session.status events.
type SessionStatusProperties struct {
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

// SessionStatus carries the session's current execution state.
type SessionStatus struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError is the error payload OpenCode attaches to session.error events.
type APIError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the most specific error message available.
func (e *APIError) GetMessage() string {
	if e == nil {
		return ""
	}
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// ParseEvent parses an SSE event envelope from JSON.
func ParseEvent(data []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseMessagePartUpdated parses message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*MessagePartUpdatedProperties, error) {
	var props MessagePartUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionIdle parses session.idle properties.
func ParseSessionIdle(data json.RawMessage) (*SessionIdleProperties, error) {
	var props SessionIdleProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionStatus parses session.status properties.
func ParseSessionStatus(data json.RawMessage) (*SessionStatusProperties, error) {
	var props SessionStatusProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionID extracts the session ID a raw event refers to, looking first at
// properties.sessionID and then at properties.part.sessionID. Empty when the
// event carries no session scope.
func (e *EventEnvelope) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionID"`
		Part      struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(e.Properties, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	return probe.Part.SessionID
}
