// Package protocol defines the JSON messages exchanged between a sandbox and
// the control plane: outbound events describing agent activity and inbound
// commands driving it.
package protocol

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	EventReady             = "ready"
	EventHeartbeat         = "heartbeat"
	EventToken             = "token"
	EventToolCall          = "tool_call"
	EventStepStart         = "step_start"
	EventStepFinish        = "step_finish"
	EventError             = "error"
	EventExecutionComplete = "execution_complete"
	EventSnapshotReady     = "snapshot_ready"
	EventPushComplete      = "push_complete"
	EventPushError         = "push_error"
)

// Envelope carries the fields present on every outbound event. SandboxID and
// Timestamp are stamped at send time; an event that pre-sets its own
// timestamp keeps it.
type Envelope struct {
	Type      string  `json:"type"`
	SandboxID string  `json:"sandboxId"`
	Timestamp float64 `json:"timestamp"`
}

// Stamp attaches the sandbox ID, and the timestamp unless already set.
func (e *Envelope) Stamp(sandboxID string, ts float64) {
	e.SandboxID = sandboxID
	if e.Timestamp == 0 {
		e.Timestamp = ts
	}
}

// EventType returns the type discriminator.
func (e *Envelope) EventType() string {
	return e.Type
}

// Event is implemented by every outbound event type.
type Event interface {
	EventType() string
	Stamp(sandboxID string, ts float64)
}

// UnixSeconds converts a time to the wire timestamp format, float seconds
// since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ReadyEvent announces a (re)established link. OpencodeSessionID is null
// until the first prompt creates a session.
type ReadyEvent struct {
	Envelope
	OpencodeSessionID *string `json:"opencodeSessionId"`
}

// NewReadyEvent builds a ready event. An empty sessionID maps to null.
func NewReadyEvent(sessionID string) *ReadyEvent {
	ev := &ReadyEvent{Envelope: Envelope{Type: EventReady}}
	if sessionID != "" {
		ev.OpencodeSessionID = &sessionID
	}
	return ev
}

// HeartbeatEvent is sent periodically while the link is open.
type HeartbeatEvent struct {
	Envelope
	Status string `json:"status"`
}

func NewHeartbeatEvent(now time.Time) *HeartbeatEvent {
	return &HeartbeatEvent{
		Envelope: Envelope{Type: EventHeartbeat, Timestamp: UnixSeconds(now)},
		Status:   "ready",
	}
}

// TokenEvent carries the cumulative text of one part. Content grows
// monotonically across events for the same part.
type TokenEvent struct {
	Envelope
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

func NewTokenEvent(messageID, content string) *TokenEvent {
	return &TokenEvent{
		Envelope:  Envelope{Type: EventToken},
		Content:   content,
		MessageID: messageID,
	}
}

// ToolCallEvent reports one observed (callId, status) transition of a tool
// invocation.
type ToolCallEvent struct {
	Envelope
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	CallID    string          `json:"callId"`
	Status    string          `json:"status"`
	Output    string          `json:"output"`
	MessageID string          `json:"messageId"`
}

func NewToolCallEvent(messageID, tool, callID, status, output string, args json.RawMessage) *ToolCallEvent {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return &ToolCallEvent{
		Envelope:  Envelope{Type: EventToolCall},
		Tool:      tool,
		Args:      args,
		CallID:    callID,
		Status:    status,
		Output:    output,
		MessageID: messageID,
	}
}

// StepStartEvent marks the beginning of an agent step.
type StepStartEvent struct {
	Envelope
	MessageID string `json:"messageId"`
}

func NewStepStartEvent(messageID string) *StepStartEvent {
	return &StepStartEvent{
		Envelope:  Envelope{Type: EventStepStart},
		MessageID: messageID,
	}
}

// StepFinishEvent marks the end of an agent step along with its accounting.
// Cost, Tokens, and Reason pass through whatever the agent reported.
type StepFinishEvent struct {
	Envelope
	Cost      *float64        `json:"cost"`
	Tokens    json.RawMessage `json:"tokens"`
	Reason    *string         `json:"reason"`
	MessageID string          `json:"messageId"`
}

func NewStepFinishEvent(messageID string, cost *float64, tokens json.RawMessage, reason *string) *StepFinishEvent {
	return &StepFinishEvent{
		Envelope:  Envelope{Type: EventStepFinish},
		Cost:      cost,
		Tokens:    tokens,
		Reason:    reason,
		MessageID: messageID,
	}
}

// ErrorEvent reports an agent-side failure for one prompt.
type ErrorEvent struct {
	Envelope
	Error     string `json:"error"`
	MessageID string `json:"messageId"`
}

func NewErrorEvent(messageID, errMsg string) *ErrorEvent {
	return &ErrorEvent{
		Envelope:  Envelope{Type: EventError},
		Error:     errMsg,
		MessageID: messageID,
	}
}

// ExecutionCompleteEvent is the single terminal event of every prompt.
type ExecutionCompleteEvent struct {
	Envelope
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func NewExecutionCompleteEvent(messageID string, success bool, errMsg string) *ExecutionCompleteEvent {
	return &ExecutionCompleteEvent{
		Envelope:  Envelope{Type: EventExecutionComplete},
		MessageID: messageID,
		Success:   success,
		Error:     errMsg,
	}
}

// SnapshotReadyEvent acknowledges a snapshot command.
type SnapshotReadyEvent struct {
	Envelope
	OpencodeSessionID *string `json:"opencodeSessionId"`
}

func NewSnapshotReadyEvent(sessionID string) *SnapshotReadyEvent {
	ev := &SnapshotReadyEvent{Envelope: Envelope{Type: EventSnapshotReady}}
	if sessionID != "" {
		ev.OpencodeSessionID = &sessionID
	}
	return ev
}

// PushCompleteEvent reports a successful branch push.
type PushCompleteEvent struct {
	Envelope
	BranchName string `json:"branchName"`
}

func NewPushCompleteEvent(branchName string) *PushCompleteEvent {
	return &PushCompleteEvent{
		Envelope:   Envelope{Type: EventPushComplete},
		BranchName: branchName,
	}
}

// PushErrorEvent reports a failed push. BranchName is omitted when the
// failure happened before a branch was involved.
type PushErrorEvent struct {
	Envelope
	Error      string  `json:"error"`
	BranchName *string `json:"branchName,omitempty"`
}

func NewPushErrorEvent(errMsg string, branchName *string) *PushErrorEvent {
	return &PushErrorEvent{
		Envelope:   Envelope{Type: EventPushError},
		Error:      errMsg,
		BranchName: branchName,
	}
}
