package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_Stamp(t *testing.T) {
	ev := NewTokenEvent("msg-1", "hello")
	ev.Stamp("sb-1", 1700000000.5)

	if ev.SandboxID != "sb-1" {
		t.Errorf("expected sandboxId 'sb-1', got %s", ev.SandboxID)
	}
	if ev.Timestamp != 1700000000.5 {
		t.Errorf("expected timestamp 1700000000.5, got %f", ev.Timestamp)
	}
}

func TestEnvelope_StampKeepsPresetTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ev := NewHeartbeatEvent(now)
	ev.Stamp("sb-1", 1800000000)

	if ev.Timestamp != UnixSeconds(now) {
		t.Errorf("expected preset timestamp to survive stamping, got %f", ev.Timestamp)
	}
}

func TestReadyEvent_JSON(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		want      string
	}{
		{
			name:      "with session",
			sessionID: "ses_1",
			want:      `"opencodeSessionId":"ses_1"`,
		},
		{
			name:      "without session",
			sessionID: "",
			want:      `"opencodeSessionId":null`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewReadyEvent(tt.sessionID)
			ev.Stamp("sb-1", 1)

			raw, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if !strings.Contains(string(raw), tt.want) {
				t.Errorf("expected %s in %s", tt.want, raw)
			}
			if !strings.Contains(string(raw), `"type":"ready"`) {
				t.Errorf("expected type ready in %s", raw)
			}
		})
	}
}

func TestExecutionCompleteEvent_JSON(t *testing.T) {
	success := NewExecutionCompleteEvent("msg-1", true, "")
	raw, _ := json.Marshal(success)
	if strings.Contains(string(raw), `"error"`) {
		t.Errorf("success event must omit error key, got %s", raw)
	}
	if !strings.Contains(string(raw), `"success":true`) {
		t.Errorf("expected success true in %s", raw)
	}

	failure := NewExecutionCompleteEvent("msg-1", false, "Task was cancelled")
	raw, _ = json.Marshal(failure)
	if !strings.Contains(string(raw), `"error":"Task was cancelled"`) {
		t.Errorf("expected error in %s", raw)
	}
}

func TestToolCallEvent_DefaultsArgs(t *testing.T) {
	ev := NewToolCallEvent("msg-1", "bash", "call-1", "completed", "done", nil)
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"args":{}`) {
		t.Errorf("expected empty args object, got %s", raw)
	}
}

func TestStepFinishEvent_NullPassthrough(t *testing.T) {
	ev := NewStepFinishEvent("msg-1", nil, nil, nil)
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"cost":null`, `"tokens":null`, `"reason":null`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("expected %s in %s", key, raw)
		}
	}
}

func TestPushErrorEvent_BranchName(t *testing.T) {
	noRepo := NewPushErrorEvent("No repository found", nil)
	raw, _ := json.Marshal(noRepo)
	if strings.Contains(string(raw), "branchName") {
		t.Errorf("expected branchName omitted, got %s", raw)
	}

	branch := "feature-1"
	failed := NewPushErrorEvent("Push failed - authentication may be required", &branch)
	raw, _ = json.Marshal(failed)
	if !strings.Contains(string(raw), `"branchName":"feature-1"`) {
		t.Errorf("expected branchName in %s", raw)
	}
}
