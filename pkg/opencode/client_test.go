package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openinspect/sandbox/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestClient_WaitForHealth(t *testing.T) {
	tests := []struct {
		name      string
		responses []HealthResponse
		wantError bool
	}{
		{
			name:      "healthy immediately",
			responses: []HealthResponse{{Healthy: true, Version: "1.0.0"}},
		},
		{
			name: "healthy after retry",
			responses: []HealthResponse{
				{Healthy: false, Version: "1.0.0"},
				{Healthy: true, Version: "1.0.0"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCount := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/global/health" {
					http.Error(w, "not found", http.StatusNotFound)
					return
				}
				resp := tt.responses[callCount%len(tt.responses)]
				callCount++

				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(resp)
			}))
			defer server.Close()

			client := NewClient(server.URL, newTestLogger())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := client.WaitForHealth(ctx, 5*time.Second)
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SessionResponse{ID: "ses_abc123"})
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())

	sessionID, err := client.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID != "ses_abc123" {
		t.Errorf("expected session ID 'ses_abc123', got %s", sessionID)
	}
}

func TestClient_CheckSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/ses_valid" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	ctx := context.Background()

	valid, err := client.CheckSession(ctx, "ses_valid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected ses_valid to be valid")
	}

	valid, err = client.CheckSession(ctx, "ses_gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("expected ses_gone to be invalid")
	}
}

func TestClient_SendPromptAsync(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantError  bool
	}{
		{name: "accepted with 200", statusCode: http.StatusOK},
		{name: "accepted with 204", statusCode: http.StatusNoContent},
		{name: "server error", statusCode: http.StatusInternalServerError, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/session/ses_1/prompt_async" {
					http.Error(w, "not found", http.StatusNotFound)
					return
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := NewClient(server.URL, newTestLogger())
			err := client.SendPromptAsync(context.Background(), "ses_1", PromptRequest{
				Parts: []PartInput{{Type: "text", Text: "hello"}},
			})
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_SendPromptAsync_Body(t *testing.T) {
	var receivedBody PromptRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	err := client.SendPromptAsync(context.Background(), "ses_1", PromptRequest{
		Parts: []PartInput{
			{Type: "text", Text: "fix the bug"},
			{Type: "file", Mime: "image/png", URL: "https://example.com/shot.png", Filename: "shot.png"},
		},
		MessageID: "msg_0001",
		Model:     &ModelSpec{ProviderID: "anthropic", ModelID: "claude-sonnet-4-6"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(receivedBody.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(receivedBody.Parts))
	}
	if receivedBody.Parts[0].Text != "fix the bug" {
		t.Errorf("expected text part 'fix the bug', got %q", receivedBody.Parts[0].Text)
	}
	if receivedBody.Parts[1].Filename != "shot.png" {
		t.Errorf("expected attachment filename 'shot.png', got %q", receivedBody.Parts[1].Filename)
	}
	if receivedBody.MessageID != "msg_0001" {
		t.Errorf("expected messageID 'msg_0001', got %s", receivedBody.MessageID)
	}
	if receivedBody.Model == nil || receivedBody.Model.ProviderID != "anthropic" {
		t.Errorf("expected anthropic model, got %+v", receivedBody.Model)
	}
}

func TestClient_SendPromptAsync_ErrorIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session is busy", http.StatusConflict)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	err := client.SendPromptAsync(context.Background(), "ses_1", PromptRequest{
		Parts: []PartInput{{Type: "text", Text: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "session is busy") {
		t.Errorf("expected status and body in error, got %v", err)
	}
}

func TestClient_Stop(t *testing.T) {
	stopped := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/session/ses_1/stop" {
			stopped = true
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	if ok := client.Stop(context.Background(), "ses_1", "test"); !ok {
		t.Error("expected stop to report success")
	}
	if !stopped {
		t.Error("expected stop endpoint to be called")
	}
}

func TestClient_Stop_SwallowsErrors(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", newTestLogger())
	if ok := client.Stop(context.Background(), "ses_1", "test"); ok {
		t.Error("expected stop to report failure on unreachable server")
	}
}

func TestClient_ListMessages(t *testing.T) {
	payload := `[
		{"info":{"id":"msg_a","sessionID":"ses_1","role":"user"},"parts":[{"id":"prt_1","type":"text","messageID":"msg_a","sessionID":"ses_1","text":"hi"}]},
		{"info":{"id":"msg_b","sessionID":"ses_1","role":"assistant","parentID":"msg_a"},"parts":[{"id":"prt_2","type":"text","messageID":"msg_b","sessionID":"ses_1","text":"hello"}]}
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/message" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	messages, err := client.ListMessages(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].Info.ParentID != "msg_a" {
		t.Errorf("expected parentID 'msg_a', got %s", messages[1].Info.ParentID)
	}
	if messages[1].Parts[0].Text != "hello" {
		t.Errorf("expected part text 'hello', got %q", messages[1].Parts[0].Text)
	}
}
