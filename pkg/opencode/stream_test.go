package opencode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// sseHandler streams the given raw chunks then holds the connection open
// until the client goes away.
func sseHandler(t *testing.T, chunks []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range chunks {
			_, _ = fmt.Fprint(w, chunk)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func collectEvents(t *testing.T, stream *EventStream, want int, timeout time.Duration) []*EventEnvelope {
	t.Helper()
	var events []*EventEnvelope
	deadline := time.After(timeout)
	for len(events) < want {
		select {
		case env, ok := <-stream.Events():
			if !ok {
				t.Fatalf("stream closed after %d events (wanted %d): %v", len(events), want, stream.Err())
			}
			events = append(events, env)
		case <-deadline:
			t.Fatalf("timed out after %d events (wanted %d)", len(events), want)
		}
	}
	return events
}

func TestEventStream_ParsesEvents(t *testing.T) {
	chunks := []string{
		"data: {\"type\":\"server.connected\"}\n\n",
		// Compact form without the space after the colon.
		"data:{\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n\n",
	}
	server := httptest.NewServer(sseHandler(t, chunks))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	stream, err := client.OpenEventStream(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2, 5*time.Second)
	if events[0].Type != EventServerConnected {
		t.Errorf("expected server.connected, got %s", events[0].Type)
	}
	if events[1].Type != EventSessionIdle {
		t.Errorf("expected session.idle, got %s", events[1].Type)
	}
}

func TestEventStream_JoinsMultiLineData(t *testing.T) {
	// Multi-line data payloads are joined with newlines before decoding.
	chunks := []string{
		"data: {\"type\":\"message.part.updated\",\n",
		"data: \"properties\":{\"part\":{\"id\":\"prt_1\",\"type\":\"text\",\"text\":\"hi\"}}}\n",
		"\n",
	}
	server := httptest.NewServer(sseHandler(t, chunks))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	stream, err := client.OpenEventStream(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 1, 5*time.Second)
	if events[0].Type != EventMessagePartUpdated {
		t.Errorf("expected message.part.updated, got %s", events[0].Type)
	}
}

func TestEventStream_SkipsMalformedEvents(t *testing.T) {
	chunks := []string{
		"data: {not json at all\n\n",
		"data: {\"type\":\"session.idle\"}\n\n",
	}
	server := httptest.NewServer(sseHandler(t, chunks))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	stream, err := client.OpenEventStream(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 1, 5*time.Second)
	if events[0].Type != EventSessionIdle {
		t.Errorf("expected the valid event to survive, got %s", events[0].Type)
	}
}

func TestEventStream_InactivityTimeout(t *testing.T) {
	chunks := []string{
		"data: {\"type\":\"server.connected\"}\n\n",
		// Then silence.
	}
	server := httptest.NewServer(sseHandler(t, chunks))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	stream, err := client.OpenEventStream(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream.Events():
			if !ok {
				if !errors.Is(stream.Err(), ErrStreamInactive) {
					t.Fatalf("expected ErrStreamInactive, got %v", stream.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not time out")
		}
	}
}

func TestEventStream_ConnectRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	_, err := client.OpenEventStream(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEventStream_CloseEndsCleanly(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{"data: {\"type\":\"server.connected\"}\n\n"}))
	defer server.Close()

	client := NewClient(server.URL, newTestLogger())
	stream, err := client.OpenEventStream(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	collectEvents(t, stream, 1, 5*time.Second)
	stream.Close()
	stream.Close() // idempotent

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream.Events():
			if !ok {
				if stream.Err() != nil {
					t.Errorf("expected nil error after explicit close, got %v", stream.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}
