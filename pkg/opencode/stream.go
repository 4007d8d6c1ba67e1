package opencode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
)

// ErrStreamInactive marks an event stream that was torn down because no data
// arrived within its inactivity window.
var ErrStreamInactive = errors.New("no data received on sse stream")

// EventStream is a live subscription to OpenCode's /event endpoint. Events
// arrive on Events(); when that channel closes, Err() reports why the stream
// ended (nil for a clean server-side close or an explicit Close).
type EventStream struct {
	events chan *EventEnvelope
	cancel context.CancelFunc

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// OpenEventStream connects to /event and begins consuming it. The inactivity
// deadline resets every time a line arrives on the wire, so a steadily
// streaming prompt never trips it while a wedged server does.
func (c *Client) OpenEventStream(ctx context.Context, inactivity time.Duration) (*EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sse.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse connection failed: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	s := &EventStream{
		events: make(chan *EventEnvelope, 64),
		cancel: cancel,
	}

	lines := make(chan string)
	go s.readLines(streamCtx, resp.Body, lines)
	go s.pump(ctx, streamCtx, lines, inactivity, c.log)

	return s, nil
}

// Events returns the event channel. It closes when the stream ends for any
// reason; consult Err afterwards.
func (s *EventStream) Events() <-chan *EventEnvelope {
	return s.events
}

// Err reports why the stream ended. Nil until Events() has closed, and nil
// after a clean end-of-stream or an explicit Close.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. Safe to call concurrently and repeatedly.
func (s *EventStream) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *EventStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readLines scans the response body line by line. Events can be large, so
// the scanner buffer is raised well above the default.
func (s *EventStream) readLines(ctx context.Context, body io.ReadCloser, lines chan<- string) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			close(lines)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.setErr(fmt.Errorf("sse read error: %w", err))
	}
	close(lines)
}

// pump assembles SSE events out of raw lines and delivers them. SSE events
// are blank-line separated; each carries one or more "data:" lines whose
// payloads are joined with newlines before JSON decoding.
func (s *EventStream) pump(parent, ctx context.Context, lines <-chan string, inactivity time.Duration, log *logger.Logger) {
	defer close(s.events)

	timer := time.NewTimer(inactivity)
	defer timer.Stop()

	var dataLines []string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(inactivity)

			switch {
			case strings.HasPrefix(line, "data:"):
				// Both "data: {...}" and "data:{...}" appear in the wild.
				content := strings.TrimLeft(line[len("data:"):], " \t")
				if content != "" {
					dataLines = append(dataLines, content)
				}
			case line == "":
				if len(dataLines) == 0 {
					continue
				}
				raw := strings.Join(dataLines, "\n")
				dataLines = nil

				env, err := ParseEvent([]byte(raw))
				if err != nil {
					log.Debug("sse parse error", zap.Error(err))
					continue
				}
				select {
				case s.events <- env:
				case <-ctx.Done():
					s.noteContextEnd(parent)
					return
				}
			}

		case <-timer.C:
			s.setErr(ErrStreamInactive)
			s.cancel()
			return

		case <-ctx.Done():
			s.noteContextEnd(parent)
			return
		}
	}
}

// noteContextEnd records the parent context's error when the stream died
// because the caller's context expired rather than via Close.
func (s *EventStream) noteContextEnd(parent context.Context) {
	if err := parent.Err(); err != nil {
		s.setErr(err)
	}
}
