// Package link maintains the sandbox's websocket connection to the control
// plane: one authenticated bidirectional channel per sandbox session.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/pkg/protocol"
)

const (
	pingInterval = 20 * time.Second
	pingTimeout  = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it.
	pongWait = pingInterval + pingTimeout

	writeTimeout = 10 * time.Second
)

// ErrSessionTerminated means the control plane rejected the connection with a
// status that says the session is gone for good. Reconnecting is futile; the
// bridge should exit cleanly and let the control plane decide what happens
// next.
var ErrSessionTerminated = errors.New("session rejected by control plane")

// ErrNotConnected is returned by ReadMessage when no connection is open.
var ErrNotConnected = errors.New("link not connected")

// Config identifies the sandbox to the control plane.
type Config struct {
	ControlPlaneURL string
	SessionID       string
	SandboxID       string
	AuthToken       string
}

// Link is the bridge's channel to the control plane. One connection is open
// at a time; Connect replaces a dead one.
type Link struct {
	cfg Config
	log *logger.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	open    bool
	stopPng chan struct{}

	writeMu sync.Mutex
}

// New creates an unconnected link.
func New(cfg Config, log *logger.Logger) *Link {
	return &Link{
		cfg: cfg,
		log: log.With(zap.String("component", "link")),
	}
}

// URL derives the websocket endpoint from the control plane's HTTP base URL.
func (l *Link) URL() string {
	url := l.cfg.ControlPlaneURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return fmt.Sprintf("%s/sessions/%s/ws?type=sandbox", url, l.cfg.SessionID)
}

// Connect dials the control plane. Authentication and session-liveness
// rejections (401, 403, 404, 410) come back wrapped in ErrSessionTerminated;
// everything else is a transient failure the caller may retry.
func (l *Link) Connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+l.cfg.AuthToken)
	headers.Set("X-Sandbox-ID", l.cfg.SandboxID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, l.URL(), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
				return fmt.Errorf("%w (HTTP %d)", ErrSessionTerminated, resp.StatusCode)
			}
		}
		return fmt.Errorf("dial control plane: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.open = true
	l.stopPng = stopPing
	l.mu.Unlock()

	go l.pingLoop(conn, stopPing)

	l.log.Info("connected to control plane")
	return nil
}

// pingLoop keeps the connection alive. The control plane treats a sandbox
// that stops pinging as dead.
func (l *Link) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				l.log.Debug("ping failed", zap.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

// IsOpen reports whether a connection is currently established.
func (l *Link) IsOpen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.open
}

// Send stamps, serializes, and writes an event. When the link is not open
// the event is dropped with a debug log; callers never see an error. Every
// event producer in the bridge relies on this being safe to call at any time.
func (l *Link) Send(ev protocol.Event) {
	l.mu.RLock()
	conn, open := l.conn, l.open
	l.mu.RUnlock()

	if !open || conn == nil {
		l.log.Debug("event dropped, link not open", zap.String("event_type", ev.EventType()))
		return
	}

	ev.Stamp(l.cfg.SandboxID, protocol.UnixSeconds(time.Now()))

	raw, err := json.Marshal(ev)
	if err != nil {
		l.log.Error("marshal event", zap.String("event_type", ev.EventType()), zap.Error(err))
		return
	}

	l.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	l.writeMu.Unlock()

	if err != nil {
		l.log.Error("send event", zap.String("event_type", ev.EventType()), zap.Error(err))
	}
}

// ReadMessage blocks for the next inbound message. On any read error the
// connection is torn down and the error returned; the caller decides whether
// to reconnect.
func (l *Link) ReadMessage() ([]byte, error) {
	l.mu.RLock()
	conn, open := l.conn, l.open
	l.mu.RUnlock()

	if !open || conn == nil {
		return nil, ErrNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		l.teardown()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// Close shuts the current connection down. Safe when already closed.
func (l *Link) Close() {
	l.teardown()
}

func (l *Link) teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return
	}
	l.open = false
	if l.stopPng != nil {
		close(l.stopPng)
		l.stopPng = nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}
