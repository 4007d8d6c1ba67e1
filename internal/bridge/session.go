package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// loadSessionID restores the persisted OpenCode session ID, then probes the
// server to confirm it still exists. A missing file, an unreadable file, or a
// session the server no longer knows all leave the bridge without a session;
// the first prompt creates a fresh one.
func (b *Bridge) loadSessionID(ctx context.Context) {
	raw, err := os.ReadFile(b.cfg.SessionIDFile)
	if err != nil {
		if !os.IsNotExist(err) {
			b.log.Error("read session id file", zap.Error(err))
		}
		return
	}

	sessionID := strings.TrimSpace(string(raw))
	if sessionID == "" {
		return
	}
	b.log.Info("opencode session loaded", zap.String("opencode_session_id", sessionID))

	valid, err := b.client.CheckSession(ctx, sessionID)
	if err != nil || !valid {
		b.log.Info("opencode session no longer valid, discarding",
			zap.String("opencode_session_id", sessionID))
		return
	}

	b.setSessionID(sessionID)
}

// saveSessionID persists the session ID atomically: the temp file lands in
// the same directory so the rename never crosses filesystems.
func (b *Bridge) saveSessionID(sessionID string) error {
	dir := filepath.Dir(b.cfg.SessionIDFile)
	tmp, err := os.CreateTemp(dir, ".opencode-session-id-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}

	if _, err := tmp.WriteString(sessionID); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.cfg.SessionIDFile); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// ensureSession returns the current OpenCode session ID, creating and
// persisting one when none exists.
func (b *Bridge) ensureSession(ctx context.Context) (string, error) {
	if id := b.currentSessionID(); id != "" {
		return id, nil
	}

	sessionID, err := b.client.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create opencode session: %w", err)
	}
	b.setSessionID(sessionID)
	b.log.Info("opencode session created", zap.String("opencode_session_id", sessionID))

	if err := b.saveSessionID(sessionID); err != nil {
		// The session works for this process; only restarts lose it.
		b.log.Error("persist session id", zap.Error(err))
	}
	return sessionID, nil
}

func (b *Bridge) currentSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Bridge) setSessionID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = id
}
