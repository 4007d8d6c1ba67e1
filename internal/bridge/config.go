package bridge

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
)

const (
	heartbeatInterval = 30 * time.Second

	reconnectBackoffBase = 2.0
	reconnectMaxDelay    = 60 * time.Second

	defaultSSEInactivityTimeout = 120 * time.Second
	minSSEInactivityTimeout     = 5 * time.Second
	maxSSEInactivityTimeout     = 3600 * time.Second
	sseInactivityTimeoutEnv     = "BRIDGE_SSE_INACTIVITY_TIMEOUT"

	// promptMaxDuration caps a single prompt regardless of SSE activity. A
	// prompt that streams steadily but never finishes is still pathological.
	promptMaxDuration = 5400 * time.Second

	// maxPendingPartEvents bounds the parts buffered for assistant messages
	// that have not been admitted yet.
	maxPendingPartEvents = 2000

	sessionIDFileName = "opencode-session-id"
)

// Config identifies the bridge's sandbox session. Populated from CLI flags;
// immutable once the bridge is running.
type Config struct {
	SandboxID       string
	SessionID       string
	ControlPlaneURL string
	AuthToken       string
	OpencodePort    int

	// WorkspacePath is where the supervisor cloned the repository.
	// Defaults to /workspace.
	WorkspacePath string

	// SessionIDFile persists the OpenCode session ID across bridge restarts.
	// Defaults to <tmp>/opencode-session-id; the path is part of the snapshot
	// contract with the control plane.
	SessionIDFile string
}

func (c *Config) applyDefaults() {
	if c.WorkspacePath == "" {
		c.WorkspacePath = "/workspace"
	}
	if c.SessionIDFile == "" {
		c.SessionIDFile = filepath.Join(os.TempDir(), sessionIDFileName)
	}
}

// resolveSSEInactivityTimeout reads the inactivity window from the
// environment, clamped to [5s, 3600s]. Unparsable values fall back to the
// default. The resolved value is logged either way so a misconfigured sandbox
// is visible in one place.
func resolveSSEInactivityTimeout(log *logger.Logger) time.Duration {
	value := defaultSSEInactivityTimeout

	raw := os.Getenv(sseInactivityTimeoutEnv)
	if raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Warn("invalid sse inactivity timeout, using default",
				zap.String("value", raw),
				zap.Duration("default", defaultSSEInactivityTimeout))
		} else {
			value = time.Duration(seconds * float64(time.Second))
		}
	}

	switch {
	case value < minSSEInactivityTimeout:
		log.Warn("sse inactivity timeout below minimum, clamped",
			zap.Duration("value", value),
			zap.Duration("min", minSSEInactivityTimeout))
		value = minSSEInactivityTimeout
	case value > maxSSEInactivityTimeout:
		log.Warn("sse inactivity timeout above maximum, clamped",
			zap.Duration("value", value),
			zap.Duration("max", maxSSEInactivityTimeout))
		value = maxSSEInactivityTimeout
	}

	log.Info("sse inactivity timeout resolved", zap.Duration("timeout", value))
	return value
}

// reconnectDelay computes capped exponential backoff for link reconnects and
// restarts: min(2^attempt, 60s).
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(reconnectBackoffBase)
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}
