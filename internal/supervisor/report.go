package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buildkite/roko"
	"go.uber.org/zap"
)

const fatalReportTimeout = 5 * time.Second

// reportFatalError tells the control plane the sandbox cannot continue, so it
// can surface the failure instead of waiting for a heartbeat that never
// comes. One retry; beyond that the error only exists in the logs.
func (s *Supervisor) reportFatalError(ctx context.Context, message string) {
	s.log.Error("fatal supervisor error", zap.String("fatal_error", message))

	if s.cfg.ControlPlaneURL == "" {
		return
	}

	url := fmt.Sprintf("%s/sandbox/%s/error", s.cfg.ControlPlaneURL, s.cfg.SandboxID)
	body, err := json.Marshal(map[string]any{"error": message, "fatal": true})
	if err != nil {
		return
	}

	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(2),
		roko.WithStrategy(roko.Constant(time.Second)),
	)
	err = retrier.DoWithContext(ctx, func(r *roko.Retrier) error {
		reqCtx, cancel := context.WithTimeout(ctx, fatalReportTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.cfg.SandboxToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			return fmt.Errorf("error report rejected: HTTP %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		s.log.Error("fatal error report failed", zap.Error(err))
	}
}
