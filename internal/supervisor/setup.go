package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const setupScriptRelPath = ".openinspect/setup.sh"

// runSetupScript executes the repo's one-shot setup script when present.
// Non-fatal: a failing or hanging setup is logged with the tail of its output
// and startup continues.
func (s *Supervisor) runSetupScript(ctx context.Context) bool {
	script := filepath.Join(s.cfg.RepoPath(), setupScriptRelPath)
	if _, err := os.Stat(script); err != nil {
		s.log.Debug("setup script absent", zap.String("script", script))
		return true
	}

	timeout := time.Duration(s.cfg.SetupTimeout()) * time.Second
	s.log.Info("setup script starting",
		zap.String("script", script),
		zap.Duration("timeout", timeout))

	scriptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(scriptCtx, "bash", script)
	cmd.Dir = s.cfg.RepoPath()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	tail := outputTail(output.String(), 50)

	if scriptCtx.Err() == context.DeadlineExceeded {
		s.log.Error("setup script timed out",
			zap.Duration("timeout", timeout),
			zap.String("output_tail", tail),
			zap.String("script", script))
		return false
	}
	if err != nil {
		s.log.Error("setup script failed",
			zap.Error(err),
			zap.String("output_tail", tail),
			zap.String("script", script))
		return false
	}

	s.log.Debug("setup script complete", zap.String("output_tail", tail))
	return true
}

// outputTail returns the last n lines of combined output.
func outputTail(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
