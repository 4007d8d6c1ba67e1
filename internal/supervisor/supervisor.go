// Package supervisor is the sandbox's PID-1 process. It prepares the
// repository, runs the repo setup script, then starts and supervises the
// OpenCode server and the bridge with bounded crash recovery.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/internal/tracing"
	"github.com/openinspect/sandbox/pkg/opencode"
)

const (
	opencodePort       = opencode.DefaultPort
	healthCheckTimeout = 30 * time.Second

	maxRestarts     = 5
	backoffBase     = 2.0
	backoffMax      = 60 * time.Second
	monitorInterval = time.Second

	bridgeStopGrace   = 5 * time.Second
	opencodeStopGrace = 10 * time.Second
)

// Supervisor owns the sandbox lifecycle: git prep, setup, children, monitor,
// shutdown.
type Supervisor struct {
	cfg    *Config
	log    *logger.Logger
	client *opencode.Client

	shutdownOnce sync.Once
	shutdown     chan struct{}

	gitSyncOnce sync.Once
	gitSyncDone chan struct{}

	opencodeChild *child
	bridgeChild   *child
}

// New builds a supervisor from its environment configuration.
func New(cfg *Config, log *logger.Logger) *Supervisor {
	log = log.With(
		zap.String("sandbox_id", cfg.SandboxID),
		zap.String("session_id", cfg.Session.SessionID))

	return &Supervisor{
		cfg:         cfg,
		log:         log,
		client:      opencode.NewClient(fmt.Sprintf("http://localhost:%d", opencodePort), log),
		shutdown:    make(chan struct{}),
		gitSyncDone: make(chan struct{}),
	}
}

// backoffDelay is the restart backoff: min(2^attempt, 60s).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(backoffBase)
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

// Run executes the sandbox lifecycle end to end. It returns once the sandbox
// has shut down, gracefully or otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	startupStart := time.Now()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	s.log.Info("supervisor starting",
		zap.String("repo_owner", s.cfg.RepoOwner),
		zap.String("repo_name", s.cfg.RepoName))

	switch {
	case s.cfg.IsImageBuild():
		s.log.Info("image build mode")
	case s.cfg.IsSnapshotRestore():
		s.log.Info("restored from snapshot")
	case s.cfg.IsFromRepoImage():
		s.log.Info("starting from repo image", zap.String("build_sha", s.cfg.RepoImageSHA))
	}

	defer s.stopChildren()

	// Phase 1: git sync, by mode.
	syncCtx, span := tracing.Tracer("supervisor").Start(ctx, "supervisor.git_sync",
		trace.WithAttributes(
			attribute.String("git.repo", s.cfg.RepoOwner+"/"+s.cfg.RepoName),
			attribute.String("git.branch", s.cfg.BaseBranch())))
	var gitSyncSuccess bool
	switch {
	case s.cfg.IsSnapshotRestore():
		s.quickGitFetch(syncCtx)
		s.signalGitSync()
		gitSyncSuccess = true
	case s.cfg.IsFromRepoImage():
		gitSyncSuccess = s.incrementalGitSync(syncCtx)
	default:
		gitSyncSuccess = s.performGitSync(syncCtx)
	}
	span.SetAttributes(attribute.Bool("git.sync_success", gitSyncSuccess))
	span.End()

	// Phase 2: one-shot setup script. Snapshot and repo-image starts already
	// ran it when their base state was built.
	setupSuccess := true
	if !s.cfg.IsSnapshotRestore() && !s.cfg.IsFromRepoImage() {
		setupSuccess = s.runSetupScript(ctx)
	}

	// Image builds stop here: signal completion and hold the filesystem
	// steady until the builder snapshots it and tears the sandbox down.
	if s.cfg.IsImageBuild() {
		s.log.Info("image build complete",
			zap.Duration("duration", time.Since(startupStart)))
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		return nil
	}

	// Phase 3: OpenCode server.
	if err := s.startOpencode(ctx); err != nil {
		s.reportFatalError(ctx, err.Error())
		return err
	}

	// Phase 4: bridge.
	if err := s.startBridge(ctx); err != nil {
		s.reportFatalError(ctx, err.Error())
		return err
	}

	s.log.Info("sandbox startup complete",
		zap.String("repo_owner", s.cfg.RepoOwner),
		zap.String("repo_name", s.cfg.RepoName),
		zap.Bool("restored_from_snapshot", s.cfg.IsSnapshotRestore()),
		zap.Bool("from_repo_image", s.cfg.IsFromRepoImage()),
		zap.Bool("git_sync_success", gitSyncSuccess),
		zap.Bool("setup_success", setupSuccess),
		zap.Duration("duration", time.Since(startupStart)))

	// Phase 5: monitor until shutdown.
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.monitor(runCtx) })
	g.Go(func() error {
		select {
		case <-runCtx.Done():
			s.log.Info("shutdown signal received")
		case <-s.shutdown:
		}
		s.requestShutdown()
		return nil
	})
	return g.Wait()
}

// monitor restarts crashed children with capped exponential backoff. A bridge
// exiting 0 chose to stop; the supervisor follows it down instead of
// restarting. Exceeding a restart cap is fatal for the whole sandbox.
func (s *Supervisor) monitor(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var opencodeRestarts, bridgeRestarts int

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		case <-ticker.C:
		}

		if s.opencodeChild != nil && !s.opencodeChild.Running() {
			opencodeRestarts++
			s.log.Error("opencode crashed",
				zap.Int("exit_code", s.opencodeChild.ExitCode()),
				zap.Int("restart_count", opencodeRestarts))

			if opencodeRestarts > maxRestarts {
				msg := fmt.Sprintf("OpenCode crashed %d times, giving up", opencodeRestarts)
				s.reportFatalError(ctx, msg)
				s.requestShutdown()
				return fmt.Errorf("opencode exceeded restart limit")
			}

			if !s.sleepBackoff(ctx, "opencode", opencodeRestarts) {
				return nil
			}
			if err := s.startOpencode(ctx); err != nil {
				// The exited child stays in place; the next tick counts
				// this as another crash.
				s.log.Error("opencode restart failed", zap.Error(err))
			}
			continue
		}

		if s.bridgeChild != nil && !s.bridgeChild.Running() {
			exitCode := s.bridgeChild.ExitCode()
			if exitCode == 0 {
				s.log.Info("bridge exited gracefully, shutting down sandbox")
				s.requestShutdown()
				return nil
			}

			bridgeRestarts++
			s.log.Error("bridge crashed",
				zap.Int("exit_code", exitCode),
				zap.Int("restart_count", bridgeRestarts))

			if bridgeRestarts > maxRestarts {
				msg := fmt.Sprintf("Bridge crashed %d times, giving up", bridgeRestarts)
				s.reportFatalError(ctx, msg)
				s.requestShutdown()
				return fmt.Errorf("bridge exceeded restart limit")
			}

			if !s.sleepBackoff(ctx, "bridge", bridgeRestarts) {
				return nil
			}
			if err := s.startBridge(ctx); err != nil {
				s.log.Error("bridge restart failed", zap.Error(err))
			}
		}
	}
}

// sleepBackoff waits out the restart delay; false means shutdown interrupted
// the wait.
func (s *Supervisor) sleepBackoff(ctx context.Context, name string, attempt int) bool {
	delay := backoffDelay(attempt)
	s.log.Info("restarting child",
		zap.String("child", name),
		zap.Duration("delay", delay),
		zap.Int("restart_count", attempt))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	case <-s.shutdown:
		return false
	}
}

// startOpencode prepares the working directory and spawns the OpenCode
// server, blocking until its health endpoint answers.
func (s *Supervisor) startOpencode(ctx context.Context) error {
	s.setupOpenAIOAuth()
	s.log.Info("starting opencode")

	// Work in the repo when one was cloned, the bare workspace otherwise.
	workdir := s.cfg.WorkspacePath
	if _, err := os.Stat(filepath.Join(s.cfg.RepoPath(), ".git")); err == nil {
		workdir = s.cfg.RepoPath()
	}

	s.installTools(workdir)
	s.deployCodexAuthPlugin(workdir)

	configContent, err := s.opencodeConfigContent()
	if err != nil {
		return fmt.Errorf("build opencode config: %w", err)
	}

	cmd := exec.Command("opencode", "serve",
		"--port", strconv.Itoa(opencodePort),
		"--hostname", "0.0.0.0",
		"--print-logs")
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"OPENCODE_CONFIG_CONTENT="+configContent,
		// serve mode disables OpenCode's interactive question tool, which
		// would otherwise block a headless session until the SSE inactivity
		// timeout fires.
		"OPENCODE_CLIENT=serve",
	)

	c, err := startChild("opencode", cmd, s.log)
	if err != nil {
		return err
	}
	s.opencodeChild = c

	if err := s.client.WaitForHealth(ctx, healthCheckTimeout); err != nil {
		c.stop(2 * time.Second)
		return fmt.Errorf("opencode failed to become healthy: %w", err)
	}
	s.log.Info("opencode ready")
	return nil
}

// startBridge spawns the bridge binary. Skipped entirely when the sandbox has
// no control plane to talk to.
func (s *Supervisor) startBridge(ctx context.Context) error {
	if s.cfg.ControlPlaneURL == "" {
		s.log.Info("bridge skipped, no control plane url")
		return nil
	}
	sessionID := s.cfg.Session.SessionID
	if sessionID == "" {
		s.log.Info("bridge skipped, no session id")
		return nil
	}

	cmd := exec.Command(findBridgeBinary(),
		"--sandbox-id", s.cfg.SandboxID,
		"--session-id", sessionID,
		"--control-plane", s.cfg.ControlPlaneURL,
		"--token", s.cfg.SandboxToken,
		"--opencode-port", strconv.Itoa(opencodePort))
	cmd.Env = os.Environ()

	c, err := startChild("bridge", cmd, s.log)
	if err != nil {
		return err
	}
	s.bridgeChild = c

	// A bridge that dies within its first half second usually hit bad flags
	// or a terminated session; make that visible right away.
	select {
	case <-c.Exited():
		if code := c.ExitCode(); code == 0 {
			s.log.Warn("bridge exited immediately", zap.Int("exit_code", code))
		} else {
			s.log.Error("bridge crashed during startup", zap.Int("exit_code", code))
		}
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

// findBridgeBinary looks for the bridge next to the supervisor executable
// first, then falls back to PATH.
func findBridgeBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "bridge")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "bridge"
}

// stopChildren shuts both children down, bridge first so it can close its
// link before OpenCode disappears underneath it.
func (s *Supervisor) stopChildren() {
	s.log.Info("shutting down children")
	if s.bridgeChild != nil {
		s.bridgeChild.stop(bridgeStopGrace)
	}
	if s.opencodeChild != nil {
		s.opencodeChild.stop(opencodeStopGrace)
	}
	s.log.Info("shutdown complete")
}

// GitSyncDone is closed once git preparation has finished, in any mode.
func (s *Supervisor) GitSyncDone() <-chan struct{} {
	return s.gitSyncDone
}

func (s *Supervisor) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}
