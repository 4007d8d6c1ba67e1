package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// git runs one git command in the repository directory, returning trimmed
// stdout. Errors carry trimmed stderr.
func (s *Supervisor) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.cfg.RepoPath()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// refreshRemoteURL points origin at the authenticated URL so later fetches
// and pushes use the freshest clone token.
func (s *Supervisor) refreshRemoteURL(ctx context.Context) {
	if s.cfg.CloneToken() == "" {
		return
	}
	if _, err := s.git(ctx, "remote", "set-url", "origin", s.cfg.RepoURL(true)); err != nil {
		s.log.Warn("git remote set-url failed", zap.Error(err))
	}
}

// performGitSync is the cold-start path: clone when the repository is absent,
// then fetch and rebase onto the base branch. Always signals sync completion,
// even on failure, so the agent is never blocked on a broken remote.
func (s *Supervisor) performGitSync(ctx context.Context) bool {
	defer s.signalGitSync()

	if s.cfg.RepoOwner == "" || s.cfg.RepoName == "" {
		s.log.Info("git sync skipped, no repository configured")
		return true
	}

	repoPath := s.cfg.RepoPath()
	s.log.Debug("git sync starting",
		zap.String("repo_owner", s.cfg.RepoOwner),
		zap.String("repo_name", s.cfg.RepoName),
		zap.Bool("has_clone_token", s.cfg.CloneToken() != ""))

	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		// Image builds clone deeper so snapshots keep useful history.
		depth := "1"
		if s.cfg.IsImageBuild() {
			depth = "100"
		}

		s.log.Info("git clone starting",
			zap.String("branch", s.cfg.BaseBranch()),
			zap.String("depth", depth))
		clone := exec.CommandContext(ctx, "git", "clone",
			"--depth", depth,
			"--branch", s.cfg.BaseBranch(),
			s.cfg.RepoURL(true), repoPath)
		var stderr bytes.Buffer
		clone.Stderr = &stderr
		if err := clone.Run(); err != nil {
			s.log.Error("git clone failed",
				zap.Error(err),
				zap.String("stderr", strings.TrimSpace(stderr.String())))
			return false
		}
		s.log.Info("git clone complete", zap.String("repo_path", repoPath))
	}

	s.refreshRemoteURL(ctx)

	base := s.cfg.BaseBranch()
	if _, err := s.git(ctx, "fetch", "origin", base); err != nil {
		s.log.Error("git fetch failed", zap.Error(err))
		return false
	}

	if _, err := s.git(ctx, "rebase", "origin/"+base); err != nil {
		// Abort only when a rebase actually got underway; otherwise the
		// failure left the tree untouched.
		if s.rebaseInProgress() {
			_, _ = s.git(ctx, "rebase", "--abort")
		}
		s.log.Warn("git rebase failed", zap.String("base_branch", base), zap.Error(err))
	}

	if sha, err := s.git(ctx, "rev-parse", "HEAD"); err == nil {
		s.log.Info("git sync complete", zap.String("head_sha", sha))
	}
	return true
}

func (s *Supervisor) rebaseInProgress() bool {
	gitDir := filepath.Join(s.cfg.RepoPath(), ".git")
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			return true
		}
	}
	return false
}

// incrementalGitSync is the repo-image path: the repository was baked into
// the image, so fetch the base branch and hard-reset onto it.
func (s *Supervisor) incrementalGitSync(ctx context.Context) bool {
	defer s.signalGitSync()

	if _, err := os.Stat(s.cfg.RepoPath()); os.IsNotExist(err) {
		s.log.Warn("incremental sync skipped, repository missing")
		return false
	}

	s.refreshRemoteURL(ctx)

	base := s.cfg.BaseBranch()
	if _, err := s.git(ctx, "fetch", "origin", base); err != nil {
		s.log.Error("incremental fetch failed", zap.Error(err))
		return false
	}
	if _, err := s.git(ctx, "reset", "--hard", "origin/"+base); err != nil {
		s.log.Error("incremental reset failed", zap.Error(err))
	}

	s.log.Info("incremental git sync complete")
	return true
}

// quickGitFetch is the snapshot-restore path: the workspace already carries
// the session's state, so just fetch and report how far behind the remote we
// are. Purely observational.
func (s *Supervisor) quickGitFetch(ctx context.Context) {
	if _, err := os.Stat(s.cfg.RepoPath()); os.IsNotExist(err) {
		s.log.Info("quick fetch skipped, repository missing")
		return
	}

	s.refreshRemoteURL(ctx)

	if _, err := s.git(ctx, "fetch", "--quiet", "origin"); err != nil {
		s.log.Warn("quick fetch failed", zap.Error(err))
		return
	}

	branch, err := s.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return
	}

	count, err := s.git(ctx, "rev-list", "--count", "HEAD..origin/"+branch)
	if err != nil {
		s.log.Debug("commits-behind unknown, no upstream")
		return
	}
	behind, _ := strconv.Atoi(count)
	s.log.Info("snapshot repository status",
		zap.Int("commits_behind", behind),
		zap.String("current_branch", branch))
}

func (s *Supervisor) signalGitSync() {
	s.gitSyncOnce.Do(func() { close(s.gitSyncDone) })
}
