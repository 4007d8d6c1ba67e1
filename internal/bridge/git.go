package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/sandbox/pkg/protocol"
)

const gitCommandTimeout = 10 * time.Second

// Commits made on behalf of an author without SCM details are attributed to
// the product's noreply identity, field by field.
const (
	fallbackGitName  = "Rove"
	fallbackGitEmail = "rove@noreply.github.com"
)

// gitUser is the identity applied to the working repository before a prompt.
type gitUser struct {
	Name  string
	Email string
}

// resolveGitUser fills missing author fields from the fallback identity.
func resolveGitUser(author *protocol.Author) gitUser {
	user := gitUser{Name: fallbackGitName, Email: fallbackGitEmail}
	if author == nil {
		return user
	}
	if author.GithubName != "" {
		user.Name = author.GithubName
	}
	if author.GithubEmail != "" {
		user.Email = author.GithubEmail
	}
	return user
}

// findRepoDir locates the working repository as the unique */.git directory
// under the workspace. Empty when nothing has been cloned.
func (b *Bridge) findRepoDir() string {
	matches, err := filepath.Glob(filepath.Join(b.cfg.WorkspacePath, "*", ".git"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return filepath.Dir(matches[0])
}

// runGit runs one git command in dir with a bounded wait, discarding stdout
// and capturing stderr for diagnostics.
func runGit(ctx context.Context, dir string, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = nil

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}

// configureGitIdentity sets user.name and user.email as local config in the
// working repository. Never fatal to the prompt: a failure logs and skips the
// remaining command.
func (b *Bridge) configureGitIdentity(ctx context.Context, user gitUser) {
	b.log.Debug("configuring git identity",
		zap.String("git_name", user.Name),
		zap.String("git_email", user.Email))

	repoDir := b.findRepoDir()
	if repoDir == "" {
		b.log.Debug("git identity skipped, no repository")
		return
	}

	if err := runGit(ctx, repoDir, "config", "--local", "user.name", user.Name); err != nil {
		b.log.Error("git identity configuration failed", zap.Error(err))
		return
	}
	if err := runGit(ctx, repoDir, "config", "--local", "user.email", user.Email); err != nil {
		b.log.Error("git identity configuration failed", zap.Error(err))
	}
}

// resolveGithubToken picks the push token: a fresh one from the command wins
// over the (possibly stale) startup token from the environment.
func resolveGithubToken(cmd *protocol.PushCommand) (token, source string) {
	if cmd.GithubToken != "" {
		return cmd.GithubToken, "command"
	}
	if env := os.Getenv("GITHUB_APP_TOKEN"); env != "" {
		return env, "env"
	}
	return "", "none"
}

// handlePush force-pushes the repository's HEAD to the named branch. Every
// outcome surfaces as exactly one push_complete or push_error event.
func (b *Bridge) handlePush(ctx context.Context, cmd *protocol.PushCommand) {
	branchName := cmd.BranchName
	repoOwner := cmd.RepoOwner
	if repoOwner == "" {
		repoOwner = os.Getenv("REPO_OWNER")
	}
	repoName := cmd.RepoName
	if repoName == "" {
		repoName = os.Getenv("REPO_NAME")
	}

	token, tokenSource := resolveGithubToken(cmd)
	b.log.Info("push requested",
		zap.String("branch_name", branchName),
		zap.String("repo_owner", repoOwner),
		zap.String("repo_name", repoName),
		zap.String("token_source", tokenSource))

	repoDir := b.findRepoDir()
	if repoDir == "" {
		b.log.Warn("push failed, no repository")
		b.send(protocol.NewPushErrorEvent("No repository found", nil))
		return
	}

	if token == "" || repoOwner == "" || repoName == "" {
		b.log.Warn("push failed, missing credentials")
		b.send(protocol.NewPushErrorEvent(
			"Push failed - GitHub authentication token is required", &branchName))
		return
	}

	pushURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git",
		token, repoOwner, repoName)
	refspec := "HEAD:refs/heads/" + branchName

	cmdCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	push := exec.CommandContext(cmdCtx, "git", "push", pushURL, refspec, "-f")
	push.Dir = repoDir
	if err := push.Run(); err != nil {
		b.log.Warn("push failed", zap.String("branch_name", branchName), zap.Error(err))
		b.send(protocol.NewPushErrorEvent(
			"Push failed - authentication may be required", &branchName))
		return
	}

	b.log.Info("push complete", zap.String("branch_name", branchName))
	b.send(protocol.NewPushCompleteEvent(branchName))
}
