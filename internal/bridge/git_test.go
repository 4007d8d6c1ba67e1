package bridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinspect/sandbox/pkg/protocol"
)

func TestResolveGitUser(t *testing.T) {
	tests := []struct {
		name      string
		author    *protocol.Author
		wantName  string
		wantEmail string
	}{
		{
			name:      "nil author falls back entirely",
			author:    nil,
			wantName:  fallbackGitName,
			wantEmail: fallbackGitEmail,
		},
		{
			name:      "full author",
			author:    &protocol.Author{GithubName: "octocat", GithubEmail: "octocat@github.com"},
			wantName:  "octocat",
			wantEmail: "octocat@github.com",
		},
		{
			name:      "missing email falls back per field",
			author:    &protocol.Author{GithubName: "octocat"},
			wantName:  "octocat",
			wantEmail: fallbackGitEmail,
		},
		{
			name:      "missing name falls back per field",
			author:    &protocol.Author{GithubEmail: "octocat@github.com"},
			wantName:  fallbackGitName,
			wantEmail: "octocat@github.com",
		},
		{
			name:      "empty author falls back entirely",
			author:    &protocol.Author{},
			wantName:  fallbackGitName,
			wantEmail: fallbackGitEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := resolveGitUser(tt.author)
			assert.Equal(t, tt.wantName, user.Name)
			assert.Equal(t, tt.wantEmail, user.Email)
		})
	}
}

func TestResolveGithubToken(t *testing.T) {
	t.Setenv("GITHUB_APP_TOKEN", "")

	token, source := resolveGithubToken(&protocol.PushCommand{GithubToken: "from-cmd"})
	assert.Equal(t, "from-cmd", token)
	assert.Equal(t, "command", source)

	t.Setenv("GITHUB_APP_TOKEN", "from-env")
	token, source = resolveGithubToken(&protocol.PushCommand{GithubToken: "from-cmd"})
	assert.Equal(t, "from-cmd", token, "command token wins over the startup env token")
	assert.Equal(t, "command", source)

	token, source = resolveGithubToken(&protocol.PushCommand{})
	assert.Equal(t, "from-env", token)
	assert.Equal(t, "env", source)

	t.Setenv("GITHUB_APP_TOKEN", "")
	token, source = resolveGithubToken(&protocol.PushCommand{})
	assert.Empty(t, token)
	assert.Equal(t, "none", source)
}

// newTestBridge builds a bridge with a captured event sink and a temp
// workspace, without touching the network.
func newTestBridge(t *testing.T) (*Bridge, *[]protocol.Event) {
	t.Helper()
	events := &[]protocol.Event{}
	b := &Bridge{
		cfg: Config{
			SandboxID:     "sbx-test",
			SessionID:     "sess-test",
			WorkspacePath: t.TempDir(),
		},
		log:  testLogger(t),
		send: func(ev protocol.Event) { *events = append(*events, ev) },
	}
	return b, events
}

func TestFindRepoDir(t *testing.T) {
	b, _ := newTestBridge(t)
	assert.Empty(t, b.findRepoDir(), "empty workspace has no repository")

	repo := filepath.Join(b.cfg.WorkspacePath, "myrepo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))
	assert.Equal(t, repo, b.findRepoDir())
}

func TestHandlePushWithoutRepository(t *testing.T) {
	b, events := newTestBridge(t)

	b.handlePush(context.Background(), &protocol.PushCommand{BranchName: "feature/x"})

	require.Len(t, *events, 1)
	pushErr := (*events)[0].(*protocol.PushErrorEvent)
	assert.Equal(t, "No repository found", pushErr.Error)
	assert.Nil(t, pushErr.BranchName)
}

func TestHandlePushWithoutCredentials(t *testing.T) {
	t.Setenv("GITHUB_APP_TOKEN", "")
	t.Setenv("REPO_OWNER", "")
	t.Setenv("REPO_NAME", "")

	b, events := newTestBridge(t)
	require.NoError(t, os.MkdirAll(filepath.Join(b.cfg.WorkspacePath, "myrepo", ".git"), 0o755))

	b.handlePush(context.Background(), &protocol.PushCommand{BranchName: "feature/x"})

	require.Len(t, *events, 1)
	pushErr := (*events)[0].(*protocol.PushErrorEvent)
	assert.Equal(t, "Push failed - GitHub authentication token is required", pushErr.Error)
	require.NotNil(t, pushErr.BranchName)
	assert.Equal(t, "feature/x", *pushErr.BranchName)
}

func TestHandlePushFailureEmitsPushError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GITHUB_APP_TOKEN", "")

	b, events := newTestBridge(t)
	// A bare .git directory is not a valid repo, so the push command fails.
	require.NoError(t, os.MkdirAll(filepath.Join(b.cfg.WorkspacePath, "myrepo", ".git"), 0o755))

	b.handlePush(context.Background(), &protocol.PushCommand{
		BranchName:  "feature/x",
		RepoOwner:   "acme",
		RepoName:    "widgets",
		GithubToken: "tok",
	})

	require.Len(t, *events, 1)
	pushErr := (*events)[0].(*protocol.PushErrorEvent)
	assert.Equal(t, "Push failed - authentication may be required", pushErr.Error)
	require.NotNil(t, pushErr.BranchName)
	assert.Equal(t, "feature/x", *pushErr.BranchName)
}

func TestConfigureGitIdentity(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	b, _ := newTestBridge(t)
	ctx := context.Background()

	// No repository: a silent no-op.
	b.configureGitIdentity(ctx, gitUser{Name: "n", Email: "e"})

	repo := filepath.Join(b.cfg.WorkspacePath, "myrepo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, exec.Command("git", "init", repo).Run())

	b.configureGitIdentity(ctx, gitUser{Name: "octocat", Email: "octocat@github.com"})

	name, err := exec.Command("git", "-C", repo, "config", "--local", "user.name").Output()
	require.NoError(t, err)
	assert.Equal(t, "octocat", strings.TrimSpace(string(name)))

	email, err := exec.Command("git", "-C", repo, "config", "--local", "user.email").Output()
	require.NoError(t, err)
	assert.Equal(t, "octocat@github.com", strings.TrimSpace(string(email)))
}
