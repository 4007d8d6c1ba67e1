package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallToolsWithoutBundledAssets(t *testing.T) {
	s := newTestSupervisor(t, &Config{})
	workdir := t.TempDir()

	// The bundled asset paths do not exist outside the sandbox image; the
	// install must be a clean no-op.
	s.installTools(workdir)
	_, err := os.Stat(filepath.Join(workdir, ".opencode"))
	assert.True(t, os.IsNotExist(err))
}

func TestSetupOpenAIOAuthSkippedWithoutToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	s := newTestSupervisor(t, &Config{})

	s.setupOpenAIOAuth()
	_, err := os.Stat(filepath.Join(os.Getenv("HOME"), ".local", "share", "opencode", "auth.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSetupOpenAIOAuthWritesAuthFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	s := newTestSupervisor(t, &Config{
		OpenAIOAuthRefreshToken: "refresh-tok",
		OpenAIOAuthAccountID:    "acct-1",
	})

	s.setupOpenAIOAuth()

	path := filepath.Join(home, ".local", "share", "opencode", "auth.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var auth map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "oauth", auth["openai"]["type"])
	assert.Equal(t, "managed-by-control-plane", auth["openai"]["refresh"])
	assert.Equal(t, "acct-1", auth["openai"]["accountId"])
}

func TestDeployCodexAuthPluginSkippedWithoutOAuth(t *testing.T) {
	s := newTestSupervisor(t, &Config{})
	workdir := t.TempDir()

	s.deployCodexAuthPlugin(workdir)
	_, err := os.Stat(filepath.Join(workdir, ".opencode", "plugins"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.js")
	dst := filepath.Join(dir, "dst.js")
	require.NoError(t, os.WriteFile(src, []byte("export const x = 1\n"), 0o644))

	require.NoError(t, copyFile(src, dst))
	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1\n", string(raw))

	assert.Error(t, copyFile(filepath.Join(dir, "missing"), dst))
}
