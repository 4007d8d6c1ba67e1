package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Bundled assets baked into the sandbox image.
const (
	legacyToolPath    = "/app/sandbox/inspect-plugin.js"
	bundledToolsDir   = "/app/sandbox/tools"
	codexAuthPlugin   = "/app/sandbox/codex-auth-plugin.ts"
	globalNodeModules = "/usr/lib/node_modules"
	toolsPackageJSON  = `{"name": "opencode-tools", "type": "module"}`
)

// installTools copies the bundled OpenCode tools into the working directory's
// .opencode/tool so the agent discovers them, and wires up node_modules and a
// minimal package.json for them to run.
func (s *Supervisor) installTools(workdir string) {
	opencodeDir := filepath.Join(workdir, ".opencode")
	toolDest := filepath.Join(opencodeDir, "tool")

	_, legacyErr := os.Stat(legacyToolPath)
	_, toolsErr := os.Stat(bundledToolsDir)
	if legacyErr != nil && toolsErr != nil {
		return
	}

	if err := os.MkdirAll(toolDest, 0o755); err != nil {
		s.log.Warn("create tool directory failed", zap.Error(err))
		return
	}

	if legacyErr == nil {
		if err := copyFile(legacyToolPath, filepath.Join(toolDest, "create-pull-request.js")); err != nil {
			s.log.Warn("install legacy tool failed", zap.Error(err))
		}
	}

	if toolsErr == nil {
		entries, err := os.ReadDir(bundledToolsDir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
					continue
				}
				src := filepath.Join(bundledToolsDir, entry.Name())
				if err := copyFile(src, filepath.Join(toolDest, entry.Name())); err != nil {
					s.log.Warn("install tool failed",
						zap.String("tool", entry.Name()), zap.Error(err))
				}
			}
		}
	}

	nodeModules := filepath.Join(opencodeDir, "node_modules")
	if _, err := os.Lstat(nodeModules); os.IsNotExist(err) {
		if _, err := os.Stat(globalNodeModules); err == nil {
			if err := os.Symlink(globalNodeModules, nodeModules); err != nil {
				s.log.Warn("node_modules symlink failed", zap.Error(err))
			}
		}
	}

	packageJSON := filepath.Join(opencodeDir, "package.json")
	if _, err := os.Stat(packageJSON); os.IsNotExist(err) {
		if err := os.WriteFile(packageJSON, []byte(toolsPackageJSON), 0o644); err != nil {
			s.log.Warn("write package.json failed", zap.Error(err))
		}
	}
}

// setupOpenAIOAuth writes OpenCode's auth.json when the platform provisions a
// ChatGPT OAuth session. The file is created 0600 and renamed into place so
// the credential is never world-readable, even transiently.
func (s *Supervisor) setupOpenAIOAuth() {
	if s.cfg.OpenAIOAuthRefreshToken == "" {
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		s.log.Warn("openai oauth setup failed", zap.Error(err))
		return
	}
	authDir := filepath.Join(home, ".local", "share", "opencode")
	if err := os.MkdirAll(authDir, 0o755); err != nil {
		s.log.Warn("openai oauth setup failed", zap.Error(err))
		return
	}

	entry := map[string]any{
		"type":    "oauth",
		"refresh": "managed-by-control-plane",
		"access":  "",
		"expires": 0,
	}
	if s.cfg.OpenAIOAuthAccountID != "" {
		entry["accountId"] = s.cfg.OpenAIOAuthAccountID
	}
	raw, err := json.Marshal(map[string]any{"openai": entry})
	if err != nil {
		s.log.Warn("openai oauth setup failed", zap.Error(err))
		return
	}

	tmpPath := filepath.Join(authDir, ".auth.json.tmp")
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		s.log.Warn("openai oauth setup failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, filepath.Join(authDir, "auth.json")); err != nil {
		_ = os.Remove(tmpPath)
		s.log.Warn("openai oauth setup failed", zap.Error(err))
		return
	}
	s.log.Info("openai oauth configured")
}

// deployCodexAuthPlugin drops the codex auth proxy plugin into the working
// directory when OpenAI OAuth is in play.
func (s *Supervisor) deployCodexAuthPlugin(workdir string) {
	if s.cfg.OpenAIOAuthRefreshToken == "" {
		return
	}
	if _, err := os.Stat(codexAuthPlugin); err != nil {
		return
	}

	pluginDir := filepath.Join(workdir, ".opencode", "plugins")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		s.log.Warn("create plugin directory failed", zap.Error(err))
		return
	}
	if err := copyFile(codexAuthPlugin, filepath.Join(pluginDir, "codex-auth-plugin.ts")); err != nil {
		s.log.Warn("deploy codex auth plugin failed", zap.Error(err))
		return
	}
	s.log.Info("codex auth plugin deployed")
}

// opencodeConfigContent builds the OPENCODE_CONFIG_CONTENT JSON: the session's
// model plus allow-all permissions, since the sandbox is the isolation
// boundary.
func (s *Supervisor) opencodeConfigContent() (string, error) {
	config := map[string]any{
		"model": fmt.Sprintf("%s/%s", s.cfg.Session.Provider, s.cfg.Session.Model),
		"permission": map[string]any{
			"*": map[string]any{"*": "allow"},
		},
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
