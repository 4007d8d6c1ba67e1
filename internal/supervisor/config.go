package supervisor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

const (
	defaultSetupTimeoutSeconds = 300
	defaultWorkspacePath       = "/workspace"
)

// Config is the supervisor's environment contract. The platform sets these
// variables when it boots the sandbox; nothing is read from files.
type Config struct {
	SandboxID       string `mapstructure:"sandbox_id"`
	ControlPlaneURL string `mapstructure:"control_plane_url"`
	SandboxToken    string `mapstructure:"sandbox_auth_token"`

	RepoOwner        string `mapstructure:"repo_owner"`
	RepoName         string `mapstructure:"repo_name"`
	VCSHost          string `mapstructure:"vcs_host"`
	VCSCloneUsername string `mapstructure:"vcs_clone_username"`
	VCSCloneToken    string `mapstructure:"vcs_clone_token"`
	GithubAppToken   string `mapstructure:"github_app_token"`

	SessionConfigJSON string `mapstructure:"session_config"`

	ImageBuildMode       string `mapstructure:"image_build_mode"`
	RestoredFromSnapshot string `mapstructure:"restored_from_snapshot"`
	FromRepoImage        string `mapstructure:"from_repo_image"`
	RepoImageSHA         string `mapstructure:"repo_image_sha"`

	SetupTimeoutSeconds string `mapstructure:"setup_timeout_seconds"`

	OpenAIOAuthRefreshToken string `mapstructure:"openai_oauth_refresh_token"`
	OpenAIOAuthAccountID    string `mapstructure:"openai_oauth_account_id"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// WorkspacePath is overridable for tests only.
	WorkspacePath string `mapstructure:"workspace_path"`

	Session SessionConfig `mapstructure:"-"`
}

// SessionConfig is the JSON document the control plane passes in
// SESSION_CONFIG.
type SessionConfig struct {
	SessionID string `json:"session_id"`
	Branch    string `json:"branch"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// Load reads the supervisor configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("sandbox_id", "unknown")
	v.SetDefault("vcs_host", "github.com")
	v.SetDefault("vcs_clone_username", "x-access-token")
	v.SetDefault("session_config", "{}")
	v.SetDefault("workspace_path", defaultWorkspacePath)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	for _, key := range []string{
		"sandbox_id", "control_plane_url", "sandbox_auth_token",
		"repo_owner", "repo_name", "vcs_host", "vcs_clone_username",
		"vcs_clone_token", "github_app_token", "session_config",
		"image_build_mode", "restored_from_snapshot", "from_repo_image",
		"repo_image_sha", "setup_timeout_seconds",
		"openai_oauth_refresh_token", "openai_oauth_account_id",
		"log_level", "log_format", "workspace_path",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal supervisor config: %w", err)
	}

	if err := json.Unmarshal([]byte(cfg.SessionConfigJSON), &cfg.Session); err != nil {
		return nil, fmt.Errorf("parse SESSION_CONFIG: %w", err)
	}
	cfg.Session.applyDefaults()

	return &cfg, nil
}

func (s *SessionConfig) applyDefaults() {
	if s.Branch == "" {
		s.Branch = "main"
	}
	if s.Provider == "" {
		s.Provider = "anthropic"
	}
	if s.Model == "" {
		s.Model = "claude-sonnet-4-6"
	}
}

// BaseBranch is the branch cloned and synced against.
func (c *Config) BaseBranch() string {
	return c.Session.Branch
}

// RepoPath is where the repository lives under the workspace.
func (c *Config) RepoPath() string {
	return filepath.Join(c.WorkspacePath, c.RepoName)
}

// CloneToken resolves the git credential: a dedicated clone token wins over
// the GitHub App token.
func (c *Config) CloneToken() string {
	if c.VCSCloneToken != "" {
		return c.VCSCloneToken
	}
	return c.GithubAppToken
}

// RepoURL builds the HTTPS URL for the repository, with clone credentials
// when authenticated is set and a token exists.
func (c *Config) RepoURL(authenticated bool) string {
	if authenticated && c.CloneToken() != "" {
		return fmt.Sprintf("https://%s:%s@%s/%s/%s.git",
			c.VCSCloneUsername, c.CloneToken(), c.VCSHost, c.RepoOwner, c.RepoName)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", c.VCSHost, c.RepoOwner, c.RepoName)
}

// SetupTimeout returns the setup script bound in seconds, falling back to the
// default when the variable is unset or unparsable.
func (c *Config) SetupTimeout() int {
	if c.SetupTimeoutSeconds == "" {
		return defaultSetupTimeoutSeconds
	}
	seconds, err := strconv.Atoi(c.SetupTimeoutSeconds)
	if err != nil || seconds <= 0 {
		return defaultSetupTimeoutSeconds
	}
	return seconds
}

// Mode flags. The platform passes the literal string "true".

func (c *Config) IsImageBuild() bool      { return c.ImageBuildMode == "true" }
func (c *Config) IsSnapshotRestore() bool { return c.RestoredFromSnapshot == "true" }
func (c *Config) IsFromRepoImage() bool   { return c.FromRepoImage == "true" }
