package protocol

import (
	"encoding/json"
)

// Inbound command types.
const (
	CommandPrompt          = "prompt"
	CommandStop            = "stop"
	CommandSnapshot        = "snapshot"
	CommandShutdown        = "shutdown"
	CommandGitSyncComplete = "git_sync_complete"
	CommandPush            = "push"
)

// Command is the envelope of one inbound control-plane message. Payload holds
// the full original message so typed accessors can decode their fields, which
// live at the top level rather than nested.
type Command struct {
	Type    string
	Payload json.RawMessage
}

// ParseCommand decodes the type discriminator of an inbound message.
func ParseCommand(data []byte) (*Command, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	return &Command{
		Type:    probe.Type,
		Payload: append(json.RawMessage(nil), data...),
	}, nil
}

// Author identifies who issued a prompt, for Git commit attribution.
type Author struct {
	GithubName  string `json:"githubName"`
	GithubEmail string `json:"githubEmail"`
}

// Attachment references a file the control plane uploaded alongside a prompt.
type Attachment struct {
	Mime     string `json:"mime"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// PromptCommand runs one prompt session.
type PromptCommand struct {
	MessageID       string       `json:"messageId"`
	LegacyMessageID string       `json:"message_id"`
	Content         string       `json:"content"`
	Model           string       `json:"model,omitempty"`
	Author          *Author      `json:"author,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`

	// GithubToken rides along on prompts from control planes that refresh
	// credentials per message. Unused by the prompt itself; push commands carry
	// their own.
	GithubToken string `json:"githubToken,omitempty"`
}

// EffectiveMessageID resolves the control-plane message ID, accepting the
// snake_case key older control planes send, with "unknown" as a last resort
// so events stay attributable.
func (c *PromptCommand) EffectiveMessageID() string {
	if c.MessageID != "" {
		return c.MessageID
	}
	if c.LegacyMessageID != "" {
		return c.LegacyMessageID
	}
	return "unknown"
}

// PushCommand pushes the working repository's HEAD to a branch.
type PushCommand struct {
	BranchName  string `json:"branchName"`
	RepoOwner   string `json:"repoOwner,omitempty"`
	RepoName    string `json:"repoName,omitempty"`
	GithubToken string `json:"githubToken,omitempty"`
}

// Prompt decodes the command as a prompt.
func (c *Command) Prompt() (*PromptCommand, error) {
	var cmd PromptCommand
	if err := json.Unmarshal(c.Payload, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Push decodes the command as a push.
func (c *Command) Push() (*PushCommand, error) {
	var cmd PushCommand
	if err := json.Unmarshal(c.Payload, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
