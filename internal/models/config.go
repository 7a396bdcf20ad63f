package models

import "github.com/relayforge/agentharness/internal/mcp"

// ApprovalMode controls when a tool call requires operator approval before
// it executes. Mirrors the engine's approval_policy knob.
type ApprovalMode string

const (
	// ApprovalNever auto-approves every sandboxed command; sandbox denial
	// is a hard failure, never a retry-without-sandbox prompt.
	ApprovalNever ApprovalMode = "never"

	// ApprovalOnRequest auto-approves sandboxed commands; the model may
	// still request escalated (unsandboxed) execution explicitly.
	ApprovalOnRequest ApprovalMode = "on-request"

	// ApprovalOnFailure auto-approves sandboxed commands; a sandbox denial
	// triggers an AskUser retry-without-sandbox prompt.
	ApprovalOnFailure ApprovalMode = "on-failure"

	// ApprovalUnlessTrusted asks the user before running any command that
	// is not in the known-trusted set.
	ApprovalUnlessTrusted ApprovalMode = "unless-trusted"
)

// ModelConfig configures the LLM model parameters
type ModelConfig struct {
	Provider      string  `json:"provider,omitempty"` // "anthropic", "openai"
	Model         string  `json:"model"`              // e.g., "claude-opus-4", "gpt-4o"
	Temperature   float64 `json:"temperature"`        // 0.0 to 2.0
	MaxTokens     int     `json:"max_tokens"`         // Max tokens to generate
	ContextWindow int     `json:"context_window"`     // Max context window size
}

// DefaultModelConfig returns a sensible default configuration
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Provider:      "anthropic",
		Model:         "claude-opus-4-20250514",
		Temperature:   0.7,
		MaxTokens:     4096,
		ContextWindow: 200000,
	}
}

// ShellToolType selects which shell tool variant is exposed to the model.
type ShellToolType string

const (
	// ShellToolDefault exposes the one-shot "shell" tool (run, collect output, return).
	ShellToolDefault ShellToolType = "default"

	// ShellToolShellCommand exposes the PTY-backed exec_command/write_stdin pair,
	// letting the model interact with a long-running or interactive process.
	ShellToolShellCommand ShellToolType = "shell_command"

	// ShellToolDisabled exposes no shell tool at all.
	ShellToolDisabled ShellToolType = "disabled"
)

// ToolsConfig configures which tools are enabled
type ToolsConfig struct {
	EnableShell      bool `json:"enable_shell"`
	EnableReadFile   bool `json:"enable_read_file"`
	EnableWriteFile  bool `json:"enable_write_file,omitempty"`  // Built-in write_file tool
	EnableListDir    bool `json:"enable_list_dir,omitempty"`    // Built-in list_dir tool
	EnableGrepFiles  bool `json:"enable_grep_files,omitempty"`  // Built-in grep_files tool
	EnableApplyPatch bool `json:"enable_apply_patch,omitempty"` // Built-in apply_patch tool
	EnableUpdatePlan bool `json:"enable_update_plan,omitempty"` // Intercepted update_plan tool
	EnableCollab     bool `json:"enable_collab,omitempty"`      // Subagent spawn/send_input/wait/close/resume tools

	// DisableRequestUserInput opts out of the otherwise-always-on
	// request_user_input tool. Used to keep child agents (explorer,
	// orchestrator, worker roles) from prompting the operator directly —
	// only the root session should ever pause a turn to ask the user
	// something.
	DisableRequestUserInput bool `json:"disable_request_user_input,omitempty"`

	// UseExperimentalStreamableShellTool switches EnableShell from the
	// one-shot "shell" tool to the PTY-backed exec_command/write_stdin pair.
	UseExperimentalStreamableShellTool bool `json:"use_experimental_streamable_shell_tool,omitempty"`
}

// ResolvedShellType maps EnableShell and UseExperimentalStreamableShellTool
// onto the concrete shell tool variant buildToolSpecs should construct.
func (t ToolsConfig) ResolvedShellType() ShellToolType {
	if !t.EnableShell {
		return ShellToolDisabled
	}
	if t.UseExperimentalStreamableShellTool {
		return ShellToolShellCommand
	}
	return ShellToolDefault
}

// DefaultToolsConfig returns default tools configuration
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		EnableShell:      true,
		EnableReadFile:   true,
		EnableWriteFile:  true,
		EnableListDir:    true,
		EnableGrepFiles:  true,
		EnableApplyPatch: true,
		EnableUpdatePlan: true,
		EnableCollab:     false,
	}
}

// SessionConfiguration configures a complete agentic session. It is the
// serializable analogue of the engine's immutable TurnContext plus the
// longer-lived, session-scoped knobs layered on top of it.
type SessionConfiguration struct {
	// Instructions hierarchy (maps to the agent 3-tier system)
	BaseInstructions      string `json:"base_instructions,omitempty"`      // Core system prompt for the model
	DeveloperInstructions string `json:"developer_instructions,omitempty"` // Developer overrides (sent as developer message)
	UserInstructions      string `json:"user_instructions,omitempty"`      // Project docs (AGENTS.md content)

	// CLIProjectDocs and UserPersonalInstructions feed instructions.MergeInstructions;
	// see internal/instructions/merge.go for precedence rules.
	CLIProjectDocs           string `json:"cli_project_docs,omitempty"`
	UserPersonalInstructions string `json:"user_personal_instructions,omitempty"`

	// Model configuration
	Model ModelConfig `json:"model"`

	// Tool configuration
	Tools ToolsConfig `json:"tools"`

	// Execution context
	Cwd string `json:"cwd,omitempty"` // Working directory for tool execution; must be absolute

	// AgentHome is the root directory for this agent's persisted state:
	// auth.json, sessions/*.jsonl rollouts, and shell_snapshots/.
	AgentHome string `json:"agent_home,omitempty"`

	// ApprovalMode selects the approval-gate decision table (see internal/execpolicy).
	ApprovalMode ApprovalMode `json:"approval_mode,omitempty"`

	// ExecPolicyRules is the Starlark source for the exec policy engine,
	// loaded once from AgentHome and carried through ContinueAsNew.
	ExecPolicyRules string `json:"exec_policy_rules,omitempty"`

	// SandboxMode selects the filesystem/network restriction level
	// ("full-access", "read-only", "workspace-write").
	SandboxMode          string   `json:"sandbox_mode,omitempty"`
	SandboxWritableRoots []string `json:"sandbox_writable_roots,omitempty"`
	SandboxNetworkAccess bool     `json:"sandbox_network_access,omitempty"`

	// SessionTaskQueue routes this session's activities to a dedicated
	// Temporal worker (e.g. one pinned to the operator's workstation).
	SessionTaskQueue string `json:"session_task_queue,omitempty"`

	// McpServers carries MCP tool-server connection descriptors, keyed by
	// server name.
	McpServers map[string]mcp.McpServerConfig `json:"mcp_servers,omitempty"`

	// AutoCompactTokenLimit triggers automatic history compaction once the
	// turn's token usage exceeds this many tokens. Zero disables auto-compact.
	AutoCompactTokenLimit int `json:"auto_compact_token_limit,omitempty"`

	// DisableSuggestions turns off the post-turn follow-up prompt suggestion.
	DisableSuggestions bool `json:"disable_suggestions,omitempty"`

	// DisableResponseStorage, when true, sends full history on every turn
	// instead of relying on the provider's server-side response storage.
	DisableResponseStorage bool `json:"disable_response_storage,omitempty"`

	// Session metadata
	SessionSource string `json:"session_source,omitempty"` // "cli", "api", "exec" — for logging/tracking
}

// DefaultSessionConfiguration returns sensible defaults.
func DefaultSessionConfiguration() SessionConfiguration {
	return SessionConfiguration{
		Model:        DefaultModelConfig(),
		Tools:        DefaultToolsConfig(),
		ApprovalMode: ApprovalOnFailure,
		SandboxMode:  "workspace-write",
	}
}
