package runtime

// ClaudePreset is the built-in CLIConfig for the claude CLI, run headless
// with stream-json output so token usage and turn counts are recoverable.
var ClaudePreset = CLIConfig{
	Name:       "claude",
	Binary:     "claude",
	PromptFlag: "-p",
	PermissionModeFlags: map[PermissionMode][]string{
		PermissionDefault:           {},
		PermissionAcceptEdits:       {"--permission-mode", "acceptEdits"},
		PermissionBypassPermissions: {"--dangerously-skip-permissions"},
		PermissionPlan:              {"--permission-mode", "plan"},
	},
	ModelFlag:      "--model",
	StreamJSONFlag: []string{"--output-format", "stream-json", "--verbose"},
}

// CodexPreset is the built-in CLIConfig for the codex CLI.
var CodexPreset = CLIConfig{
	Name:       "codex",
	Binary:     "codex",
	Subcommand: "exec",
	PermissionModeFlags: map[PermissionMode][]string{
		PermissionDefault:           {},
		PermissionAcceptEdits:       {"--sandbox", "workspace-write"},
		PermissionBypassPermissions: {"--sandbox", "danger-full-access"},
	},
	ModelFlag: "--model",
}

// RegisterBuiltins registers the built-in claude and codex presets on reg.
// No other runtime type is registered.
func RegisterBuiltins(reg *Registry) {
	reg.Register("claude", func() (Runtime, error) {
		return NewCLIRuntime(ClaudePreset), nil
	})
	reg.Register("codex", func() (Runtime, error) {
		return NewCLIRuntime(CodexPreset), nil
	})
}
