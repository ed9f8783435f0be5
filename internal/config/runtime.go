package config

import (
	"os"
	"path/filepath"
)

// RuntimeConfig is the resolved command line for launching one role's agent
// CLI process: the binary, its arguments, any extra environment variables,
// and the initial prompt delivery mode. It is the output of resolving an
// AgentPreset (or a project's override) down to something Lifecycle Engine
// step 5 can hand to tmuxctl.NewSessionWithCommandAndEnv.
//
// Not present in the retrieved copy of agents.go's source file — reconstructed
// here from the fields every function in that file reads and writes
// (RuntimeConfigFromPreset, MergeWithPreset, BuildResumeCommand's callers).
type RuntimeConfig struct {
	Provider      string
	Command       string
	Args          []string
	Env           map[string]string
	InitialPrompt string
}

// DefaultRuntimeConfig returns the Claude preset's RuntimeConfig, the
// fallback used whenever a project names no agent CLI explicitly.
func DefaultRuntimeConfig() *RuntimeConfig {
	return RuntimeConfigFromPreset(AgentClaude)
}

// normalizeRuntimeConfig fills in an empty Args slice from nil so templated
// startup commands never need a nil check.
func normalizeRuntimeConfig(rc *RuntimeConfig) *RuntimeConfig {
	if rc.Args == nil {
		rc.Args = []string{}
	}
	return rc
}

// resolveClaudePath finds the actual Claude Code binary, preferring the
// per-user alias installation over a bare PATH lookup so a project pinned to
// a specific Claude install gets it even if another "claude" shadows it on
// PATH — mirrors how the Claude Code installer itself aliases the binary
// under the user's home directory.
func resolveClaudePath() string {
	home, err := os.UserHomeDir()
	if err == nil {
		aliased := filepath.Join(home, ".claude", "local", "claude")
		if info, statErr := os.Stat(aliased); statErr == nil && !info.IsDir() {
			return aliased
		}
	}
	return "claude"
}
