// Package config provides configuration loading and environment variable management.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Environment variable names read by applyEnvOverrides. These are the only
// place os.Getenv-equivalent values enter the system — every other package
// receives its configuration through the Config value Load builds, never by
// reading the environment itself (spec.md §9's no-global-state design note).
const (
	EnvRegistryRoot    = "CONDUCTOR_REGISTRY_ROOT"
	EnvStorePath       = "CONDUCTOR_STORE_PATH"
	EnvWorktreesRoot   = "CONDUCTOR_WORKTREES_ROOT"
	EnvSchedulerTick   = "CONDUCTOR_SCHEDULER_TICK_SECONDS"
	EnvSchedulerWorker = "CONDUCTOR_SCHEDULER_WORKERS"
	EnvHealthInterval  = "CONDUCTOR_HEALTH_CHECK_INTERVAL_SECONDS"
	EnvStuckThreshold  = "CONDUCTOR_STUCK_THRESHOLD_MINUTES"
	EnvGracePeriod     = "CONDUCTOR_GRACE_PERIOD_MINUTES"
	EnvAutoMergeTick   = "CONDUCTOR_AUTOMERGE_INTERVAL_MINUTES"
	EnvAutoMergeBatch  = "CONDUCTOR_AUTOMERGE_BATCH_CAP"
	EnvAgentProcesses  = "CONDUCTOR_AGENT_PROCESSES" // comma-separated
	EnvControlFlagDir  = "CONDUCTOR_CONTROL_FLAG_DIR"
	EnvNotifyWebhook   = "CONDUCTOR_NOTIFY_WEBHOOK_URL"
)

// applyEnvOverrides mutates cfg in place for every recognized env var present
// in env. Malformed integers are ignored rather than rejected, so a typo in
// the shell environment degrades to "use the file/default value" instead of
// refusing to start.
func applyEnvOverrides(cfg *Config, env map[string]string) {
	if s, ok := env[EnvRegistryRoot]; ok && s != "" {
		cfg.RegistryRoot = s
	}
	if s, ok := env[EnvStorePath]; ok && s != "" {
		cfg.StorePath = s
	}
	if s, ok := env[EnvWorktreesRoot]; ok && s != "" {
		cfg.WorktreesRoot = s
	}
	if s, ok := env[EnvSchedulerTick]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.SchedulerTickSeconds = n
		}
	}
	if s, ok := env[EnvSchedulerWorker]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.SchedulerWorkers = n
		}
	}
	if s, ok := env[EnvHealthInterval]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.HealthCheckIntervalSeconds = n
		}
	}
	if s, ok := env[EnvStuckThreshold]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.StuckThresholdMinutes = n
		}
	}
	if s, ok := env[EnvGracePeriod]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.GracePeriodMinutes = n
		}
	}
	if s, ok := env[EnvAutoMergeTick]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.AutoMergeIntervalMinutes = n
		}
	}
	if s, ok := env[EnvAutoMergeBatch]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.AutoMergeBatchCap = n
		}
	}
	if s, ok := env[EnvAgentProcesses]; ok && s != "" {
		var names []string
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				names = append(names, part)
			}
		}
		if len(names) > 0 {
			cfg.AgentProcessNames = names
		}
	}
	if s, ok := env[EnvControlFlagDir]; ok && s != "" {
		cfg.ControlFlagDir = s
	}
	if s, ok := env[EnvNotifyWebhook]; ok {
		cfg.NotifyWebhookURL = s
	}
}

// SessionEnvConfig specifies the environment variables the Lifecycle Engine
// (C6) injects into a freshly provisioned agent pane. Adapted from the
// teacher's per-role AgentEnvConfig: gastown's fixed mayor/deacon/witness/
// refinery/polecat/crew roles become an arbitrary role name pulled from the
// team YAML (spec.md §4.2), and the gastown-specific BD_ACTOR/GT_ROLE names
// become a single configurable session-id variable name plus a generic role
// variable, since this orchestrator targets any agent CLI, not one actor
// model with a hard-coded role set.
type SessionEnvConfig struct {
	// Role is the arbitrary role name resolved from the team spec (e.g.
	// "developer", "reviewer", "lead") — not one of a fixed enum.
	Role string

	// ProjectName identifies the project this session belongs to.
	ProjectName string

	// WorktreePath is the absolute path of the role's git worktree.
	WorktreePath string

	// RuntimeConfigDir is the optional agent-CLI config directory
	// (e.g. CLAUDE_CONFIG_DIR) when the project pins one.
	RuntimeConfigDir string

	// SessionIDEnvVar is the environment variable name the running agent CLI
	// reads to discover its own session id, if any (empty disables it).
	SessionIDEnvVar string

	// SessionID is the value placed under SessionIDEnvVar.
	SessionID string
}

// SessionEnv returns the environment variables to inject into a role's tmux
// pane before its agent CLI command runs. This is the single source of truth
// for session environment variables — tmuxctl.NewSessionWithCommandAndEnv and
// the Lifecycle Engine both route through it rather than building maps ad hoc.
func SessionEnv(cfg SessionEnvConfig) map[string]string {
	env := make(map[string]string)

	env["CONDUCTOR_ROLE"] = cfg.Role
	env["CONDUCTOR_PROJECT"] = cfg.ProjectName
	env["GIT_AUTHOR_NAME"] = fmt.Sprintf("%s/%s", cfg.ProjectName, cfg.Role)

	if cfg.WorktreePath != "" {
		env["CONDUCTOR_WORKTREE"] = cfg.WorktreePath
	}
	if cfg.RuntimeConfigDir != "" {
		env["CLAUDE_CONFIG_DIR"] = cfg.RuntimeConfigDir
	}
	if cfg.SessionIDEnvVar != "" && cfg.SessionID != "" {
		env[cfg.SessionIDEnvVar] = cfg.SessionID
	}

	return env
}

// ShellQuote returns a shell-safe quoted string. Values containing special
// characters are wrapped in single quotes, with embedded single quotes
// escaped using the '\'' idiom.
func ShellQuote(s string) string {
	needsQuoting := false
	for _, c := range s {
		switch c {
		case ' ', '\t', '\n', '"', '\'', '`', '$', '\\', '!', '*', '?',
			'[', ']', '{', '}', '(', ')', '<', '>', '|', '&', ';', '#':
			needsQuoting = true
		}
		if needsQuoting {
			break
		}
	}
	if !needsQuoting {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// ExportPrefix builds an export statement prefix for shell commands, e.g.
// "export CONDUCTOR_ROLE=developer && ". Keys are sorted for deterministic
// output; values are shell-quoted.
func ExportPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, ShellQuote(env[k])))
	}
	return "export " + strings.Join(parts, " ") + " && "
}

// BuildStartupCommandWithEnv composes the literal text sent into a freshly
// created pane: an export prefix followed by the agent CLI invocation and
// optional initial prompt argument.
func BuildStartupCommandWithEnv(env map[string]string, agentCmd, prompt string) string {
	prefix := ExportPrefix(env)
	if prompt != "" {
		return fmt.Sprintf("%s%s %q", prefix, agentCmd, prompt)
	}
	return prefix + agentCmd
}

// MergeEnv merges multiple environment maps, with later maps taking precedence.
func MergeEnv(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// FilterEnv returns a new map with only the specified keys.
func FilterEnv(env map[string]string, keys ...string) map[string]string {
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := env[k]; ok {
			result[k] = v
		}
	}
	return result
}

// WithoutEnv returns a new map without the specified keys.
func WithoutEnv(env map[string]string, keys ...string) map[string]string {
	result := make(map[string]string)
	exclude := make(map[string]bool, len(keys))
	for _, k := range keys {
		exclude[k] = true
	}
	for k, v := range env {
		if !exclude[k] {
			result[k] = v
		}
	}
	return result
}

// EnvForExecCommand returns os.Environ() with the given env vars appended,
// for use as cmd.Env on an exec.Command.
func EnvForExecCommand(env map[string]string) []string {
	result := os.Environ()
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

// EnvToSlice converts an env map to a slice of "K=V" strings.
func EnvToSlice(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
