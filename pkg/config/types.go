package config

import "github.com/squadron-dev/squadron/pkg/pipeline"

// Config is the umbrella configuration object returned by Initialize and
// held (immutably) by everything downstream. Hot reload swaps the whole
// object; running agents and pipeline runs keep the one they started with.
type Config struct {
	configDir string

	Project         ProjectConfig            `yaml:"project"`
	AgentRoles      map[string]*RoleConfig   `yaml:"agent_roles"`
	CircuitBreakers CircuitBreakersConfig    `yaml:"circuit_breakers"`
	CommandPrefix   string                   `yaml:"command_prefix"`
	Commands        map[string]*CommandSpec  `yaml:"commands"`
	Labels          LabelsConfig             `yaml:"labels"`
	BranchNaming    string                   `yaml:"branch_naming"`
	Sandbox         SandboxConfig            `yaml:"sandbox"`
	Runtime         RuntimeConfig            `yaml:"runtime"`
	Skills          SkillsConfig             `yaml:"skills"`
	Escalation      EscalationConfig         `yaml:"escalation"`
	ReviewPolicy    ReviewPolicyConfig       `yaml:"review_policy"`
	Events          EventsConfig             `yaml:"events"`
	Reconcile       ReconcileConfig          `yaml:"reconcile"`
	Dashboard       DashboardConfig          `yaml:"dashboard"`
	Notifications   NotificationsConfig      `yaml:"notifications"`

	// RoleDefinitions holds the parsed agents/*.md files, keyed by the
	// definition name the roles reference.
	RoleDefinitions map[string]*RoleDefinition `yaml:"-"`

	// Pipelines holds the parsed pipelines/*.yaml (and legacy
	// workflows/*.yaml) definitions by name.
	Pipelines map[string]*pipeline.Definition `yaml:"-"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Role returns the named role, or nil.
func (c *Config) Role(name string) *RoleConfig {
	return c.AgentRoles[name]
}

// RoleNames lists configured role names.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.AgentRoles))
	for name := range c.AgentRoles {
		names = append(names, name)
	}
	return names
}

// CommandNames lists configured command names.
func (c *Config) CommandNames() []string {
	names := make([]string, 0, len(c.Commands))
	for name := range c.Commands {
		names = append(names, name)
	}
	return names
}

// Definition returns the role definition a role references, or nil.
func (c *Config) Definition(role *RoleConfig) *RoleDefinition {
	if role == nil {
		return nil
	}
	return c.RoleDefinitions[role.AgentDefinition]
}

// BreakerFor resolves a role's circuit breaker budget: role override fields
// fall back to the defaults per field.
func (c *Config) BreakerFor(role string) BreakerBudget {
	budget := c.CircuitBreakers.Defaults
	override, ok := c.CircuitBreakers.Roles[role]
	if !ok {
		return budget
	}
	if override.MaxIterations > 0 {
		budget.MaxIterations = override.MaxIterations
	}
	if override.MaxToolCalls > 0 {
		budget.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxTurns > 0 {
		budget.MaxTurns = override.MaxTurns
	}
	if override.MaxDurationSeconds > 0 {
		budget.MaxDurationSeconds = override.MaxDurationSeconds
	}
	return budget
}

// ProjectConfig identifies the repository squadron operates on.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	DefaultBranch string `yaml:"default_branch"`
	BotUsername   string `yaml:"bot_username"`
}

// RoleConfig declares one agent role.
type RoleConfig struct {
	// AgentDefinition names the agents/*.md file (without extension) that
	// carries the role's prompt and tool allowlist.
	AgentDefinition string `yaml:"agent_definition"`
	// Singleton limits the role to one live agent across all issues.
	Singleton bool `yaml:"singleton"`
	// Lifecycle is "ephemeral" (default) or "persistent".
	Lifecycle string           `yaml:"lifecycle"`
	Triggers  []*TriggerConfig `yaml:"triggers"`
}

// TriggerConfig spawns (or wakes, sleeps, completes) a role's agent when an
// event matches.
type TriggerConfig struct {
	Event string `yaml:"event"`
	// Condition is a literal comparison map against the event payload,
	// matching pipeline trigger conditions.
	Condition map[string]any `yaml:"condition,omitempty"`
	// Action is spawn (default), sleep, wake, or complete.
	Action string `yaml:"action,omitempty"`
}

// BreakerBudget is one circuit breaker budget set.
type BreakerBudget struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxToolCalls       int `yaml:"max_tool_calls"`
	MaxTurns           int `yaml:"max_turns"`
	MaxDurationSeconds int `yaml:"max_duration_seconds"`
}

// CircuitBreakersConfig holds the default budgets and per-role overrides.
type CircuitBreakersConfig struct {
	Defaults BreakerBudget            `yaml:"defaults"`
	Roles    map[string]BreakerBudget `yaml:"roles"`
}

// Command spec types, discriminated by Type.
const (
	CommandTypeAgent    = "agent"
	CommandTypeAction   = "action"
	CommandTypeResponse = "response"
)

// CommandSpec is one configured slash command. Which fields apply depends
// on Type.
type CommandSpec struct {
	Type string `yaml:"type"`
	// Agent is the target role for agent commands.
	Agent string `yaml:"agent,omitempty"`
	// Action is the built-in action name for action commands.
	Action string `yaml:"action,omitempty"`
	// Response is the canned reply for response commands.
	Response string `yaml:"response,omitempty"`

	Permissions CommandPermissions `yaml:"permissions"`
	Args        []string           `yaml:"args,omitempty"`
	Enabled     *bool              `yaml:"enabled,omitempty"`
	// InjectMessage is an extra prompt line handed to the spawned agent.
	InjectMessage string `yaml:"inject_message,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (c *CommandSpec) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CommandPermissions gates who may run a command.
type CommandPermissions struct {
	RequireHuman bool `yaml:"require_human"`
}

// LabelsConfig enumerates the label vocabularies recovery and triage use.
type LabelsConfig struct {
	Types      []string `yaml:"types"`
	Priorities []string `yaml:"priorities"`
	States     []string `yaml:"states"`
}

// SandboxConfig configures agent isolation.
type SandboxConfig struct {
	Enabled bool `yaml:"enabled"`
	// Provider selects the sandbox implementation; "passthrough" is the
	// built-in no-op manager.
	Provider string `yaml:"provider"`
	// PreserveForensics keeps worktrees of escalated agents on disk.
	PreserveForensics bool `yaml:"preserve_forensics"`
}

// RuntimeConfig configures the agent runtime and concurrency.
type RuntimeConfig struct {
	MaxConcurrentAgents int            `yaml:"max_concurrent_agents"`
	SparseCheckout      []string       `yaml:"sparse_checkout,omitempty"`
	DefaultModel        string         `yaml:"default_model"`
	Provider            ProviderConfig `yaml:"provider"`
}

// ProviderConfig points at the agent runtime endpoint.
type ProviderConfig struct {
	// Name identifies the runtime provider ("runner" default).
	Name string `yaml:"name"`
	// URLEnv names the environment variable carrying the endpoint URL
	// (default SQUADRON_RUNNER_URL).
	URLEnv string `yaml:"url_env"`
	// TimeoutSeconds bounds one turn request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SkillsConfig maps skill names to repo-relative instruction files.
type SkillsConfig struct {
	BasePath    string                      `yaml:"base_path"`
	Definitions map[string]SkillDefinition  `yaml:"definitions"`
}

// SkillDefinition is one named skill entry.
type SkillDefinition struct {
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// EscalationConfig configures human escalation.
type EscalationConfig struct {
	// DefaultNotify lists GitHub logins mentioned on escalation.
	DefaultNotify []string `yaml:"default_notify"`
	// MaxIssueDepth caps blocker-issue chains.
	MaxIssueDepth int `yaml:"max_issue_depth"`
	// Slack configures the optional Slack escalation channel.
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// ReviewPolicyConfig configures PR review tracking.
type ReviewPolicyConfig struct {
	Enabled bool `yaml:"enabled"`
	// DefaultRequirements maps role → required approval count.
	DefaultRequirements map[string]int `yaml:"default_requirements"`
	OnSynchronize       OnSynchronize  `yaml:"on_synchronize"`
}

// OnSynchronize configures what a PR head push does to recorded approvals.
type OnSynchronize struct {
	InvalidateApprovals bool `yaml:"invalidate_approvals"`
}

// EventsConfig sizes webhook event handling.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
	// DedupWindow is how many recent delivery ids are remembered.
	DedupWindow int `yaml:"dedup_window"`
}

// ReconcileConfig drives the periodic sweep.
type ReconcileConfig struct {
	IntervalSeconds  int `yaml:"interval"`
	MaxSleepSeconds  int `yaml:"max_sleep"`
	RetentionSeconds int `yaml:"retention"`
}

// DashboardConfig configures the read-only API surface.
type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	ListenOn string `yaml:"listen,omitempty"`
	// APIKeyEnv names the env var carrying the bearer key
	// (default SQUADRON_DASHBOARD_API_KEY).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// NotificationsConfig selects escalation sinks beyond GitHub comments.
type NotificationsConfig struct {
	// Mention lists logins cc'd on every escalation comment.
	Mention []string `yaml:"mention,omitempty"`
}

// RoleDefinition is one parsed agents/*.md file: YAML frontmatter plus the
// markdown prompt body.
type RoleDefinition struct {
	Name string `yaml:"-"`
	// Description shows in /squadron help.
	Description string `yaml:"description,omitempty"`
	// Tools is the allowlist of framework tool names.
	Tools []string `yaml:"tools,omitempty"`
	// Skills names entries from skills.definitions this role may load.
	Skills []string `yaml:"skills,omitempty"`
	// Model overrides runtime.default_model.
	Model string `yaml:"model,omitempty"`
	// Prompt is the markdown body below the frontmatter.
	Prompt string `yaml:"-"`
}
