package config

// Default values applied to unset configuration fields.
const (
	DefaultCommandPrefix       = "/squadron"
	DefaultBranchNaming        = "squadron/{role}/issue-{issue_number}"
	DefaultBranch              = "main"
	DefaultBotUsername         = "squadron-bot"
	DefaultMaxIterations       = 50
	DefaultMaxToolCalls        = 200
	DefaultMaxTurns            = 30
	DefaultMaxDurationSeconds  = 1800
	DefaultQueueSize           = 256
	DefaultDedupWindow         = 1024
	DefaultReconcileInterval   = 60
	DefaultMaxSleepSeconds     = 86400
	DefaultRetentionSeconds    = 7 * 86400
	DefaultMaxIssueDepth       = 3
	DefaultSkillsBasePath      = ".squadron/skills"
	DefaultProviderName        = "runner"
	DefaultProviderURLEnv      = "SQUADRON_RUNNER_URL"
	DefaultProviderTimeoutSecs = 600
	DefaultDashboardAPIKeyEnv  = "SQUADRON_DASHBOARD_API_KEY"
	DefaultSandboxProvider     = "passthrough"
	DefaultRoleLifecycle       = "ephemeral"
)

// defaultConfig returns the baseline every loaded config is merged on top
// of.
func defaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			DefaultBranch: DefaultBranch,
			BotUsername:   DefaultBotUsername,
		},
		CommandPrefix: DefaultCommandPrefix,
		BranchNaming:  DefaultBranchNaming,
		CircuitBreakers: CircuitBreakersConfig{
			Defaults: BreakerBudget{
				MaxIterations:      DefaultMaxIterations,
				MaxToolCalls:       DefaultMaxToolCalls,
				MaxTurns:           DefaultMaxTurns,
				MaxDurationSeconds: DefaultMaxDurationSeconds,
			},
		},
		Sandbox: SandboxConfig{
			Provider: DefaultSandboxProvider,
		},
		Runtime: RuntimeConfig{
			Provider: ProviderConfig{
				Name:           DefaultProviderName,
				URLEnv:         DefaultProviderURLEnv,
				TimeoutSeconds: DefaultProviderTimeoutSecs,
			},
		},
		Skills: SkillsConfig{
			BasePath: DefaultSkillsBasePath,
		},
		Escalation: EscalationConfig{
			MaxIssueDepth: DefaultMaxIssueDepth,
		},
		Events: EventsConfig{
			QueueSize:   DefaultQueueSize,
			DedupWindow: DefaultDedupWindow,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:  DefaultReconcileInterval,
			MaxSleepSeconds:  DefaultMaxSleepSeconds,
			RetentionSeconds: DefaultRetentionSeconds,
		},
		Dashboard: DashboardConfig{
			Enabled:   true,
			APIKeyEnv: DefaultDashboardAPIKeyEnv,
		},
	}
}
