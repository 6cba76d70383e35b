package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfigYAML = `
project:
  name: squadron-demo
  owner: acme
  repo: widgets
agent_roles:
  developer:
    agent_definition: developer
    triggers:
      - event: issue.labeled
        condition:
          label: needs-work
  reviewer:
    agent_definition: reviewer
    singleton: true
commands:
  implement:
    type: agent
    agent: developer
  ping:
    type: response
    response: pong
skills:
  definitions:
    deploy:
      path: skills/deploy.md
      description: Deployment runbook
review_policy:
  enabled: true
  default_requirements:
    reviewer: 1
`

const developerMD = `---
description: Implements features from issues.
tools: [report_complete, report_blocked, open_pr, comment_on_issue]
skills: [deploy]
---
You are the developer agent for {project_name}.

Work issue {issue_number} on a dedicated branch.
`

const reviewerMD = `---
description: Reviews pull requests.
tools: [submit_pr_review, report_complete]
model: big-context
---
Review PR {pr_number} carefully.
`

func writeConfigTree(t *testing.T, configYAML string, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agents"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "developer.md"), []byte(developerMD), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "reviewer.md"), []byte(reviewerMD), 0o644))
	for rel, content := range extra {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestInitialize(t *testing.T) {
	dir := writeConfigTree(t, minimalConfigYAML, map[string]string{
		"pipelines/feature.yaml": `
name: feature
scope: issue
trigger:
  event: issue.labeled
stages:
  - id: develop
    type: agent
    agent: developer
  - id: verify
    type: gate
    conditions:
      - check: ci_status
`,
	})

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Project.Owner)
	assert.Equal(t, DefaultBranch, cfg.Project.DefaultBranch, "defaults fill unset fields")
	assert.Equal(t, DefaultCommandPrefix, cfg.CommandPrefix)
	assert.Equal(t, DefaultMaxToolCalls, cfg.BreakerFor("developer").MaxToolCalls)

	require.Contains(t, cfg.AgentRoles, "developer")
	assert.Equal(t, "ephemeral", cfg.AgentRoles["developer"].Lifecycle)
	assert.True(t, cfg.AgentRoles["reviewer"].Singleton)

	dev := cfg.Definition(cfg.Role("developer"))
	require.NotNil(t, dev)
	assert.Contains(t, dev.Prompt, "developer agent")
	assert.Contains(t, dev.Tools, "open_pr")
	assert.Equal(t, "big-context", cfg.RoleDefinitions["reviewer"].Model)

	require.Contains(t, cfg.Pipelines, "feature")
	assert.Len(t, cfg.Pipelines["feature"].Stages, 2)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SQUADRON_OWNER", "expanded-org")
	yaml := `
project:
  owner: "{{.TEST_SQUADRON_OWNER}}"
  repo: widgets
agent_roles:
  developer:
    agent_definition: developer
skills:
  definitions:
    deploy: {path: skills/deploy.md}
`
	dir := writeConfigTree(t, yaml, nil)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "expanded-org", cfg.Project.Owner)
}

func TestInitializeBreakerOverrides(t *testing.T) {
	yaml := minimalConfigYAML + `
circuit_breakers:
  defaults:
    max_tool_calls: 100
  roles:
    reviewer:
      max_tool_calls: 20
`
	dir := writeConfigTree(t, yaml, nil)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.BreakerFor("developer").MaxToolCalls)
	assert.Equal(t, 20, cfg.BreakerFor("reviewer").MaxToolCalls)
	assert.Equal(t, DefaultMaxTurns, cfg.BreakerFor("reviewer").MaxTurns,
		"unset override fields fall back to defaults")
}

func TestInitializeRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		extra map[string]string
	}{
		{
			name: "role without definition file",
			yaml: `
project: {owner: acme, repo: widgets}
agent_roles:
  ghost:
    agent_definition: ghost
`,
		},
		{
			name: "command targeting unknown role",
			yaml: `
project: {owner: acme, repo: widgets}
agent_roles:
  developer: {agent_definition: developer}
skills:
  definitions:
    deploy: {path: skills/deploy.md}
commands:
  fix:
    type: agent
    agent: nobody
`,
		},
		{
			name: "review requirement for unknown role",
			yaml: `
project: {owner: acme, repo: widgets}
review_policy:
  default_requirements:
    auditor: 2
`,
		},
		{
			name: "missing owner",
			yaml: `
project: {repo: widgets}
`,
		},
		{
			name: "pipeline agent stage with unknown role",
			yaml: `
project: {owner: acme, repo: widgets}
agent_roles:
  developer: {agent_definition: developer}
skills:
  definitions:
    deploy: {path: skills/deploy.md}
`,
			extra: map[string]string{
				"pipelines/bad.yaml": `
name: bad
scope: issue
stages:
  - id: work
    type: agent
    agent: phantom
`,
			},
		},
		{
			name: "pipeline gate with unknown check",
			yaml: `
project: {owner: acme, repo: widgets}
agent_roles:
  developer: {agent_definition: developer}
skills:
  definitions:
    deploy: {path: skills/deploy.md}
`,
			extra: map[string]string{
				"pipelines/bad.yaml": `
name: bad
scope: issue
stages:
  - id: check
    type: gate
    conditions:
      - check: crystal_ball
`,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeConfigTree(t, tc.yaml, tc.extra)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestInitializeMissingConfigFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestParseRoleDefinition(t *testing.T) {
	t.Run("frontmatter and body", func(t *testing.T) {
		def, err := parseRoleDefinition([]byte(developerMD))
		require.NoError(t, err)
		assert.Equal(t, "Implements features from issues.", def.Description)
		assert.Contains(t, def.Tools, "report_blocked")
		assert.Contains(t, def.Prompt, "Work issue {issue_number}")
	})

	t.Run("no frontmatter is all prompt", func(t *testing.T) {
		def, err := parseRoleDefinition([]byte("Just do the thing.\n"))
		require.NoError(t, err)
		assert.Empty(t, def.Tools)
		assert.Equal(t, "Just do the thing.", def.Prompt)
	})

	t.Run("unterminated frontmatter", func(t *testing.T) {
		_, err := parseRoleDefinition([]byte("---\ntools: [x]\nno end"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidYAML)
	})

	t.Run("empty body rejected", func(t *testing.T) {
		_, err := parseRoleDefinition([]byte("---\ndescription: d\n---\n"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestStoreReloadKeepsOldOnFailure(t *testing.T) {
	dir := writeConfigTree(t, minimalConfigYAML, nil)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	store := NewStore(cfg)
	var reloaded *Config
	store.OnReload(func(c *Config) { reloaded = c })

	// Break the config on disk.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("project: {repo: widgets}"), 0o644))
	require.Error(t, store.Reload(context.Background()))
	assert.Same(t, cfg, store.Current(), "failed reload keeps the old config")
	assert.Nil(t, reloaded)

	// Restore and change the owner.
	fixed := minimalConfigYAML + "\ncommand_prefix: /sq\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(fixed), 0o644))
	require.NoError(t, store.Reload(context.Background()))
	assert.Equal(t, "/sq", store.Current().CommandPrefix)
	require.NotNil(t, reloaded)
	assert.Same(t, store.Current(), reloaded)
}

func TestStoreHandlePush(t *testing.T) {
	dir := writeConfigTree(t, minimalConfigYAML, nil)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	store := NewStore(cfg)

	count := 0
	store.OnReload(func(*Config) { count++ })

	ctx := context.Background()
	store.HandlePush(ctx, "feature/x", "main", []string{".squadron/config.yaml"})
	assert.Equal(t, 0, count, "pushes off the default branch are ignored")

	store.HandlePush(ctx, "main", "main", []string{"src/main.go"})
	assert.Equal(t, 0, count, "pushes not touching .squadron are ignored")

	store.HandlePush(ctx, "main", "main", []string{"src/main.go", ".squadron/agents/developer.md"})
	assert.Equal(t, 1, count)
}
