package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/models"
)

const featureFlowYAML = `
name: feature-flow
scope: issue
trigger:
  event: issue.labeled
  conditions:
    label: "approved"
stages:
  - id: develop
    type: agent
    agent: developer
    on_complete: verify
    on_error:
      retry: 2
      then: __escalate__
  - id: verify
    type: gate
    conditions:
      - check: ci_status
      - check: pr_approvals_met
    event_subscriptions: [pr.review_submitted, pr.synchronized]
    on_pass: merge
    on_fail: develop
  - id: merge
    type: action
    action: merge_pr
    on_complete: __complete__
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(featureFlowYAML))
	require.NoError(t, err)

	assert.Equal(t, "feature-flow", def.Name)
	assert.Equal(t, models.ScopeIssue, def.Scope)
	require.Len(t, def.Stages, 3)

	develop := def.StageByID("develop")
	require.NotNil(t, develop)
	assert.Equal(t, StageAgent, develop.Type)
	assert.Equal(t, "verify", develop.OnComplete.Goto)
	assert.Equal(t, 2, develop.OnError.Retry)
	assert.Equal(t, models.TargetEscalate, develop.OnError.Then)

	verify := def.StageByID("verify")
	require.NotNil(t, verify)
	assert.Equal(t, []string{"pr.review_submitted", "pr.synchronized"}, verify.EventSubscriptions)

	assert.Equal(t, "verify", def.NextStageID("develop"))
	assert.Equal(t, "", def.NextStageID("merge"))
	assert.ElementsMatch(t, []string{"pr.review_submitted", "pr.synchronized"}, def.SubscribedEvents())
}

func TestDefinitionSnapshotRoundTrip(t *testing.T) {
	def, err := ParseDefinition([]byte(featureFlowYAML))
	require.NoError(t, err)

	snapshot, err := json.Marshal(def)
	require.NoError(t, err)

	var restored Definition
	require.NoError(t, json.Unmarshal(snapshot, &restored))
	assert.Equal(t, def.Name, restored.Name)
	require.Len(t, restored.Stages, 3)
	assert.Equal(t, def.Stages[0].OnError.Then, restored.Stages[0].OnError.Then)
	assert.Equal(t, def.Stages[1].Conditions[0].Check, restored.Stages[1].Conditions[0].Check)
}

func TestParseDefinitionRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			"unknown transition target",
			"name: p\nstages:\n  - id: a\n    type: action\n    action: x\n    on_complete: nowhere\n",
			ErrUnknownStageRef,
		},
		{
			"bad stage id",
			"name: p\nstages:\n  - id: 9lives\n    type: action\n    action: x\n",
			ErrInvalidStageID,
		},
		{
			"duplicate stage id",
			"name: p\nstages:\n  - id: a\n    type: action\n    action: x\n  - id: a\n    type: action\n    action: y\n",
			ErrInvalidDefinition,
		},
		{
			"agent stage without role",
			"name: p\nstages:\n  - id: a\n    type: agent\n",
			ErrInvalidDefinition,
		},
		{
			"gate without conditions",
			"name: p\nstages:\n  - id: a\n    type: gate\n",
			ErrInvalidDefinition,
		},
		{
			"bad delay duration",
			"name: p\nstages:\n  - id: a\n    type: delay\n    duration: 5 weeks\n",
			ErrInvalidDuration,
		},
		{
			"bad human wait_for",
			"name: p\nstages:\n  - id: a\n    type: human\n    wait_for: telepathy\n",
			ErrInvalidDefinition,
		},
		{
			"reaction referencing unknown stage",
			"name: p\nstages:\n  - id: a\n    type: action\n    action: x\non_events:\n  push:\n    action: invalidate_and_restart\n    restart_from: ghost\n",
			ErrUnknownStageRef,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"5m", 5 * time.Minute, true},
		{" 2 h ", 2 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"0s", 0, true},
		{"", 0, false},
		{"5", 0, false},
		{"5w", 0, false},
		{"-5m", 0, false},
		{"5m30s", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidDuration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadAllPrefersPipelinesOverLegacyWorkflows(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pipelines"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "workflows"), 0o755))

	current := "name: release\nstages:\n  - id: ship\n    type: action\n    action: merge_pr\n"
	legacy := "name: release\nstages:\n  - id: old\n    type: action\n    action: merge_pr\n"
	other := "name: triage-flow\nstages:\n  - id: triage\n    type: agent\n    agent: triage\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipelines", "release.yaml"), []byte(current), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows", "release.yaml"), []byte(legacy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows", "triage.yaml"), []byte(other), 0o644))

	defs, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "ship", defs["release"].Stages[0].ID)
	assert.NotNil(t, defs["triage-flow"])
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}
