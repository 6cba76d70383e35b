// Package pipeline implements declarative multi-stage workflows: YAML
// definitions parsed into typed stage unions, and an engine that executes
// runs against the registry, reacting to GitHub events while waiting.
package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/squadron-dev/squadron/pkg/models"
)

// Typed definition errors.
var (
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidStageID    = errors.New("invalid stage id")
	ErrUnknownStageRef   = errors.New("unknown stage reference")
)

// StageType discriminates the stage union.
type StageType string

const (
	StageAgent       StageType = "agent"
	StageGate        StageType = "gate"
	StageHuman       StageType = "human"
	StageParallel    StageType = "parallel"
	StageDelay       StageType = "delay"
	StageAction      StageType = "action"
	StageWebhook     StageType = "webhook"
	StageSubPipeline StageType = "pipeline"
)

// Reactive actions applicable from on_events.
const (
	ReactionReevaluateGates      = "reevaluate_gates"
	ReactionInvalidateAndRestart = "invalidate_and_restart"
	ReactionCancel               = "cancel"
	ReactionNotify               = "notify"
	ReactionWakeAgent            = "wake_agent"
)

// stageIDRe is the grammar for stage identifiers.
var stageIDRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// durationRe is the grammar for stage durations: "30s", "5 m", "2h", "1d".
var durationRe = regexp.MustCompile(`^\s*(\d+)\s*(s|m|h|d)\s*$`)

var durationUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseDuration parses the pipeline duration grammar.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	var n int64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return time.Duration(n) * durationUnits[m[2]], nil
}

// Definition is one named pipeline.
type Definition struct {
	Name     string               `yaml:"name" json:"name"`
	Scope    models.PipelineScope `yaml:"scope" json:"scope"`
	Trigger  *Trigger             `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Stages   []*Stage             `yaml:"stages" json:"stages"`
	OnEvents map[string]*Reaction `yaml:"on_events,omitempty" json:"on_events,omitempty"`
	Context  map[string]any       `yaml:"context,omitempty" json:"context,omitempty"`

	// Completion hooks, applied when the run reaches a terminal state.
	OnComplete *Hook `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnError    *Hook `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Trigger matches incoming events against a pipeline. Conditions are
// literal comparisons against the internal event's fields and payload.
type Trigger struct {
	Event      string         `yaml:"event" json:"event"`
	Conditions map[string]any `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Reaction configures what a waiting run does when a subscribed event
// arrives.
type Reaction struct {
	Action      string   `yaml:"action" json:"action"`
	Stages      []string `yaml:"stages,omitempty" json:"stages,omitempty"`
	RestartFrom string   `yaml:"restart_from,omitempty" json:"restart_from,omitempty"`
	Agent       string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Message     string   `yaml:"message,omitempty" json:"message,omitempty"`
}

// Hook is a terminal-state side effect: a comment and/or labels on the
// run's issue or PR.
type Hook struct {
	Comment string   `yaml:"comment,omitempty" json:"comment,omitempty"`
	Labels  []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// GateCondition names one registered check with its params.
type GateCondition struct {
	Check  string         `yaml:"check" json:"check"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ReminderPolicy nudges humans on a waiting human stage.
type ReminderPolicy struct {
	After string `yaml:"after,omitempty" json:"after,omitempty"`
	Every string `yaml:"every,omitempty" json:"every,omitempty"`
	Max   int    `yaml:"max,omitempty" json:"max,omitempty"`
}

// PollConfig re-evaluates a check during a delay stage.
type PollConfig struct {
	Check *GateCondition `yaml:"check" json:"check"`
	Every string         `yaml:"every" json:"every"`
}

// WebhookRequest is the outbound HTTP request of a webhook stage.
type WebhookRequest struct {
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// WebhookExpect is the response pattern a webhook stage passes on. Status
// is an exact code ("200") or a class ("2xx"); Body is a substring match;
// JSONField/Equals compares one top-level field of a JSON response.
type WebhookExpect struct {
	Status    string `yaml:"status,omitempty" json:"status,omitempty"`
	Body      string `yaml:"body,omitempty" json:"body,omitempty"`
	JSONField string `yaml:"json_field,omitempty" json:"json_field,omitempty"`
	Equals    any    `yaml:"equals,omitempty" json:"equals,omitempty"`
}

// Transition routes stage completion. In YAML it is either a bare target
// ("review", "__complete__") or a dict with goto plus modifiers.
type Transition struct {
	Goto          string `json:"goto"`
	Delay         string `json:"delay,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Retry         int    `json:"retry,omitempty"`
	Then          string `json:"then,omitempty"`
}

// transitionDict mirrors Transition for the dict YAML form.
type transitionDict struct {
	Goto          string `yaml:"goto"`
	Delay         string `yaml:"delay"`
	MaxIterations int    `yaml:"max_iterations"`
	Retry         int    `yaml:"retry"`
	Then          string `yaml:"then"`
}

func (t *Transition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&t.Goto)
	}
	var dict transitionDict
	if err := node.Decode(&dict); err != nil {
		return err
	}
	t.Goto = dict.Goto
	t.Delay = dict.Delay
	t.MaxIterations = dict.MaxIterations
	t.Retry = dict.Retry
	t.Then = dict.Then
	return nil
}

// Stage is the tagged stage union. Which fields apply depends on Type;
// Validate enforces the variant shape.
type Stage struct {
	ID        string    `yaml:"id" json:"id"`
	Type      StageType `yaml:"type" json:"type"`
	Condition string    `yaml:"condition,omitempty" json:"condition,omitempty"`

	// agent
	Agent           string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Action          string `yaml:"action,omitempty" json:"action,omitempty"`
	ContinueSession bool   `yaml:"continue_session,omitempty" json:"continue_session,omitempty"`

	// gate
	Conditions []*GateCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	AnyOf      []*GateCondition `yaml:"any_of,omitempty" json:"any_of,omitempty"`

	// human
	WaitFor   string          `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`
	FromGroup []string        `yaml:"from_group,omitempty" json:"from_group,omitempty"`
	Count     int             `yaml:"count,omitempty" json:"count,omitempty"`
	Reminder  *ReminderPolicy `yaml:"reminder,omitempty" json:"reminder,omitempty"`

	// parallel
	Branches []*Stage `yaml:"branches,omitempty" json:"branches,omitempty"`
	Join     string   `yaml:"join,omitempty" json:"join,omitempty"`

	// delay
	Duration string      `yaml:"duration,omitempty" json:"duration,omitempty"`
	Poll     *PollConfig `yaml:"poll,omitempty" json:"poll,omitempty"`

	// action
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// webhook
	Request *WebhookRequest `yaml:"request,omitempty" json:"request,omitempty"`
	Expect  *WebhookExpect  `yaml:"expect,omitempty" json:"expect,omitempty"`

	// pipeline
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// shared transitions
	OnComplete *Transition `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	OnPass     *Transition `yaml:"on_pass,omitempty" json:"on_pass,omitempty"`
	OnFail     *Transition `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
	OnError    *Transition `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	OnSuccess  *Transition `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	Timeout    string      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnTimeout  *Transition `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`

	Context            map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	EventSubscriptions []string       `yaml:"event_subscriptions,omitempty" json:"event_subscriptions,omitempty"`
}

// StageByID returns the stage with the given id, or nil.
func (d *Definition) StageByID(id string) *Stage {
	for _, s := range d.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// NextStageID returns the lexically next stage after id, or "" when id is
// last (or unknown).
func (d *Definition) NextStageID(id string) string {
	for i, s := range d.Stages {
		if s.ID == id && i+1 < len(d.Stages) {
			return d.Stages[i+1].ID
		}
	}
	return ""
}

// SubscribedEvents returns the union of pipeline-level on_events keys and
// all stage event_subscriptions.
func (d *Definition) SubscribedEvents() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ev string) {
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	for ev := range d.OnEvents {
		add(ev)
	}
	for _, s := range d.Stages {
		for _, ev := range s.EventSubscriptions {
			add(ev)
		}
	}
	return out
}
