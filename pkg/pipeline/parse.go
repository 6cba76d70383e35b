package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/squadron-dev/squadron/pkg/models"
)

// ParseDefinition parses and validates one pipeline definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDir parses every .yaml/.yml file under dir into named definitions.
// A missing directory yields an empty map; a file's name field defaults to
// its base filename.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir %s: %w", dir, err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate pipeline name %q in %s", ErrInvalidDefinition, def.Name, path)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// LoadAll loads the pipelines/ directory plus the legacy workflows/
// directory of a config dir. Legacy files parse with the same schema; a
// name collision prefers pipelines/.
func LoadAll(configDir string) (map[string]*Definition, error) {
	defs, err := LoadDir(filepath.Join(configDir, "pipelines"))
	if err != nil {
		return nil, err
	}
	legacy, err := LoadDir(filepath.Join(configDir, "workflows"))
	if err != nil {
		return nil, err
	}
	for name, def := range legacy {
		if _, exists := defs[name]; exists {
			slog.Warn("Legacy workflow shadowed by pipeline with same name", "name", name)
			continue
		}
		defs[name] = def
	}
	return defs, nil
}

// Validate checks the definition's internal consistency: stage id grammar
// and uniqueness, variant shapes, duration grammar, and every cross-stage
// reference. Cross-pipeline references (sub-pipeline names, agent roles,
// check names) are validated by the config layer, which sees the full sets.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		// An empty pipeline is legal; it completes immediately on trigger.
		d.Stages = nil
	}
	if d.Scope == "" {
		d.Scope = models.ScopeIssue
	}
	switch d.Scope {
	case models.ScopeSinglePR, models.ScopeMultiPR, models.ScopeIssue:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidDefinition, d.Scope)
	}

	ids := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if !stageIDRe.MatchString(s.ID) {
			return fmt.Errorf("%w: %q", ErrInvalidStageID, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidDefinition, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range d.Stages {
		if err := d.validateStage(s, ids, true); err != nil {
			return fmt.Errorf("stage %q: %w", s.ID, err)
		}
	}

	for ev, reaction := range d.OnEvents {
		if err := d.validateReaction(reaction, ids); err != nil {
			return fmt.Errorf("on_events[%s]: %w", ev, err)
		}
	}
	return nil
}

func (d *Definition) validateStage(s *Stage, ids map[string]bool, topLevel bool) error {
	switch s.Type {
	case StageAgent:
		if s.Agent == "" {
			return fmt.Errorf("%w: agent stage needs an agent role", ErrInvalidDefinition)
		}
	case StageGate:
		if len(s.Conditions) == 0 && len(s.AnyOf) == 0 {
			return fmt.Errorf("%w: gate stage needs conditions or any_of", ErrInvalidDefinition)
		}
		if len(s.Conditions) > 0 && len(s.AnyOf) > 0 {
			return fmt.Errorf("%w: gate stage cannot mix conditions and any_of", ErrInvalidDefinition)
		}
		for _, c := range append(append([]*GateCondition{}, s.Conditions...), s.AnyOf...) {
			if c.Check == "" {
				return fmt.Errorf("%w: gate condition missing check name", ErrInvalidDefinition)
			}
		}
	case StageHuman:
		switch s.WaitFor {
		case "approval", "comment", "label", "dismiss":
		default:
			return fmt.Errorf("%w: human stage wait_for %q", ErrInvalidDefinition, s.WaitFor)
		}
		if s.Reminder != nil {
			for _, dur := range []string{s.Reminder.After, s.Reminder.Every} {
				if dur != "" {
					if _, err := ParseDuration(dur); err != nil {
						return err
					}
				}
			}
		}
	case StageParallel:
		if !topLevel {
			return fmt.Errorf("%w: parallel branches cannot nest parallel stages", ErrInvalidDefinition)
		}
		if len(s.Branches) == 0 {
			return fmt.Errorf("%w: parallel stage needs branches", ErrInvalidDefinition)
		}
		if s.Join != "" && s.Join != "all" && s.Join != "any" {
			return fmt.Errorf("%w: parallel join %q", ErrInvalidDefinition, s.Join)
		}
		branchIDs := make(map[string]bool, len(s.Branches))
		for _, b := range s.Branches {
			if !stageIDRe.MatchString(b.ID) {
				return fmt.Errorf("%w: branch %q", ErrInvalidStageID, b.ID)
			}
			if branchIDs[b.ID] {
				return fmt.Errorf("%w: duplicate branch id %q", ErrInvalidDefinition, b.ID)
			}
			branchIDs[b.ID] = true
			switch b.Type {
			case StageAgent, StageAction, StageGate, StageSubPipeline:
			default:
				return fmt.Errorf("%w: branch %q type %q not allowed in parallel", ErrInvalidDefinition, b.ID, b.Type)
			}
			if err := d.validateStage(b, ids, false); err != nil {
				return fmt.Errorf("branch %q: %w", b.ID, err)
			}
		}
	case StageDelay:
		if _, err := ParseDuration(s.Duration); err != nil {
			return err
		}
		if s.Poll != nil {
			if s.Poll.Check == nil || s.Poll.Check.Check == "" {
				return fmt.Errorf("%w: delay poll needs a check", ErrInvalidDefinition)
			}
			if _, err := ParseDuration(s.Poll.Every); err != nil {
				return err
			}
		}
	case StageAction:
		if s.Action == "" {
			return fmt.Errorf("%w: action stage needs an action name", ErrInvalidDefinition)
		}
	case StageWebhook:
		if s.Request == nil || s.Request.URL == "" {
			return fmt.Errorf("%w: webhook stage needs a request url", ErrInvalidDefinition)
		}
	case StageSubPipeline:
		if s.Pipeline == "" {
			return fmt.Errorf("%w: pipeline stage needs a pipeline name", ErrInvalidDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown stage type %q", ErrInvalidDefinition, s.Type)
	}

	if s.Timeout != "" {
		if _, err := ParseDuration(s.Timeout); err != nil {
			return err
		}
	}

	for name, tr := range map[string]*Transition{
		"on_complete": s.OnComplete,
		"on_pass":     s.OnPass,
		"on_fail":     s.OnFail,
		"on_error":    s.OnError,
		"on_success":  s.OnSuccess,
		"on_timeout":  s.OnTimeout,
	} {
		if err := d.validateTransition(tr, ids); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (d *Definition) validateTransition(tr *Transition, ids map[string]bool) error {
	if tr == nil {
		return nil
	}
	for _, target := range []string{tr.Goto, tr.Then} {
		if err := validateTarget(target, ids); err != nil {
			return err
		}
	}
	if tr.Delay != "" {
		if _, err := ParseDuration(tr.Delay); err != nil {
			return err
		}
	}
	if tr.MaxIterations < 0 || tr.Retry < 0 {
		return fmt.Errorf("%w: negative retry/max_iterations", ErrInvalidDefinition)
	}
	return nil
}

func (d *Definition) validateReaction(reaction *Reaction, ids map[string]bool) error {
	switch reaction.Action {
	case ReactionReevaluateGates, ReactionCancel, ReactionNotify:
	case ReactionInvalidateAndRestart:
		for _, id := range reaction.Stages {
			if !ids[id] {
				return fmt.Errorf("%w: %q", ErrUnknownStageRef, id)
			}
		}
		if reaction.RestartFrom != "" && !ids[reaction.RestartFrom] {
			return fmt.Errorf("%w: %q", ErrUnknownStageRef, reaction.RestartFrom)
		}
	case ReactionWakeAgent:
		if reaction.Agent == "" {
			return fmt.Errorf("%w: wake_agent needs an agent", ErrInvalidDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown reaction action %q", ErrInvalidDefinition, reaction.Action)
	}
	return nil
}

func validateTarget(target string, ids map[string]bool) error {
	switch target {
	case "", models.TargetComplete, models.TargetEscalate, models.TargetNext, models.TargetFail:
		return nil
	}
	if !ids[target] {
		return fmt.Errorf("%w: %q", ErrUnknownStageRef, target)
	}
	return nil
}
