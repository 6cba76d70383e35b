package config

import (
	"fmt"

	"github.com/squadron-dev/squadron/pkg/gates"
	"github.com/squadron-dev/squadron/pkg/pipeline"
)

// Trigger actions a role trigger may request.
var validTriggerActions = map[string]bool{
	"":         true, // spawn default
	"spawn":    true,
	"sleep":    true,
	"wake":     true,
	"complete": true,
}

var validLifecycles = map[string]bool{
	"ephemeral":  true,
	"persistent": true,
}

// builtinCheckNames are the gate checks the engine registers at boot.
// Pipeline definitions may only reference these.
var builtinCheckNames = map[string]bool{
	gates.CheckCommand:        true,
	gates.CheckFileExists:     true,
	gates.CheckPRApprovalsMet: true,
	gates.CheckCIStatus:       true,
	gates.CheckLabels:         true,
	gates.CheckBranchUpToDate: true,
	gates.CheckHumanReview:    true,
}

// validate checks the whole configuration, including references between
// sections that the per-file parsers cannot see.
func validate(cfg *Config) error {
	if cfg.Project.Owner == "" {
		return NewValidationError("project", cfg.Project.Name, "owner", ErrMissingRequiredField)
	}
	if cfg.Project.Repo == "" {
		return NewValidationError("project", cfg.Project.Name, "repo", ErrMissingRequiredField)
	}

	for name, role := range cfg.AgentRoles {
		if err := validateRole(cfg, name, role); err != nil {
			return err
		}
	}

	for name, cmd := range cfg.Commands {
		if err := validateCommand(cfg, name, cmd); err != nil {
			return err
		}
	}

	for name, skill := range cfg.Skills.Definitions {
		if skill.Path == "" {
			return NewValidationError("skill", name, "path", ErrMissingRequiredField)
		}
	}

	for role := range cfg.ReviewPolicy.DefaultRequirements {
		if _, ok := cfg.AgentRoles[role]; !ok {
			return NewValidationError("review_policy", role, "default_requirements",
				fmt.Errorf("%w: %s", ErrRoleNotFound, role))
		}
	}

	for name, def := range cfg.Pipelines {
		if err := validatePipelineRefs(cfg, name, def); err != nil {
			return err
		}
	}
	return nil
}

func validateRole(cfg *Config, name string, role *RoleConfig) error {
	if role.AgentDefinition == "" {
		return NewValidationError("role", name, "agent_definition", ErrMissingRequiredField)
	}
	if _, ok := cfg.RoleDefinitions[role.AgentDefinition]; !ok {
		return NewValidationError("role", name, "agent_definition",
			fmt.Errorf("%w: no agents/%s.md", ErrInvalidReference, role.AgentDefinition))
	}
	if !validLifecycles[role.Lifecycle] {
		return NewValidationError("role", name, "lifecycle",
			fmt.Errorf("%w: %q", ErrInvalidValue, role.Lifecycle))
	}
	for _, trigger := range role.Triggers {
		if trigger.Event == "" {
			return NewValidationError("role", name, "triggers.event", ErrMissingRequiredField)
		}
		if !validTriggerActions[trigger.Action] {
			return NewValidationError("role", name, "triggers.action",
				fmt.Errorf("%w: %q", ErrInvalidValue, trigger.Action))
		}
	}

	// Skills referenced by the role's definition have to exist.
	def := cfg.RoleDefinitions[role.AgentDefinition]
	for _, skill := range def.Skills {
		if _, ok := cfg.Skills.Definitions[skill]; !ok {
			return NewValidationError("role", name, "skills",
				fmt.Errorf("%w: skill %q", ErrInvalidReference, skill))
		}
	}
	return nil
}

func validateCommand(cfg *Config, name string, cmd *CommandSpec) error {
	switch cmd.Type {
	case CommandTypeAgent:
		if cmd.Agent == "" {
			return NewValidationError("command", name, "agent", ErrMissingRequiredField)
		}
		if _, ok := cfg.AgentRoles[cmd.Agent]; !ok {
			return NewValidationError("command", name, "agent",
				fmt.Errorf("%w: %s", ErrRoleNotFound, cmd.Agent))
		}
	case CommandTypeAction:
		if cmd.Action == "" {
			return NewValidationError("command", name, "action", ErrMissingRequiredField)
		}
	case CommandTypeResponse:
		if cmd.Response == "" {
			return NewValidationError("command", name, "response", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("command", name, "type",
			fmt.Errorf("%w: %q", ErrInvalidValue, cmd.Type))
	}
	return nil
}

// validatePipelineRefs checks references from a pipeline into the rest of
// the configuration: agent roles, gate check names, sub-pipeline names.
// Structural validation already happened in the pipeline parser.
func validatePipelineRefs(cfg *Config, name string, def *pipeline.Definition) error {
	var walk func(stages []*pipeline.Stage) error
	walk = func(stages []*pipeline.Stage) error {
		for _, s := range stages {
			switch s.Type {
			case pipeline.StageAgent:
				if _, ok := cfg.AgentRoles[s.Agent]; !ok {
					return NewValidationError("pipeline", name, "stages."+s.ID,
						fmt.Errorf("%w: %s", ErrRoleNotFound, s.Agent))
				}
			case pipeline.StageGate:
				for _, cond := range append(append([]*pipeline.GateCondition{}, s.Conditions...), s.AnyOf...) {
					if !builtinCheckNames[cond.Check] {
						return NewValidationError("pipeline", name, "stages."+s.ID,
							fmt.Errorf("%w: unknown check %q", ErrInvalidReference, cond.Check))
					}
				}
			case pipeline.StageSubPipeline:
				if _, ok := cfg.Pipelines[s.Pipeline]; !ok {
					return NewValidationError("pipeline", name, "stages."+s.ID,
						fmt.Errorf("%w: unknown pipeline %q", ErrInvalidReference, s.Pipeline))
				}
			case pipeline.StageParallel:
				if err := walk(s.Branches); err != nil {
					return err
				}
			case pipeline.StageDelay:
				if s.Poll != nil && s.Poll.Check != nil && !builtinCheckNames[s.Poll.Check.Check] {
					return NewValidationError("pipeline", name, "stages."+s.ID,
						fmt.Errorf("%w: unknown check %q", ErrInvalidReference, s.Poll.Check.Check))
				}
			}
		}
		return nil
	}
	if err := walk(def.Stages); err != nil {
		return err
	}
	for _, reaction := range def.OnEvents {
		if reaction.Action == pipeline.ReactionWakeAgent && reaction.Agent != "" {
			if _, ok := cfg.AgentRoles[reaction.Agent]; !ok {
				return NewValidationError("pipeline", name, "on_events",
					fmt.Errorf("%w: %s", ErrRoleNotFound, reaction.Agent))
			}
		}
	}
	return nil
}
