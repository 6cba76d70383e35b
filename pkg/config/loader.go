package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/squadron-dev/squadron/pkg/pipeline"
)

// configFileName is the main configuration file inside the config
// directory.
const configFileName = "config.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read config.yaml and expand {{.VAR}} environment templates
//  2. Parse YAML into the Config struct
//  3. Merge defaults underneath user values
//  4. Load agents/*.md role definitions
//  5. Load pipelines/*.yaml (and legacy workflows/*.yaml)
//  6. Validate everything, including cross-references
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("component", "config", "config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"roles", len(cfg.AgentRoles),
		"commands", len(cfg.Commands),
		"pipelines", len(cfg.Pipelines),
		"role_definitions", len(cfg.RoleDefinitions))
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	path := filepath.Join(configDir, configFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, NewLoadError(path, ErrConfigNotFound)
	}
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(ExpandEnv(raw), cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	cfg.configDir = configDir

	// Defaults fill gaps; user values always win.
	if err := mergo.Merge(cfg, defaultConfig()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}
	for _, role := range cfg.AgentRoles {
		if role.Lifecycle == "" {
			role.Lifecycle = DefaultRoleLifecycle
		}
	}

	cfg.RoleDefinitions, err = loadRoleDefinitions(configDir)
	if err != nil {
		return nil, err
	}

	cfg.Pipelines, err = pipeline.LoadAll(configDir)
	if err != nil {
		return nil, NewLoadError(filepath.Join(configDir, "pipelines"), err)
	}

	return cfg, nil
}
