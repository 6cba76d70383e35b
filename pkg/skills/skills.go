// Package skills loads skill documents — markdown playbooks agents can pull
// into their prompts. Skills are named in configuration and resolved against
// a base directory; resolution rejects any path that escapes it.
package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownSkill is returned when a skill name is not configured.
var ErrUnknownSkill = errors.New("unknown skill")

// ErrPathEscape is returned when a skill path resolves outside the base
// directory.
var ErrPathEscape = errors.New("skill path escapes base directory")

// Definition is a configured skill.
type Definition struct {
	// Path is relative to the library's base directory.
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// Skill is a loaded skill document.
type Skill struct {
	Name        string
	Description string
	Content     string
}

// Library resolves skill names to markdown content.
type Library struct {
	basePath    string
	definitions map[string]Definition
	logger      *slog.Logger
}

// NewLibrary builds a library over basePath. Definitions with escaping paths
// are rejected up front so misconfiguration fails at startup, not mid-turn.
func NewLibrary(basePath string, definitions map[string]Definition) (*Library, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve skills base path: %w", err)
	}
	for name, def := range definitions {
		if _, err := containedPath(abs, def.Path); err != nil {
			return nil, fmt.Errorf("skill %q: %w", name, err)
		}
	}
	return &Library{
		basePath:    abs,
		definitions: definitions,
		logger:      slog.With("component", "skills"),
	}, nil
}

// Names lists the configured skill names.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.definitions))
	for name := range l.definitions {
		names = append(names, name)
	}
	return names
}

// Describe returns the configured description for a skill.
func (l *Library) Describe(name string) (string, error) {
	def, ok := l.definitions[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	return def.Description, nil
}

// Load reads the skill document from disk. Content is read fresh on every
// call so edits to the skill library take effect without a restart.
func (l *Library) Load(name string) (*Skill, error) {
	def, ok := l.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	path, err := containedPath(l.basePath, def.Path)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", name, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %q: %w", name, err)
	}
	l.logger.Debug("Skill loaded", "skill", name, "bytes", len(content))
	return &Skill{Name: name, Description: def.Description, Content: string(content)}, nil
}

// containedPath joins rel onto base and verifies the result stays inside
// base. Absolute paths and ".." traversal are both rejected.
func containedPath(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	joined := filepath.Clean(filepath.Join(base, rel))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return joined, nil
}
