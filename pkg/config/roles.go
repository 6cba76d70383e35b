package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// loadRoleDefinitions parses every agents/*.md file under configDir into a
// RoleDefinition keyed by filename without extension. A missing directory
// yields an empty map.
func loadRoleDefinitions(configDir string) (map[string]*RoleDefinition, error) {
	dir := filepath.Join(configDir, "agents")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*RoleDefinition{}, nil
	}
	if err != nil {
		return nil, NewLoadError(dir, err)
	}

	defs := make(map[string]*RoleDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		def, err := parseRoleDefinition(data)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		def.Name = strings.TrimSuffix(entry.Name(), ".md")
		defs[def.Name] = def
	}
	return defs, nil
}

// parseRoleDefinition splits YAML frontmatter from the markdown prompt
// body. Frontmatter is optional; a file without it is all prompt.
func parseRoleDefinition(data []byte) (*RoleDefinition, error) {
	text := string(data)
	def := &RoleDefinition{}

	if !strings.HasPrefix(text, frontmatterDelimiter+"\n") &&
		!strings.HasPrefix(text, frontmatterDelimiter+"\r\n") {
		def.Prompt = strings.TrimSpace(text)
		if def.Prompt == "" {
			return nil, fmt.Errorf("%w: empty role definition", ErrInvalidValue)
		}
		return def, nil
	}

	rest := text[len(frontmatterDelimiter):]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated frontmatter", ErrInvalidYAML)
	}
	front := rest[:end]
	body := rest[end+1+len(frontmatterDelimiter):]
	// Swallow the delimiter line's trailing newline.
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	if err := yaml.Unmarshal([]byte(front), def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	def.Prompt = strings.TrimSpace(body)
	if def.Prompt == "" {
		return nil, fmt.Errorf("%w: role definition has no prompt body", ErrInvalidValue)
	}
	return def, nil
}
