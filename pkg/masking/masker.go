// Package masking redacts secrets from text before it reaches the activity
// log, dashboard payloads, or error strings. Patterns are compiled once at
// startup; invalid custom patterns are logged and skipped.
package masking

import (
	"log/slog"
	"regexp"
)

// Pattern is one named redaction rule.
type Pattern struct {
	// Name identifies the rule in configuration and logs.
	Name string
	// Regex is the match expression (Go regexp syntax).
	Regex string
	// Replacement is substituted for every match.
	Replacement string
}

// builtinPatterns cover the secrets squadron itself handles: GitHub App
// credentials, webhook secrets, installation tokens, and the usual
// key=value leak shapes in tool output.
var builtinPatterns = []Pattern{
	{
		Name:        "github_token",
		Regex:       `\bgh[pousr]_[A-Za-z0-9_]{16,255}\b|\bgithub_pat_[A-Za-z0-9_]{22,255}\b`,
		Replacement: "__MASKED_GITHUB_TOKEN__",
	},
	{
		Name:        "bearer",
		Regex:       `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{16,}`,
		Replacement: "Bearer __MASKED_TOKEN__",
	},
	{
		Name:        "private_key_block",
		Regex:       `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "__MASKED_PRIVATE_KEY__",
	},
	{
		Name:        "api_key_assignment",
		Regex:       `(?i)(api[_-]?key|secret|token|password|webhook[_-]?secret)(["']?\s*[:=]\s*["']?)[^"'\s]{8,}`,
		Replacement: "$1$2__MASKED__",
	},
	{
		Name:        "basic_auth_url",
		Regex:       `(https?://)[^/\s:@]+:[^/\s:@]+@`,
		Replacement: "$1__MASKED_CREDENTIALS__@",
	},
}

// Masker applies all compiled patterns to strings and payload maps.
// Thread-safe and stateless aside from compiled patterns.
type Masker struct {
	patterns []compiled
}

type compiled struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// NewMasker compiles the built-in patterns plus any custom ones. Custom
// patterns that fail to compile are logged and skipped, never fatal.
func NewMasker(custom ...Pattern) *Masker {
	m := &Masker{}
	for _, p := range append(append([]Pattern{}, builtinPatterns...), custom...) {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			slog.Error("Invalid masking pattern skipped", "pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, compiled{name: p.Name, re: re, replacement: p.Replacement})
	}
	return m
}

// Mask redacts every pattern match in s.
func (m *Masker) Mask(s string) string {
	for _, p := range m.patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskMap redacts string values in a payload map, recursing into nested
// maps and string slices. The input map is not modified.
func (m *Masker) MaskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *Masker) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		return m.MaskMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.maskValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = m.Mask(s)
		}
		return out
	default:
		return v
	}
}
