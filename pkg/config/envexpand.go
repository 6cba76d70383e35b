package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables in YAML content using Go
// template syntax, e.g. {{.GITHUB_WEBHOOK_SECRET}}. Plain $ stays literal,
// so masking regex patterns and branch templates like
// "squadron/{role}/issue-{issue_number}" survive expansion untouched.
//
// Missing variables expand to the empty string; required-field validation
// runs afterwards and reports them. Content that does not parse as a
// template is returned as-is so template-free YAML always loads.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
