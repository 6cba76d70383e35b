// Package commands extracts squadron commands and agent mentions from
// GitHub comment bodies. Two syntaxes are recognized:
//
//	/squadron <command> [args...]
//	@squadron <agent>: <message>
//
// Text inside fenced code blocks (``` or ~~~) and inline backtick spans is
// never matched, so quoted examples do not trigger anything.
package commands

import (
	"regexp"
	"strings"
)

// Source identifies which syntax produced a parsed command.
type Source string

const (
	SourceSlash   Source = "slash"
	SourceMention Source = "mention"
)

// Built-in commands always recognized regardless of configuration.
var builtinCommands = []string{"status", "cancel", "retry", "list", "help"}

// ParsedCommand is one extracted command occurrence.
type ParsedCommand struct {
	Source Source
	// Name is the command name for action commands, empty for agent routes.
	Name string
	Args []string
	// TargetAgent is the routed role for agent mentions (@bot reviewer: ...).
	TargetAgent string
	// Message is the free-text remainder of an agent route.
	Message string
	// IsHelp marks help and list requests.
	IsHelp bool
}

// Config drives the parser. KnownAgents comes from the role configuration;
// KnownCommands from the command configuration (built-ins are implicit).
type Config struct {
	// Prefix is the slash-command prefix, including the slash
	// (default "/squadron"). The mention form uses the same word after @.
	Prefix        string
	KnownAgents   []string
	KnownCommands []string
}

// Parser is an immutable compiled command parser.
type Parser struct {
	prefix   string // without the leading slash
	agents   map[string]bool
	commands map[string]bool

	slashRe   *regexp.Regexp
	mentionRe *regexp.Regexp
	roleRe    *regexp.Regexp
}

// NewParser compiles a parser from cfg. An empty prefix defaults to
// "/squadron".
func NewParser(cfg Config) *Parser {
	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "squadron"
	}
	p := &Parser{
		prefix:   prefix,
		agents:   make(map[string]bool, len(cfg.KnownAgents)),
		commands: make(map[string]bool, len(cfg.KnownCommands)+len(builtinCommands)),
	}
	for _, a := range cfg.KnownAgents {
		p.agents[strings.ToLower(a)] = true
	}
	for _, c := range append(append([]string{}, builtinCommands...), cfg.KnownCommands...) {
		p.commands[strings.ToLower(c)] = true
	}

	quoted := regexp.QuoteMeta(prefix)
	p.slashRe = regexp.MustCompile(`(?im)^\s*/` + quoted + `\s+(\S+)(\s+.*)?$`)
	p.mentionRe = regexp.MustCompile(`(?is)@` + quoted + `\s+([A-Za-z][A-Za-z0-9_-]*)(:?)[ \t]*(.*)`)
	p.roleRe = regexp.MustCompile(`(?i)[@/]([A-Za-z][A-Za-z0-9_-]*)`)
	return p
}

// Parse extracts the first command from body, or nil when none matches.
// Slash commands win over mentions when both appear.
func (p *Parser) Parse(body string) *ParsedCommand {
	text := StripCodeSpans(body)

	if m := p.slashRe.FindStringSubmatch(text); m != nil {
		name := strings.ToLower(m[1])
		cmd := &ParsedCommand{
			Source: SourceSlash,
			Name:   name,
			Args:   strings.Fields(m[2]),
			IsHelp: name == "help" || name == "list",
		}
		return cmd
	}

	if m := p.mentionRe.FindStringSubmatch(text); m != nil {
		token := strings.ToLower(m[1])
		colon := m[2] == ":"
		rest := strings.TrimSpace(m[3])
		switch {
		case token == "help":
			return &ParsedCommand{Source: SourceMention, Name: "help", IsHelp: true}
		case p.commands[token] && !colon:
			return &ParsedCommand{
				Source: SourceMention,
				Name:   token,
				Args:   strings.Fields(rest),
				IsHelp: token == "list",
			}
		case p.agents[token] || colon:
			return &ParsedCommand{
				Source:      SourceMention,
				TargetAgent: token,
				Message:     rest,
			}
		}
	}
	return nil
}

// MentionedRoles returns every known role mentioned as a bare @role or
// /role token, in first-appearance order, without duplicates. Mentions
// inside code spans are ignored.
func (p *Parser) MentionedRoles(body string) []string {
	text := StripCodeSpans(body)
	var roles []string
	seen := make(map[string]bool)
	for _, m := range p.roleRe.FindAllStringSubmatch(text, -1) {
		role := strings.ToLower(m[1])
		if p.agents[role] && !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}
	return roles
}

// IsKnownAgent reports whether role is configured.
func (p *Parser) IsKnownAgent(role string) bool {
	return p.agents[strings.ToLower(role)]
}

var (
	fenceRe  = regexp.MustCompile("(?s)(```.*?```|~~~.*?~~~)")
	inlineRe = regexp.MustCompile("`[^`\n]*`")
	sigRe    = regexp.MustCompile(`\*\*\[squadron:([A-Za-z][A-Za-z0-9_-]*)\]\*\*`)
)

// StripCodeSpans blanks fenced blocks and inline backtick spans, preserving
// the overall string length so nothing outside the spans shifts position.
// Stripping is idempotent.
func StripCodeSpans(body string) string {
	blank := func(s string) string {
		out := []byte(s)
		for i, c := range out {
			if c != '\n' {
				out[i] = ' '
			}
		}
		return string(out)
	}
	text := fenceRe.ReplaceAllStringFunc(body, blank)
	return inlineRe.ReplaceAllStringFunc(text, blank)
}

// SignatureRole extracts the authoring role from a bot comment's
// **[squadron:<role>]** header, or "" when absent. Used by the self-loop
// guard: a role never reacts to its own mention in its own comment.
func SignatureRole(body string) string {
	if m := sigRe.FindStringSubmatch(body); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// Signature renders the comment header a role signs its posts with.
func Signature(role string) string {
	return "**[squadron:" + role + "]**"
}
