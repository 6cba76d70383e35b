// Package events receives raw GitHub webhook deliveries over a bounded
// queue and turns them into typed internal events: dedup by delivery id,
// conversion through a fixed event table, enrichment (issue/PR numbers,
// sender, parsed commands and mentions), then ordered fan-out to registered
// handlers and the pipeline engine.
package events

import (
	"strconv"
	"strings"

	"github.com/squadron-dev/squadron/pkg/commands"
)

// EventType is the internal event discriminant.
type EventType string

const (
	IssueOpened   EventType = "issue.opened"
	IssueClosed   EventType = "issue.closed"
	IssueAssigned EventType = "issue.assigned"
	IssueLabeled  EventType = "issue.labeled"
	IssueReopened EventType = "issue.reopened"
	IssueComment  EventType = "issue.comment"

	PROpened          EventType = "pr.opened"
	PRClosed          EventType = "pr.closed"
	PRSynchronized    EventType = "pr.synchronized"
	PRLabeled         EventType = "pr.labeled"
	PRReviewSubmitted EventType = "pr.review_submitted"
	PRReviewComment   EventType = "pr.review_comment"

	Push EventType = "push"

	// Internal events, never produced by GitHub.
	BlockerResolved EventType = "blocker.resolved"
	WakeAgent       EventType = "wake.agent"
)

// conversionTable maps "<webhook event>.<action>" (bare event name when the
// payload has no action) to the internal event type. Pairs absent from the
// table are logged and dropped.
var conversionTable = map[string]EventType{
	"issues.opened":                       IssueOpened,
	"issues.closed":                       IssueClosed,
	"issues.assigned":                     IssueAssigned,
	"issues.labeled":                      IssueLabeled,
	"issues.reopened":                     IssueReopened,
	"issue_comment.created":               IssueComment,
	"pull_request.opened":                 PROpened,
	"pull_request.closed":                 PRClosed,
	"pull_request.synchronize":            PRSynchronized,
	"pull_request.labeled":                PRLabeled,
	"pull_request_review.submitted":       PRReviewSubmitted,
	"pull_request_review_comment.created": PRReviewComment,
	"push":                                Push,
}

// GitHubEvent is one raw webhook delivery as enqueued by the HTTP endpoint.
type GitHubEvent struct {
	DeliveryID string
	Type       string // X-GitHub-Event header
	Action     string // payload "action" field, may be empty
	Payload    map[string]any
}

// Event is the typed internal event dispatched to handlers and the pipeline
// engine.
type Event struct {
	Type             EventType
	SourceDeliveryID string
	IssueNumber      *int
	PRNumber         *int
	Sender           string
	SenderIsBot      bool
	CommentID        int64
	CommentBody      string
	Command          *commands.ParsedCommand
	MentionedRoles   []string
	// AgentID and Reason are set on internal wake.agent events.
	AgentID string
	Reason  string
	Payload map[string]any
}

// String renders the dedup/log identity of the raw event.
func (e *GitHubEvent) String() string {
	if e.Action == "" {
		return e.Type
	}
	return e.Type + "." + e.Action
}

// lookup walks nested payload maps: lookup(p, "issue", "number").
func lookup(payload map[string]any, path ...string) (any, bool) {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// lookupInt reads an integer field, tolerating the float64 numbers JSON
// decoding produces.
func lookupInt(payload map[string]any, path ...string) (int, bool) {
	v, ok := lookup(payload, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// lookupString reads a string field.
func lookupString(payload map[string]any, path ...string) (string, bool) {
	v, ok := lookup(payload, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Convert maps a raw delivery to an internal event, extracting issue and PR
// numbers, sender identity, the comment body, and (via parser, when given)
// the embedded command and mentioned roles. Returns false when the
// event/action pair is not in the conversion table.
func Convert(raw *GitHubEvent, parser *commands.Parser) (*Event, bool) {
	kind, ok := conversionTable[raw.String()]
	if !ok {
		return nil, false
	}

	ev := &Event{
		Type:             kind,
		SourceDeliveryID: raw.DeliveryID,
		Payload:          raw.Payload,
	}

	if n, ok := lookupInt(raw.Payload, "issue", "number"); ok {
		ev.IssueNumber = &n
		// Comments on PRs arrive as issue_comment events; the issue object
		// carries a pull_request stub exactly when the "issue" is a PR.
		if _, isPR := lookup(raw.Payload, "issue", "pull_request"); isPR {
			ev.PRNumber = &n
		}
	}
	if n, ok := lookupInt(raw.Payload, "pull_request", "number"); ok {
		ev.PRNumber = &n
	} else if url, ok := lookupString(raw.Payload, "comment", "pull_request_url"); ok {
		// Review-comment payloads may omit the pull_request object; the
		// comment's API URL ends in the PR number.
		if n, ok := prNumberFromURL(url); ok {
			ev.PRNumber = &n
		}
	}

	ev.Sender, _ = lookupString(raw.Payload, "sender", "login")
	if typ, ok := lookupString(raw.Payload, "sender", "type"); ok {
		ev.SenderIsBot = typ == "Bot"
	}

	if id, ok := lookupInt(raw.Payload, "comment", "id"); ok {
		ev.CommentID = int64(id)
	}
	if body, ok := lookupString(raw.Payload, "comment", "body"); ok {
		ev.CommentBody = body
	} else if body, ok := lookupString(raw.Payload, "review", "body"); ok {
		ev.CommentBody = body
	}

	if parser != nil && ev.CommentBody != "" {
		ev.Command = parser.Parse(ev.CommentBody)
		ev.MentionedRoles = parser.MentionedRoles(ev.CommentBody)
	}
	return ev, true
}

// prNumberFromURL extracts the trailing number of a pulls API URL, e.g.
// ".../repos/o/r/pulls/87".
func prNumberFromURL(url string) (int, bool) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
