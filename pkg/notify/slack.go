package notify

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
)

const slackPostTimeout = 10 * time.Second

// SlackNotifier posts escalations to a Slack channel.
type SlackNotifier struct {
	api     *goslack.Client
	channel string
}

// NewSlackNotifier returns a Slack notifier, or nil when token or channel is
// empty so the fanout skips it.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{api: goslack.New(token), channel: channel}
}

// NewSlackNotifierWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackNotifierWithAPIURL(token, channel, apiURL string) *SlackNotifier {
	return &SlackNotifier{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channel: channel,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, esc Escalation) error {
	ctx, cancel := context.WithTimeout(ctx, slackPostTimeout)
	defer cancel()

	blocks := buildEscalationBlocks(esc)
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

func buildEscalationBlocks(esc Escalation) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "🚨 Agent escalation", true, false))

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Agent:*\n`%s`", esc.AgentID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Role:*\n%s", esc.Role), false, false),
	}
	if esc.IssueNumber > 0 {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Issue:*\n#%d", esc.IssueNumber), false, false))
	}
	if esc.PRNumber > 0 {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*PR:*\n#%d", esc.PRNumber), false, false))
	}

	blocks := []goslack.Block{
		header,
		goslack.NewSectionBlock(nil, fields, nil),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*Reason:* %s", esc.Reason), false, false),
			nil, nil),
	}
	if esc.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, esc.Summary, false, false),
			nil, nil))
	}
	return blocks
}

var _ Notifier = (*SlackNotifier)(nil)
