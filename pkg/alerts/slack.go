package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// postTimeout bounds one chat.postMessage call.
const postTimeout = 10 * time.Second

// SlackSink posts leak alerts to a Slack channel via the Web API.
type SlackSink struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSink creates a Slack-backed sink. Returns nil when token or
// channel is empty; callers fall back to the log sink.
func NewSlackSink(token, channel string) *SlackSink {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackSink{
		api:     goslack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "alerts-slack"),
	}
}

// NewSlackSinkWithAPIURL targets a custom API URL. Useful for testing with
// a mock server.
func NewSlackSinkWithAPIURL(token, channel, apiURL string) *SlackSink {
	return &SlackSink{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channel: channel,
		logger:  slog.Default().With("component", "alerts-slack"),
	}
}

// Deliver posts the alert. Fail-open: errors are logged, never returned.
func (s *SlackSink) Deliver(ctx context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		goslack.MsgOptionBlocks(buildBlocks(alert)...))
	if err != nil {
		s.logger.Error("Failed to post leak alert to Slack",
			"severity", alert.Severity, "error", err)
	}
}

// buildBlocks renders the alert as Slack Block Kit blocks: a header, the
// counter fields, and the triggering reasons.
func buildBlocks(alert Alert) []goslack.Block {
	emoji := ":warning:"
	if alert.Severity == SeverityCritical {
		emoji = ":rotating_light:"
	}
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(
		goslack.PlainTextType,
		fmt.Sprintf("%s Tool-server process leak (%s)", emoji, alert.Severity),
		true, false))

	c := alert.Counters
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Managed:* %d", c.TotalManaged), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Expected:* %d", c.Expected), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Orphaned:* %d", c.Orphaned), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Zombies:* %d", c.Zombie), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Old (>2h):* %d", c.Old), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Very old (>6h):* %d", c.VeryOld), false, false),
	}
	counters := goslack.NewSectionBlock(nil, fields, nil)

	reasons := goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType,
			"Triggered by: "+strings.Join(alert.Reasons, "; "), false, false))

	return []goslack.Block{header, counters, reasons}
}
