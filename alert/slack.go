package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/querywatch/querywatch/model"
)

// SlackChannel posts alerts to a Slack channel through the Web API.
type SlackChannel struct {
	client  *slack.Client
	channel string
	enabled bool
}

// NewSlackChannel builds a Slack channel.
func NewSlackChannel(token, channel string, enabled bool) *SlackChannel {
	return &SlackChannel{
		client:  slack.New(token),
		channel: channel,
		enabled: enabled && token != "" && channel != "",
	}
}

func (s *SlackChannel) Name() string  { return "slack" }
func (s *SlackChannel) Enabled() bool { return s.enabled }

func severityEmoji(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityHigh:
		return ":red_circle:"
	case model.SeverityMedium:
		return ":large_orange_circle:"
	default:
		return ":large_yellow_circle:"
	}
}

func (s *SlackChannel) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error {
	for _, ev := range events {
		header := fmt.Sprintf("%s *%s* query regression on `%s/%s`",
			severityEmoji(ev.Severity), ev.Severity, ev.InstanceName, ev.DatabaseName)
		body := fmt.Sprintf("%s: %.0f -> %.0f (*+%.1f%%*, threshold %.0f%%)",
			ev.Metric, ev.BaselineValue, ev.CurrentValue, ev.ChangePercent, ev.ThresholdPercent)
		if ev.Type != model.RegressionMetricOnly {
			body += fmt.Sprintf("\nplan change: %s -> %s", hashText(ev.OldPlanHash), hashText(ev.NewPlanHash))
		}
		blocks := []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil),
			slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.MarkdownType,
					fmt.Sprintf("fingerprint `%s` · detected %s", ev.FingerprintID, ev.DetectedAtUtc.Format("15:04:05 UTC")), false, false)),
		}
		if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionBlocks(blocks...)); err != nil {
			return fmt.Errorf("post regression alert: %w", err)
		}
	}
	return nil
}

func (s *SlackChannel) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error {
	var b strings.Builder
	b.WriteString(":fire: *Top query hotspots*\n")
	for _, h := range hotspots {
		fmt.Fprintf(&b, "%d. `%s/%s` %s=%.0f (%.1f%% of total, %d execs)\n",
			h.Rank, h.InstanceName, h.DatabaseName, h.RankedBy, h.RankingValue, h.PercentOfTotal, h.ExecutionCount)
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(b.String(), false))
	if err != nil {
		return fmt.Errorf("post hotspot summary: %w", err)
	}
	return nil
}

func (s *SlackChannel) SendDailySummary(ctx context.Context, summary DailySummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, ":bar_chart: *Daily query performance summary* (%s)\n",
		summary.GeneratedAtUtc.Format("2006-01-02"))
	fmt.Fprintf(&b, "new regressions: %d · auto-resolved: %d · still active: %d\n",
		summary.NewRegressions, summary.AutoResolved, summary.ActiveRegressions)
	if len(summary.TopHotspots) > 0 {
		b.WriteString("top hotspots:\n")
		for _, h := range summary.TopHotspots {
			fmt.Fprintf(&b, "  %d. `%s/%s` %.1f%% of %s\n",
				h.Rank, h.InstanceName, h.DatabaseName, h.PercentOfTotal, h.RankedBy)
		}
	}
	if len(summary.CollectionFailures) > 0 {
		b.WriteString("collection failures:\n")
		for inst, n := range summary.CollectionFailures {
			fmt.Fprintf(&b, "  `%s`: %d\n", inst, n)
		}
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(b.String(), false))
	if err != nil {
		return fmt.Errorf("post daily summary: %w", err)
	}
	return nil
}

func (s *SlackChannel) TestConnection(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	return nil
}

func hashText(h *model.QueryHash) string {
	if h == nil {
		return "unknown"
	}
	return h.String()
}
