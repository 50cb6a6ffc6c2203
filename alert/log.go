package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

// LogChannel writes alerts to the process log. Always available; serves
// as the floor when no external channel is configured.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel builds a log channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alertlog")}
}

func (l *LogChannel) Name() string  { return "log" }
func (l *LogChannel) Enabled() bool { return true }

func (l *LogChannel) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error {
	for _, ev := range events {
		l.logger.Warn("regression alert",
			zap.String("instance", ev.InstanceName),
			zap.String("database", ev.DatabaseName),
			zap.String("fingerprint", ev.FingerprintID.String()),
			zap.String("metric", ev.Metric.String()),
			zap.String("severity", ev.Severity.String()),
			zap.Float64("changePercent", ev.ChangePercent),
			zap.String("description", ev.Description))
	}
	return nil
}

func (l *LogChannel) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error {
	for _, h := range hotspots {
		l.logger.Info("hotspot",
			zap.Int("rank", h.Rank),
			zap.String("instance", h.InstanceName),
			zap.String("database", h.DatabaseName),
			zap.String("fingerprint", h.FingerprintID.String()),
			zap.String("rankedBy", h.RankedBy.String()),
			zap.Float64("percentOfTotal", h.PercentOfTotal))
	}
	return nil
}

func (l *LogChannel) SendDailySummary(ctx context.Context, summary DailySummary) error {
	l.logger.Info("daily summary",
		zap.Int("newRegressions", summary.NewRegressions),
		zap.Int("autoResolved", summary.AutoResolved),
		zap.Int("activeRegressions", summary.ActiveRegressions),
		zap.Int("topHotspots", len(summary.TopHotspots)))
	return nil
}

func (l *LogChannel) TestConnection(ctx context.Context) error { return nil }
