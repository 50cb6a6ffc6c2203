package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/querywatch/querywatch/metrics"
	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// autoResolveSlackPercent is how close to baseline the current P95
// duration must be for an active regression to auto-resolve. Looser
// than the detection threshold to avoid flapping.
const autoResolveSlackPercent = 20.0

// AlertSink receives newly detected events. Implemented by the alert
// orchestrator; failures inside the sink never propagate here.
type AlertSink interface {
	SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent)
	SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot)
}

// AnalysisOptions bound one analysis pass.
type AnalysisOptions struct {
	RecentWindow  time.Duration
	HotspotWindow time.Duration
	Regression    RegressionRules
	Hotspot       HotspotRules
}

// AnalysisTarget is one (instance, databases) pair to analyze.
type AnalysisTarget struct {
	Instance  string
	Databases []string
}

// DatabaseAnalysisResult reports one database's analysis pass.
type DatabaseAnalysisResult struct {
	Instance         string
	Database         string
	FingerprintsSeen int
	NewRegressions   []model.RegressionEvent
	Hotspots         []model.Hotspot
	Err              error
}

// Analyzer drives regression and hotspot detection over the store.
type Analyzer struct {
	store  store.Store
	opts   AnalysisOptions
	sink   AlertSink
	logger *zap.Logger
}

// NewAnalyzer builds an Analyzer. sink may be nil (detection without
// alerting, used by tests and the check command).
func NewAnalyzer(st store.Store, opts AnalysisOptions, sink AlertSink, logger *zap.Logger) *Analyzer {
	return &Analyzer{store: st, opts: opts, sink: sink, logger: logger.Named("analysis")}
}

// Run analyzes every target database. One database failing never
// aborts the run; its error is captured in its result.
func (a *Analyzer) Run(ctx context.Context, targets []AnalysisTarget) []DatabaseAnalysisResult {
	var results []DatabaseAnalysisResult
	for _, t := range targets {
		for _, db := range t.Databases {
			if ctx.Err() != nil {
				return results
			}
			res := a.analyzeDatabase(ctx, t.Instance, db)
			if res.Err != nil {
				a.logger.Warn("database analysis failed",
					zap.String("instance", t.Instance),
					zap.String("database", db),
					zap.Error(res.Err))
			}
			results = append(results, res)
		}
	}
	return results
}

func (a *Analyzer) analyzeDatabase(ctx context.Context, instance, database string) DatabaseAnalysisResult {
	res := DatabaseAnalysisResult{Instance: instance, Database: database}
	now := time.Now().UTC()

	fps, err := a.store.GetByDatabase(ctx, instance, database)
	if err != nil {
		res.Err = fmt.Errorf("list fingerprints: %w", err)
		return res
	}
	res.FingerprintsSeen = len(fps)

	for _, fp := range fps {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		baseline, err := a.store.GetActiveBaseline(ctx, fp.ID)
		if err != nil {
			res.Err = fmt.Errorf("load baseline: %w", err)
			return res
		}
		if baseline == nil {
			continue
		}
		current, err := a.store.Aggregate(ctx, fp.ID, now.Add(-a.opts.RecentWindow), now)
		if err != nil {
			res.Err = fmt.Errorf("aggregate recent window: %w", err)
			return res
		}
		ev := DetectRegression(baseline, current, a.opts.Regression)
		if ev == nil {
			continue
		}
		active, err := a.store.GetActiveRegressionByFingerprint(ctx, fp.ID)
		if err != nil {
			res.Err = fmt.Errorf("check active regression: %w", err)
			return res
		}
		if active != nil {
			continue // one active regression per fingerprint
		}
		if err := a.store.SaveRegression(ctx, *ev); err != nil {
			res.Err = fmt.Errorf("save regression: %w", err)
			return res
		}
		metrics.RegressionsDetected.WithLabelValues(ev.Severity.String()).Inc()
		a.logger.Info("regression detected",
			zap.String("fingerprint", fp.ID.String()),
			zap.String("database", database),
			zap.String("metric", ev.Metric.String()),
			zap.Float64("changePercent", ev.ChangePercent),
			zap.String("severity", ev.Severity.String()))
		res.NewRegressions = append(res.NewRegressions, *ev)
	}

	hotspots, err := a.detectHotspots(ctx, instance, database, now)
	if err != nil {
		res.Err = err
		return res
	}
	res.Hotspots = hotspots

	if a.sink != nil && len(res.NewRegressions) > 0 {
		a.sink.SendRegressionAlerts(ctx, res.NewRegressions)
	}
	return res
}

func (a *Analyzer) detectHotspots(ctx context.Context, instance, database string, now time.Time) ([]model.Hotspot, error) {
	from := now.Add(-a.opts.HotspotWindow)
	latest, err := a.store.GetLatestPerFingerprint(ctx, instance, database, from, now, a.opts.Hotspot.RankBy, a.opts.Hotspot.TopN*4)
	if err != nil {
		return nil, fmt.Errorf("latest samples for hotspots: %w", err)
	}
	inputs := make([]HotspotInput, 0, len(latest))
	for _, s := range latest {
		active, err := a.store.GetActiveRegressionByFingerprint(ctx, s.FingerprintID)
		if err != nil {
			return nil, fmt.Errorf("active regression for hotspot: %w", err)
		}
		inputs = append(inputs, HotspotInput{Sample: s, HasActiveRegression: active != nil})
	}
	return DetectHotspots(inputs, a.opts.Hotspot, from, now)
}

// CheckAutoResolutions scans active regressions and auto-resolves those
// whose current P95 duration has come back within the slack of the
// baseline. The recent window is re-aggregated client-side with
// AggregateSamples so resolution uses the same order statistics on
// every store.
func (a *Analyzer) CheckAutoResolutions(ctx context.Context) (resolved int, err error) {
	active, err := a.store.GetActiveRegressions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active regressions: %w", err)
	}
	now := time.Now().UTC()
	for _, ev := range active {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		baseline, berr := a.store.GetActiveBaseline(ctx, ev.FingerprintID)
		if berr != nil || baseline == nil {
			continue
		}
		samples, serr := a.store.GetForFingerprint(ctx, ev.FingerprintID, now.Add(-a.opts.RecentWindow), now)
		if serr != nil {
			continue
		}
		current := AggregateSamples(samples)
		if current == nil {
			continue
		}
		if baseline.P95DurationUs == 0 {
			continue
		}
		deviation := percentIncrease(baseline.P95DurationUs, current.P95DurationUs)
		if deviation > autoResolveSlackPercent {
			continue
		}
		ev.Status = model.StatusAutoResolved
		ev.Description += fmt.Sprintf("; auto-resolved %s (p95 within %.0f%% of baseline)",
			now.Format(time.RFC3339), autoResolveSlackPercent)
		if uerr := a.store.UpdateRegression(ctx, ev); uerr != nil {
			a.logger.Warn("auto-resolve update failed",
				zap.String("regression", ev.ID.String()), zap.Error(uerr))
			continue
		}
		metrics.RegressionsAutoResolved.Inc()
		resolved++
	}
	if resolved > 0 {
		a.logger.Info("regressions auto-resolved", zap.Int("count", resolved))
	}
	return resolved, nil
}
