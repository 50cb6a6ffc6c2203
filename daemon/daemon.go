// Package daemon assembles the monitor: store, providers, detectors,
// alerting, and the job schedule.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/querywatch/querywatch/alert"
	"github.com/querywatch/querywatch/collector"
	"github.com/querywatch/querywatch/config"
	"github.com/querywatch/querywatch/engine"
	"github.com/querywatch/querywatch/metrics"
	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/remediation"
	"github.com/querywatch/querywatch/sched"
	"github.com/querywatch/querywatch/store"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon is the assembled long-running monitor.
type Daemon struct {
	cfg    config.Config
	flags  *config.FlagStore
	logger *zap.Logger

	store     store.Store
	providers []*collector.BreakerProvider
	collector *collector.Collector
	analyzer  *engine.Analyzer
	baselines *engine.BaselineEngine
	guard     *remediation.Guard
	advisor   *remediation.Advisor
	alerts    *alert.Orchestrator
	sched     *sched.Scheduler

	analysisTargets []engine.AnalysisTarget

	mu                 sync.Mutex
	collectionFailures map[string]int
	lastHotspots       []model.Hotspot
}

// New wires the daemon from configuration. An unreachable monitoring
// store is fatal; an unreachable monitored instance is skipped with a
// warning and retried only on restart.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Daemon, error) {
	flags := config.NewFlagStore(cfg)

	st, err := store.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("monitoring store: %w", err)
	}

	d := &Daemon{
		cfg:                cfg,
		flags:              flags,
		logger:             logger.Named("daemon"),
		store:              st,
		collectionFailures: make(map[string]int),
	}

	orderBy, err := model.ParseRankingMetric(cfg.Analysis.HotspotRules.RankBy)
	if err != nil {
		orderBy = model.RankByTotalCPU
	}

	var targets []collector.Target
	for _, inst := range cfg.Instances {
		if !inst.Enabled {
			continue
		}
		p, perr := collector.NewMSSQLProvider(ctx, inst.Name, inst.DSN, logger)
		if perr != nil {
			d.logger.Warn("instance unreachable, skipping",
				zap.String("instance", inst.Name), zap.Error(perr))
			continue
		}
		bp := collector.NewBreakerProvider(p, logger)
		d.providers = append(d.providers, bp)
		targets = append(targets, collector.Target{Provider: bp, Databases: inst.Databases})
		d.analysisTargets = append(d.analysisTargets, engine.AnalysisTarget{
			Instance:  inst.Name,
			Databases: inst.Databases,
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no reachable instances among %d configured", len(cfg.Instances))
	}

	d.collector, err = collector.New(st, targets, collector.Options{
		TopN:                   cfg.PlanCollection.TopN,
		Lookback:               cfg.PlanCollection.LookbackWindow.Std(),
		MinimumExecutionCount:  cfg.PlanCollection.MinimumExecutionCount,
		MaxInstanceParallelism: cfg.PlanCollection.MaxInstanceParallelism,
		MaxDatabaseParallelism: cfg.PlanCollection.MaxDatabaseParallelism,
		OrderBy:                orderBy,
	}, logger)
	if err != nil {
		return nil, err
	}

	channels := []alert.Channel{
		alert.NewLogChannel(logger),
		alert.NewSlackChannel(cfg.Alerting.Slack.Token, cfg.Alerting.Slack.Channel, cfg.Alerting.Slack.Enabled),
		alert.NewWebhookChannel(cfg.Alerting.Webhook.URL, cfg.Alerting.Webhook.Enabled),
	}
	d.alerts = alert.New(channels, alert.Options{
		Enabled:         cfg.Alerting.Enabled && flags.Enabled("alerting"),
		MinimumSeverity: cfg.Alerting.MinimumSeverity,
		CooldownPeriod:  cfg.Alerting.CooldownPeriod.Std(),
	}, logger)

	rr := cfg.Analysis.RegressionRules
	hr := cfg.Analysis.HotspotRules
	d.analyzer = engine.NewAnalyzer(st, engine.AnalysisOptions{
		RecentWindow:  cfg.Analysis.RecentWindow.Std(),
		HotspotWindow: cfg.Analysis.HotspotWindow.Std(),
		Regression: engine.RegressionRules{
			DurationIncreaseThresholdPercent:     rr.DurationIncreaseThresholdPercent,
			CPUIncreaseThresholdPercent:          rr.CPUIncreaseThresholdPercent,
			LogicalReadsIncreaseThresholdPercent: rr.LogicalReadsIncreaseThresholdPercent,
			MinimumExecutions:                    rr.MinimumExecutions,
			MinimumBaselineSamples:               rr.MinimumBaselineSamples,
			RequireMultipleMetrics:               rr.RequireMultipleMetrics,
		},
		Hotspot: engine.HotspotRules{
			MinTotalCPUMs:                 hr.MinTotalCPUMs,
			MinTotalDurationMs:            hr.MinTotalDurationMs,
			MinExecutionCount:             hr.MinExecutionCount,
			MinAvgDurationMs:              hr.MinAvgDurationMs,
			IncludeQueriesWithRegressions: hr.IncludeQueriesWithRegressions,
			RankBy:                        orderBy,
			TopN:                          hr.TopN,
		},
	}, d.alerts, logger)

	d.baselines = engine.NewBaselineEngine(st, rr.MinimumBaselineSamples, logger)
	d.guard = remediation.NewGuard(flags.Security, st, logger)
	d.advisor = remediation.NewAdvisor(st, Version, logger)
	d.sched = sched.New(flags, sched.Options{
		FailureBackoff:         cfg.Scheduling.FailureBackoff.Std(),
		MaxFailureBackoff:      cfg.Scheduling.MaxFailureBackoff.Std(),
		MaxConsecutiveFailures: cfg.Scheduling.MaxConsecutiveFailures,
	}, logger)
	return d, nil
}

// Run starts every job and blocks until ctx is cancelled and the jobs
// have unwound (or the grace period expires).
func (d *Daemon) Run(ctx context.Context) error {
	sc := d.cfg.Scheduling

	if d.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, d.cfg.Metrics.Addr, d.logger); err != nil {
				d.logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	d.sched.Periodic(ctx, "collection", "plancollection",
		sc.CollectionStartupDelay.Std(), d.cfg.PlanCollection.Interval.Std(), d.runCollection)

	d.sched.Periodic(ctx, "analysis", "analysis",
		sc.AnalysisStartupDelay.Std(), d.cfg.Analysis.AnalysisInterval.Std(), d.runAnalysis)

	d.sched.Periodic(ctx, "autoresolve", "analysis",
		sc.AnalysisStartupDelay.Std(), d.cfg.Analysis.AutoResolutionCheckInterval.Std(),
		func(ctx context.Context) error {
			_, err := d.analyzer.CheckAutoResolutions(ctx)
			return err
		})

	rebuildAt, _ := config.ParseTimeOfDay(sc.BaselineRebuildTimeOfDay)
	d.sched.DailyAt(ctx, "baseline-rebuild", "baselinerebuild", rebuildAt, d.runBaselineRebuild)

	summaryAt, _ := config.ParseTimeOfDay(sc.DailySummaryTimeOfDay)
	if d.cfg.Alerting.SendDailySummary {
		d.sched.DailyAt(ctx, "daily-summary", "dailysummary", summaryAt, d.runDailySummary)
	}

	d.logger.Info("querywatch started",
		zap.String("version", Version),
		zap.Int("instances", len(d.providers)))

	<-ctx.Done()
	d.logger.Info("shutting down")
	ok := d.sched.Wait(sc.ShutdownGracePeriod.Std())
	for _, p := range d.providers {
		_ = p.Close()
	}
	if !ok {
		return fmt.Errorf("shutdown grace period expired")
	}
	return nil
}

func (d *Daemon) runCollection(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.PlanCollection.CollectionTimeout.Std())
	defer cancel()
	res := d.collector.RunCycle(cctx)

	d.mu.Lock()
	for key := range res.Errors {
		d.collectionFailures[key]++
	}
	d.mu.Unlock()

	if res.Failed() && res.SamplesSaved == 0 && res.QueriesSeen == 0 {
		return fmt.Errorf("collection produced nothing across %d failed databases", len(res.Errors))
	}
	return nil
}

func (d *Daemon) runAnalysis(ctx context.Context) error {
	results := d.analyzer.Run(ctx, d.analysisTargets)

	var hotspots []model.Hotspot
	var firstErr error
	for _, res := range results {
		hotspots = append(hotspots, res.Hotspots...)
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
		for _, ev := range res.NewRegressions {
			d.adviseOn(ctx, ev)
		}
	}

	d.mu.Lock()
	d.lastHotspots = hotspots
	d.mu.Unlock()
	return firstErr
}

// adviseOn produces suggestions for a fresh regression and records the
// guard's verdict on the leading one. Nothing is ever applied from the
// daemon; the audit trail carries the intent.
func (d *Daemon) adviseOn(ctx context.Context, ev model.RegressionEvent) {
	fp, err := d.store.GetByID(ctx, ev.FingerprintID)
	if err != nil {
		d.logger.Warn("advisor fingerprint load failed", zap.Error(err))
	}
	suggestions, err := d.advisor.Advise(ctx, ev, fp)
	if err != nil {
		d.logger.Warn("advisor failed", zap.Error(err))
		return
	}
	if len(suggestions) == 0 || !d.flags.RemediationAllowed(ev.InstanceName) {
		return
	}
	lead := suggestions[0]
	decision := d.guard.Check(ctx, ev.InstanceName, ev.DatabaseName, lead.Type, lead.Risk)
	if decision.Permitted {
		d.logger.Info("remediation permitted by policy",
			zap.String("suggestion", lead.Title),
			zap.Bool("dryRun", decision.IsDryRun))
	} else {
		d.logger.Info("remediation denied by policy",
			zap.String("suggestion", lead.Title),
			zap.String("reason", decision.Reason))
	}
}

func (d *Daemon) runBaselineRebuild(ctx context.Context) error {
	var rebuilt, failed int
	for _, t := range d.analysisTargets {
		for _, db := range t.Databases {
			r, f, err := d.baselines.RebuildDatabase(ctx, t.Instance, db,
				d.cfg.Analysis.BaselineLookbackDays, d.cfg.Analysis.BaselineMaxAge.Std())
			rebuilt += r
			failed += f
			if err != nil {
				return err
			}
		}
	}
	d.logger.Info("baseline rebuild done", zap.Int("rebuilt", rebuilt), zap.Int("failed", failed))

	// Retention housekeeping rides along with the nightly rebuild.
	now := time.Now().UTC()
	if n, err := d.store.PurgeSamplesOlderThan(ctx, now.Add(-d.cfg.Analysis.SampleRetention.Std())); err == nil && n > 0 {
		d.logger.Info("purged samples", zap.Int64("rows", n))
	}
	if n, err := d.store.PurgeRegressionsOlderThan(ctx, now.Add(-d.cfg.Analysis.RegressionRetention.Std())); err == nil && n > 0 {
		d.logger.Info("purged regressions", zap.Int64("rows", n))
	}
	if n, err := d.collector.PurgeStaleSnapshots(ctx, d.cfg.PlanCollection.SnapshotRetention.Std()); err == nil && n > 0 {
		d.logger.Info("purged snapshots", zap.Int64("rows", n))
	}
	return nil
}

func (d *Daemon) runDailySummary(ctx context.Context) error {
	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)

	recent, err := d.store.GetRecentRegressions(ctx, since)
	if err != nil {
		return fmt.Errorf("load recent regressions: %w", err)
	}
	active, err := d.store.GetActiveRegressions(ctx)
	if err != nil {
		return fmt.Errorf("load active regressions: %w", err)
	}

	summary := alert.DailySummary{
		GeneratedAtUtc:    now,
		WindowStartUtc:    since,
		WindowEndUtc:      now,
		ActiveRegressions: len(active),
	}
	for _, ev := range recent {
		summary.NewRegressions++
		if ev.Status == model.StatusAutoResolved {
			summary.AutoResolved++
		}
	}

	d.mu.Lock()
	hotspots := make([]model.Hotspot, len(d.lastHotspots))
	copy(hotspots, d.lastHotspots)
	summary.CollectionFailures = d.collectionFailures
	d.collectionFailures = make(map[string]int)
	d.mu.Unlock()

	sort.Slice(hotspots, func(i, j int) bool { return hotspots[i].RankingValue > hotspots[j].RankingValue })
	if len(hotspots) > d.cfg.Alerting.MaxHotspotsInSummary {
		hotspots = hotspots[:d.cfg.Alerting.MaxHotspotsInSummary]
	}
	summary.TopHotspots = hotspots

	d.alerts.SendDailySummary(ctx, summary)
	return nil
}

// CheckHealth verifies store reachability, per-instance connectivity
// and Query Store availability, and alert channel health. Used by the
// check command.
func (d *Daemon) CheckHealth(ctx context.Context) map[string]error {
	out := make(map[string]error)
	if err := d.store.Ping(ctx); err != nil {
		out["store"] = err
	}
	for i, t := range d.analysisTargets {
		p := d.providers[i]
		for _, db := range t.Databases {
			enabled, err := p.QueryStoreEnabled(ctx, db)
			key := t.Instance + "/" + db
			if err != nil {
				out[key] = err
				continue
			}
			d.logger.Info("target checked",
				zap.String("target", key),
				zap.Bool("queryStore", enabled))
		}
	}
	for name, err := range d.alerts.TestChannels(ctx) {
		out["channel/"+name] = err
	}
	return out
}
