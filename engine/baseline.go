package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// BaselineEngine computes and supersedes per-fingerprint baselines from
// aggregated sample history.
type BaselineEngine struct {
	store                  store.Store
	minimumBaselineSamples int
	logger                 *zap.Logger
}

// NewBaselineEngine builds a BaselineEngine. minimumBaselineSamples is
// the floor below which no baseline is produced.
func NewBaselineEngine(st store.Store, minimumBaselineSamples int, logger *zap.Logger) *BaselineEngine {
	return &BaselineEngine{
		store:                  st,
		minimumBaselineSamples: minimumBaselineSamples,
		logger:                 logger.Named("baseline"),
	}
}

// Compute aggregates the lookback window and, when enough samples
// exist, supersedes the active baseline with a fresh one. Returns nil
// when the window is too thin to baseline.
func (e *BaselineEngine) Compute(ctx context.Context, fpID uuid.UUID, lookbackDays int) (*model.Baseline, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -lookbackDays)

	agg, err := e.store.Aggregate(ctx, fpID, from, now)
	if err != nil {
		return nil, fmt.Errorf("aggregate for baseline: %w", err)
	}
	if agg == nil || agg.SampleCount < e.minimumBaselineSamples {
		return nil, nil
	}

	fp, err := e.store.GetByID(ctx, fpID)
	if err != nil {
		return nil, fmt.Errorf("load fingerprint: %w", err)
	}
	if fp == nil {
		return nil, fmt.Errorf("baseline for unknown fingerprint %s", fpID)
	}

	// True median when the store provides P50; avg otherwise.
	median := agg.P50DurationUs
	if median == 0 {
		median = agg.AvgDurationUs
	}

	b := model.Baseline{
		ID:               uuid.New(),
		FingerprintID:    fpID,
		InstanceName:     fp.InstanceName,
		DatabaseName:     fp.DatabaseName,
		ComputedAtUtc:    now,
		WindowStartUtc:   from,
		WindowEndUtc:     now,
		SampleCount:      agg.SampleCount,
		TotalExecutions:  agg.TotalExecutions,
		MedianDurationUs: median,
		P95DurationUs:    agg.P95DurationUs,
		P99DurationUs:    agg.P99DurationUs,
		AvgDurationUs:    agg.AvgDurationUs,
		StdDevDurationUs: agg.StdDevDurationUs,
		AvgCPUUs:         agg.AvgCPUUs,
		P95CPUUs:         agg.P95CPUUs,
		AvgLogicalReads:  agg.AvgLogicalReads,
		MaxLogicalReads:  agg.MaxLogicalReads,
		ExpectedPlanHash: agg.DominantPlanHash,
		IsActive:         true,
	}

	if err := e.store.SupersedeActiveBaseline(ctx, fpID); err != nil {
		return nil, fmt.Errorf("supersede baseline: %w", err)
	}
	if err := e.store.SaveBaseline(ctx, b); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}
	e.logger.Debug("baseline computed",
		zap.String("fingerprint", fpID.String()),
		zap.Int("samples", b.SampleCount),
		zap.Float64("p95DurationUs", b.P95DurationUs))
	return &b, nil
}

// NeedsRefresh reports whether the fingerprint has no active baseline
// or its active baseline is older than maxAge.
func (e *BaselineEngine) NeedsRefresh(ctx context.Context, fpID uuid.UUID, maxAge time.Duration) (bool, error) {
	b, err := e.store.GetActiveBaseline(ctx, fpID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return true, nil
	}
	return b.Age(time.Now().UTC()) > maxAge, nil
}

// RebuildDatabase recomputes stale baselines for every fingerprint of a
// database. Per-fingerprint failures are logged and counted, never
// aborting the rebuild.
func (e *BaselineEngine) RebuildDatabase(ctx context.Context, instance, database string, lookbackDays int, maxAge time.Duration) (rebuilt, failed int, err error) {
	fps, err := e.store.GetByDatabase(ctx, instance, database)
	if err != nil {
		return 0, 0, fmt.Errorf("list fingerprints: %w", err)
	}
	for _, fp := range fps {
		if ctx.Err() != nil {
			return rebuilt, failed, ctx.Err()
		}
		stale, rerr := e.NeedsRefresh(ctx, fp.ID, maxAge)
		if rerr != nil {
			failed++
			e.logger.Warn("baseline freshness check failed",
				zap.String("fingerprint", fp.ID.String()), zap.Error(rerr))
			continue
		}
		if !stale {
			continue
		}
		if _, cerr := e.Compute(ctx, fp.ID, lookbackDays); cerr != nil {
			failed++
			e.logger.Warn("baseline rebuild failed",
				zap.String("fingerprint", fp.ID.String()), zap.Error(cerr))
			continue
		}
		rebuilt++
	}
	return rebuilt, failed, nil
}
