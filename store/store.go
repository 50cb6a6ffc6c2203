// Package store persists fingerprints, samples, snapshots, baselines,
// regressions, and the remediation audit trail.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

// Lookup methods return a nil pointer (and nil error) when no row
// matches; absence is not an error.

// FingerprintRepo resolves and tracks query fingerprints.
type FingerprintRepo interface {
	// GetOrCreate resolves (hash, database) to a fingerprint id,
	// creating the row on first sighting and bumping LastSeenUtc on
	// every subsequent one.
	GetOrCreate(ctx context.Context, instance, database string, fp model.FingerprintResult) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Fingerprint, error)
	GetByDatabase(ctx context.Context, instance, database string) ([]model.Fingerprint, error)
	UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error
}

// SampleRepo stores per-interval delta samples.
type SampleRepo interface {
	SaveBatch(ctx context.Context, instance string, samples []model.MetricSample) error
	GetForFingerprint(ctx context.Context, id uuid.UUID, from, to time.Time) ([]model.MetricSample, error)
	// GetLatestPerFingerprint returns the newest sample of each
	// fingerprint in the window, ordered by orderBy descending and
	// capped at topN rows.
	GetLatestPerFingerprint(ctx context.Context, instance, database string, from, to time.Time, orderBy model.RankingMetric, topN int) ([]model.MetricSample, error)
	Aggregate(ctx context.Context, id uuid.UUID, from, to time.Time) (*model.AggregatedMetrics, error)
	PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotRepo stores last-seen cumulative counters per plan.
type SnapshotRepo interface {
	GetLastSnapshot(ctx context.Context, instance, database string, fpID uuid.UUID, planHash *model.QueryHash) (*model.CumulativeSnapshot, error)
	UpsertSnapshot(ctx context.Context, snap model.CumulativeSnapshot) error
	PurgeStaleSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
}

// BaselineRepo stores statistical baselines. SupersedeActiveBaseline
// followed by SaveBaseline must be atomic with respect to readers of
// the active baseline.
type BaselineRepo interface {
	GetActiveBaseline(ctx context.Context, fpID uuid.UUID) (*model.Baseline, error)
	SaveBaseline(ctx context.Context, b model.Baseline) error
	SupersedeActiveBaseline(ctx context.Context, fpID uuid.UUID) error
}

// RegressionRepo stores regression events.
type RegressionRepo interface {
	SaveRegression(ctx context.Context, ev model.RegressionEvent) error
	UpdateRegression(ctx context.Context, ev model.RegressionEvent) error
	GetActiveRegressionByFingerprint(ctx context.Context, fpID uuid.UUID) (*model.RegressionEvent, error)
	GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error)
	GetRecentRegressions(ctx context.Context, since time.Time) ([]model.RegressionEvent, error)
	PurgeRegressionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditSummary aggregates remediation audit rows over a range.
type AuditSummary struct {
	From        time.Time
	To          time.Time
	Total       int
	Applied     int
	DryRuns     int
	Failures    int
	ByType      map[string]int
	ByInitiator map[string]int
}

// AuditRepo is the append-only remediation audit trail.
type AuditRepo interface {
	SaveAudit(ctx context.Context, rec model.RemediationAudit) error
	GetRecentAudits(ctx context.Context, instance string, within time.Duration) ([]model.RemediationAudit, error)
	// CountRecentApplied counts successful non-dry-run records for an
	// instance within the window. Used by the remediation rate limit.
	CountRecentApplied(ctx context.Context, instance string, within time.Duration) (int, error)
	GetAuditSummary(ctx context.Context, from, to time.Time) (*AuditSummary, error)
}

// Store bundles every repository the monitor persists through.
type Store interface {
	FingerprintRepo
	SampleRepo
	SnapshotRepo
	BaselineRepo
	RegressionRepo
	AuditRepo

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
