package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryCounters are the cumulative execution counters SQL Server exposes
// per cached plan. All times are microseconds. Counters only decrease
// when the owning plan is evicted and re-cached.
type QueryCounters struct {
	ExecutionCount     int64
	TotalCPUUs         int64
	TotalDurationUs    int64
	MinDurationUs      int64
	MaxDurationUs      int64
	MinCPUUs           int64
	MaxCPUUs           int64
	TotalLogicalReads  int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	// Memory grant stats are only populated on newer servers.
	TotalGrantKB int64
	MaxGrantKB   int64
}

// CumulativeSnapshot remembers the last-seen counters for one
// (instance, database, fingerprint, plan) so the next cycle can delta
// against them.
type CumulativeSnapshot struct {
	InstanceName    string
	DatabaseName    string
	FingerprintID   uuid.UUID
	PlanHash        *QueryHash
	Counters        QueryCounters
	SnapshotTimeUtc time.Time
}

// MetricSample is one per-interval delta record. Immutable once written.
type MetricSample struct {
	FingerprintID      uuid.UUID
	InstanceName       string
	DatabaseName       string
	SampledAtUtc       time.Time
	PlanHash           *QueryHash
	QueryStoreID       *int64
	PlanStoreID        *int64
	ExecutionCount     int64
	TotalCPUUs         int64
	AvgCPUUs           float64
	TotalDurationUs    int64
	AvgDurationUs      float64
	MinDurationUs      int64
	MaxDurationUs      int64
	MinCPUUs           int64
	MaxCPUUs           int64
	TotalLogicalReads  int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	AvgGrantKB         float64
	MaxGrantKB         int64
	// WasReset marks samples produced in counter-reset mode, where the
	// deltas are the current absolute values rather than differences.
	WasReset bool
}

// AggregatedMetrics is a windowed aggregation over MetricSamples for one
// fingerprint, as produced by the store.
type AggregatedMetrics struct {
	FingerprintID   uuid.UUID
	WindowStartUtc  time.Time
	WindowEndUtc    time.Time
	SampleCount     int
	TotalExecutions int64
	AvgDurationUs   float64
	// P50DurationUs is 0 when the store could not compute a true median
	// (no samples in the window); callers fall back to AvgDurationUs.
	P50DurationUs    float64
	P95DurationUs    float64
	P99DurationUs    float64
	StdDevDurationUs float64
	AvgCPUUs         float64
	P95CPUUs         float64
	AvgLogicalReads  float64
	MaxLogicalReads  int64
	DominantPlanHash *QueryHash
}
