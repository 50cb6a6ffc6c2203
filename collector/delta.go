package collector

import (
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

// Delta converts cumulative counters into the per-interval delta
// against the previous snapshot.
//
// prev == nil means first sighting: nothing is emitted and the caller
// just stores the snapshot. A reset is declared when any of execution
// count, total CPU, or total duration is strictly below its previous
// value (plan evicted and re-cached); in reset mode every reported
// counter is the current absolute value. Otherwise all additive deltas
// are non-negative by construction.
//
// Min/max fields are order statistics, not additive counters; the
// current values are carried through unchanged.
func Delta(prev *model.QueryCounters, cur model.QueryCounters) (delta model.QueryCounters, wasReset, emit bool) {
	if prev == nil {
		return model.QueryCounters{}, false, false
	}
	if cur.ExecutionCount < prev.ExecutionCount ||
		cur.TotalCPUUs < prev.TotalCPUUs ||
		cur.TotalDurationUs < prev.TotalDurationUs {
		return cur, true, true
	}
	delta = model.QueryCounters{
		ExecutionCount:     cur.ExecutionCount - prev.ExecutionCount,
		TotalCPUUs:         cur.TotalCPUUs - prev.TotalCPUUs,
		TotalDurationUs:    cur.TotalDurationUs - prev.TotalDurationUs,
		MinDurationUs:      cur.MinDurationUs,
		MaxDurationUs:      cur.MaxDurationUs,
		MinCPUUs:           cur.MinCPUUs,
		MaxCPUUs:           cur.MaxCPUUs,
		TotalLogicalReads:  cur.TotalLogicalReads - prev.TotalLogicalReads,
		TotalLogicalWrites: cur.TotalLogicalWrites - prev.TotalLogicalWrites,
		TotalPhysicalReads: cur.TotalPhysicalReads - prev.TotalPhysicalReads,
		TotalGrantKB:       cur.TotalGrantKB - prev.TotalGrantKB,
		MaxGrantKB:         cur.MaxGrantKB,
	}
	return delta, false, true
}

// BuildSample materializes a MetricSample from a computed delta.
func BuildSample(fpID uuid.UUID, instance, database string, sampledAt time.Time,
	planHash *model.QueryHash, queryStoreID, planStoreID *int64,
	delta model.QueryCounters, wasReset bool) model.MetricSample {

	s := model.MetricSample{
		FingerprintID:      fpID,
		InstanceName:       instance,
		DatabaseName:       database,
		SampledAtUtc:       sampledAt.UTC(),
		PlanHash:           planHash,
		QueryStoreID:       queryStoreID,
		PlanStoreID:        planStoreID,
		ExecutionCount:     delta.ExecutionCount,
		TotalCPUUs:         delta.TotalCPUUs,
		TotalDurationUs:    delta.TotalDurationUs,
		MinDurationUs:      delta.MinDurationUs,
		MaxDurationUs:      delta.MaxDurationUs,
		MinCPUUs:           delta.MinCPUUs,
		MaxCPUUs:           delta.MaxCPUUs,
		TotalLogicalReads:  delta.TotalLogicalReads,
		TotalLogicalWrites: delta.TotalLogicalWrites,
		TotalPhysicalReads: delta.TotalPhysicalReads,
		MaxGrantKB:         delta.MaxGrantKB,
		WasReset:           wasReset,
	}
	if delta.ExecutionCount > 0 {
		s.AvgCPUUs = float64(delta.TotalCPUUs) / float64(delta.ExecutionCount)
		s.AvgDurationUs = float64(delta.TotalDurationUs) / float64(delta.ExecutionCount)
		s.AvgGrantKB = float64(delta.TotalGrantKB) / float64(delta.ExecutionCount)
	}
	return s
}
