package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/fingerprint"
	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

func seedFingerprint(t *testing.T, st *store.MemoryStore, sql string) uuid.UUID {
	t.Helper()
	fp, err := fingerprint.Fingerprint(sql)
	require.NoError(t, err)
	id, err := st.GetOrCreate(context.Background(), "inst", "db", fp)
	require.NoError(t, err)
	return id
}

func seedSamples(t *testing.T, st *store.MemoryStore, fpID uuid.UUID, n int, avgDurUs float64) {
	t.Helper()
	now := time.Now().UTC()
	samples := make([]model.MetricSample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, model.MetricSample{
			FingerprintID:   fpID,
			InstanceName:    "inst",
			DatabaseName:    "db",
			SampledAtUtc:    now.Add(-time.Duration(n-i) * time.Hour),
			ExecutionCount:  100,
			AvgDurationUs:   avgDurUs,
			MaxDurationUs:   int64(avgDurUs * 2),
			MaxCPUUs:        int64(avgDurUs),
			TotalCPUUs:      int64(avgDurUs) * 100,
			TotalDurationUs: int64(avgDurUs) * 100,
		})
	}
	require.NoError(t, st.SaveBatch(context.Background(), "inst", samples))
}

func TestBaselineComputeBelowFloor(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewBaselineEngine(st, 3, zap.NewNop())
	fpID := seedFingerprint(t, st, "SELECT a FROM t WHERE id = 1")
	seedSamples(t, st, fpID, 2, 1000)

	b, err := eng.Compute(context.Background(), fpID, 7)
	require.NoError(t, err)
	require.Nil(t, b, "two samples against a floor of three must not baseline")

	active, err := st.GetActiveBaseline(context.Background(), fpID)
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestBaselineComputeAndSupersede(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := NewBaselineEngine(st, 3, zap.NewNop())
	fpID := seedFingerprint(t, st, "SELECT a FROM t WHERE id = 1")
	seedSamples(t, st, fpID, 10, 1000)

	first, err := eng.Compute(ctx, fpID, 7)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.True(t, first.IsActive)
	require.Equal(t, 10, first.SampleCount)
	require.Equal(t, int64(1000), first.TotalExecutions)
	require.Equal(t, "inst", first.InstanceName)
	require.Equal(t, "db", first.DatabaseName)
	// Identical samples: every percentile collapses onto the max.
	require.Equal(t, 2000.0, first.P95DurationUs)
	require.Equal(t, 1000.0, first.MedianDurationUs)

	second, err := eng.Compute(ctx, fpID, 7)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.ID, second.ID)

	active, err := st.GetActiveBaseline(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, second.ID, active.ID, "only the newest baseline stays active")
}

func TestBaselineComputeUnknownFingerprint(t *testing.T) {
	st := store.NewMemoryStore()
	eng := NewBaselineEngine(st, 1, zap.NewNop())

	orphan := uuid.New()
	seedSamples(t, st, orphan, 5, 1000)

	_, err := eng.Compute(context.Background(), orphan, 7)
	require.Error(t, err)
}

func TestBaselineNeedsRefresh(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := NewBaselineEngine(st, 3, zap.NewNop())
	fpID := seedFingerprint(t, st, "SELECT a FROM t WHERE id = 1")

	stale, err := eng.NeedsRefresh(ctx, fpID, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, stale, "no baseline means refresh")

	seedSamples(t, st, fpID, 5, 1000)
	_, err = eng.Compute(ctx, fpID, 7)
	require.NoError(t, err)

	stale, err = eng.NeedsRefresh(ctx, fpID, 24*time.Hour)
	require.NoError(t, err)
	require.False(t, stale)

	stale, err = eng.NeedsRefresh(ctx, fpID, 0)
	require.NoError(t, err)
	require.True(t, stale, "zero max age forces refresh")
}

func TestBaselineRebuildDatabase(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eng := NewBaselineEngine(st, 3, zap.NewNop())

	a := seedFingerprint(t, st, "SELECT a FROM t1 WHERE id = 1")
	b := seedFingerprint(t, st, "SELECT b FROM t2 WHERE id = 1")
	seedSamples(t, st, a, 5, 1000)
	seedSamples(t, st, b, 1, 1000) // too thin, Compute yields nil without error

	rebuilt, failed, err := eng.RebuildDatabase(ctx, "inst", "db", 7, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, rebuilt)
	require.Equal(t, 0, failed)

	activeA, err := st.GetActiveBaseline(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, activeA)
	activeB, err := st.GetActiveBaseline(ctx, b)
	require.NoError(t, err)
	require.Nil(t, activeB)
}
