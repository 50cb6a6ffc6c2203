package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// recordingSink captures alert fan-out calls.
type recordingSink struct {
	regressions [][]model.RegressionEvent
}

func (s *recordingSink) SendRegressionAlerts(_ context.Context, events []model.RegressionEvent) {
	s.regressions = append(s.regressions, events)
}
func (s *recordingSink) SendHotspotSummary(context.Context, []model.Hotspot) {}

func analysisOpts() AnalysisOptions {
	return AnalysisOptions{
		RecentWindow:  time.Hour,
		HotspotWindow: time.Hour,
		Regression: RegressionRules{
			DurationIncreaseThresholdPercent:     50,
			CPUIncreaseThresholdPercent:          50,
			LogicalReadsIncreaseThresholdPercent: 100,
			MinimumExecutions:                    5,
			MinimumBaselineSamples:               3,
		},
		Hotspot: HotspotRules{RankBy: model.RankByTotalCPU, TopN: 10},
	}
}

// seedRegressedQuery plants a fingerprint with a calm baseline and a
// recent window that doubled in duration.
func seedRegressedQuery(t *testing.T, st *store.MemoryStore) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	fpID := seedFingerprint(t, st, "SELECT a FROM orders WHERE id = 1")

	require.NoError(t, st.SaveBaseline(ctx, model.Baseline{
		ID:            uuid.New(),
		FingerprintID: fpID,
		InstanceName:  "inst",
		DatabaseName:  "db",
		SampleCount:   10,
		P95DurationUs: 1000,
		IsActive:      true,
	}))

	now := time.Now().UTC()
	var samples []model.MetricSample
	for i := 0; i < 5; i++ {
		samples = append(samples, model.MetricSample{
			FingerprintID:   fpID,
			InstanceName:    "inst",
			DatabaseName:    "db",
			SampledAtUtc:    now.Add(-time.Duration(i+1) * 5 * time.Minute),
			ExecutionCount:  20,
			AvgDurationUs:   1800,
			MaxDurationUs:   2000,
			MaxCPUUs:        100,
			TotalCPUUs:      2000,
			TotalDurationUs: 36000,
		})
	}
	require.NoError(t, st.SaveBatch(ctx, "inst", samples))
	return fpID
}

func TestAnalyzerDetectsAndPersistsRegression(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fpID := seedRegressedQuery(t, st)
	sink := &recordingSink{}
	a := NewAnalyzer(st, analysisOpts(), sink, zap.NewNop())

	results := a.Run(ctx, []AnalysisTarget{{Instance: "inst", Databases: []string{"db"}}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].NewRegressions, 1)

	ev := results[0].NewRegressions[0]
	assert.Equal(t, fpID, ev.FingerprintID)
	assert.Equal(t, model.MetricP95Duration, ev.Metric)
	assert.Equal(t, model.StatusNew, ev.Status)

	stored, err := st.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.Len(t, sink.regressions, 1, "new regressions reach the sink")

	// A second pass must not open a duplicate while one is active.
	results = a.Run(ctx, []AnalysisTarget{{Instance: "inst", Databases: []string{"db"}}})
	require.Len(t, results, 1)
	assert.Empty(t, results[0].NewRegressions)
	assert.Len(t, sink.regressions, 1)
}

func TestAnalyzerSkipsFingerprintsWithoutBaseline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFingerprint(t, st, "SELECT b FROM t WHERE id = 2")
	a := NewAnalyzer(st, analysisOpts(), nil, zap.NewNop())

	results := a.Run(ctx, []AnalysisTarget{{Instance: "inst", Databases: []string{"db"}}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Empty(t, results[0].NewRegressions)
	assert.Equal(t, 1, results[0].FingerprintsSeen)
}

func TestCheckAutoResolutions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fpID := seedFingerprint(t, st, "SELECT a FROM orders WHERE id = 1")

	require.NoError(t, st.SaveBaseline(ctx, model.Baseline{
		ID:            uuid.New(),
		FingerprintID: fpID,
		SampleCount:   10,
		P95DurationUs: 1000,
		IsActive:      true,
	}))
	reg := model.RegressionEvent{
		ID:            uuid.New(),
		FingerprintID: fpID,
		DetectedAtUtc: time.Now().UTC().Add(-2 * time.Hour),
		Status:        model.StatusNew,
		Description:   "P95Duration increased 100.0% over baseline (1000 -> 2000)",
	}
	require.NoError(t, st.SaveRegression(ctx, reg))

	a := NewAnalyzer(st, analysisOpts(), nil, zap.NewNop())

	// Still slow: current p95 100 % above baseline stays active.
	seedSamples(t, st, fpID, 3, 1000) // MaxDurationUs = 2000 per sample helper
	resolved, err := a.CheckAutoResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	// Recovered: fresh window back at baseline resolves it.
	st2 := store.NewMemoryStore()
	fpID2 := seedFingerprint(t, st2, "SELECT a FROM orders WHERE id = 1")
	require.NoError(t, st2.SaveBaseline(ctx, model.Baseline{
		ID: uuid.New(), FingerprintID: fpID2, SampleCount: 10,
		P95DurationUs: 2000, IsActive: true,
	}))
	reg2 := reg
	reg2.ID = uuid.New()
	reg2.FingerprintID = fpID2
	require.NoError(t, st2.SaveRegression(ctx, reg2))
	seedSamples(t, st2, fpID2, 3, 1000)

	a2 := NewAnalyzer(st2, analysisOpts(), nil, zap.NewNop())
	resolved, err = a2.CheckAutoResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	active, err := st2.GetActiveRegressionByFingerprint(ctx, fpID2)
	require.NoError(t, err)
	assert.Nil(t, active)

	all, err := st2.GetRecentRegressions(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusAutoResolved, all[0].Status)
	assert.True(t, strings.Contains(all[0].Description, "auto-resolved"))
}

func TestCheckAutoResolutionsUsesOrderStatisticP95(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fpID := seedFingerprint(t, st, "SELECT a FROM orders WHERE id = 1")

	require.NoError(t, st.SaveBaseline(ctx, model.Baseline{
		ID: uuid.New(), FingerprintID: fpID, SampleCount: 10,
		P95DurationUs: 2400, IsActive: true,
	}))
	require.NoError(t, st.SaveRegression(ctx, model.RegressionEvent{
		ID:            uuid.New(),
		FingerprintID: fpID,
		DetectedAtUtc: time.Now().UTC().Add(-2 * time.Hour),
		Status:        model.StatusNew,
	}))

	// One slow outlier among the per-sample maxima pins the 95th order
	// statistic at 3000, 25 % over the 2400 baseline.
	now := time.Now().UTC()
	var samples []model.MetricSample
	for i, max := range []int64{1000, 1000, 3000} {
		samples = append(samples, model.MetricSample{
			FingerprintID:  fpID,
			SampledAtUtc:   now.Add(-time.Duration(i+1) * time.Minute),
			ExecutionCount: 10,
			MaxDurationUs:  max,
		})
	}
	require.NoError(t, st.SaveBatch(ctx, "inst", samples))

	a := NewAnalyzer(st, analysisOpts(), nil, zap.NewNop())
	resolved, err := a.CheckAutoResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	active, err := st.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestCheckAutoResolutionsSkipsWithoutData(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fpID := seedFingerprint(t, st, "SELECT a FROM t WHERE id = 1")
	require.NoError(t, st.SaveRegression(ctx, model.RegressionEvent{
		ID:            uuid.New(),
		FingerprintID: fpID,
		DetectedAtUtc: time.Now().UTC(),
		Status:        model.StatusNew,
	}))

	a := NewAnalyzer(st, analysisOpts(), nil, zap.NewNop())

	// No baseline and no samples: the regression stays put.
	resolved, err := a.CheckAutoResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	active, err := st.GetActiveRegressionByFingerprint(ctx, fpID)
	require.NoError(t, err)
	assert.NotNil(t, active)
}
