package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

func cpuInput(totalCPUMs float64) HotspotInput {
	return HotspotInput{
		Sample: model.MetricSample{
			FingerprintID:   uuid.New(),
			InstanceName:    "inst",
			DatabaseName:    "db",
			ExecutionCount:  100,
			TotalCPUUs:      int64(totalCPUMs * 1000),
			TotalDurationUs: int64(totalCPUMs * 1000),
			AvgDurationUs:   totalCPUMs * 10,
		},
	}
}

func TestDetectHotspotsRankingAndShare(t *testing.T) {
	inputs := []HotspotInput{cpuInput(5000), cpuInput(10000), cpuInput(2000)}
	rules := HotspotRules{RankBy: model.RankByTotalCPU, TopN: 10}
	start := time.Now().Add(-time.Hour)
	end := time.Now()

	got, err := DetectHotspots(inputs, rules, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantCPU := []float64{10000, 5000, 2000}
	wantPct := []float64{58.82, 29.41, 11.76}
	for i, h := range got {
		if h.Rank != i+1 {
			t.Errorf("[%d] rank = %d, want %d", i, h.Rank, i+1)
		}
		if h.TotalCPUMs != wantCPU[i] {
			t.Errorf("[%d] totalCPUMs = %v, want %v", i, h.TotalCPUMs, wantCPU[i])
		}
		if math.Abs(h.PercentOfTotal-wantPct[i]) > 0.01 {
			t.Errorf("[%d] percentOfTotal = %v, want %v", i, h.PercentOfTotal, wantPct[i])
		}
	}
	var sum float64
	for _, h := range got {
		sum += h.PercentOfTotal
	}
	if math.Abs(sum-100) > 0.001 {
		t.Errorf("shares sum to %v, want 100", sum)
	}
}

func TestDetectHotspotsNilVsEmpty(t *testing.T) {
	if _, err := DetectHotspots(nil, HotspotRules{}, time.Now(), time.Now()); !errors.Is(err, ErrNilSamples) {
		t.Errorf("nil input: err = %v, want ErrNilSamples", err)
	}
	got, err := DetectHotspots([]HotspotInput{}, HotspotRules{}, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("empty input should yield empty result, got %d", len(got))
	}
}

func TestDetectHotspotsFilters(t *testing.T) {
	mk := func(cpuMs, durMs, avgMs float64, execs int64) HotspotInput {
		return HotspotInput{Sample: model.MetricSample{
			FingerprintID:   uuid.New(),
			ExecutionCount:  execs,
			TotalCPUUs:      int64(cpuMs * 1000),
			TotalDurationUs: int64(durMs * 1000),
			AvgDurationUs:   avgMs * 1000,
		}}
	}
	rules := HotspotRules{
		MinTotalCPUMs:      100,
		MinTotalDurationMs: 100,
		MinExecutionCount:  10,
		MinAvgDurationMs:   1,
		RankBy:             model.RankByTotalCPU,
	}
	tests := []struct {
		name string
		in   HotspotInput
		keep bool
	}{
		{"passes all", mk(500, 500, 5, 50), true},
		{"cpu too low", mk(50, 500, 5, 50), false},
		{"duration too low", mk(500, 50, 5, 50), false},
		{"too few executions", mk(500, 500, 5, 9), false},
		{"avg too fast", mk(500, 500, 0.5, 50), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectHotspots([]HotspotInput{tt.in}, rules, time.Now(), time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if (len(got) == 1) != tt.keep {
				t.Errorf("kept = %v, want %v", len(got) == 1, tt.keep)
			}
		})
	}
}

func TestDetectHotspotsRegressionExclusion(t *testing.T) {
	regressed := cpuInput(9000)
	regressed.HasActiveRegression = true
	clean := cpuInput(5000)
	inputs := []HotspotInput{regressed, clean}

	rules := HotspotRules{RankBy: model.RankByTotalCPU}
	got, err := DetectHotspots(inputs, rules, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TotalCPUMs != 5000 {
		t.Fatalf("regressed query should be excluded by default: %+v", got)
	}
	if got[0].PercentOfTotal != 100 {
		t.Errorf("share over survivors = %v, want 100", got[0].PercentOfTotal)
	}

	rules.IncludeQueriesWithRegressions = true
	got, err = DetectHotspots(inputs, rules, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].HasActiveRegression {
		t.Fatalf("inclusion flag should keep the regressed query on top: %+v", got)
	}
}

func TestDetectHotspotsTopN(t *testing.T) {
	var inputs []HotspotInput
	for i := 1; i <= 10; i++ {
		inputs = append(inputs, cpuInput(float64(i*1000)))
	}
	got, err := DetectHotspots(inputs, HotspotRules{RankBy: model.RankByTotalCPU, TopN: 3}, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].TotalCPUMs != 10000 || got[2].TotalCPUMs != 8000 {
		t.Errorf("wrong topN cut: %v, %v", got[0].TotalCPUMs, got[2].TotalCPUMs)
	}
	// Shares are computed over the kept set only: 10+9+8.
	if math.Abs(got[0].PercentOfTotal-100*10.0/27.0) > 0.001 {
		t.Errorf("percentOfTotal = %v", got[0].PercentOfTotal)
	}
}

func TestDetectHotspotsRankingMetrics(t *testing.T) {
	a := HotspotInput{Sample: model.MetricSample{
		FingerprintID: uuid.New(), ExecutionCount: 1000,
		TotalCPUUs: 1_000_000, TotalDurationUs: 9_000_000,
		TotalLogicalReads: 50, AvgDurationUs: 9000,
	}}
	b := HotspotInput{Sample: model.MetricSample{
		FingerprintID: uuid.New(), ExecutionCount: 10,
		TotalCPUUs: 2_000_000, TotalDurationUs: 1_000_000,
		TotalLogicalReads: 500_000, AvgDurationUs: 100_000,
	}}
	tests := []struct {
		rankBy model.RankingMetric
		winner uuid.UUID
	}{
		{model.RankByTotalCPU, b.Sample.FingerprintID},
		{model.RankByTotalDuration, a.Sample.FingerprintID},
		{model.RankByTotalLogicalReads, b.Sample.FingerprintID},
		{model.RankByAvgDuration, b.Sample.FingerprintID},
		{model.RankByExecutionCount, a.Sample.FingerprintID},
	}
	for _, tt := range tests {
		t.Run(tt.rankBy.String(), func(t *testing.T) {
			got, err := DetectHotspots([]HotspotInput{a, b}, HotspotRules{RankBy: tt.rankBy}, time.Now(), time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if got[0].FingerprintID != tt.winner {
				t.Errorf("rank 1 fingerprint wrong for %s", tt.rankBy)
			}
		})
	}
}
