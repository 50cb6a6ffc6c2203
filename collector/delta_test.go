package collector

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

func TestDeltaFirstCycleEmitsNothing(t *testing.T) {
	cur := model.QueryCounters{ExecutionCount: 100, TotalCPUUs: 5000, TotalDurationUs: 9000}
	_, wasReset, emit := Delta(nil, cur)
	if emit {
		t.Error("first cycle must not emit a sample")
	}
	if wasReset {
		t.Error("first cycle is not a reset")
	}
}

func TestDeltaNormalCycle(t *testing.T) {
	prev := model.QueryCounters{
		ExecutionCount:    100,
		TotalCPUUs:        5_000_000,
		TotalDurationUs:   9_000_000,
		TotalLogicalReads: 4000,
		MaxDurationUs:     80_000,
	}
	cur := model.QueryCounters{
		ExecutionCount:    150,
		TotalCPUUs:        7_500_000,
		TotalDurationUs:   13_000_000,
		TotalLogicalReads: 6500,
		MaxDurationUs:     95_000,
	}
	delta, wasReset, emit := Delta(&prev, cur)
	if !emit || wasReset {
		t.Fatalf("emit=%v wasReset=%v, want emit without reset", emit, wasReset)
	}
	if delta.ExecutionCount != 50 {
		t.Errorf("ExecutionCount delta = %d, want 50", delta.ExecutionCount)
	}
	if delta.TotalCPUUs != 2_500_000 {
		t.Errorf("TotalCPUUs delta = %d, want 2500000", delta.TotalCPUUs)
	}
	if delta.TotalDurationUs != 4_000_000 {
		t.Errorf("TotalDurationUs delta = %d, want 4000000", delta.TotalDurationUs)
	}
	if delta.TotalLogicalReads != 2500 {
		t.Errorf("TotalLogicalReads delta = %d, want 2500", delta.TotalLogicalReads)
	}
	// Order statistics carry through as-is.
	if delta.MaxDurationUs != 95_000 {
		t.Errorf("MaxDurationUs = %d, want 95000", delta.MaxDurationUs)
	}
}

func TestDeltaCounterReset(t *testing.T) {
	prev := model.QueryCounters{
		ExecutionCount:  1000,
		TotalCPUUs:      50_000_000,
		TotalDurationUs: 100_000_000,
	}
	cur := model.QueryCounters{
		ExecutionCount:  5,
		TotalCPUUs:      200_000,
		TotalDurationUs: 500_000,
	}
	delta, wasReset, emit := Delta(&prev, cur)
	if !emit {
		t.Fatal("reset cycle must emit")
	}
	if !wasReset {
		t.Fatal("reset not detected")
	}
	if delta.ExecutionCount != 5 || delta.TotalCPUUs != 200_000 || delta.TotalDurationUs != 500_000 {
		t.Errorf("reset deltas = %+v, want current absolute values", delta)
	}
}

func TestDeltaResetOnAnyDecreasingCounter(t *testing.T) {
	base := model.QueryCounters{ExecutionCount: 10, TotalCPUUs: 100, TotalDurationUs: 200}
	tests := []struct {
		name string
		cur  model.QueryCounters
		want bool
	}{
		{"executions drop", model.QueryCounters{ExecutionCount: 9, TotalCPUUs: 100, TotalDurationUs: 200}, true},
		{"cpu drops", model.QueryCounters{ExecutionCount: 10, TotalCPUUs: 99, TotalDurationUs: 200}, true},
		{"duration drops", model.QueryCounters{ExecutionCount: 10, TotalCPUUs: 100, TotalDurationUs: 199}, true},
		{"all equal", model.QueryCounters{ExecutionCount: 10, TotalCPUUs: 100, TotalDurationUs: 200}, false},
		{"all grow", model.QueryCounters{ExecutionCount: 11, TotalCPUUs: 101, TotalDurationUs: 201}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, wasReset, _ := Delta(&base, tt.cur)
			if wasReset != tt.want {
				t.Errorf("wasReset = %v, want %v", wasReset, tt.want)
			}
		})
	}
}

func TestDeltaNeverNegativeWithoutReset(t *testing.T) {
	prev := model.QueryCounters{
		ExecutionCount: 5, TotalCPUUs: 10, TotalDurationUs: 20,
		TotalLogicalReads: 30, TotalLogicalWrites: 2, TotalPhysicalReads: 1,
	}
	cur := model.QueryCounters{
		ExecutionCount: 5, TotalCPUUs: 10, TotalDurationUs: 20,
		TotalLogicalReads: 30, TotalLogicalWrites: 2, TotalPhysicalReads: 1,
	}
	delta, wasReset, emit := Delta(&prev, cur)
	if wasReset || !emit {
		t.Fatalf("unexpected reset=%v emit=%v", wasReset, emit)
	}
	for name, v := range map[string]int64{
		"exec":   delta.ExecutionCount,
		"cpu":    delta.TotalCPUUs,
		"dur":    delta.TotalDurationUs,
		"reads":  delta.TotalLogicalReads,
		"writes": delta.TotalLogicalWrites,
		"phys":   delta.TotalPhysicalReads,
	} {
		if v < 0 {
			t.Errorf("%s delta negative: %d", name, v)
		}
	}
}

func TestBuildSampleAverages(t *testing.T) {
	fpID := uuid.New()
	delta := model.QueryCounters{
		ExecutionCount:  4,
		TotalCPUUs:      1000,
		TotalDurationUs: 2000,
		TotalGrantKB:    400,
	}
	s := BuildSample(fpID, "inst", "db", time.Now(), nil, nil, nil, delta, false)
	if s.AvgCPUUs != 250 {
		t.Errorf("AvgCPUUs = %v, want 250", s.AvgCPUUs)
	}
	if s.AvgDurationUs != 500 {
		t.Errorf("AvgDurationUs = %v, want 500", s.AvgDurationUs)
	}
	if s.AvgGrantKB != 100 {
		t.Errorf("AvgGrantKB = %v, want 100", s.AvgGrantKB)
	}

	zero := BuildSample(fpID, "inst", "db", time.Now(), nil, nil, nil, model.QueryCounters{}, false)
	if zero.AvgCPUUs != 0 || zero.AvgDurationUs != 0 {
		t.Error("zero executions must not divide")
	}
}
