// Package engine holds the analytical core: baselines, regression
// detection, hotspot detection, and the analysis orchestrator.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

// RegressionRules are the detector thresholds. All percents are whole
// numbers (50 means +50 %).
type RegressionRules struct {
	DurationIncreaseThresholdPercent     float64
	CPUIncreaseThresholdPercent          float64
	LogicalReadsIncreaseThresholdPercent float64
	MinimumExecutions                    int64
	MinimumBaselineSamples               int
	RequireMultipleMetrics               bool
}

// severityFor maps the maximum observed increase onto a severity.
func severityFor(maxIncreasePercent float64) model.Severity {
	switch {
	case maxIncreasePercent >= 500:
		return model.SeverityCritical
	case maxIncreasePercent >= 200:
		return model.SeverityHigh
	case maxIncreasePercent >= 100:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// percentIncrease is (current-baseline)/baseline*100. A zero baseline
// yields 0 so the metric is skipped rather than dividing by zero.
func percentIncrease(baseline, current float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / baseline * 100
}

type metricCheck struct {
	metric    model.RegressionMetric
	baseline  float64
	current   float64
	increase  float64
	threshold float64
}

// DetectRegression compares current aggregated metrics against the
// active baseline. It returns nil when nothing regressed. Pure.
func DetectRegression(baseline *model.Baseline, current *model.AggregatedMetrics, rules RegressionRules) *model.RegressionEvent {
	if baseline == nil || current == nil {
		return nil
	}
	if baseline.SampleCount < rules.MinimumBaselineSamples {
		return nil
	}
	if current.TotalExecutions < rules.MinimumExecutions {
		return nil
	}

	// Check order doubles as the tie-break order: duration, CPU, reads.
	checks := []metricCheck{
		{
			metric:    model.MetricP95Duration,
			baseline:  baseline.P95DurationUs,
			current:   current.P95DurationUs,
			threshold: rules.DurationIncreaseThresholdPercent,
		},
		{
			metric:    model.MetricP95CPU,
			baseline:  baseline.P95CPUUs,
			current:   current.P95CPUUs,
			threshold: rules.CPUIncreaseThresholdPercent,
		},
		{
			metric:    model.MetricAvgLogicalReads,
			baseline:  baseline.AvgLogicalReads,
			current:   current.AvgLogicalReads,
			threshold: rules.LogicalReadsIncreaseThresholdPercent,
		},
	}

	var regressed []metricCheck
	for i := range checks {
		checks[i].increase = percentIncrease(checks[i].baseline, checks[i].current)
		if checks[i].baseline == 0 {
			continue
		}
		if checks[i].increase >= checks[i].threshold {
			regressed = append(regressed, checks[i])
		}
	}

	required := 1
	if rules.RequireMultipleMetrics {
		required = 2
	}
	if len(regressed) < required {
		return nil
	}

	// Primary metric: largest increase; the slice is already in
	// tie-break order, so stable sort keeps duration before CPU before
	// reads on equal percent.
	sort.SliceStable(regressed, func(i, j int) bool {
		return regressed[i].increase > regressed[j].increase
	})
	primary := regressed[0]

	regType := model.RegressionMetricOnly
	var oldPlan, newPlan *model.QueryHash
	if baseline.ExpectedPlanHash != nil && current.DominantPlanHash != nil &&
		*baseline.ExpectedPlanHash != *current.DominantPlanHash {
		regType = model.RegressionPlanChangeWithRegression
		oldPlan = baseline.ExpectedPlanHash
		newPlan = current.DominantPlanHash
	}

	return &model.RegressionEvent{
		ID:               uuid.New(),
		FingerprintID:    baseline.FingerprintID,
		InstanceName:     baseline.InstanceName,
		DatabaseName:     baseline.DatabaseName,
		DetectedAtUtc:    time.Now().UTC(),
		Type:             regType,
		Metric:           primary.metric,
		BaselineValue:    primary.baseline,
		CurrentValue:     primary.current,
		ChangePercent:    primary.increase,
		ThresholdPercent: primary.threshold,
		Severity:         severityFor(primary.increase),
		OldPlanHash:      oldPlan,
		NewPlanHash:      newPlan,
		Status:           model.StatusNew,
		Description: fmt.Sprintf("%s increased %.1f%% over baseline (%.0f -> %.0f)",
			primary.metric, primary.increase, primary.baseline, primary.current),
		WindowStartUtc: current.WindowStartUtc,
		WindowEndUtc:   current.WindowEndUtc,
	}
}

// AggregateSamples folds raw samples into the shape DetectRegression
// consumes: total executions, per-metric averages, and a P95 taken as
// the 95th order statistic of the per-sample maxima (sort descending,
// skip the top 5 %, take the first).
func AggregateSamples(samples []model.MetricSample) *model.AggregatedMetrics {
	if len(samples) == 0 {
		return nil
	}
	agg := &model.AggregatedMetrics{
		FingerprintID:  samples[0].FingerprintID,
		WindowStartUtc: samples[0].SampledAtUtc,
		WindowEndUtc:   samples[0].SampledAtUtc,
		SampleCount:    len(samples),
	}
	durMax := make([]float64, 0, len(samples))
	cpuMax := make([]float64, 0, len(samples))
	var sumDur, sumCPU, sumReads float64
	for _, s := range samples {
		agg.TotalExecutions += s.ExecutionCount
		durMax = append(durMax, float64(s.MaxDurationUs))
		cpuMax = append(cpuMax, float64(s.MaxCPUUs))
		sumDur += s.AvgDurationUs
		sumCPU += s.AvgCPUUs
		if s.ExecutionCount > 0 {
			sumReads += float64(s.TotalLogicalReads) / float64(s.ExecutionCount)
		}
		if s.SampledAtUtc.Before(agg.WindowStartUtc) {
			agg.WindowStartUtc = s.SampledAtUtc
		}
		if s.SampledAtUtc.After(agg.WindowEndUtc) {
			agg.WindowEndUtc = s.SampledAtUtc
		}
		agg.DominantPlanHash = s.PlanHash
	}
	n := float64(len(samples))
	agg.AvgDurationUs = sumDur / n
	agg.AvgCPUUs = sumCPU / n
	agg.AvgLogicalReads = sumReads / n
	agg.P95DurationUs = orderStatisticP95(durMax)
	agg.P95CPUUs = orderStatisticP95(cpuMax)
	return agg
}

// orderStatisticP95 sorts descending, skips the top 5 %, and returns
// the first remaining value.
func orderStatisticP95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	skip := len(sorted) * 5 / 100
	if skip >= len(sorted) {
		skip = len(sorted) - 1
	}
	return sorted[skip]
}
