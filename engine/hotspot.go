package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/querywatch/querywatch/model"
)

// ErrNilSamples is returned when the hotspot detector is handed a nil
// slice. An empty slice is fine and yields an empty result.
var ErrNilSamples = errors.New("engine: nil samples")

// HotspotRules filter and rank hotspot candidates.
type HotspotRules struct {
	MinTotalCPUMs                 float64
	MinTotalDurationMs            float64
	MinExecutionCount             int64
	MinAvgDurationMs              float64
	IncludeQueriesWithRegressions bool
	RankBy                        model.RankingMetric
	TopN                          int
}

// HotspotInput is one candidate: the latest sample of a fingerprint
// plus whether it currently has an active regression.
type HotspotInput struct {
	Sample              model.MetricSample
	HasActiveRegression bool
}

func rankingValue(s model.MetricSample, m model.RankingMetric) float64 {
	switch m {
	case model.RankByTotalDuration:
		return float64(s.TotalDurationUs) / 1000
	case model.RankByTotalLogicalReads:
		return float64(s.TotalLogicalReads)
	case model.RankByAvgDuration:
		return s.AvgDurationUs / 1000
	case model.RankByExecutionCount:
		return float64(s.ExecutionCount)
	default:
		return float64(s.TotalCPUUs) / 1000
	}
}

// DetectHotspots filters, ranks, and weighs the top resource consumers
// in a window. Pure. The result is ordered worst-first with ranks 1..N
// and percentOfTotal computed over the surviving set only.
func DetectHotspots(inputs []HotspotInput, rules HotspotRules, windowStart, windowEnd time.Time) ([]model.Hotspot, error) {
	if inputs == nil {
		return nil, ErrNilSamples
	}

	survivors := make([]HotspotInput, 0, len(inputs))
	for _, in := range inputs {
		s := in.Sample
		totalCPUMs := float64(s.TotalCPUUs) / 1000
		totalDurMs := float64(s.TotalDurationUs) / 1000
		avgDurMs := s.AvgDurationUs / 1000
		if totalCPUMs < rules.MinTotalCPUMs ||
			totalDurMs < rules.MinTotalDurationMs ||
			s.ExecutionCount < rules.MinExecutionCount ||
			avgDurMs < rules.MinAvgDurationMs {
			continue
		}
		if !rules.IncludeQueriesWithRegressions && in.HasActiveRegression {
			continue
		}
		survivors = append(survivors, in)
	}
	if len(survivors) == 0 {
		return []model.Hotspot{}, nil
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return rankingValue(survivors[i].Sample, rules.RankBy) > rankingValue(survivors[j].Sample, rules.RankBy)
	})
	if rules.TopN > 0 && len(survivors) > rules.TopN {
		survivors = survivors[:rules.TopN]
	}

	var totalRanking float64
	for _, in := range survivors {
		totalRanking += rankingValue(in.Sample, rules.RankBy)
	}

	out := make([]model.Hotspot, 0, len(survivors))
	for i, in := range survivors {
		s := in.Sample
		rv := rankingValue(s, rules.RankBy)
		h := model.Hotspot{
			FingerprintID:       s.FingerprintID,
			InstanceName:        s.InstanceName,
			DatabaseName:        s.DatabaseName,
			Rank:                i + 1,
			RankedBy:            rules.RankBy,
			RankingValue:        rv,
			ExecutionCount:      s.ExecutionCount,
			TotalCPUMs:          float64(s.TotalCPUUs) / 1000,
			AvgCPUMs:            s.AvgCPUUs / 1000,
			TotalDurationMs:     float64(s.TotalDurationUs) / 1000,
			AvgDurationMs:       s.AvgDurationUs / 1000,
			TotalLogicalReads:   s.TotalLogicalReads,
			TotalLogicalWrites:  s.TotalLogicalWrites,
			TotalPhysicalReads:  s.TotalPhysicalReads,
			HasActiveRegression: in.HasActiveRegression,
			WindowStartUtc:      windowStart.UTC(),
			WindowEndUtc:        windowEnd.UTC(),
		}
		if totalRanking > 0 {
			h.PercentOfTotal = 100 * rv / totalRanking
		}
		out = append(out, h)
	}
	return out, nil
}
