package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RankingMetric selects which execution metric hotspots are ranked by.
type RankingMetric int

const (
	RankByTotalCPU RankingMetric = iota
	RankByTotalDuration
	RankByTotalLogicalReads
	RankByAvgDuration
	RankByExecutionCount
)

func (m RankingMetric) String() string {
	switch m {
	case RankByTotalCPU:
		return "TotalCPUTime"
	case RankByTotalDuration:
		return "TotalDuration"
	case RankByTotalLogicalReads:
		return "TotalLogicalReads"
	case RankByAvgDuration:
		return "AvgDuration"
	case RankByExecutionCount:
		return "ExecutionCount"
	}
	return "Unknown"
}

// ParseRankingMetric parses a ranking metric name case-insensitively.
func ParseRankingMetric(s string) (RankingMetric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "totalcputime", "totalcpu":
		return RankByTotalCPU, nil
	case "totalduration":
		return RankByTotalDuration, nil
	case "totallogicalreads":
		return RankByTotalLogicalReads, nil
	case "avgduration":
		return RankByAvgDuration, nil
	case "executioncount":
		return RankByExecutionCount, nil
	}
	return RankByTotalCPU, fmt.Errorf("unknown ranking metric %q", s)
}

// Hotspot is a currently-expensive fingerprint ranked against its peers
// in a detection window. Transient: never persisted.
type Hotspot struct {
	FingerprintID uuid.UUID
	InstanceName  string
	DatabaseName  string
	// Rank is 1 for the worst consumer.
	Rank               int
	RankedBy           RankingMetric
	RankingValue       float64
	ExecutionCount     int64
	TotalCPUMs         float64
	AvgCPUMs           float64
	TotalDurationMs    float64
	AvgDurationMs      float64
	TotalLogicalReads  int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	// PercentOfTotal is this hotspot's share of the ranking metric over
	// the surviving set, bounded in (0,100].
	PercentOfTotal      float64
	HasActiveRegression bool
	WindowStartUtc      time.Time
	WindowEndUtc        time.Time
}
