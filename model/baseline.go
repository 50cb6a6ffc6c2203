package model

import (
	"time"

	"github.com/google/uuid"
)

// Baseline is the rolling statistical profile of a fingerprint's normal
// performance. At most one baseline per fingerprint is active at a time;
// superseded baselines are kept with IsActive=false, never deleted.
type Baseline struct {
	ID              uuid.UUID
	FingerprintID   uuid.UUID
	InstanceName    string
	DatabaseName    string
	ComputedAtUtc   time.Time
	WindowStartUtc  time.Time
	WindowEndUtc    time.Time
	SampleCount     int
	TotalExecutions int64

	MedianDurationUs float64
	P95DurationUs    float64
	P99DurationUs    float64
	AvgDurationUs    float64
	StdDevDurationUs float64

	AvgCPUUs float64
	P95CPUUs float64

	AvgLogicalReads float64
	MaxLogicalReads int64

	// ExpectedPlanHash is the dominant plan observed over the window,
	// used to flag plan changes. Nil when plan hashes were unavailable.
	ExpectedPlanHash *QueryHash

	IsActive bool
}

// Age returns how old the baseline is relative to now.
func (b *Baseline) Age(now time.Time) time.Duration {
	return now.Sub(b.ComputedAtUtc)
}
