package model

import (
	"time"

	"github.com/google/uuid"
)

// RegressionType classifies what changed.
type RegressionType int

const (
	RegressionMetricOnly RegressionType = iota
	RegressionPlanChange
	RegressionPlanChangeWithRegression
)

func (t RegressionType) String() string {
	switch t {
	case RegressionMetricOnly:
		return "MetricOnly"
	case RegressionPlanChange:
		return "PlanChange"
	case RegressionPlanChangeWithRegression:
		return "PlanChangeWithRegression"
	}
	return "Unknown"
}

// RegressionMetric names the metric a regression was detected on.
type RegressionMetric int

const (
	MetricP95Duration RegressionMetric = iota
	MetricP95CPU
	MetricAvgLogicalReads
)

func (m RegressionMetric) String() string {
	switch m {
	case MetricP95Duration:
		return "P95Duration"
	case MetricP95CPU:
		return "P95CPU"
	case MetricAvgLogicalReads:
		return "AvgLogicalReads"
	}
	return "Unknown"
}

// RegressionStatus is the lifecycle state of a regression event.
// New -> Acknowledged -> Resolved; New -> AutoResolved; any -> Dismissed.
type RegressionStatus int

const (
	StatusNew RegressionStatus = iota
	StatusAcknowledged
	StatusResolved
	StatusAutoResolved
	StatusDismissed
)

func (s RegressionStatus) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusAcknowledged:
		return "Acknowledged"
	case StatusResolved:
		return "Resolved"
	case StatusAutoResolved:
		return "AutoResolved"
	case StatusDismissed:
		return "Dismissed"
	}
	return "Unknown"
}

// IsActive reports whether the status still demands attention. At most
// one active regression exists per fingerprint at a time.
func (s RegressionStatus) IsActive() bool {
	return s == StatusNew || s == StatusAcknowledged
}

// RegressionEvent is a detected performance degradation of a fingerprint
// versus its baseline.
type RegressionEvent struct {
	ID               uuid.UUID
	FingerprintID    uuid.UUID
	InstanceName     string
	DatabaseName     string
	DetectedAtUtc    time.Time
	Type             RegressionType
	Metric           RegressionMetric
	BaselineValue    float64
	CurrentValue     float64
	ChangePercent    float64
	ThresholdPercent float64
	Severity         Severity
	OldPlanHash      *QueryHash
	NewPlanHash      *QueryHash
	Status           RegressionStatus
	Description      string
	WindowStartUtc   time.Time
	WindowEndUtc     time.Time
}
