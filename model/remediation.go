package model

import (
	"time"

	"github.com/google/uuid"
)

// RemediationType names the corrective action a suggestion proposes.
type RemediationType int

const (
	RemediationForcePlan RemediationType = iota
	RemediationUpdateStatistics
	RemediationCreateIndex
	RemediationClearPlanCache
	RemediationOther
)

func (t RemediationType) String() string {
	switch t {
	case RemediationForcePlan:
		return "ForcePlan"
	case RemediationUpdateStatistics:
		return "UpdateStatistics"
	case RemediationCreateIndex:
		return "CreateIndex"
	case RemediationClearPlanCache:
		return "ClearPlanCache"
	case RemediationOther:
		return "Other"
	}
	return "Unknown"
}

// SafetyLevel classifies how a suggestion may be applied.
type SafetyLevel int

const (
	SafetySafe SafetyLevel = iota
	SafetyRequiresReview
	SafetyManualOnly
)

func (s SafetyLevel) String() string {
	switch s {
	case SafetySafe:
		return "Safe"
	case SafetyRequiresReview:
		return "RequiresReview"
	case SafetyManualOnly:
		return "ManualOnly"
	}
	return "Unknown"
}

// RemediationSuggestion is a proposed corrective action. Suggestions are
// data only; nothing in this process executes them without passing the
// guard.
type RemediationSuggestion struct {
	ID          uuid.UUID
	Type        RemediationType
	Title       string
	Description string
	// Script is the T-SQL to apply, when one can be generated.
	Script     string
	Safety     SafetyLevel
	Confidence float64 // 0..1
	Priority   int
	Risk       RiskLevel
}

// RemediationAudit is an append-only record of every remediation intent,
// including denials and dry runs.
type RemediationAudit struct {
	ID             uuid.UUID
	TimestampUtc   time.Time
	InstanceName   string
	DatabaseName   string
	FingerprintID  uuid.UUID
	SuggestionID   *uuid.UUID
	Type           RemediationType
	SQLStatement   string
	IsDryRun       bool
	Success        bool
	ErrorMessage   string
	SQLErrorNumber *int32
	Duration       time.Duration
	Initiator      string
	MachineName    string
	ServiceVersion string
}
