package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// QueryHash is the 8-byte content hash identifying a normalized query.
// It has the same width as the query_hash SQL Server exposes, so the two
// are directly comparable.
type QueryHash [8]byte

func (h QueryHash) String() string {
	return "0x" + strings.ToUpper(hex.EncodeToString(h[:]))
}

// IsZero reports whether the hash is all zeroes.
func (h QueryHash) IsZero() bool {
	return h == QueryHash{}
}

// HashFromBytes builds a QueryHash from exactly 8 bytes.
func HashFromBytes(b []byte) (QueryHash, error) {
	var h QueryHash
	if len(b) != len(h) {
		return h, fmt.Errorf("query hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Severity ranks how bad a detected regression is.
type Severity int

const (
	SeverityLow      Severity = 0
	SeverityMedium   Severity = 1
	SeverityHigh     Severity = 2
	SeverityCritical Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	}
	return "Unknown"
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// RiskLevel ranks how dangerous a remediation action is to apply.
type RiskLevel int

const (
	RiskLow      RiskLevel = 0
	RiskMedium   RiskLevel = 1
	RiskHigh     RiskLevel = 2
	RiskCritical RiskLevel = 3
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "Low"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskCritical:
		return "Critical"
	}
	return "Unknown"
}

// ParseRiskLevel parses a risk level name case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}
