// Package remediation proposes corrective actions and gates anything
// that would write to a target database behind a fail-closed policy
// guard.
package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/querywatch/querywatch/config"
	"github.com/querywatch/querywatch/metrics"
	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// systemDatabases may never be touched, regardless of policy.
var systemDatabases = map[string]bool{
	"master":   true,
	"msdb":     true,
	"model":    true,
	"tempdb":   true,
	"resource": true,
}

// Decision is the guard's verdict. Policy denial is a value, not an
// error.
type Decision struct {
	Permitted   bool
	IsDryRun    bool
	Reason      string
	Alternative string
}

func deny(reason, alternative string) Decision {
	metrics.GuardDecisions.WithLabelValues("deny").Inc()
	return Decision{Reason: reason, Alternative: alternative}
}

// Guard is the policy state machine gating remediation writes. Every
// check is evaluated against a live policy snapshot; the first failing
// check wins.
type Guard struct {
	policy func() config.Security
	audits store.AuditRepo
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard builds a Guard. policy is read on every check so hot-swapped
// configuration takes effect immediately.
func NewGuard(policy func() config.Security, audits store.AuditRepo, logger *zap.Logger) *Guard {
	return &Guard{
		policy: policy,
		audits: audits,
		logger: logger.Named("guard"),
		now:    time.Now,
	}
}

// InMaintenanceWindow reports membership of hour in [start, end),
// handling windows that cross midnight.
func InMaintenanceWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Check runs the ordered policy checks for one intended action.
func (g *Guard) Check(ctx context.Context, instance, database string, remType model.RemediationType, risk model.RiskLevel) Decision {
	pol := g.policy()
	db := strings.ToLower(strings.TrimSpace(database))

	if !pol.EnableRemediation {
		return deny("remediation is disabled (kill switch)", "enable security.enableRemediation to allow any action")
	}
	if pol.Mode == config.ModeReadOnly {
		return deny("mode is ReadOnly", "switch security.mode to SuggestRemediation to surface scripts")
	}
	if systemDatabases[db] {
		return deny(fmt.Sprintf("%s is a system database", database), "")
	}
	for _, excluded := range pol.ExcludedDatabases {
		if strings.EqualFold(excluded, database) {
			return deny(fmt.Sprintf("database %s is excluded by policy", database), "")
		}
	}
	if pol.Mode == config.ModeSuggestRemediation {
		return deny("mode is SuggestRemediation: scripts are surfaced, never applied", "apply the suggested script manually after review")
	}
	if pol.Mode == config.ModeAutoApplyLowRisk && risk > model.RiskLow {
		return deny(fmt.Sprintf("risk level %s exceeds what AutoApplyLowRisk permits", risk), "apply manually or lower the action's risk")
	}

	applied, err := g.audits.CountRecentApplied(ctx, instance, time.Hour)
	if err != nil {
		// Fail closed: an unverifiable rate limit is an exceeded one.
		g.logger.Warn("rate limit count failed, denying", zap.Error(err))
		return deny("could not verify the hourly rate limit", "retry once the monitoring store is reachable")
	}
	if pol.MaxRemediationsPerHour > 0 && applied >= pol.MaxRemediationsPerHour {
		return deny(fmt.Sprintf("hourly rate limit reached (%d/%d)", applied, pol.MaxRemediationsPerHour), "wait for the window to roll over")
	}

	if pol.MaintenanceWindowRequired {
		hour := g.now().UTC().Hour()
		if !InMaintenanceWindow(hour, pol.MaintenanceStartHour, pol.MaintenanceEndHour) {
			return deny(fmt.Sprintf("outside the maintenance window (%02d:00-%02d:00 UTC)",
				pol.MaintenanceStartHour, pol.MaintenanceEndHour), "retry during the window")
		}
	}

	threshold, err := model.ParseRiskLevel(pol.ApprovalThreshold)
	if err != nil {
		// Fail closed: an unreadable threshold gates everything.
		g.logger.Warn("unparseable approval threshold, denying",
			zap.String("approvalThreshold", pol.ApprovalThreshold), zap.Error(err))
		return deny(fmt.Sprintf("approval threshold %q is not a recognized risk level", pol.ApprovalThreshold),
			"fix security.approvalThreshold")
	}
	if risk >= threshold {
		return deny(fmt.Sprintf("risk level %s requires out-of-band approval (threshold %s)", risk, threshold), "obtain approval and apply manually")
	}

	metrics.GuardDecisions.WithLabelValues("permit").Inc()
	return Decision{Permitted: true, IsDryRun: pol.DryRunMode}
}
