package remediation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// Advisor turns regression events into remediation suggestions. It
// never executes anything; every advisory pass leaves an audit record
// so intent is traceable even when nothing is applied.
type Advisor struct {
	audits         store.AuditRepo
	serviceVersion string
	logger         *zap.Logger
}

// NewAdvisor builds an Advisor.
func NewAdvisor(audits store.AuditRepo, serviceVersion string, logger *zap.Logger) *Advisor {
	return &Advisor{
		audits:         audits,
		serviceVersion: serviceVersion,
		logger:         logger.Named("advisor"),
	}
}

// Advise produces suggestions for one regression event. fp may be nil
// when the fingerprint could not be loaded; suggestions then omit
// query-specific scripts.
func (a *Advisor) Advise(ctx context.Context, ev model.RegressionEvent, fp *model.Fingerprint) ([]model.RemediationSuggestion, error) {
	var out []model.RemediationSuggestion

	if ev.Type == model.RegressionPlanChange || ev.Type == model.RegressionPlanChangeWithRegression {
		s := model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationForcePlan,
			Title:       "Force the previously good plan",
			Description: fmt.Sprintf("The plan changed (%s -> %s) alongside a %.0f%% increase in %s. Forcing the prior plan through Query Store usually restores performance immediately.", hashOrUnknown(ev.OldPlanHash), hashOrUnknown(ev.NewPlanHash), ev.ChangePercent, ev.Metric),
			Safety:      model.SafetyRequiresReview,
			Confidence:  0.8,
			Priority:    1,
			Risk:        model.RiskMedium,
		}
		if ev.OldPlanHash != nil {
			s.Script = fmt.Sprintf("-- Identify query_id/plan_id for plan %s in sys.query_store_plan, then:\nEXEC sp_query_store_force_plan @query_id = <query_id>, @plan_id = <plan_id>;", ev.OldPlanHash)
		}
		out = append(out, s)
	}

	if ev.Metric == model.MetricAvgLogicalReads {
		stats := model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationUpdateStatistics,
			Title:       "Update statistics on the touched tables",
			Description: "Logical reads grew against an unchanged plan shape; stale statistics are the usual cause.",
			Safety:      model.SafetySafe,
			Confidence:  0.6,
			Priority:    2,
			Risk:        model.RiskLow,
		}
		if fp != nil {
			stats.Script = fmt.Sprintf("-- Tables referenced by:\n-- %s\nEXEC sp_updatestats;", truncate(fp.NormalizedText, 200))
		}
		out = append(out, stats)
		out = append(out, model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationCreateIndex,
			Title:       "Review missing-index candidates",
			Description: "Sustained read growth can indicate a scan where a seek is possible. Check sys.dm_db_missing_index_details for this query's tables before creating anything.",
			Safety:      model.SafetyManualOnly,
			Confidence:  0.4,
			Priority:    3,
			Risk:        model.RiskMedium,
		})
	}

	if len(out) == 0 {
		s := model.RemediationSuggestion{
			ID:          uuid.New(),
			Type:        model.RemediationClearPlanCache,
			Title:       "Evict the cached plan",
			Description: fmt.Sprintf("%s regressed %.0f%% with no plan change detected. Evicting the single plan forces a fresh compile on next execution.", ev.Metric, ev.ChangePercent),
			Safety:      model.SafetyRequiresReview,
			Confidence:  0.5,
			Priority:    2,
			Risk:        model.RiskLow,
		}
		if ev.NewPlanHash != nil {
			s.Script = fmt.Sprintf("-- Find the plan_handle for plan hash %s in sys.dm_exec_query_stats, then:\nDBCC FREEPROCCACHE (<plan_handle>);", ev.NewPlanHash)
		}
		out = append(out, s)
	}

	// Advisory passes are dry-run audit entries: intent is recorded
	// even though nothing ran.
	host, _ := os.Hostname()
	rec := model.RemediationAudit{
		ID:             uuid.New(),
		TimestampUtc:   time.Now().UTC(),
		InstanceName:   ev.InstanceName,
		DatabaseName:   ev.DatabaseName,
		FingerprintID:  ev.FingerprintID,
		Type:           out[0].Type,
		SQLStatement:   out[0].Script,
		IsDryRun:       true,
		Success:        true,
		Initiator:      "advisor",
		MachineName:    host,
		ServiceVersion: a.serviceVersion,
	}
	sugID := out[0].ID
	rec.SuggestionID = &sugID
	if err := a.audits.SaveAudit(ctx, rec); err != nil {
		return out, fmt.Errorf("record advisory audit: %w", err)
	}
	a.logger.Debug("suggestions produced",
		zap.String("regression", ev.ID.String()),
		zap.Int("count", len(out)))
	return out, nil
}

func hashOrUnknown(h *model.QueryHash) string {
	if h == nil {
		return "unknown"
	}
	return h.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
