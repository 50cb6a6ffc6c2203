package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/metrics"
	"github.com/querywatch/querywatch/model"
)

const (
	// cooldownCleanupThreshold triggers eviction of stale cooldown
	// entries once the map grows past it.
	cooldownCleanupThreshold = 1000
	cooldownEntryMaxAge      = 24 * time.Hour
)

// Options configure the orchestrator.
type Options struct {
	Enabled         bool
	MinimumSeverity string
	CooldownPeriod  time.Duration
}

// Orchestrator fans alerts out to every enabled channel. The cooldown
// map is in-process only: a restart can re-alert. Acceptable for a
// single-instance deployment.
type Orchestrator struct {
	channels []Channel
	opts     Options
	minSev   model.Severity
	logger   *zap.Logger

	mu            sync.Mutex
	lastAlertTime map[uuid.UUID]time.Time

	now func() time.Time
}

// New builds an Orchestrator. A malformed minimum severity falls back
// to Medium.
func New(channels []Channel, opts Options, logger *zap.Logger) *Orchestrator {
	log := logger.Named("alert")
	minSev, err := model.ParseSeverity(opts.MinimumSeverity)
	if err != nil {
		log.Warn("bad minimum severity, using Medium", zap.String("value", opts.MinimumSeverity))
		minSev = model.SeverityMedium
	}
	return &Orchestrator{
		channels:      channels,
		opts:          opts,
		minSev:        minSev,
		logger:        log,
		lastAlertTime: make(map[uuid.UUID]time.Time),
		now:           time.Now,
	}
}

// SendRegressionAlerts filters by severity and cooldown, then fans out
// concurrently. Channel failures are logged, never propagated.
func (o *Orchestrator) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) {
	if !o.opts.Enabled {
		return
	}
	now := o.now().UTC()

	o.mu.Lock()
	var due []model.RegressionEvent
	for _, ev := range events {
		if ev.Severity < o.minSev {
			continue
		}
		if last, ok := o.lastAlertTime[ev.ID]; ok && now.Sub(last) < o.opts.CooldownPeriod {
			continue
		}
		o.lastAlertTime[ev.ID] = now
		due = append(due, ev)
	}
	o.cleanupLocked(now)
	o.mu.Unlock()

	if len(due) == 0 {
		return
	}
	o.fanOut(ctx, func(ch Channel) error {
		return ch.SendRegressionAlerts(ctx, due)
	})
}

// SendHotspotSummary fans a hotspot summary out to every channel.
func (o *Orchestrator) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) {
	if !o.opts.Enabled || len(hotspots) == 0 {
		return
	}
	o.fanOut(ctx, func(ch Channel) error {
		return ch.SendHotspotSummary(ctx, hotspots)
	})
}

// SendDailySummary fans the daily digest out to every channel.
func (o *Orchestrator) SendDailySummary(ctx context.Context, summary DailySummary) {
	if !o.opts.Enabled {
		return
	}
	o.fanOut(ctx, func(ch Channel) error {
		return ch.SendDailySummary(ctx, summary)
	})
}

// fanOut runs send on every enabled channel concurrently, isolating
// each channel's failures and panics.
func (o *Orchestrator) fanOut(ctx context.Context, send func(Channel) error) {
	var wg sync.WaitGroup
	for _, ch := range o.channels {
		if !ch.Enabled() {
			continue
		}
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					metrics.AlertsSent.WithLabelValues(ch.Name(), "panic").Inc()
					o.logger.Error("alert channel panicked",
						zap.String("channel", ch.Name()), zap.Any("panic", r))
				}
			}()
			if err := send(ch); err != nil {
				metrics.AlertsSent.WithLabelValues(ch.Name(), "error").Inc()
				o.logger.Warn("alert channel failed",
					zap.String("channel", ch.Name()), zap.Error(err))
				return
			}
			metrics.AlertsSent.WithLabelValues(ch.Name(), "ok").Inc()
		}()
	}
	wg.Wait()
}

// cleanupLocked evicts old cooldown entries once the map has grown past
// the threshold. Caller holds o.mu.
func (o *Orchestrator) cleanupLocked(now time.Time) {
	if len(o.lastAlertTime) <= cooldownCleanupThreshold {
		return
	}
	for id, t := range o.lastAlertTime {
		if now.Sub(t) > cooldownEntryMaxAge {
			delete(o.lastAlertTime, id)
		}
	}
}

// TestChannels exercises TestConnection on every enabled channel and
// returns the failures by channel name.
func (o *Orchestrator) TestChannels(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, ch := range o.channels {
		if !ch.Enabled() {
			continue
		}
		if err := ch.TestConnection(ctx); err != nil {
			out[ch.Name()] = err
		}
	}
	return out
}
