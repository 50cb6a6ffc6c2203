// Package alert fans regression events, hotspot summaries, and daily
// summaries out to pluggable channels with per-event cooldown and
// per-channel failure isolation.
package alert

import (
	"context"
	"time"

	"github.com/querywatch/querywatch/model"
)

// DailySummary is the once-a-day digest sent to every channel.
type DailySummary struct {
	GeneratedAtUtc     time.Time
	WindowStartUtc     time.Time
	WindowEndUtc       time.Time
	NewRegressions     int
	AutoResolved       int
	ActiveRegressions  int
	TopHotspots        []model.Hotspot
	CollectionFailures map[string]int // instance -> failed cycles
}

// Channel is one alert destination.
type Channel interface {
	Name() string
	Enabled() bool
	SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error
	SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error
	SendDailySummary(ctx context.Context, summary DailySummary) error
	TestConnection(ctx context.Context) error
}
