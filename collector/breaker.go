package collector

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

// BreakerProvider wraps a StatsProvider in a circuit breaker so a
// struggling instance is left alone for a while instead of being
// hammered every cycle.
type BreakerProvider struct {
	inner StatsProvider
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps inner. The breaker opens after 3 consecutive
// failures and probes again after a minute.
func NewBreakerProvider(inner StatsProvider, logger *zap.Logger) *BreakerProvider {
	log := logger.Named("breaker").With(zap.String("instance", inner.InstanceName()))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.InstanceName(),
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &BreakerProvider{inner: inner, cb: cb}
}

func (b *BreakerProvider) InstanceName() string { return b.inner.InstanceName() }

func (b *BreakerProvider) Close() error { return b.inner.Close() }

func (b *BreakerProvider) TopQueries(ctx context.Context, database string, topN int, lookback time.Duration, orderBy model.RankingMetric) ([]QueryStats, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.TopQueries(ctx, database, topN, lookback, orderBy)
	})
	if err != nil {
		return nil, err
	}
	return out.([]QueryStats), nil
}

func (b *BreakerProvider) QueryStoreEnabled(ctx context.Context, database string) (bool, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.QueryStoreEnabled(ctx, database)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}
