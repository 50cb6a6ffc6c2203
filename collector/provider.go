// Package collector reads cumulative query statistics from monitored
// instances and turns them into per-interval delta samples.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/querywatch/querywatch/model"
)

// ErrFeatureUnavailable marks a capability the target server does not
// have (Query Store views absent, or access to them denied). Callers
// fall back rather than fail.
var ErrFeatureUnavailable = errors.New("collector: feature unavailable on target")

// QueryStats is one query's cumulative counters as read from a target,
// before any delta computation.
type QueryStats struct {
	DatabaseName string
	SQLText      string
	// ServerQueryHash and PlanHash are the server's own 8-byte hashes
	// when the source exposes them; nil otherwise.
	ServerQueryHash []byte
	PlanHash        []byte
	// Query Store row identifiers, when the Query Store path was used.
	QueryStoreID *int64
	PlanStoreID  *int64
	Counters     model.QueryCounters
}

// StatsProvider reads top-N query statistics from one instance.
type StatsProvider interface {
	// TopQueries returns up to topN queries of the database ordered by
	// orderBy, restricted to activity within lookback.
	TopQueries(ctx context.Context, database string, topN int, lookback time.Duration, orderBy model.RankingMetric) ([]QueryStats, error)
	// QueryStoreEnabled reports whether the Query Store path is usable
	// for the database.
	QueryStoreEnabled(ctx context.Context, database string) (bool, error)
	InstanceName() string
	Close() error
}
