package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/querywatch/querywatch/fingerprint"
	"github.com/querywatch/querywatch/metrics"
	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// Options bound one collection cycle.
type Options struct {
	TopN                   int
	Lookback               time.Duration
	MinimumExecutionCount  int64
	MaxInstanceParallelism int
	MaxDatabaseParallelism int
	OrderBy                model.RankingMetric
}

// Target is one monitored instance and its enabled databases.
type Target struct {
	Provider  StatsProvider
	Databases []string
}

// CycleResult reports what one collection cycle did. Per-database
// failures are captured here, never aborting the cycle.
type CycleResult struct {
	StartedAtUtc time.Time
	Duration     time.Duration
	SamplesSaved int
	QueriesSeen  int
	ResetsSeen   int
	Errors       map[string]error // "instance/database" -> error
}

// Failed reports whether any target failed.
func (r *CycleResult) Failed() bool { return len(r.Errors) > 0 }

// Collector drives the collection pipeline: fetch top-N, fingerprint,
// delta against the last snapshot, persist.
type Collector struct {
	store   store.Store
	targets []Target
	opts    Options
	logger  *zap.Logger

	// fpCache short-circuits GetOrCreate for fingerprints seen recently.
	fpCache *lru.Cache[string, uuid.UUID]
}

// New builds a Collector over the given targets.
func New(st store.Store, targets []Target, opts Options, logger *zap.Logger) (*Collector, error) {
	if opts.TopN <= 0 {
		return nil, errors.New("collector: topN must be positive")
	}
	if opts.MaxInstanceParallelism <= 0 {
		opts.MaxInstanceParallelism = 1
	}
	if opts.MaxDatabaseParallelism <= 0 {
		opts.MaxDatabaseParallelism = 1
	}
	cache, err := lru.New[string, uuid.UUID](4096)
	if err != nil {
		return nil, fmt.Errorf("collector: fingerprint cache: %w", err)
	}
	return &Collector{
		store:   st,
		targets: targets,
		opts:    opts,
		logger:  logger.Named("collector"),
		fpCache: cache,
	}, nil
}

// RunCycle collects from every target once.
func (c *Collector) RunCycle(ctx context.Context) *CycleResult {
	res := &CycleResult{
		StartedAtUtc: time.Now().UTC(),
		Errors:       make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxInstanceParallelism)
	for _, target := range c.targets {
		target := target
		g.Go(func() error {
			instStart := time.Now()
			instance := target.Provider.InstanceName()
			dg, dctx := errgroup.WithContext(gctx)
			dg.SetLimit(c.opts.MaxDatabaseParallelism)
			for _, database := range target.Databases {
				database := database
				dg.Go(func() error {
					saved, seen, resets, err := c.collectDatabase(dctx, target.Provider, database)
					mu.Lock()
					res.SamplesSaved += saved
					res.QueriesSeen += seen
					res.ResetsSeen += resets
					if err != nil {
						res.Errors[instance+"/"+database] = err
					}
					mu.Unlock()
					if err != nil {
						c.logger.Warn("database collection failed",
							zap.String("instance", instance),
							zap.String("database", database),
							zap.Error(err))
					}
					return nil // captured, not propagated
				})
			}
			_ = dg.Wait()

			outcome := "ok"
			mu.Lock()
			for key := range res.Errors {
				if strings.HasPrefix(key, instance+"/") {
					outcome = "error"
				}
			}
			mu.Unlock()
			metrics.CollectionCycles.WithLabelValues(instance, outcome).Inc()
			metrics.CollectionDuration.WithLabelValues(instance).Observe(time.Since(instStart).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(res.StartedAtUtc)
	c.logger.Info("collection cycle done",
		zap.Int("samples", res.SamplesSaved),
		zap.Int("queries", res.QueriesSeen),
		zap.Int("resets", res.ResetsSeen),
		zap.Int("failedDatabases", len(res.Errors)),
		zap.Duration("took", res.Duration))
	return res
}

func (c *Collector) collectDatabase(ctx context.Context, provider StatsProvider, database string) (saved, seen, resets int, err error) {
	instance := provider.InstanceName()
	stats, err := provider.TopQueries(ctx, database, c.opts.TopN, c.opts.Lookback, c.opts.OrderBy)
	if err != nil {
		if errors.Is(err, ErrFeatureUnavailable) {
			// Nothing readable on this database; not a cycle failure.
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("fetch top queries: %w", err)
	}

	now := time.Now().UTC()
	batch := make([]model.MetricSample, 0, len(stats))
	for _, qs := range stats {
		if qs.Counters.ExecutionCount < c.opts.MinimumExecutionCount {
			continue
		}
		seen++

		fp, ferr := c.resolveFingerprint(qs)
		if ferr != nil {
			c.logger.Debug("skipping unfingerprintable query",
				zap.String("database", database), zap.Error(ferr))
			continue
		}
		fpID, ferr := c.fingerprintID(ctx, instance, database, fp)
		if ferr != nil {
			return saved, seen, resets, fmt.Errorf("resolve fingerprint: %w", ferr)
		}

		var planHash *model.QueryHash
		if h, herr := model.HashFromBytes(qs.PlanHash); herr == nil {
			planHash = &h
		}

		prev, serr := c.store.GetLastSnapshot(ctx, instance, database, fpID, planHash)
		if serr != nil {
			return saved, seen, resets, fmt.Errorf("load snapshot: %w", serr)
		}
		var prevCounters *model.QueryCounters
		if prev != nil {
			prevCounters = &prev.Counters
		}

		delta, wasReset, emit := Delta(prevCounters, qs.Counters)
		if emit {
			batch = append(batch, BuildSample(fpID, instance, database, now,
				planHash, qs.QueryStoreID, qs.PlanStoreID, delta, wasReset))
			if wasReset {
				resets++
				metrics.CounterResets.Inc()
			}
		}

		if serr := c.store.UpsertSnapshot(ctx, model.CumulativeSnapshot{
			InstanceName:    instance,
			DatabaseName:    database,
			FingerprintID:   fpID,
			PlanHash:        planHash,
			Counters:        qs.Counters,
			SnapshotTimeUtc: now,
		}); serr != nil {
			return saved, seen, resets, fmt.Errorf("upsert snapshot: %w", serr)
		}
	}

	if len(batch) > 0 {
		if serr := c.store.SaveBatch(ctx, instance, batch); serr != nil {
			return saved, seen, resets, fmt.Errorf("save samples: %w", serr)
		}
		saved = len(batch)
		metrics.SamplesCollected.WithLabelValues(instance, database).Add(float64(saved))
	}
	return saved, seen, resets, nil
}

// resolveFingerprint prefers the server's own query hash and falls back
// to computing one from the SQL text.
func (c *Collector) resolveFingerprint(qs QueryStats) (model.FingerprintResult, error) {
	if len(qs.ServerQueryHash) == 8 {
		return fingerprint.FromServerHash(qs.ServerQueryHash, qs.SQLText)
	}
	return fingerprint.Fingerprint(qs.SQLText)
}

// fingerprintID resolves a fingerprint to its stored id through the LRU
// cache. LastSeenUtc is still bumped on cache hits.
func (c *Collector) fingerprintID(ctx context.Context, instance, database string, fp model.FingerprintResult) (uuid.UUID, error) {
	key := fp.Hash.String() + "|" + database
	if cached, ok := c.fpCache.Get(key); ok {
		if err := c.store.UpdateLastSeen(ctx, cached, time.Now().UTC()); err != nil {
			return cached, err
		}
		return cached, nil
	}
	got, err := c.store.GetOrCreate(ctx, instance, database, fp)
	if err != nil {
		return got, err
	}
	c.fpCache.Add(key, got)
	return got, nil
}

// PurgeStaleSnapshots deletes snapshots untouched beyond retention.
func (c *Collector) PurgeStaleSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	return c.store.PurgeStaleSnapshots(ctx, time.Now().UTC().Add(-retention))
}
