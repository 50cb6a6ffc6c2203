package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
	"github.com/querywatch/querywatch/store"
)

// fakeProvider serves canned stats per database.
type fakeProvider struct {
	name  string
	stats map[string][]QueryStats
	errs  map[string]error
}

func (p *fakeProvider) TopQueries(_ context.Context, database string, _ int, _ time.Duration, _ model.RankingMetric) ([]QueryStats, error) {
	if err, ok := p.errs[database]; ok {
		return nil, err
	}
	return p.stats[database], nil
}

func (p *fakeProvider) QueryStoreEnabled(context.Context, string) (bool, error) { return false, nil }
func (p *fakeProvider) InstanceName() string                                    { return p.name }
func (p *fakeProvider) Close() error                                            { return nil }

func counters(execs, cpu, dur int64) model.QueryCounters {
	return model.QueryCounters{
		ExecutionCount:  execs,
		TotalCPUUs:      cpu,
		TotalDurationUs: dur,
	}
}

func testOptions() Options {
	return Options{
		TopN:                   50,
		Lookback:               10 * time.Minute,
		MinimumExecutionCount:  2,
		MaxInstanceParallelism: 2,
		MaxDatabaseParallelism: 2,
	}
}

func newTestCollector(t *testing.T, st store.Store, provider StatsProvider, databases ...string) *Collector {
	t.Helper()
	c, err := New(st, []Target{{Provider: provider, Databases: databases}}, testOptions(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadTopN(t *testing.T) {
	_, err := New(store.NewMemoryStore(), nil, Options{TopN: 0}, zap.NewNop())
	assert.Error(t, err)
}

func TestRunCycleFirstSightingStoresSnapshotOnly(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"db": {{SQLText: "SELECT a FROM t WHERE id = 1", Counters: counters(100, 5000, 9000)}},
		},
	}
	c := newTestCollector(t, st, provider, "db")

	res := c.RunCycle(context.Background())
	assert.False(t, res.Failed())
	assert.Equal(t, 1, res.QueriesSeen)
	assert.Equal(t, 0, res.SamplesSaved, "first sighting only snapshots")
}

func TestRunCycleSecondCycleEmitsDelta(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"db": {{SQLText: "SELECT a FROM t WHERE id = 1", Counters: counters(100, 5000, 9000)}},
		},
	}
	c := newTestCollector(t, st, provider, "db")

	c.RunCycle(ctx)
	provider.stats["db"][0].Counters = counters(150, 7500, 13000)
	res := c.RunCycle(ctx)

	require.Equal(t, 1, res.SamplesSaved)
	assert.Equal(t, 0, res.ResetsSeen)

	fps, err := st.GetByDatabase(ctx, "inst", "db")
	require.NoError(t, err)
	require.Len(t, fps, 1, "both cycles resolve to one fingerprint")

	samples, err := st.GetForFingerprint(ctx, fps[0].ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(50), samples[0].ExecutionCount)
	assert.Equal(t, int64(2500), samples[0].TotalCPUUs)
	assert.False(t, samples[0].WasReset)
}

func TestRunCycleDetectsReset(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"db": {{SQLText: "SELECT a FROM t WHERE id = 1", Counters: counters(1000, 50_000_000, 100_000_000)}},
		},
	}
	c := newTestCollector(t, st, provider, "db")

	c.RunCycle(ctx)
	provider.stats["db"][0].Counters = counters(5, 200_000, 500_000)
	res := c.RunCycle(ctx)

	assert.Equal(t, 1, res.ResetsSeen)
	require.Equal(t, 1, res.SamplesSaved)

	fps, err := st.GetByDatabase(ctx, "inst", "db")
	require.NoError(t, err)
	samples, err := st.GetForFingerprint(ctx, fps[0].ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].WasReset)
	assert.Equal(t, int64(5), samples[0].ExecutionCount)
}

func TestRunCycleSkipsBelowMinimumExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"db": {
				{SQLText: "SELECT a FROM t", Counters: counters(1, 10, 10)},
				{SQLText: "SELECT b FROM t", Counters: counters(100, 10, 10)},
			},
		},
	}
	c := newTestCollector(t, st, provider, "db")

	res := c.RunCycle(context.Background())
	assert.Equal(t, 1, res.QueriesSeen, "one-off query filtered out")
}

func TestRunCycleIsolatesDatabaseFailures(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"good": {{SQLText: "SELECT a FROM t WHERE id = 1", Counters: counters(100, 10, 10)}},
		},
		errs: map[string]error{"bad": errors.New("login failed")},
	}
	c := newTestCollector(t, st, provider, "good", "bad")

	res := c.RunCycle(context.Background())
	assert.True(t, res.Failed())
	assert.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors, "inst/bad")
	assert.Equal(t, 1, res.QueriesSeen, "healthy database still collected")
}

func TestRunCycleFeatureUnavailableIsNotFailure(t *testing.T) {
	st := store.NewMemoryStore()
	provider := &fakeProvider{
		name: "inst",
		errs: map[string]error{"db": ErrFeatureUnavailable},
	}
	c := newTestCollector(t, st, provider, "db")

	res := c.RunCycle(context.Background())
	assert.False(t, res.Failed())
	assert.Equal(t, 0, res.QueriesSeen)
}

func TestRunCycleUsesServerHash(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	serverHash := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03, 0x04}
	provider := &fakeProvider{
		name: "inst",
		stats: map[string][]QueryStats{
			"db": {{
				SQLText:         "SELECT a FROM t WHERE id = 1",
				ServerQueryHash: serverHash,
				Counters:        counters(100, 10, 10),
			}},
		},
	}
	c := newTestCollector(t, st, provider, "db")
	c.RunCycle(ctx)

	fps, err := st.GetByDatabase(ctx, "inst", "db")
	require.NoError(t, err)
	require.Len(t, fps, 1)
	assert.True(t, fps[0].IsFromServerHash)
	assert.Equal(t, "0xAABBCCDD01020304", fps[0].Hash.String())
}
