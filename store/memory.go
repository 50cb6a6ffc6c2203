package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/model"
)

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// one-shot diagnostic runs that have no monitoring database.
type MemoryStore struct {
	mu           sync.RWMutex
	fingerprints map[uuid.UUID]model.Fingerprint
	byHash       map[string]uuid.UUID // hash+"|"+database
	samples      []model.MetricSample
	snapshots    map[string]model.CumulativeSnapshot
	baselines    []model.Baseline
	regressions  map[uuid.UUID]model.RegressionEvent
	audits       []model.RemediationAudit
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[uuid.UUID]model.Fingerprint),
		byHash:       make(map[string]uuid.UUID),
		snapshots:    make(map[string]model.CumulativeSnapshot),
		regressions:  make(map[uuid.UUID]model.RegressionEvent),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func fpKey(hash model.QueryHash, database string) string {
	return hash.String() + "|" + database
}

func snapKey(instance, database string, fpID uuid.UUID, planHash *model.QueryHash) string {
	k := instance + "|" + database + "|" + fpID.String() + "|"
	if planHash != nil {
		k += planHash.String()
	}
	return k
}

// --- fingerprints ---

func (m *MemoryStore) GetOrCreate(ctx context.Context, instance, database string, fp model.FingerprintResult) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := fpKey(fp.Hash, database)
	if id, ok := m.byHash[key]; ok {
		row := m.fingerprints[id]
		row.LastSeenUtc = now
		m.fingerprints[id] = row
		return id, nil
	}
	id := uuid.New()
	m.fingerprints[id] = model.Fingerprint{
		ID:               id,
		Hash:             fp.Hash,
		SampleText:       fp.SampleText,
		NormalizedText:   fp.NormalizedText,
		InstanceName:     instance,
		DatabaseName:     database,
		FirstSeenUtc:     now,
		LastSeenUtc:      now,
		IsFromServerHash: fp.IsFromServerHash,
	}
	m.byHash[key] = id
	return id, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fp, ok := m.fingerprints[id]; ok {
		return &fp, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetByDatabase(ctx context.Context, instance, database string) ([]model.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Fingerprint
	for _, fp := range m.fingerprints {
		if fp.InstanceName == instance && fp.DatabaseName == database {
			out = append(out, fp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenUtc.After(out[j].LastSeenUtc) })
	return out, nil
}

func (m *MemoryStore) UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fp, ok := m.fingerprints[id]; ok {
		fp.LastSeenUtc = seenAt.UTC()
		m.fingerprints[id] = fp
	}
	return nil
}

// --- samples ---

func (m *MemoryStore) SaveBatch(ctx context.Context, instance string, samples []model.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		s.InstanceName = instance
		m.samples = append(m.samples, s)
	}
	return nil
}

func (m *MemoryStore) GetForFingerprint(ctx context.Context, id uuid.UUID, from, to time.Time) ([]model.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.MetricSample
	for _, s := range m.samples {
		if s.FingerprintID == id && !s.SampledAtUtc.Before(from) && s.SampledAtUtc.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampledAtUtc.Before(out[j].SampledAtUtc) })
	return out, nil
}

// sampleOrderValue is the sort key GetLatestPerFingerprint ranks by.
func sampleOrderValue(s model.MetricSample, m model.RankingMetric) float64 {
	switch m {
	case model.RankByTotalDuration:
		return float64(s.TotalDurationUs)
	case model.RankByTotalLogicalReads:
		return float64(s.TotalLogicalReads)
	case model.RankByAvgDuration:
		return s.AvgDurationUs
	case model.RankByExecutionCount:
		return float64(s.ExecutionCount)
	default:
		return float64(s.TotalCPUUs)
	}
}

func (m *MemoryStore) GetLatestPerFingerprint(ctx context.Context, instance, database string, from, to time.Time, orderBy model.RankingMetric, topN int) ([]model.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[uuid.UUID]model.MetricSample)
	for _, s := range m.samples {
		if s.InstanceName != instance || s.DatabaseName != database {
			continue
		}
		if s.SampledAtUtc.Before(from) || !s.SampledAtUtc.Before(to) {
			continue
		}
		if cur, ok := latest[s.FingerprintID]; !ok || s.SampledAtUtc.After(cur.SampledAtUtc) {
			latest[s.FingerprintID] = s
		}
	}
	out := make([]model.MetricSample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return sampleOrderValue(out[i], orderBy) > sampleOrderValue(out[j], orderBy)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// percentile does linear interpolation over a sorted ascending slice,
// matching PERCENTILE_CONT.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func (m *MemoryStore) Aggregate(ctx context.Context, id uuid.UUID, from, to time.Time) (*model.AggregatedMetrics, error) {
	samples, err := m.GetForFingerprint(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	agg := &model.AggregatedMetrics{
		FingerprintID:  id,
		WindowStartUtc: from.UTC(),
		WindowEndUtc:   to.UTC(),
	}
	if len(samples) == 0 {
		return agg, nil
	}
	avgDur := make([]float64, 0, len(samples))
	maxDur := make([]float64, 0, len(samples))
	maxCPU := make([]float64, 0, len(samples))
	var sumAvgDur, sumAvgCPU, sumAvgReads float64
	for _, s := range samples {
		agg.SampleCount++
		agg.TotalExecutions += s.ExecutionCount
		avgDur = append(avgDur, s.AvgDurationUs)
		maxDur = append(maxDur, float64(s.MaxDurationUs))
		maxCPU = append(maxCPU, float64(s.MaxCPUUs))
		sumAvgDur += s.AvgDurationUs
		sumAvgCPU += s.AvgCPUUs
		if s.ExecutionCount > 0 {
			sumAvgReads += float64(s.TotalLogicalReads) / float64(s.ExecutionCount)
		}
		if s.TotalLogicalReads > agg.MaxLogicalReads {
			agg.MaxLogicalReads = s.TotalLogicalReads
		}
	}
	n := float64(len(samples))
	agg.AvgDurationUs = sumAvgDur / n
	agg.AvgCPUUs = sumAvgCPU / n
	agg.AvgLogicalReads = sumAvgReads / n

	sort.Float64s(avgDur)
	sort.Float64s(maxDur)
	sort.Float64s(maxCPU)
	agg.P50DurationUs = percentile(avgDur, 0.50)
	agg.P95DurationUs = percentile(maxDur, 0.95)
	agg.P99DurationUs = percentile(maxDur, 0.99)
	agg.P95CPUUs = percentile(maxCPU, 0.95)

	var ss float64
	for _, v := range avgDur {
		d := v - agg.AvgDurationUs
		ss += d * d
	}
	if len(avgDur) > 1 {
		agg.StdDevDurationUs = math.Sqrt(ss / (n - 1))
	}
	agg.DominantPlanHash = samples[len(samples)-1].PlanHash
	return agg, nil
}

func (m *MemoryStore) PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var purged int64
	for _, s := range m.samples {
		if s.SampledAtUtc.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return purged, nil
}

// --- snapshots ---

func (m *MemoryStore) GetLastSnapshot(ctx context.Context, instance, database string, fpID uuid.UUID, planHash *model.QueryHash) (*model.CumulativeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if snap, ok := m.snapshots[snapKey(instance, database, fpID, planHash)]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (m *MemoryStore) UpsertSnapshot(ctx context.Context, snap model.CumulativeSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapKey(snap.InstanceName, snap.DatabaseName, snap.FingerprintID, snap.PlanHash)] = snap
	return nil
}

func (m *MemoryStore) PurgeStaleSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for k, snap := range m.snapshots {
		if snap.SnapshotTimeUtc.Before(cutoff) {
			delete(m.snapshots, k)
			purged++
		}
	}
	return purged, nil
}

// --- baselines ---

func (m *MemoryStore) GetActiveBaseline(ctx context.Context, fpID uuid.UUID) (*model.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.baselines) - 1; i >= 0; i-- {
		if m.baselines[i].FingerprintID == fpID && m.baselines[i].IsActive {
			b := m.baselines[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveBaseline(ctx context.Context, b model.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = append(m.baselines, b)
	return nil
}

func (m *MemoryStore) SupersedeActiveBaseline(ctx context.Context, fpID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.baselines {
		if m.baselines[i].FingerprintID == fpID {
			m.baselines[i].IsActive = false
		}
	}
	return nil
}

// --- regressions ---

func (m *MemoryStore) SaveRegression(ctx context.Context, ev model.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regressions[ev.ID] = ev
	return nil
}

func (m *MemoryStore) UpdateRegression(ctx context.Context, ev model.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.regressions[ev.ID]; ok {
		cur.Status = ev.Status
		cur.Description = ev.Description
		m.regressions[ev.ID] = cur
	}
	return nil
}

func (m *MemoryStore) GetActiveRegressionByFingerprint(ctx context.Context, fpID uuid.UUID) (*model.RegressionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.regressions {
		if ev.FingerprintID == fpID && ev.Status.IsActive() {
			e := ev
			return &e, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RegressionEvent
	for _, ev := range m.regressions {
		if ev.Status.IsActive() {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAtUtc.Before(out[j].DetectedAtUtc) })
	return out, nil
}

func (m *MemoryStore) GetRecentRegressions(ctx context.Context, since time.Time) ([]model.RegressionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RegressionEvent
	for _, ev := range m.regressions {
		if !ev.DetectedAtUtc.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAtUtc.After(out[j].DetectedAtUtc) })
	return out, nil
}

func (m *MemoryStore) PurgeRegressionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, ev := range m.regressions {
		if ev.DetectedAtUtc.Before(cutoff) && !ev.Status.IsActive() {
			delete(m.regressions, id)
			purged++
		}
	}
	return purged, nil
}

// --- remediation audit ---

func (m *MemoryStore) SaveAudit(ctx context.Context, rec model.RemediationAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

func (m *MemoryStore) GetRecentAudits(ctx context.Context, instance string, within time.Duration) ([]model.RemediationAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-within)
	var out []model.RemediationAudit
	for _, a := range m.audits {
		if a.InstanceName == instance && !a.TimestampUtc.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUtc.After(out[j].TimestampUtc) })
	return out, nil
}

func (m *MemoryStore) CountRecentApplied(ctx context.Context, instance string, within time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-within)
	n := 0
	for _, a := range m.audits {
		if a.InstanceName == instance && !a.TimestampUtc.Before(cutoff) && a.Success && !a.IsDryRun {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetAuditSummary(ctx context.Context, from, to time.Time) (*AuditSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := &AuditSummary{
		From:        from.UTC(),
		To:          to.UTC(),
		ByType:      make(map[string]int),
		ByInitiator: make(map[string]int),
	}
	for _, a := range m.audits {
		if a.TimestampUtc.Before(from) || !a.TimestampUtc.Before(to) {
			continue
		}
		sum.Total++
		if a.IsDryRun {
			sum.DryRuns++
		} else if a.Success {
			sum.Applied++
		}
		if !a.Success {
			sum.Failures++
		}
		sum.ByType[a.Type.String()]++
		sum.ByInitiator[a.Initiator]++
	}
	return sum, nil
}
