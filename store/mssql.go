package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

// SQLStore is the SQL Server implementation of Store. The monitoring
// database is separate from the monitored targets.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the monitoring database and verifies reachability.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open monitoring store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping monitoring store: %w", err)
	}
	return &SQLStore{db: db, logger: logger.Named("store")}, nil
}

// NewSQLStore wraps an existing connection. Used by tests with sqlmock.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger.Named("store")}
}

// Ping verifies the store is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func hashBytes(h *model.QueryHash) []byte {
	if h == nil {
		return nil
	}
	return h[:]
}

func hashFromDB(b []byte) *model.QueryHash {
	if len(b) == 0 {
		return nil
	}
	h, err := model.HashFromBytes(b)
	if err != nil {
		return nil
	}
	return &h
}

// --- fingerprints ---

type fingerprintRow struct {
	ID               uuid.UUID `db:"id"`
	Hash             []byte    `db:"hash"`
	SampleText       string    `db:"sample_text"`
	NormalizedText   string    `db:"normalized_text"`
	InstanceName     string    `db:"instance_name"`
	DatabaseName     string    `db:"database_name"`
	FirstSeenUtc     time.Time `db:"first_seen_utc"`
	LastSeenUtc      time.Time `db:"last_seen_utc"`
	IsFromServerHash bool      `db:"is_from_server_hash"`
}

func (r fingerprintRow) toModel() model.Fingerprint {
	fp := model.Fingerprint{
		ID:               r.ID,
		SampleText:       r.SampleText,
		NormalizedText:   r.NormalizedText,
		InstanceName:     r.InstanceName,
		DatabaseName:     r.DatabaseName,
		FirstSeenUtc:     r.FirstSeenUtc,
		LastSeenUtc:      r.LastSeenUtc,
		IsFromServerHash: r.IsFromServerHash,
	}
	if h := hashFromDB(r.Hash); h != nil {
		fp.Hash = *h
	}
	return fp
}

func (s *SQLStore) GetOrCreate(ctx context.Context, instance, database string, fp model.FingerprintResult) (uuid.UUID, error) {
	now := time.Now().UTC()

	var id uuid.UUID
	q := s.db.Rebind(`SELECT id FROM query_fingerprints WHERE hash = ? AND database_name = ?`)
	err := s.db.GetContext(ctx, &id, q, fp.Hash[:], database)
	switch {
	case err == nil:
		uq := s.db.Rebind(`UPDATE query_fingerprints SET last_seen_utc = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, uq, now, id); err != nil {
			return uuid.Nil, fmt.Errorf("update fingerprint last seen: %w", err)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New()
		iq := s.db.Rebind(`INSERT INTO query_fingerprints
			(id, hash, sample_text, normalized_text, instance_name, database_name,
			 first_seen_utc, last_seen_utc, is_from_server_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, iq,
			id, fp.Hash[:], fp.SampleText, fp.NormalizedText, instance, database,
			now, now, fp.IsFromServerHash); err != nil {
			return uuid.Nil, fmt.Errorf("insert fingerprint: %w", err)
		}
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
}

func (s *SQLStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Fingerprint, error) {
	var row fingerprintRow
	q := s.db.Rebind(`SELECT id, hash, sample_text, normalized_text, instance_name,
		database_name, first_seen_utc, last_seen_utc, is_from_server_hash
		FROM query_fingerprints WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	fp := row.toModel()
	return &fp, nil
}

func (s *SQLStore) GetByDatabase(ctx context.Context, instance, database string) ([]model.Fingerprint, error) {
	var rows []fingerprintRow
	q := s.db.Rebind(`SELECT id, hash, sample_text, normalized_text, instance_name,
		database_name, first_seen_utc, last_seen_utc, is_from_server_hash
		FROM query_fingerprints WHERE instance_name = ? AND database_name = ?
		ORDER BY last_seen_utc DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, instance, database); err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	out := make([]model.Fingerprint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	q := s.db.Rebind(`UPDATE query_fingerprints SET last_seen_utc = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, seenAt.UTC(), id); err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// --- samples ---

type sampleRow struct {
	FingerprintID      uuid.UUID     `db:"fingerprint_id"`
	InstanceName       string        `db:"instance_name"`
	DatabaseName       string        `db:"database_name"`
	SampledAtUtc       time.Time     `db:"sampled_at_utc"`
	PlanHash           []byte        `db:"plan_hash"`
	QueryStoreID       sql.NullInt64 `db:"query_store_id"`
	PlanStoreID        sql.NullInt64 `db:"plan_store_id"`
	ExecutionCount     int64         `db:"execution_count"`
	TotalCPUUs         int64         `db:"total_cpu_us"`
	AvgCPUUs           float64       `db:"avg_cpu_us"`
	TotalDurationUs    int64         `db:"total_duration_us"`
	AvgDurationUs      float64       `db:"avg_duration_us"`
	MinDurationUs      int64         `db:"min_duration_us"`
	MaxDurationUs      int64         `db:"max_duration_us"`
	MinCPUUs           int64         `db:"min_cpu_us"`
	MaxCPUUs           int64         `db:"max_cpu_us"`
	TotalLogicalReads  int64         `db:"total_logical_reads"`
	TotalLogicalWrites int64         `db:"total_logical_writes"`
	TotalPhysicalReads int64         `db:"total_physical_reads"`
	AvgGrantKB         float64       `db:"avg_grant_kb"`
	MaxGrantKB         int64         `db:"max_grant_kb"`
	WasReset           bool          `db:"was_reset"`
}

func (r sampleRow) toModel() model.MetricSample {
	m := model.MetricSample{
		FingerprintID:      r.FingerprintID,
		InstanceName:       r.InstanceName,
		DatabaseName:       r.DatabaseName,
		SampledAtUtc:       r.SampledAtUtc,
		PlanHash:           hashFromDB(r.PlanHash),
		ExecutionCount:     r.ExecutionCount,
		TotalCPUUs:         r.TotalCPUUs,
		AvgCPUUs:           r.AvgCPUUs,
		TotalDurationUs:    r.TotalDurationUs,
		AvgDurationUs:      r.AvgDurationUs,
		MinDurationUs:      r.MinDurationUs,
		MaxDurationUs:      r.MaxDurationUs,
		MinCPUUs:           r.MinCPUUs,
		MaxCPUUs:           r.MaxCPUUs,
		TotalLogicalReads:  r.TotalLogicalReads,
		TotalLogicalWrites: r.TotalLogicalWrites,
		TotalPhysicalReads: r.TotalPhysicalReads,
		AvgGrantKB:         r.AvgGrantKB,
		MaxGrantKB:         r.MaxGrantKB,
		WasReset:           r.WasReset,
	}
	if r.QueryStoreID.Valid {
		v := r.QueryStoreID.Int64
		m.QueryStoreID = &v
	}
	if r.PlanStoreID.Valid {
		v := r.PlanStoreID.Int64
		m.PlanStoreID = &v
	}
	return m
}

func (s *SQLStore) SaveBatch(ctx context.Context, instance string, samples []model.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch: %w", err)
	}
	defer tx.Rollback()

	q := tx.Rebind(`INSERT INTO metric_samples
		(fingerprint_id, instance_name, database_name, sampled_at_utc, plan_hash,
		 query_store_id, plan_store_id, execution_count, total_cpu_us, avg_cpu_us,
		 total_duration_us, avg_duration_us, min_duration_us, max_duration_us,
		 min_cpu_us, max_cpu_us, total_logical_reads, total_logical_writes,
		 total_physical_reads, avg_grant_kb, max_grant_kb, was_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range samples {
		var qsID, psID interface{}
		if m.QueryStoreID != nil {
			qsID = *m.QueryStoreID
		}
		if m.PlanStoreID != nil {
			psID = *m.PlanStoreID
		}
		if _, err := tx.ExecContext(ctx, q,
			m.FingerprintID, instance, m.DatabaseName, m.SampledAtUtc.UTC(),
			hashBytes(m.PlanHash), qsID, psID, m.ExecutionCount, m.TotalCPUUs,
			m.AvgCPUUs, m.TotalDurationUs, m.AvgDurationUs, m.MinDurationUs,
			m.MaxDurationUs, m.MinCPUUs, m.MaxCPUUs, m.TotalLogicalReads,
			m.TotalLogicalWrites, m.TotalPhysicalReads, m.AvgGrantKB,
			m.MaxGrantKB, m.WasReset); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample batch: %w", err)
	}
	return nil
}

func (s *SQLStore) GetForFingerprint(ctx context.Context, id uuid.UUID, from, to time.Time) ([]model.MetricSample, error) {
	var rows []sampleRow
	q := s.db.Rebind(`SELECT fingerprint_id, instance_name, database_name, sampled_at_utc,
		plan_hash, query_store_id, plan_store_id, execution_count, total_cpu_us,
		avg_cpu_us, total_duration_us, avg_duration_us, min_duration_us,
		max_duration_us, min_cpu_us, max_cpu_us, total_logical_reads,
		total_logical_writes, total_physical_reads, avg_grant_kb, max_grant_kb, was_reset
		FROM metric_samples
		WHERE fingerprint_id = ? AND sampled_at_utc >= ? AND sampled_at_utc < ?
		ORDER BY sampled_at_utc ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, id, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("get samples: %w", err)
	}
	out := make([]model.MetricSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// sampleOrderColumn maps a ranking metric onto metric_samples.
func sampleOrderColumn(m model.RankingMetric) string {
	switch m {
	case model.RankByTotalDuration:
		return "total_duration_us"
	case model.RankByTotalLogicalReads:
		return "total_logical_reads"
	case model.RankByAvgDuration:
		return "avg_duration_us"
	case model.RankByExecutionCount:
		return "execution_count"
	default:
		return "total_cpu_us"
	}
}

func (s *SQLStore) GetLatestPerFingerprint(ctx context.Context, instance, database string, from, to time.Time, orderBy model.RankingMetric, topN int) ([]model.MetricSample, error) {
	var rows []sampleRow
	q := s.db.Rebind(fmt.Sprintf(`WITH ranked AS (
		SELECT *, ROW_NUMBER() OVER (PARTITION BY fingerprint_id ORDER BY sampled_at_utc DESC) AS rn
		FROM metric_samples
		WHERE instance_name = ? AND database_name = ?
		  AND sampled_at_utc >= ? AND sampled_at_utc < ?
	)
	SELECT TOP (?) fingerprint_id, instance_name, database_name, sampled_at_utc,
		plan_hash, query_store_id, plan_store_id, execution_count, total_cpu_us,
		avg_cpu_us, total_duration_us, avg_duration_us, min_duration_us,
		max_duration_us, min_cpu_us, max_cpu_us, total_logical_reads,
		total_logical_writes, total_physical_reads, avg_grant_kb, max_grant_kb, was_reset
	FROM ranked WHERE rn = 1 ORDER BY %s DESC`, sampleOrderColumn(orderBy)))
	if err := s.db.SelectContext(ctx, &rows, q, instance, database, from.UTC(), to.UTC(), topN); err != nil {
		return nil, fmt.Errorf("latest samples: %w", err)
	}
	out := make([]model.MetricSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

type aggregateRow struct {
	SampleCount      int             `db:"sample_count"`
	TotalExecutions  int64           `db:"total_executions"`
	AvgDurationUs    float64         `db:"avg_duration_us"`
	P50DurationUs    sql.NullFloat64 `db:"p50_duration_us"`
	P95DurationUs    float64         `db:"p95_duration_us"`
	P99DurationUs    float64         `db:"p99_duration_us"`
	StdDevDurationUs sql.NullFloat64 `db:"stddev_duration_us"`
	AvgCPUUs         float64         `db:"avg_cpu_us"`
	P95CPUUs         float64         `db:"p95_cpu_us"`
	AvgLogicalReads  float64         `db:"avg_logical_reads"`
	MaxLogicalReads  int64           `db:"max_logical_reads"`
	DominantPlanHash []byte          `db:"dominant_plan_hash"`
}

func (s *SQLStore) Aggregate(ctx context.Context, id uuid.UUID, from, to time.Time) (*model.AggregatedMetrics, error) {
	var row aggregateRow
	q := s.db.Rebind(`SELECT TOP 1
		COUNT(*) OVER () AS sample_count,
		SUM(execution_count) OVER () AS total_executions,
		AVG(avg_duration_us) OVER () AS avg_duration_us,
		PERCENTILE_CONT(0.5)  WITHIN GROUP (ORDER BY avg_duration_us) OVER () AS p50_duration_us,
		PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY max_duration_us) OVER () AS p95_duration_us,
		PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY max_duration_us) OVER () AS p99_duration_us,
		STDEV(avg_duration_us) OVER () AS stddev_duration_us,
		AVG(avg_cpu_us) OVER () AS avg_cpu_us,
		PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY max_cpu_us) OVER () AS p95_cpu_us,
		AVG(CAST(total_logical_reads AS FLOAT) / NULLIF(execution_count, 0)) OVER () AS avg_logical_reads,
		MAX(total_logical_reads) OVER () AS max_logical_reads,
		FIRST_VALUE(plan_hash) OVER (ORDER BY sampled_at_utc DESC) AS dominant_plan_hash
		FROM metric_samples
		WHERE fingerprint_id = ? AND sampled_at_utc >= ? AND sampled_at_utc < ?`)
	err := s.db.GetContext(ctx, &row, q, id, from.UTC(), to.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return &model.AggregatedMetrics{
			FingerprintID:  id,
			WindowStartUtc: from.UTC(),
			WindowEndUtc:   to.UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate samples: %w", err)
	}
	agg := &model.AggregatedMetrics{
		FingerprintID:    id,
		WindowStartUtc:   from.UTC(),
		WindowEndUtc:     to.UTC(),
		SampleCount:      row.SampleCount,
		TotalExecutions:  row.TotalExecutions,
		AvgDurationUs:    row.AvgDurationUs,
		P95DurationUs:    row.P95DurationUs,
		P99DurationUs:    row.P99DurationUs,
		AvgCPUUs:         row.AvgCPUUs,
		P95CPUUs:         row.P95CPUUs,
		AvgLogicalReads:  row.AvgLogicalReads,
		MaxLogicalReads:  row.MaxLogicalReads,
		DominantPlanHash: hashFromDB(row.DominantPlanHash),
	}
	if row.P50DurationUs.Valid {
		agg.P50DurationUs = row.P50DurationUs.Float64
	}
	if row.StdDevDurationUs.Valid {
		agg.StdDevDurationUs = row.StdDevDurationUs.Float64
	}
	return agg, nil
}

func (s *SQLStore) PurgeSamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM metric_samples WHERE sampled_at_utc < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge samples: %w", err)
	}
	return res.RowsAffected()
}

// --- snapshots ---

type snapshotRow struct {
	InstanceName       string    `db:"instance_name"`
	DatabaseName       string    `db:"database_name"`
	FingerprintID      uuid.UUID `db:"fingerprint_id"`
	PlanHash           []byte    `db:"plan_hash"`
	ExecutionCount     int64     `db:"execution_count"`
	TotalCPUUs         int64     `db:"total_cpu_us"`
	TotalDurationUs    int64     `db:"total_duration_us"`
	MinDurationUs      int64     `db:"min_duration_us"`
	MaxDurationUs      int64     `db:"max_duration_us"`
	MinCPUUs           int64     `db:"min_cpu_us"`
	MaxCPUUs           int64     `db:"max_cpu_us"`
	TotalLogicalReads  int64     `db:"total_logical_reads"`
	TotalLogicalWrites int64     `db:"total_logical_writes"`
	TotalPhysicalReads int64     `db:"total_physical_reads"`
	TotalGrantKB       int64     `db:"total_grant_kb"`
	MaxGrantKB         int64     `db:"max_grant_kb"`
	SnapshotTimeUtc    time.Time `db:"snapshot_time_utc"`
}

func (s *SQLStore) GetLastSnapshot(ctx context.Context, instance, database string, fpID uuid.UUID, planHash *model.QueryHash) (*model.CumulativeSnapshot, error) {
	var row snapshotRow
	q := s.db.Rebind(`SELECT instance_name, database_name, fingerprint_id, plan_hash,
		execution_count, total_cpu_us, total_duration_us, min_duration_us,
		max_duration_us, min_cpu_us, max_cpu_us, total_logical_reads,
		total_logical_writes, total_physical_reads, total_grant_kb, max_grant_kb,
		snapshot_time_utc
		FROM cumulative_snapshots
		WHERE instance_name = ? AND database_name = ? AND fingerprint_id = ?
		  AND ((plan_hash IS NULL AND ? IS NULL) OR plan_hash = ?)`)
	ph := hashBytes(planHash)
	err := s.db.GetContext(ctx, &row, q, instance, database, fpID, ph, ph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap := &model.CumulativeSnapshot{
		InstanceName:  row.InstanceName,
		DatabaseName:  row.DatabaseName,
		FingerprintID: row.FingerprintID,
		PlanHash:      hashFromDB(row.PlanHash),
		Counters: model.QueryCounters{
			ExecutionCount:     row.ExecutionCount,
			TotalCPUUs:         row.TotalCPUUs,
			TotalDurationUs:    row.TotalDurationUs,
			MinDurationUs:      row.MinDurationUs,
			MaxDurationUs:      row.MaxDurationUs,
			MinCPUUs:           row.MinCPUUs,
			MaxCPUUs:           row.MaxCPUUs,
			TotalLogicalReads:  row.TotalLogicalReads,
			TotalLogicalWrites: row.TotalLogicalWrites,
			TotalPhysicalReads: row.TotalPhysicalReads,
			TotalGrantKB:       row.TotalGrantKB,
			MaxGrantKB:         row.MaxGrantKB,
		},
		SnapshotTimeUtc: row.SnapshotTimeUtc,
	}
	return snap, nil
}

func (s *SQLStore) UpsertSnapshot(ctx context.Context, snap model.CumulativeSnapshot) error {
	c := snap.Counters
	ph := hashBytes(snap.PlanHash)
	q := s.db.Rebind(`MERGE cumulative_snapshots AS t
		USING (SELECT ? AS instance_name, ? AS database_name, ? AS fingerprint_id, ? AS plan_hash) AS src
		ON t.instance_name = src.instance_name AND t.database_name = src.database_name
		   AND t.fingerprint_id = src.fingerprint_id
		   AND ((t.plan_hash IS NULL AND src.plan_hash IS NULL) OR t.plan_hash = src.plan_hash)
		WHEN MATCHED THEN UPDATE SET
			execution_count = ?, total_cpu_us = ?, total_duration_us = ?,
			min_duration_us = ?, max_duration_us = ?, min_cpu_us = ?, max_cpu_us = ?,
			total_logical_reads = ?, total_logical_writes = ?, total_physical_reads = ?,
			total_grant_kb = ?, max_grant_kb = ?, snapshot_time_utc = ?
		WHEN NOT MATCHED THEN INSERT
			(instance_name, database_name, fingerprint_id, plan_hash, execution_count,
			 total_cpu_us, total_duration_us, min_duration_us, max_duration_us,
			 min_cpu_us, max_cpu_us, total_logical_reads, total_logical_writes,
			 total_physical_reads, total_grant_kb, max_grant_kb, snapshot_time_utc)
			VALUES (src.instance_name, src.database_name, src.fingerprint_id, src.plan_hash,
			 ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	ts := snap.SnapshotTimeUtc.UTC()
	if _, err := s.db.ExecContext(ctx, q,
		snap.InstanceName, snap.DatabaseName, snap.FingerprintID, ph,
		c.ExecutionCount, c.TotalCPUUs, c.TotalDurationUs, c.MinDurationUs,
		c.MaxDurationUs, c.MinCPUUs, c.MaxCPUUs, c.TotalLogicalReads,
		c.TotalLogicalWrites, c.TotalPhysicalReads, c.TotalGrantKB, c.MaxGrantKB, ts,
		c.ExecutionCount, c.TotalCPUUs, c.TotalDurationUs, c.MinDurationUs,
		c.MaxDurationUs, c.MinCPUUs, c.MaxCPUUs, c.TotalLogicalReads,
		c.TotalLogicalWrites, c.TotalPhysicalReads, c.TotalGrantKB, c.MaxGrantKB, ts,
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) PurgeStaleSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM cumulative_snapshots WHERE snapshot_time_utc < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return res.RowsAffected()
}

// --- baselines ---

type baselineRow struct {
	ID               uuid.UUID `db:"id"`
	FingerprintID    uuid.UUID `db:"fingerprint_id"`
	InstanceName     string    `db:"instance_name"`
	DatabaseName     string    `db:"database_name"`
	ComputedAtUtc    time.Time `db:"computed_at_utc"`
	WindowStartUtc   time.Time `db:"window_start_utc"`
	WindowEndUtc     time.Time `db:"window_end_utc"`
	SampleCount      int       `db:"sample_count"`
	TotalExecutions  int64     `db:"total_executions"`
	MedianDurationUs float64   `db:"median_duration_us"`
	P95DurationUs    float64   `db:"p95_duration_us"`
	P99DurationUs    float64   `db:"p99_duration_us"`
	AvgDurationUs    float64   `db:"avg_duration_us"`
	StdDevDurationUs float64   `db:"stddev_duration_us"`
	AvgCPUUs         float64   `db:"avg_cpu_us"`
	P95CPUUs         float64   `db:"p95_cpu_us"`
	AvgLogicalReads  float64   `db:"avg_logical_reads"`
	MaxLogicalReads  int64     `db:"max_logical_reads"`
	ExpectedPlanHash []byte    `db:"expected_plan_hash"`
	IsActive         bool      `db:"is_active"`
}

func (s *SQLStore) GetActiveBaseline(ctx context.Context, fpID uuid.UUID) (*model.Baseline, error) {
	var row baselineRow
	q := s.db.Rebind(`SELECT id, fingerprint_id, instance_name, database_name,
		computed_at_utc, window_start_utc, window_end_utc, sample_count,
		total_executions, median_duration_us, p95_duration_us, p99_duration_us,
		avg_duration_us, stddev_duration_us, avg_cpu_us, p95_cpu_us,
		avg_logical_reads, max_logical_reads, expected_plan_hash, is_active
		FROM baselines WHERE fingerprint_id = ? AND is_active = 1`)
	err := s.db.GetContext(ctx, &row, q, fpID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active baseline: %w", err)
	}
	b := &model.Baseline{
		ID:               row.ID,
		FingerprintID:    row.FingerprintID,
		InstanceName:     row.InstanceName,
		DatabaseName:     row.DatabaseName,
		ComputedAtUtc:    row.ComputedAtUtc,
		WindowStartUtc:   row.WindowStartUtc,
		WindowEndUtc:     row.WindowEndUtc,
		SampleCount:      row.SampleCount,
		TotalExecutions:  row.TotalExecutions,
		MedianDurationUs: row.MedianDurationUs,
		P95DurationUs:    row.P95DurationUs,
		P99DurationUs:    row.P99DurationUs,
		AvgDurationUs:    row.AvgDurationUs,
		StdDevDurationUs: row.StdDevDurationUs,
		AvgCPUUs:         row.AvgCPUUs,
		P95CPUUs:         row.P95CPUUs,
		AvgLogicalReads:  row.AvgLogicalReads,
		MaxLogicalReads:  row.MaxLogicalReads,
		ExpectedPlanHash: hashFromDB(row.ExpectedPlanHash),
		IsActive:         row.IsActive,
	}
	return b, nil
}

func (s *SQLStore) SaveBaseline(ctx context.Context, b model.Baseline) error {
	q := s.db.Rebind(`INSERT INTO baselines
		(id, fingerprint_id, instance_name, database_name, computed_at_utc,
		 window_start_utc, window_end_utc, sample_count, total_executions,
		 median_duration_us, p95_duration_us, p99_duration_us, avg_duration_us,
		 stddev_duration_us, avg_cpu_us, p95_cpu_us, avg_logical_reads,
		 max_logical_reads, expected_plan_hash, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		b.ID, b.FingerprintID, b.InstanceName, b.DatabaseName, b.ComputedAtUtc.UTC(),
		b.WindowStartUtc.UTC(), b.WindowEndUtc.UTC(), b.SampleCount, b.TotalExecutions,
		b.MedianDurationUs, b.P95DurationUs, b.P99DurationUs, b.AvgDurationUs,
		b.StdDevDurationUs, b.AvgCPUUs, b.P95CPUUs, b.AvgLogicalReads,
		b.MaxLogicalReads, hashBytes(b.ExpectedPlanHash), b.IsActive); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

func (s *SQLStore) SupersedeActiveBaseline(ctx context.Context, fpID uuid.UUID) error {
	// Conditional update keeps supersede+save atomic for readers of
	// "the active baseline": they see the old row or the new one,
	// never two actives.
	q := s.db.Rebind(`UPDATE baselines SET is_active = 0 WHERE fingerprint_id = ? AND is_active = 1`)
	if _, err := s.db.ExecContext(ctx, q, fpID); err != nil {
		return fmt.Errorf("supersede baseline: %w", err)
	}
	return nil
}

// --- regressions ---

type regressionRow struct {
	ID               uuid.UUID `db:"id"`
	FingerprintID    uuid.UUID `db:"fingerprint_id"`
	InstanceName     string    `db:"instance_name"`
	DatabaseName     string    `db:"database_name"`
	DetectedAtUtc    time.Time `db:"detected_at_utc"`
	Type             int       `db:"type"`
	Metric           int       `db:"metric"`
	BaselineValue    float64   `db:"baseline_value"`
	CurrentValue     float64   `db:"current_value"`
	ChangePercent    float64   `db:"change_percent"`
	ThresholdPercent float64   `db:"threshold_percent"`
	Severity         int       `db:"severity"`
	OldPlanHash      []byte    `db:"old_plan_hash"`
	NewPlanHash      []byte    `db:"new_plan_hash"`
	Status           int       `db:"status"`
	Description      string    `db:"description"`
	WindowStartUtc   time.Time `db:"window_start_utc"`
	WindowEndUtc     time.Time `db:"window_end_utc"`
}

func (r regressionRow) toModel() model.RegressionEvent {
	return model.RegressionEvent{
		ID:               r.ID,
		FingerprintID:    r.FingerprintID,
		InstanceName:     r.InstanceName,
		DatabaseName:     r.DatabaseName,
		DetectedAtUtc:    r.DetectedAtUtc,
		Type:             model.RegressionType(r.Type),
		Metric:           model.RegressionMetric(r.Metric),
		BaselineValue:    r.BaselineValue,
		CurrentValue:     r.CurrentValue,
		ChangePercent:    r.ChangePercent,
		ThresholdPercent: r.ThresholdPercent,
		Severity:         model.Severity(r.Severity),
		OldPlanHash:      hashFromDB(r.OldPlanHash),
		NewPlanHash:      hashFromDB(r.NewPlanHash),
		Status:           model.RegressionStatus(r.Status),
		Description:      r.Description,
		WindowStartUtc:   r.WindowStartUtc,
		WindowEndUtc:     r.WindowEndUtc,
	}
}

const regressionColumns = `id, fingerprint_id, instance_name, database_name,
	detected_at_utc, type, metric, baseline_value, current_value, change_percent,
	threshold_percent, severity, old_plan_hash, new_plan_hash, status, description,
	window_start_utc, window_end_utc`

func (s *SQLStore) SaveRegression(ctx context.Context, ev model.RegressionEvent) error {
	q := s.db.Rebind(`INSERT INTO regression_events (` + regressionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		ev.ID, ev.FingerprintID, ev.InstanceName, ev.DatabaseName,
		ev.DetectedAtUtc.UTC(), int(ev.Type), int(ev.Metric), ev.BaselineValue,
		ev.CurrentValue, ev.ChangePercent, ev.ThresholdPercent, int(ev.Severity),
		hashBytes(ev.OldPlanHash), hashBytes(ev.NewPlanHash), int(ev.Status),
		ev.Description, ev.WindowStartUtc.UTC(), ev.WindowEndUtc.UTC()); err != nil {
		return fmt.Errorf("save regression: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateRegression(ctx context.Context, ev model.RegressionEvent) error {
	q := s.db.Rebind(`UPDATE regression_events SET status = ?, description = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, int(ev.Status), ev.Description, ev.ID); err != nil {
		return fmt.Errorf("update regression: %w", err)
	}
	return nil
}

func (s *SQLStore) GetActiveRegressionByFingerprint(ctx context.Context, fpID uuid.UUID) (*model.RegressionEvent, error) {
	var row regressionRow
	q := s.db.Rebind(`SELECT ` + regressionColumns + ` FROM regression_events
		WHERE fingerprint_id = ? AND status IN (0, 1)`)
	err := s.db.GetContext(ctx, &row, q, fpID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active regression: %w", err)
	}
	ev := row.toModel()
	return &ev, nil
}

func (s *SQLStore) GetActiveRegressions(ctx context.Context) ([]model.RegressionEvent, error) {
	var rows []regressionRow
	q := `SELECT ` + regressionColumns + ` FROM regression_events
		WHERE status IN (0, 1) ORDER BY detected_at_utc ASC`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list active regressions: %w", err)
	}
	out := make([]model.RegressionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) GetRecentRegressions(ctx context.Context, since time.Time) ([]model.RegressionEvent, error) {
	var rows []regressionRow
	q := s.db.Rebind(`SELECT ` + regressionColumns + ` FROM regression_events
		WHERE detected_at_utc >= ? ORDER BY detected_at_utc DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, since.UTC()); err != nil {
		return nil, fmt.Errorf("list recent regressions: %w", err)
	}
	out := make([]model.RegressionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) PurgeRegressionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM regression_events
		WHERE detected_at_utc < ? AND status NOT IN (0, 1)`)
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge regressions: %w", err)
	}
	return res.RowsAffected()
}

// --- remediation audit ---

func (s *SQLStore) SaveAudit(ctx context.Context, rec model.RemediationAudit) error {
	var sugID interface{}
	if rec.SuggestionID != nil {
		sugID = *rec.SuggestionID
	}
	var sqlErr interface{}
	if rec.SQLErrorNumber != nil {
		sqlErr = *rec.SQLErrorNumber
	}
	q := s.db.Rebind(`INSERT INTO remediation_audit
		(id, timestamp_utc, instance_name, database_name, fingerprint_id,
		 suggestion_id, type, sql_statement, is_dry_run, success, error_message,
		 sql_error_number, duration_ms, initiator, machine_name, service_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.TimestampUtc.UTC(), rec.InstanceName, rec.DatabaseName,
		rec.FingerprintID, sugID, int(rec.Type), rec.SQLStatement, rec.IsDryRun,
		rec.Success, rec.ErrorMessage, sqlErr, rec.Duration.Milliseconds(),
		rec.Initiator, rec.MachineName, rec.ServiceVersion); err != nil {
		return fmt.Errorf("save audit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRecentAudits(ctx context.Context, instance string, within time.Duration) ([]model.RemediationAudit, error) {
	type auditRow struct {
		ID             uuid.UUID     `db:"id"`
		TimestampUtc   time.Time     `db:"timestamp_utc"`
		InstanceName   string        `db:"instance_name"`
		DatabaseName   string        `db:"database_name"`
		FingerprintID  uuid.UUID     `db:"fingerprint_id"`
		SuggestionID   uuid.NullUUID `db:"suggestion_id"`
		Type           int           `db:"type"`
		SQLStatement   string        `db:"sql_statement"`
		IsDryRun       bool          `db:"is_dry_run"`
		Success        bool          `db:"success"`
		ErrorMessage   string        `db:"error_message"`
		SQLErrorNumber sql.NullInt32 `db:"sql_error_number"`
		DurationMs     int64         `db:"duration_ms"`
		Initiator      string        `db:"initiator"`
		MachineName    string        `db:"machine_name"`
		ServiceVersion string        `db:"service_version"`
	}
	var rows []auditRow
	q := s.db.Rebind(`SELECT id, timestamp_utc, instance_name, database_name,
		fingerprint_id, suggestion_id, type, sql_statement, is_dry_run, success,
		error_message, sql_error_number, duration_ms, initiator, machine_name,
		service_version
		FROM remediation_audit
		WHERE instance_name = ? AND timestamp_utc >= ?
		ORDER BY timestamp_utc DESC`)
	cutoff := time.Now().UTC().Add(-within)
	if err := s.db.SelectContext(ctx, &rows, q, instance, cutoff); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	out := make([]model.RemediationAudit, 0, len(rows))
	for _, r := range rows {
		rec := model.RemediationAudit{
			ID:             r.ID,
			TimestampUtc:   r.TimestampUtc,
			InstanceName:   r.InstanceName,
			DatabaseName:   r.DatabaseName,
			FingerprintID:  r.FingerprintID,
			Type:           model.RemediationType(r.Type),
			SQLStatement:   r.SQLStatement,
			IsDryRun:       r.IsDryRun,
			Success:        r.Success,
			ErrorMessage:   r.ErrorMessage,
			Duration:       time.Duration(r.DurationMs) * time.Millisecond,
			Initiator:      r.Initiator,
			MachineName:    r.MachineName,
			ServiceVersion: r.ServiceVersion,
		}
		if r.SuggestionID.Valid {
			v := r.SuggestionID.UUID
			rec.SuggestionID = &v
		}
		if r.SQLErrorNumber.Valid {
			v := r.SQLErrorNumber.Int32
			rec.SQLErrorNumber = &v
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) CountRecentApplied(ctx context.Context, instance string, within time.Duration) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM remediation_audit
		WHERE instance_name = ? AND timestamp_utc >= ?
		  AND success = 1 AND is_dry_run = 0`)
	cutoff := time.Now().UTC().Add(-within)
	if err := s.db.GetContext(ctx, &n, q, instance, cutoff); err != nil {
		return 0, fmt.Errorf("count applied remediations: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetAuditSummary(ctx context.Context, from, to time.Time) (*AuditSummary, error) {
	type summaryRow struct {
		Type      int    `db:"type"`
		Initiator string `db:"initiator"`
		IsDryRun  bool   `db:"is_dry_run"`
		Success   bool   `db:"success"`
		N         int    `db:"n"`
	}
	var rows []summaryRow
	q := s.db.Rebind(`SELECT type, initiator, is_dry_run, success, COUNT(*) AS n
		FROM remediation_audit
		WHERE timestamp_utc >= ? AND timestamp_utc < ?
		GROUP BY type, initiator, is_dry_run, success`)
	if err := s.db.SelectContext(ctx, &rows, q, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("audit summary: %w", err)
	}
	sum := &AuditSummary{
		From:        from.UTC(),
		To:          to.UTC(),
		ByType:      make(map[string]int),
		ByInitiator: make(map[string]int),
	}
	for _, r := range rows {
		sum.Total += r.N
		if r.IsDryRun {
			sum.DryRuns += r.N
		} else if r.Success {
			sum.Applied += r.N
		}
		if !r.Success {
			sum.Failures += r.N
		}
		sum.ByType[model.RemediationType(r.Type).String()] += r.N
		sum.ByInitiator[r.Initiator] += r.N
	}
	return sum, nil
}
