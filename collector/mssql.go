package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

// SQL Server error numbers the provider reacts to.
const (
	sqlErrObjectNotFound   = 208
	sqlErrPermissionDenied = 297
	sqlErrObjectPermDenied = 229
)

// MSSQLProvider reads query statistics from one SQL Server instance,
// preferring the Query Store and falling back to the plan-cache DMVs
// when the Query Store is absent or unreadable.
type MSSQLProvider struct {
	db       *sqlx.DB
	instance string
	logger   *zap.Logger

	mu sync.Mutex
	// databases where a stats path has been latched off for the lifetime
	// of the process.
	qsUnavailable  map[string]bool
	dmvUnavailable map[string]bool
}

// NewMSSQLProvider connects to the instance and verifies reachability.
func NewMSSQLProvider(ctx context.Context, instance, dsn string, logger *zap.Logger) (*MSSQLProvider, error) {
	db, err := sqlx.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open instance %s: %w", instance, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping instance %s: %w", instance, err)
	}
	return &MSSQLProvider{
		db:             db,
		instance:       instance,
		logger:         logger.Named("provider").With(zap.String("instance", instance)),
		qsUnavailable:  make(map[string]bool),
		dmvUnavailable: make(map[string]bool),
	}, nil
}

func (p *MSSQLProvider) InstanceName() string { return p.instance }

func (p *MSSQLProvider) Close() error { return p.db.Close() }

func sqlErrorNumber(err error) (int32, bool) {
	var se mssql.Error
	if errors.As(err, &se) {
		return se.Number, true
	}
	return 0, false
}

func (p *MSSQLProvider) latchQueryStoreOff(database string) {
	p.mu.Lock()
	p.qsUnavailable[database] = true
	p.mu.Unlock()
}

func (p *MSSQLProvider) queryStoreLatchedOff(database string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.qsUnavailable[database]
}

func (p *MSSQLProvider) latchDMVOff(database string) {
	p.mu.Lock()
	p.dmvUnavailable[database] = true
	p.mu.Unlock()
}

func (p *MSSQLProvider) dmvLatchedOff(database string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dmvUnavailable[database]
}

// QueryStoreEnabled probes whether the database has an active Query
// Store readable by the monitoring login.
func (p *MSSQLProvider) QueryStoreEnabled(ctx context.Context, database string) (bool, error) {
	if p.queryStoreLatchedOff(database) {
		return false, nil
	}
	var state int
	q := fmt.Sprintf(`SELECT actual_state FROM %s.sys.database_query_store_options`, quoteName(database))
	err := p.db.GetContext(ctx, &state, q)
	if err != nil {
		if n, ok := sqlErrorNumber(err); ok {
			switch n {
			case sqlErrObjectNotFound:
				p.logger.Debug("query store views absent", zap.String("database", database))
				p.latchQueryStoreOff(database)
				return false, nil
			case sqlErrPermissionDenied, sqlErrObjectPermDenied:
				p.logger.Warn("query store access denied, using dmv path",
					zap.String("database", database), zap.Int32("sqlError", n))
				p.latchQueryStoreOff(database)
				return false, nil
			}
		}
		return false, fmt.Errorf("probe query store on %s/%s: %w", p.instance, database, err)
	}
	// 0 = OFF, 1 = READ_ONLY, 2 = READ_WRITE
	return state != 0, nil
}

// quoteName brackets an identifier, doubling closing brackets.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (p *MSSQLProvider) TopQueries(ctx context.Context, database string, topN int, lookback time.Duration, orderBy model.RankingMetric) ([]QueryStats, error) {
	if !p.queryStoreLatchedOff(database) {
		stats, err := p.topQueriesQueryStore(ctx, database, topN, lookback, orderBy)
		if err == nil {
			return stats, nil
		}
		if n, ok := sqlErrorNumber(err); ok {
			switch n {
			case sqlErrObjectNotFound:
				p.logger.Debug("query store path unavailable, falling back to dmv",
					zap.String("database", database))
				p.latchQueryStoreOff(database)
			case sqlErrPermissionDenied, sqlErrObjectPermDenied:
				p.logger.Warn("query store permission denied, falling back to dmv",
					zap.String("database", database), zap.Int32("sqlError", n))
				p.latchQueryStoreOff(database)
			default:
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return p.topQueriesDMV(ctx, database, topN, lookback, orderBy)
}

// queryStoreOrderColumn maps a ranking metric onto the aggregated
// Query Store expression it sorts by.
func queryStoreOrderColumn(m model.RankingMetric) string {
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

type providerRow struct {
	SQLText            string        `db:"sql_text"`
	QueryHash          []byte        `db:"query_hash"`
	PlanHash           []byte        `db:"plan_hash"`
	QueryStoreID       sql.NullInt64 `db:"query_store_id"`
	PlanStoreID        sql.NullInt64 `db:"plan_store_id"`
	ExecutionCount     int64         `db:"execution_count"`
	TotalCPUUs         float64       `db:"total_cpu_us"`
	TotalDurationUs    float64       `db:"total_duration_us"`
	MinDurationUs      float64       `db:"min_duration_us"`
	MaxDurationUs      float64       `db:"max_duration_us"`
	MinCPUUs           float64       `db:"min_cpu_us"`
	MaxCPUUs           float64       `db:"max_cpu_us"`
	TotalLogicalReads  float64       `db:"total_logical_reads"`
	TotalLogicalWrites float64       `db:"total_logical_writes"`
	TotalPhysicalReads float64       `db:"total_physical_reads"`
	TotalGrantKB       float64       `db:"total_grant_kb"`
	MaxGrantKB         float64       `db:"max_grant_kb"`
}

func (r providerRow) toStats(database string) QueryStats {
	st := QueryStats{
		DatabaseName:    database,
		SQLText:         r.SQLText,
		ServerQueryHash: r.QueryHash,
		PlanHash:        r.PlanHash,
		Counters: model.QueryCounters{
			ExecutionCount:     r.ExecutionCount,
			TotalCPUUs:         int64(r.TotalCPUUs),
			TotalDurationUs:    int64(r.TotalDurationUs),
			MinDurationUs:      int64(r.MinDurationUs),
			MaxDurationUs:      int64(r.MaxDurationUs),
			MinCPUUs:           int64(r.MinCPUUs),
			MaxCPUUs:           int64(r.MaxCPUUs),
			TotalLogicalReads:  int64(r.TotalLogicalReads),
			TotalLogicalWrites: int64(r.TotalLogicalWrites),
			TotalPhysicalReads: int64(r.TotalPhysicalReads),
			TotalGrantKB:       int64(r.TotalGrantKB),
			MaxGrantKB:         int64(r.MaxGrantKB),
		},
	}
	if r.QueryStoreID.Valid {
		v := r.QueryStoreID.Int64
		st.QueryStoreID = &v
	}
	if r.PlanStoreID.Valid {
		v := r.PlanStoreID.Int64
		st.PlanStoreID = &v
	}
	return st
}

func (p *MSSQLProvider) topQueriesQueryStore(ctx context.Context, database string, topN int, lookback time.Duration, orderBy model.RankingMetric) ([]QueryStats, error) {
	db := quoteName(database)
	q := p.db.Rebind(fmt.Sprintf(`SELECT TOP (?)
		qt.query_sql_text AS sql_text,
		q.query_hash AS query_hash,
		pl.query_plan_hash AS plan_hash,
		q.query_id AS query_store_id,
		pl.plan_id AS plan_store_id,
		SUM(rs.count_executions) AS execution_count,
		SUM(rs.avg_cpu_time * rs.count_executions) AS total_cpu_us,
		SUM(rs.avg_duration * rs.count_executions) AS total_duration_us,
		MIN(rs.min_duration) AS min_duration_us,
		MAX(rs.max_duration) AS max_duration_us,
		MIN(rs.min_cpu_time) AS min_cpu_us,
		MAX(rs.max_cpu_time) AS max_cpu_us,
		SUM(rs.avg_logical_io_reads * rs.count_executions) AS total_logical_reads,
		SUM(rs.avg_logical_io_writes * rs.count_executions) AS total_logical_writes,
		SUM(rs.avg_physical_io_reads * rs.count_executions) AS total_physical_reads,
		SUM(rs.avg_query_max_used_memory * rs.count_executions) * 8 AS total_grant_kb,
		MAX(rs.max_query_max_used_memory) * 8 AS max_grant_kb
	FROM %[1]s.sys.query_store_query q
	JOIN %[1]s.sys.query_store_query_text qt ON qt.query_text_id = q.query_text_id
	JOIN %[1]s.sys.query_store_plan pl ON pl.query_id = q.query_id
	JOIN %[1]s.sys.query_store_runtime_stats rs ON rs.plan_id = pl.plan_id
	JOIN %[1]s.sys.query_store_runtime_stats_interval iv
		ON iv.runtime_stats_interval_id = rs.runtime_stats_interval_id
	WHERE iv.end_time >= ?
	GROUP BY q.query_id, pl.plan_id, qt.query_sql_text, q.query_hash, pl.query_plan_hash
	ORDER BY %[2]s DESC`, db, queryStoreOrderColumn(orderBy)))

	since := time.Now().UTC().Add(-lookback)
	var rows []providerRow
	if err := p.db.SelectContext(ctx, &rows, q, topN, since); err != nil {
		return nil, err
	}
	out := make([]QueryStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStats(database))
	}
	return out, nil
}

// dmvOrderColumn maps a ranking metric onto dm_exec_query_stats.
func dmvOrderColumn(m model.RankingMetric) string {
	switch m {
	case model.RankByTotalDuration:
		return "qs.total_elapsed_time"
	case model.RankByTotalLogicalReads:
		return "qs.total_logical_reads"
	case model.RankByAvgDuration:
		return "qs.total_elapsed_time / NULLIF(qs.execution_count, 0)"
	case model.RankByExecutionCount:
		return "qs.execution_count"
	default:
		return "qs.total_worker_time"
	}
}

func (p *MSSQLProvider) topQueriesDMV(ctx context.Context, database string, topN int, lookback time.Duration, orderBy model.RankingMetric) ([]QueryStats, error) {
	if p.dmvLatchedOff(database) {
		return nil, fmt.Errorf("dmv stats on %s/%s: %w", p.instance, database, ErrFeatureUnavailable)
	}
	q := p.db.Rebind(fmt.Sprintf(`SELECT TOP (?)
		SUBSTRING(st.text, (qs.statement_start_offset / 2) + 1,
			((CASE qs.statement_end_offset WHEN -1 THEN DATALENGTH(st.text)
			  ELSE qs.statement_end_offset END - qs.statement_start_offset) / 2) + 1) AS sql_text,
		qs.query_hash AS query_hash,
		qs.query_plan_hash AS plan_hash,
		NULL AS query_store_id,
		NULL AS plan_store_id,
		qs.execution_count AS execution_count,
		qs.total_worker_time AS total_cpu_us,
		qs.total_elapsed_time AS total_duration_us,
		qs.min_elapsed_time AS min_duration_us,
		qs.max_elapsed_time AS max_duration_us,
		qs.min_worker_time AS min_cpu_us,
		qs.max_worker_time AS max_cpu_us,
		qs.total_logical_reads AS total_logical_reads,
		qs.total_logical_writes AS total_logical_writes,
		qs.total_physical_reads AS total_physical_reads,
		ISNULL(qs.total_grant_kb, 0) AS total_grant_kb,
		ISNULL(qs.max_grant_kb, 0) AS max_grant_kb
	FROM sys.dm_exec_query_stats qs
	CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) st
	WHERE qs.last_execution_time >= ? AND st.dbid = DB_ID(?)
	ORDER BY %s DESC`, dmvOrderColumn(orderBy)))

	since := time.Now().UTC().Add(-lookback)
	var rows []providerRow
	if err := p.db.SelectContext(ctx, &rows, q, topN, since, database); err != nil {
		if n, ok := sqlErrorNumber(err); ok && (n == sqlErrPermissionDenied || n == sqlErrObjectPermDenied) {
			p.logger.Warn("dmv access denied", zap.String("database", database), zap.Int32("sqlError", n))
			p.latchDMVOff(database)
			return nil, fmt.Errorf("dmv stats on %s/%s: %w", p.instance, database, ErrFeatureUnavailable)
		}
		return nil, fmt.Errorf("dmv stats on %s/%s: %w", p.instance, database, err)
	}
	out := make([]QueryStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStats(database))
	}
	return out, nil
}
