package collector

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

func newMockProvider(t *testing.T) (*MSSQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &MSSQLProvider{
		db:             sqlx.NewDb(mockDB, "sqlserver"),
		instance:       "inst",
		logger:         zap.NewNop(),
		qsUnavailable:  make(map[string]bool),
		dmvUnavailable: make(map[string]bool),
	}, mock
}

func TestTopQueriesDMVPermissionDeniedLatches(t *testing.T) {
	p, mock := newMockProvider(t)
	p.qsUnavailable["db"] = true

	mock.ExpectQuery("FROM sys.dm_exec_query_stats").
		WillReturnError(mssql.Error{Number: sqlErrPermissionDenied})

	_, err := p.TopQueries(context.Background(), "db", 10, time.Minute, model.RankByTotalCPU)
	require.ErrorIs(t, err, ErrFeatureUnavailable)

	// Later cycles must not hit the server again.
	_, err = p.TopQueries(context.Background(), "db", 10, time.Minute, model.RankByTotalCPU)
	require.ErrorIs(t, err, ErrFeatureUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryStorePermissionDeniedLatches(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery("database_query_store_options").
		WillReturnError(mssql.Error{Number: sqlErrObjectPermDenied})

	enabled, err := p.QueryStoreEnabled(context.Background(), "db")
	require.NoError(t, err)
	require.False(t, enabled)

	// Latched: answered from memory, no second round trip.
	enabled, err = p.QueryStoreEnabled(context.Background(), "db")
	require.NoError(t, err)
	require.False(t, enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}
