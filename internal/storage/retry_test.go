package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"proxybot/internal/metrics"
	logx "proxybot/pkg/logx"
)

type countingMetrics struct {
	metrics.Nop
	retries map[string]int
}

func (c *countingMetrics) StoreRetry(op string) { c.retries[op]++ }

func newMockStore(t *testing.T, retryMax int) (*Store, sqlmock.Sqlmock, *countingMetrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cm := &countingMetrics{retries: map[string]int{}}
	st := newStore(db, postgresDialect{}, Config{Driver: "postgres", RetryMax: retryMax, RetryBackoff: time.Millisecond}, logx.Nop())
	st.metrics = cm
	return st, mock, cm
}

func TestToggleRetriesSerializationFailure(t *testing.T) {
	st, mock, cm := newMockStore(t, 3)
	q := regexp.QuoteMeta(`UPDATE proxies SET is_active = NOT is_active WHERE id = $1 RETURNING is_active`)

	mock.ExpectQuery(q).WithArgs(int64(7)).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(q).WithArgs(int64(7)).WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectQuery(q).WithArgs(int64(7)).WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))

	active, err := st.ToggleActive(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, active)
	require.Equal(t, 2, cm.retries["toggle_active"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsetRetryMaxUsesDefault(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := newStore(db, postgresDialect{}, Config{Driver: "postgres", RetryBackoff: time.Millisecond}, logx.Nop())
	require.Equal(t, DefaultRetryMax, st.cfg.RetryMax)

	q := regexp.QuoteMeta(`UPDATE proxies SET is_active`)
	mock.ExpectQuery(q).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	active, err := st.ToggleActive(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	st, mock, cm := newMockStore(t, -1)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE proxies SET is_active`)).WillReturnError(&pq.Error{Code: "40001"})

	_, err := st.ToggleActive(context.Background(), 1)
	require.ErrorIs(t, err, ErrTransient)
	require.Empty(t, cm.retries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryExhaustionIsTransient(t *testing.T) {
	st, mock, _ := newMockStore(t, 1)
	q := regexp.QuoteMeta(`UPDATE proxies SET is_active`)
	mock.ExpectQuery(q).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(q).WillReturnError(&pq.Error{Code: "40001"})

	_, err := st.ToggleActive(context.Background(), 1)
	require.ErrorIs(t, err, ErrTransient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogicalErrorsAreNotRetried(t *testing.T) {
	st, mock, cm := newMockStore(t, 3)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE proxies SET location = $1`)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := st.UpdateProxy(context.Background(), Proxy{ID: 1, Location: "A", Server: "s", Port: 1, Secret: "x"})
	require.ErrorIs(t, err, ErrConflict)
	require.Empty(t, cm.retries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRollsBackWhenProxyDisappears(t *testing.T) {
	st, mock, cm := newMockStore(t, 1)
	cols := []string{"id", "location", "server", "port", "secret", "usage_count", "is_active"}

	// First attempt: relation inserted, but the counter update finds no active row.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO clients`)).WithArgs(int64(9), nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM proxies WHERE is_active ORDER BY usage_count, id LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "A", "a", 443, "s", 0, true))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO grants`)).WithArgs(int64(9), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE proxies SET usage_count = usage_count + 1`)).
		WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows([]string{"usage_count"}))
	mock.ExpectRollback()

	// Second attempt picks the next proxy.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO clients`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM proxies WHERE is_active`)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(4, "B", "b", 443, "s", 2, true))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO grants`)).WithArgs(int64(9), int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE proxies SET usage_count = usage_count + 1`)).
		WithArgs(int64(4)).WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(3))
	mock.ExpectCommit()

	res, err := st.GrantLeastLoaded(context.Background(), Client{ID: 9})
	require.NoError(t, err)
	require.EqualValues(t, 4, res.Proxy.ID)
	require.EqualValues(t, 3, res.Proxy.UsageCount)
	require.True(t, res.Fresh)
	require.Equal(t, 1, cm.retries["grant_least_loaded"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryHonorsContext(t *testing.T) {
	st, mock, _ := newMockStore(t, 5)
	st.cfg.RetryBackoff = time.Hour
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE proxies SET is_active`)).WillReturnError(&pq.Error{Code: "55P03"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := st.ToggleActive(ctx, 1)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

func TestRebind(t *testing.T) {
	got := postgresDialect{}.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	require.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, got)
	require.Equal(t, `SELECT 1`, postgresDialect{}.rebind(`SELECT 1`))
	require.Equal(t, `x = ?`, sqliteDialect{}.rebind(`x = ?`))
}

func TestUniqueKey(t *testing.T) {
	require.Equal(t, "s1.example:443", UniqueKey(" S1.Example ", 443))
	require.Equal(t, Proxy{Server: "a", Port: 1}.Key(), UniqueKey("A", 1))
}
