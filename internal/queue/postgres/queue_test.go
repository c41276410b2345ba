package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func newMockQueue(t *testing.T, cfg Config) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	q, err := NewWithPool(mock, cfg)
	require.NoError(t, err)
	return q, mock
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Config{Table: "queue; DROP TABLE x"})
	require.Error(t, err)
}

func TestPutInsertsRow(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	req := crawler.NewRequest("https://example.com/", 4)
	payload, err := crawler.MarshalRequest(req)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_queue").
		WithArgs(4, payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, q.Put(context.Background(), req, 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{MaxSize: 2})
	mock.ExpectQuery(`SELECT count\(\*\) FROM crawl_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	err := q.Put(context.Background(), crawler.NewRequest("https://example.com/", 0), 0)
	require.ErrorIs(t, err, crawler.ErrQueueFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryGetPopsHead(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{Table: "frontier"})
	payload, err := crawler.MarshalRequest(crawler.NewRequest("https://example.com/next", 9))
	require.NoError(t, err)

	mock.ExpectQuery("DELETE FROM frontier").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	mock.ExpectQuery("DELETE FROM frontier").
		WillReturnError(pgx.ErrNoRows)

	req, ok, err := q.TryGet(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com/next", req.URL)
	require.Equal(t, 9, req.Priority)

	_, ok, err = q.TryGet(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryGetMalformedPayload(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectQuery("DELETE FROM crawl_queue").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow([]byte(`{"url":`)))

	_, _, err := q.TryGet(context.Background())
	require.ErrorIs(t, err, crawler.ErrMalformedWorkUnit)
}

func TestClearAndSchema(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_queue").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("DELETE FROM crawl_queue").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, q.EnsureSchema(context.Background()))
	n, err := q.Clear(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeenStore(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t, Config{})
	store := q.SeenStore()
	fp := crawler.Fingerprint{1, 2, 3}

	mock.ExpectExec("INSERT INTO crawl_queue_seen").
		WithArgs(fp[:]).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT fingerprint FROM crawl_queue_seen").
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint"}).AddRow(fp[:]).AddRow([]byte{1}))

	require.NoError(t, store.Record(context.Background(), fp))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.Fingerprint{fp}, loaded)
	require.NoError(t, mock.ExpectationsWereMet())
}
