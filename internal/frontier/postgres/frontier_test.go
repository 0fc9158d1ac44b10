package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/clock/manual"
	"github.com/JakeFAU/harvester/internal/crawler"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockFrontier(t *testing.T) (*Frontier, pgxmock.PgxPoolIface) {
	t.Helper()
	return newOwnedMockFrontier(t, false)
}

func newOwnedMockFrontier(t *testing.T, owned bool) (*Frontier, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	if !owned {
		t.Cleanup(mock.Close)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_target").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE crawl_target SET state = $1, reserved_at = NULL WHERE state IN ($2, $3)")).
		WithArgs("pending", "reserved", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	f, err := New(context.Background(), mock, "", manual.New(epoch), zap.NewNop(), owned)
	require.NoError(t, err)
	return f, mock
}

func TestNewResetsAbandonedTargets(t *testing.T) {
	t.Parallel()

	_, mock := newMockFrontier(t)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseLeavesSharedPoolOpen(t *testing.T) {
	t.Parallel()

	shared, sharedMock := newMockFrontier(t)
	sharedMock.ExpectClose()
	require.NoError(t, shared.Close())
	require.Error(t, sharedMock.ExpectationsWereMet(), "shared pool left open")

	owned, ownedMock := newOwnedMockFrontier(t, true)
	ownedMock.ExpectClose()
	require.NoError(t, owned.Close())
	require.NoError(t, ownedMock.ExpectationsWereMet())
}

func TestNewRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = New(context.Background(), mock, "crawl-target", manual.New(epoch), nil, false)
	require.Error(t, err)
}

func TestReserveNextSortsReturnedRows(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	rows := pgxmock.NewRows([]string{"target_id", "first_seen_at", "seq"}).
		AddRow("b", epoch, int64(2)).
		AddRow("c", epoch.Add(time.Second), int64(3)).
		AddRow("a", epoch, int64(1))
	mock.ExpectQuery("UPDATE crawl_target SET state = \\$1, reserved_at = \\$2").
		WithArgs("reserved", epoch, "pending", 3).
		WillReturnRows(rows)

	got, err := f.ReserveNext(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, crawler.StateReserved, got[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCrawledFromReserved(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM crawl_target WHERE target_id = $1 FOR UPDATE")).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("reserved"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE crawl_target SET state = $1, reserved_at = NULL WHERE target_id = $2")).
		WithArgs("crawled", "a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, f.MarkCrawled(context.Background(), "a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCrawledIdempotent(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM crawl_target").
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("crawled"))
	mock.ExpectRollback()

	require.NoError(t, f.MarkCrawled(context.Background(), "a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedRejectsCrawled(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM crawl_target").
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("crawled"))
	mock.ExpectRollback()

	err := f.MarkFailed(context.Background(), "a")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCrawledRejectsPending(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM crawl_target").
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("pending"))
	mock.ExpectRollback()

	err := f.MarkCrawled(context.Background(), "a")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUnknownTarget(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM crawl_target").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"state"}))
	mock.ExpectRollback()

	require.ErrorIs(t, f.MarkCrawled(context.Background(), "ghost"), crawler.ErrTargetNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReportsInsertedRows(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectExec("INSERT INTO crawl_target").
		WithArgs([]string{"a", "b"}, "pending", epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := f.Enqueue(context.Background(), []string{"a", "b", "a", ""})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.Enqueue(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	mock.ExpectQuery("SELECT state, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("pending", int64(4)).
			AddRow("reserved", int64(1)).
			AddRow("crawled", int64(7)))

	counts, err := f.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.StateCounts{Pending: 4, Reserved: 1, Crawled: 7}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimExpiredPropagatesErrors(t *testing.T) {
	t.Parallel()
	f, mock := newMockFrontier(t)

	cutoff := epoch.Add(-time.Hour)
	mock.ExpectExec("UPDATE crawl_target SET state").
		WithArgs("pending", "reserved", cutoff).
		WillReturnError(errors.New("connection reset"))

	_, err := f.ReclaimExpired(context.Background(), cutoff)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
