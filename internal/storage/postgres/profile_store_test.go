package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func newMockStore(t *testing.T) (*ProfileStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS profile").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	store, err := NewProfileStore(context.Background(), mock, ProfileStoreConfig{}, false)
	require.NoError(t, err)
	return store, mock
}

func TestSaveProfileWritesRowAndEdges(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	p := crawler.Profile{
		ID:         "alice",
		Name:       "Alice",
		Language:   "en",
		Fields:     map[string]string{"work": "Bakery"},
		Friends:    []crawler.ProfileRef{{ID: "bob", Name: "Bob"}, {ID: "carol"}, {ID: "bob", Name: "Robert"}},
		CapturedAt: at,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profile").
		WithArgs("alice", "Alice", "en", []byte(`{"work":"Bakery"}`), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO friendship").
		WithArgs("alice", []string{"bob", "carol"}, []string{"Bob", ""}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, store.SaveProfile(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProfileWithoutFriendsSkipsEdges(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profile").
		WithArgs("loner", "", "", []byte(`{}`), time.Time{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveProfile(context.Background(), crawler.Profile{ID: "loner"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProfileRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	boom := errors.New("deadlock detected")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profile").
		WithArgs("a", "", "", []byte(`{}`), time.Time{}).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := store.SaveProfile(context.Background(), crawler.Profile{ID: "a"})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewProfileStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewProfileStore(context.Background(), mock, ProfileStoreConfig{ProfileTable: "profile; DROP"}, false)
	require.Error(t, err)
	require.Error(t, (&ProfileStore{}).SaveProfile(context.Background(), crawler.Profile{}))
}
