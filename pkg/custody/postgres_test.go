package custody

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pgSelect = "SELECT tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at FROM custody_records"

var pgColumns = []string{"tracking_id", "owner_identity", "wrapped_key", "container_ref", "receiver_address", "price_minor_units", "content_kind", "created_at"}

func TestPostgresStore_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	r := testRecord("alice", time.Now())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custody_records")).
		WithArgs(r.TrackingID.String(), "alice", "v1:AAAA", "sha256:abc", "receiver", int64(1_500_000), "image", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Put(context.Background(), r))

	// Conflict leaves zero rows affected.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custody_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Put(context.Background(), r), ErrExists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := uuid.New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(pgColumns).
		AddRow(id.String(), "alice", "v2:BBBB", "sha256:def", "recv", int64(42), "video", created)
	mock.ExpectQuery(regexp.QuoteMeta(pgSelect + " WHERE tracking_id = $1")).
		WithArgs(id.String()).
		WillReturnRows(rows)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.TrackingID)
	assert.Equal(t, "v2:BBBB", got.WrappedKey)
	assert.Equal(t, uint64(42), got.PriceMinorUnits)
	assert.Equal(t, created, got.CreatedAt)

	missing := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(pgSelect + " WHERE tracking_id = $1")).
		WithArgs(missing.String()).
		WillReturnRows(sqlmock.NewRows(pgColumns))

	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(pgColumns).
		AddRow(uuid.NewString(), "alice", "v1:A", "", "", int64(1), "image", now).
		AddRow(uuid.NewString(), "alice", "v1:B", "", "", int64(2), "other", now.Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta(pgSelect + " WHERE owner_identity = $1")).
		WithArgs("alice").
		WillReturnRows(rows)

	list, err := store.ListByOwner(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1:A", list[0].WrappedKey)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS custody_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
