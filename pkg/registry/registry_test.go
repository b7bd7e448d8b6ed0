package registry

import (
	"context"
	"math/big"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/database"
)

func sampleFunction() *Function {
	return &Function{
		Name:           "addFn",
		Owner:          common.HexToAddress("0xb2"),
		Entry:          "main.wasm",
		Price:          big.NewInt(5000),
		DevFee:         big.NewInt(100),
		Timeout:        30 * time.Second,
		ArtifactDigest: "sha256:abc",
		Available:      true,
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "addFn")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, sampleFunction()))
	got, err := s.Get(ctx, "addFn")
	require.NoError(t, err)
	assert.Equal(t, "5000", got.Price.String())
	assert.Equal(t, "100", got.DevFee.String())
	assert.Equal(t, 30*time.Second, got.Timeout)
	assert.True(t, got.Available)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.MarkUnavailable(ctx, "addFn"))
	got, err = s.Get(ctx, "addFn")
	require.NoError(t, err)
	assert.False(t, got.Available)

	// Redeploy restores availability.
	require.NoError(t, s.Put(ctx, sampleFunction()))
	got, err = s.Get(ctx, "addFn")
	require.NoError(t, err)
	assert.True(t, got.Available)

	other := sampleFunction()
	other.Name = "aaFn"
	require.NoError(t, s.Put(ctx, other))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aaFn", list[0].Name)

	require.NoError(t, s.Delete(ctx, "addFn"))
	require.ErrorIs(t, s.Delete(ctx, "addFn"), ErrNotFound)
	require.ErrorIs(t, s.MarkUnavailable(ctx, "addFn"), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, sampleFunction()))

	got, err := s.Get(ctx, "addFn")
	require.NoError(t, err)
	got.Price.SetInt64(1)

	again, err := s.Get(ctx, "addFn")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), again.Price.Int64())
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, d, err := database.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, d)
	require.NoError(t, s.Init(ctx))
	exerciseStore(t, s)
}

func TestSQLStore_MarkUnavailable_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, database.Postgres)
	fixed := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE functions SET available = $1, updated_at = $2 WHERE name = $3`)).
		WithArgs(false, fixed, "slowFn").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkUnavailable(context.Background(), "slowFn"))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE functions SET available = $1`)).
		WithArgs(false, fixed, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.MarkUnavailable(context.Background(), "ghost"), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Get_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, database.Postgres)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"name", "owner", "description", "usage", "params", "entry", "price", "dev_fee", "timeout_ms", "artifact_digest", "version", "available", "updated_at"}).
		AddRow("addFn", "0x00000000000000000000000000000000000000b2", "", "", "", "main.wasm", "5000", "100", int64(30000), "sha256:abc", "1.0.0", true, now)
	mock.ExpectQuery(regexp.QuoteMeta(selectFunction + " WHERE name = $1")).WithArgs("addFn").WillReturnRows(rows)

	f, err := s.Get(context.Background(), "addFn")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xb2"), f.Owner)
	assert.Equal(t, 30*time.Second, f.Timeout)
	assert.Equal(t, "1.0.0", f.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
