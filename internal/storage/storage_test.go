package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pillpal/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}

	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	stores["memory"] = mem

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "store.json")}, logx.Nop())
	require.NoError(t, err)
	stores["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "store.db")}, logx.Nop())
	require.NoError(t, err)
	stores["sqlite"] = sq

	if dsn := os.Getenv("PILLPAL_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(Config{Driver: "postgres", DSN: dsn, Table: "pillpal_test_kv"}, logx.Nop())
		require.NoError(t, err)
		ctx := context.Background()
		kvs, err := pg.Scan(ctx)
		require.NoError(t, err)
		for _, kv := range kvs {
			require.NoError(t, pg.Delete(ctx, kv.Key))
		}
		stores["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Put(ctx, "b", []byte(`{"n":2}`)))
			require.NoError(t, st.Put(ctx, "a", []byte(`{"n":1}`)))
			require.NoError(t, st.Put(ctx, "b", []byte(`{"n":3}`)))

			v, ok, err := st.Get(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"n":3}`, string(v))

			kvs, err := st.Scan(ctx)
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			assert.Equal(t, "a", kvs[0].Key)
			assert.Equal(t, "b", kvs[1].Key)

			require.NoError(t, st.Delete(ctx, "a"))
			require.NoError(t, st.Delete(ctx, "a"), "deleting a missing key is not an error")
			kvs, err = st.Scan(ctx)
			require.NoError(t, err)
			assert.Len(t, kvs, 1)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rx.json")

	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "PRESC_1", []byte(`{"id":"PRESC_1"}`)))
	require.NoError(t, st.Put(ctx, "PRESC_2", []byte(`{"id":"PRESC_2"}`)))
	require.NoError(t, st.Delete(ctx, "PRESC_1"))

	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil

	st2, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	kvs, err := st2.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, "PRESC_2", kvs[0].Key)

	// Clean close compacts into the snapshot and empties the journal.
	require.NoError(t, st2.Close())
	info, err := os.Stat(filepath.Join(filepath.Dir(path), "rx.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	st3, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st3.Close()
	_, ok, err := st3.Get(ctx, "PRESC_2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreCompactsPeriodically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rx.json")
	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	st.(*fileStore).compactEvery = 2

	require.NoError(t, st.Put(ctx, "a", []byte(`1`)))
	require.NoError(t, st.Put(ctx, "b", []byte(`2`)))

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "rx.snapshot.json"))
	assert.NoError(t, err)
}

func TestClosedStoresReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Put(ctx, "k", nil), ErrClosed)
	_, err := st.Scan(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestSQLStoreWithMock(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	st := NewSQL(db, logx.Nop())
	ctx := context.Background()

	outage := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO prescriptions").
		WithArgs("PRESC_1", `{"a":1}`, sqlmock.AnyArg()).
		WillReturnError(outage)
	mock.ExpectQuery("SELECT key, value FROM prescriptions").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("PRESC_9", `{"b":2}`))
	mock.ExpectQuery("SELECT value FROM prescriptions WHERE key").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectClose()

	assert.ErrorIs(t, st.Put(ctx, "PRESC_1", []byte(`{"a":1}`)), outage)

	kvs, err := st.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, "PRESC_9", kvs[0].Key)

	_, ok, err := st.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
