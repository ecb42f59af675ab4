package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDBPathCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := Open(dbPath, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "expected db file to be created")
	_, err = os.Stat(dbPath + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released on close")
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(dbPath, Options{}, zaptest.NewLogger(t))
		require.NoError(t, err, "open #%d", i)

		v, err := s.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, CurrentSchemaVersion, v)

		var rows int
		require.NoError(t, s.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&rows))
		assert.Equal(t, len(migrations), rows)
		require.NoError(t, s.Close())
	}
}

func TestColumnMigrationApplied(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := columnExists(ctx, s, "receipts", "public_meta_json")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = columnExists(ctx, s, "receipts", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewerSchemaRejected(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath, Options{}, nil)
	require.NoError(t, err)
	_, err = s.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (99, 'future', 'x', 'now')`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dbPath, Options{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestLiveLockBlocksSecondWriter(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, Options{}, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dbPath, Options{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestReopenAfterCloseSucceeds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dbPath, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = os.Stat(dbPath + ".lock")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStaleLockRemovedOnColdStart(t *testing.T) {
	cases := map[string]string{
		"dead pid":       fmt.Sprintf("999999999\n%d\n", time.Now().UnixNano()),
		"malformed":      "garbage",
		"expired":        fmt.Sprintf("%d\n%d\n", os.Getpid(), time.Now().Add(-48*time.Hour).UnixNano()),
		"own pid reused": fmt.Sprintf("%d\n%d\n", os.Getpid(), time.Now().UnixNano()),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")
			require.NoError(t, os.WriteFile(dbPath+".lock", []byte(content), 0o644))
			require.NoError(t, os.WriteFile(dbPath+"-shm", []byte("stale"), 0o644))

			s, err := Open(dbPath, Options{}, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer s.Close()

			data, err := os.ReadFile(dbPath + ".lock")
			require.NoError(t, err)
			assert.Contains(t, string(data), fmt.Sprintf("%d\n", os.Getpid()))
		})
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO consolidation_meta (scope, last_consolidation_ts) VALUES ('p', 't')`)
		require.NoError(t, err)
		// Nested InTx shares the transaction.
		return q.InTx(ctx, func(inner Querier) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.QueryRowContext(ctx, `SELECT COUNT(*) FROM consolidation_meta`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CurrentSchemaVersion, st.SchemaVersion)
	assert.Zero(t, st.Cells)
	assert.Zero(t, st.Sessions)
	assert.NotEmpty(t, st.DBSizeHuman)
	assert.Empty(t, st.Scopes)
}
