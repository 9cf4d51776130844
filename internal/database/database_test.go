package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Connect(Config{
		Path:         filepath.Join(t.TempDir(), "nested", "creds.db"),
		Driver:       DriverSQLite,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxLifetime:  time.Hour,
		MaxIdleTime:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConnect_CreatesFileWithPrivatePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "creds.db")
	db, err := Connect(Config{Path: path, Driver: DriverSQLite, MaxOpenConns: 1})
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(Config{Path: filepath.Join(t.TempDir(), "x.db"), Driver: "postgres"})
	require.Error(t, err)
}

func TestBuildDSN_SQLCipherRequiresKey(t *testing.T) {
	_, err := buildDSN(Config{Path: "x.db", Driver: DriverSQLCipher})
	require.Error(t, err)

	dsn, err := buildDSN(Config{Path: "x.db", Driver: DriverSQLCipher, EncryptionKey: "x'00ff'"})
	require.NoError(t, err)
	require.Contains(t, dsn, "_pragma_key=")
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)

	_, err = db.Exec(`INSERT INTO credentials (key, value, updated_at) VALUES ('a', 'b', ?)`, time.Now())
	require.NoError(t, err)
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, Migrate(ctx, db))

	boom := errors.New("boom")
	err := NewTransactionManager(db).Execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO credentials (key, value, updated_at) VALUES ('k', 'v', ?)`, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&count))
	require.Zero(t, count)
}
