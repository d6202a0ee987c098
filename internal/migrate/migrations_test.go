package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"beacon/internal/db"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql": {Data: []byte("SELECT 1;")},
		"m/002_first.sql": {Data: []byte("SELECT 2;")},
		"m/README.md":     {Data: []byte("notes")},
	}
	got, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2, got[0].Version)
	require.Equal(t, 10, got[1].Version)
}

func TestLoadMigrationsRejectsSharedVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/003_a.sql": {Data: []byte("SELECT 1;")},
		"m/003_b.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := loadMigrations(fsys, "m")
	require.ErrorContains(t, err, "share version 3")

	_, err = loadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("SELECT 1;")}}, "m")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	first, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Positive(t, first)
	second, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
