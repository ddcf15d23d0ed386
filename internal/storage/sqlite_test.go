package storage_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

func TestSQLiteStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	runStoreSuite(t, store)
}

func TestSQLiteReopenKeepsSessions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := storage.NewSQLite(path, logger)
	require.NoError(t, err)
	created, err := store.Create(ctx, "series-1", "alice", 3)
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	reopened, err := storage.NewSQLite(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close(ctx) })

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, created.TargetID, got.TargetID)
}
