package idmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "id_map.json"), 20*time.Millisecond, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestInsertResolveReverse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/home/alice/report.pdf", KindFile))

	path, err := s.Resolve(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/report.pdf", path)

	id, err := s.Reverse(ctx, "/home/alice/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
}

func TestResolveNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}

func TestInsertDuplicatePathConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
	err := s.Insert(ctx, "id-2", "/a", KindFile)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.Conflict))
}

func TestInsertSameIDSamePathIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
}

func TestInsertDuplicateIDDifferentPathPanics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
	assert.Panics(t, func() {
		_ = s.Insert(ctx, "id-1", "/b", KindFile)
	})
}

func TestRenameIsAtomicAndRejectsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFolder))
	require.NoError(t, s.Insert(ctx, "id-2", "/b", KindFolder))

	require.NoError(t, s.Rename(ctx, "id-1", "/a-renamed"))
	path, err := s.Resolve(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "/a-renamed", path)

	_, err = s.Reverse(ctx, "/a")
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	err = s.Rename(ctx, "id-1", "/b")
	assert.True(t, storeerr.Is(err, storeerr.Conflict))
}

func TestRemoveThenNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
	require.NoError(t, s.Remove(ctx, "id-1"))

	_, err := s.Resolve(ctx, "id-1")
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	_, err = s.Reverse(ctx, "/a")
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}

func TestFlushPersistsAndReloadRecovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "id_map.json")

	s, err := Open(ctx, mapPath, time.Hour, 1024)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, mapPath, time.Hour, 1024)
	require.NoError(t, err)
	defer func() { _ = reopened.Close(ctx) }()

	path, err := reopened.Resolve(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "/a", path)
}

func TestDebounceFlushesWithoutExplicitFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, "id-1", "/a", KindFile))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.mapPath)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)
}
