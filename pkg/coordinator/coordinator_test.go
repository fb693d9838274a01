package coordinator

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/pkg/bufpool"
	"github.com/vaultfs/vaultfs/pkg/filestore"
	"github.com/vaultfs/vaultfs/pkg/folderstore"
	"github.com/vaultfs/vaultfs/pkg/idmap"
	"github.com/vaultfs/vaultfs/pkg/metacache"
	"github.com/vaultfs/vaultfs/pkg/patharena"
	"github.com/vaultfs/vaultfs/pkg/searchindex"
	"github.com/vaultfs/vaultfs/pkg/sharestore"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
	"github.com/vaultfs/vaultfs/pkg/trashstore"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	ids, err := idmap.Open(ctx, filepath.Join(root, ".idmap", "id_map.json"), time.Hour, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ids.Close(context.Background()) })

	cache := metacache.New(time.Minute, time.Hour, 8)
	t.Cleanup(cache.Close)

	arena := patharena.New(root)
	pool := bufpool.New(nil, 16)

	folders := folderstore.New(ids, cache, arena)
	files := filestore.New(ids, cache, arena, pool, filestore.DefaultThresholds(2))

	trash, err := trashstore.Open(ctx, filepath.Join(root, "trash_index.json"), trashstore.Config{RetentionPeriod: time.Hour}, ids, arena,
		func(ctx context.Context, e *trashstore.Entry) error {
			if e.IsFolder {
				return folders.DeletePhysical(ctx, e.ItemID)
			}
			return files.DeletePhysical(ctx, e.ItemID)
		},
		func(ctx context.Context, folderID string) bool {
			_, err := folders.Get(ctx, folderID)
			return err == nil
		},
		func(ctx context.Context, ownerUserID string) (string, string, error) {
			home, err := folders.CreateRoot(ctx, ownerUserID)
			if err != nil {
				return "", "", err
			}
			p, err := folders.Path(ctx, home.ID)
			if err != nil {
				return "", "", err
			}
			return home.ID, p, nil
		})
	require.NoError(t, err)

	shares, err := sharestore.Open(ctx, filepath.Join(root, "shares.bin"), trash.IsTrashed)
	require.NoError(t, err)

	index := searchindex.New(time.Minute, 64)

	return New(folders, files, trash, shares, index)
}

func TestUploadThenDownloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)

	content := []byte("hello vaultfs")
	f, err := c.UploadFile(ctx, "alice", home.ID, "hello.txt", bytes.NewReader(content), int64(len(content)), "text/plain")
	require.NoError(t, err)

	rc, err := c.DownloadFile(ctx, "alice", f.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadByNonOwnerIsDenied(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "secret.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	_, err = c.DownloadFile(ctx, "bob", f.ID)
	assert.True(t, storeerr.Is(err, storeerr.AccessDenied))
}

func TestTrashFileThenSearchNoLongerFindsIt(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "report.pdf", bytes.NewReader([]byte("x")), 1, "application/pdf")
	require.NoError(t, err)

	results, err := c.Search(ctx, "alice", SearchRequest{Text: "report", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Files, 1)

	_, err = c.TrashFile(ctx, "alice", f.ID)
	require.NoError(t, err)

	results, err = c.Search(ctx, "alice", SearchRequest{Text: "report", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results.Files)
}

func TestTrashFolderUnregistersWholeSubtree(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)

	docs, err := c.CreateFolder(ctx, "alice", home.ID, "docs")
	require.NoError(t, err)
	nested, err := c.CreateFolder(ctx, "alice", docs.ID, "2024")
	require.NoError(t, err)

	topFile, err := c.UploadFile(ctx, "alice", docs.ID, "index.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	nestedFile, err := c.UploadFile(ctx, "alice", nested.ID, "report.pdf", bytes.NewReader([]byte("x")), 1, "application/pdf")
	require.NoError(t, err)

	results, err := c.Search(ctx, "alice", SearchRequest{Text: "report", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Files, 1)

	_, err = c.TrashFolder(ctx, "alice", docs.ID)
	require.NoError(t, err)

	_, err = c.Folders.Get(ctx, nested.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	_, err = c.Files.Stat(ctx, topFile.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
	_, err = c.Files.Stat(ctx, nestedFile.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	results, err = c.Search(ctx, "alice", SearchRequest{Text: "report", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results.Files)
}

func TestCreateShareAndOpenWithPassword(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "doc.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	sh, err := c.CreateShare(ctx, "alice", f.ID, false, sharestore.Permissions{Read: true}, "letmein", time.Time{})
	require.NoError(t, err)

	_, err = c.OpenShare(ctx, sh.Token, "wrong")
	assert.True(t, storeerr.Is(err, storeerr.PasswordRequired))

	opened, err := c.OpenShare(ctx, sh.Token, "letmein")
	require.NoError(t, err)
	assert.Equal(t, f.ID, opened.ItemID)
}

func TestUploadFileIsRateLimitedPerUser(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	c.SetUploadRateLimit(1, 1)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)

	_, err = c.UploadFile(ctx, "alice", home.ID, "a.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	tight, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	_, err = c.UploadFile(tight, "alice", home.ID, "b.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	bob, err := c.CreateHomeFolder(ctx, "bob")
	require.NoError(t, err)
	_, err = c.UploadFile(ctx, "bob", bob.ID, "c.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
}

func TestCreateShareByNonOwnerIsDenied(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "doc.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	_, err = c.CreateShare(ctx, "bob", f.ID, false, sharestore.Permissions{Read: true}, "", time.Time{})
	assert.True(t, storeerr.Is(err, storeerr.AccessDenied))
}

func TestRestoreFileBringsItBackAndReindexesIt(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "report.pdf", bytes.NewReader([]byte("xyz")), 3, "application/pdf")
	require.NoError(t, err)

	_, err = c.TrashFile(ctx, "alice", f.ID)
	require.NoError(t, err)
	_, err = c.Files.Stat(ctx, f.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	restored, err := c.RestoreFile(ctx, "alice", f.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", restored.Name)
	assert.Equal(t, int64(3), restored.SizeBytes)

	rc, err := c.DownloadFile(ctx, "alice", f.ID)
	require.NoError(t, err)
	defer rc.Close()

	results, err := c.Search(ctx, "alice", SearchRequest{Text: "report", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, results.Files, 1)
}

func TestRestoreFolderBringsBackWholeSubtree(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	docs, err := c.CreateFolder(ctx, "alice", home.ID, "docs")
	require.NoError(t, err)
	nested, err := c.CreateFolder(ctx, "alice", docs.ID, "2024")
	require.NoError(t, err)
	nestedFile, err := c.UploadFile(ctx, "alice", nested.ID, "report.pdf", bytes.NewReader([]byte("x")), 1, "application/pdf")
	require.NoError(t, err)

	_, err = c.TrashFolder(ctx, "alice", docs.ID)
	require.NoError(t, err)

	restored, err := c.RestoreFolder(ctx, "alice", docs.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", restored.Name)

	_, err = c.Folders.Get(ctx, nested.ID)
	require.NoError(t, err)
	nf, err := c.Files.Stat(ctx, nestedFile.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", nf.Name)

	rc, err := c.DownloadFile(ctx, "alice", nestedFile.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestMoveFileRequiresExistingSameOwnerNonTrashedDestination(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	dest, err := c.CreateFolder(ctx, "alice", home.ID, "archive")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "a.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	require.NoError(t, c.MoveFile(ctx, "alice", f.ID, dest.ID))
	moved, err := c.Files.Stat(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, dest.ID, moved.FolderID)

	_, err = c.TrashFolder(ctx, "alice", dest.ID)
	require.NoError(t, err)

	f2, err := c.UploadFile(ctx, "alice", home.ID, "b.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	err = c.MoveFile(ctx, "alice", f2.ID, dest.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))

	bob, err := c.CreateHomeFolder(ctx, "bob")
	require.NoError(t, err)
	err = c.MoveFile(ctx, "alice", f2.ID, bob.ID)
	assert.True(t, storeerr.Is(err, storeerr.AccessDenied))
}

func TestRenameFileAndRenameFolderReindex(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	folder, err := c.CreateFolder(ctx, "alice", home.ID, "docs")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "old.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	require.NoError(t, c.RenameFile(ctx, "alice", f.ID, "new.txt"))
	require.NoError(t, c.RenameFolder(ctx, "alice", folder.ID, "archive"))

	results, err := c.Search(ctx, "alice", SearchRequest{Text: "new.txt", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Files, 1)

	folderResults, err := c.Search(ctx, "alice", SearchRequest{Text: "archive", Limit: 10})
	require.NoError(t, err)
	require.Len(t, folderResults.Folders, 1)
}

func TestUpdateAndDeleteShareRequireOwnership(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "doc.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	sh, err := c.CreateShare(ctx, "alice", f.ID, false, sharestore.Permissions{Read: true}, "", time.Time{})
	require.NoError(t, err)

	err = c.UpdateShare(ctx, "bob", sh.ID, &sharestore.Permissions{Read: true, Write: true}, nil, nil)
	assert.True(t, storeerr.Is(err, storeerr.AccessDenied))

	require.NoError(t, c.UpdateShare(ctx, "alice", sh.ID, &sharestore.Permissions{Read: true, Reshare: true}, nil, nil))

	err = c.DeleteShare(ctx, "bob", sh.ID)
	assert.True(t, storeerr.Is(err, storeerr.AccessDenied))

	require.NoError(t, c.DeleteShare(ctx, "alice", sh.ID))

	shares, err := c.ListSharesForItem(ctx, "alice", f.ID, false)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestListSharesForUser(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "doc.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	_, err = c.CreateShare(ctx, "alice", f.ID, false, sharestore.Permissions{Read: true}, "", time.Time{})
	require.NoError(t, err)

	shares, err := c.ListSharesForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, shares, 1)
}

func TestListTrashPurgeTrashEntryAndEmptyTrash(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f1, err := c.UploadFile(ctx, "alice", home.ID, "a.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	f2, err := c.UploadFile(ctx, "alice", home.ID, "b.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)

	e1, err := c.TrashFile(ctx, "alice", f1.ID)
	require.NoError(t, err)
	_, err = c.TrashFile(ctx, "alice", f2.ID)
	require.NoError(t, err)

	entries, err := c.ListTrash(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, c.PurgeTrashEntry(ctx, "alice", e1.ID))
	entries, err = c.ListTrash(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, c.EmptyTrash(ctx, "alice"))
	entries, err = c.ListTrash(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeTrashEntryByNonOwnerFails(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	home, err := c.CreateHomeFolder(ctx, "alice")
	require.NoError(t, err)
	f, err := c.UploadFile(ctx, "alice", home.ID, "a.txt", bytes.NewReader([]byte("x")), 1, "text/plain")
	require.NoError(t, err)
	e, err := c.TrashFile(ctx, "alice", f.ID)
	require.NoError(t, err)

	err = c.PurgeTrashEntry(ctx, "bob", e.ID)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}
