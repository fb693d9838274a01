package sharestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

func newTestStore(t *testing.T, isTrashed func(string) bool) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(root, "shares.bin"), isTrashed)
	require.NoError(t, err)
	return s
}

func TestCreateThenResolveByToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, sh.Token)

	resolved, err := s.ResolveByToken(ctx, sh.Token)
	require.NoError(t, err)
	assert.Equal(t, "file-1", resolved.ItemID)
	assert.Equal(t, uint64(1), resolved.AccessCount)
}

func TestResolveByTokenNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	_, err := s.ResolveByToken(ctx, "nonexistent")
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}

func TestExpiredShareResolutionFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	s.mu.Lock()
	s.byID[sh.ID].ExpiresAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	_, err = s.ResolveByToken(ctx, sh.Token)
	assert.True(t, storeerr.Is(err, storeerr.Expired))
}

func TestResolveByTokenFailsClosedOnTrashedItem(t *testing.T) {
	ctx := context.Background()
	trashed := map[string]bool{"file-1": false}
	s := newTestStore(t, func(id string) bool { return trashed[id] })

	sh, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)

	_, err = s.ResolveByToken(ctx, sh.Token)
	require.NoError(t, err)

	trashed["file-1"] = true
	_, err = s.ResolveByToken(ctx, sh.Token)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}

func TestCreateRejectsPastExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	_, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Now().Add(-time.Hour), false)
	require.Error(t, err)
}

func TestCreateRejectsWriteWithoutRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Write: true}, "", time.Time{}, false)
	assert.True(t, storeerr.Is(err, storeerr.InvariantViolation))
}

func TestCreateRejectsReshareWithoutRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Reshare: true}, "", time.Time{}, false)
	assert.True(t, storeerr.Is(err, storeerr.InvariantViolation))
}

func TestCreateRejectsFolderWriteUnlessEnabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, err := s.Create(ctx, "folder-1", ItemFolder, "alice", Permissions{Read: true, Write: true}, "", time.Time{}, false)
	assert.True(t, storeerr.Is(err, storeerr.InvariantViolation))

	sh, err := s.Create(ctx, "folder-1", ItemFolder, "alice", Permissions{Read: true, Write: true}, "", time.Time{}, true)
	require.NoError(t, err)
	assert.True(t, sh.Permissions.Write)
}

func TestUpdateRejectsFolderWriteUnlessEnabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh, err := s.Create(ctx, "folder-1", ItemFolder, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)

	err = s.Update(ctx, sh.ID, &Permissions{Read: true, Write: true}, nil, nil, false)
	assert.True(t, storeerr.Is(err, storeerr.InvariantViolation))

	err = s.Update(ctx, sh.ID, &Permissions{Read: true, Write: true}, nil, nil, true)
	require.NoError(t, err)
}

func TestPasswordProtectedShareRequiresCorrectPassword(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "s3cret", time.Time{}, false)
	require.NoError(t, err)

	ok, err := s.VerifyPassword(ctx, sh.ID, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.VerifyPassword(ctx, sh.ID, "wrong")
	assert.True(t, storeerr.Is(err, storeerr.PasswordRequired))
}

func TestHashPasswordRoundTrips(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong"))
}

func TestDeleteRevokesShare(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, sh.ID))

	_, err = s.ResolveByToken(ctx, sh.Token)
	assert.True(t, storeerr.Is(err, storeerr.NotFound))
}

func TestListForItemAndListForUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	sh1, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)
	sh2, err := s.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)
	_, err = s.Create(ctx, "file-2", ItemFile, "bob", Permissions{Read: true}, "", time.Time{}, false)
	require.NoError(t, err)

	forItem, err := s.ListForItem(ctx, "file-1")
	require.NoError(t, err)
	assert.Len(t, forItem, 2)

	forUser, err := s.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, forUser, 2)
	assert.ElementsMatch(t, []string{sh1.ID, sh2.ID}, []string{forUser[0].ID, forUser[1].ID})
}

func TestPersistenceRoundTripsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := filepath.Join(root, "shares.bin")

	s1, err := Open(ctx, path, nil)
	require.NoError(t, err)
	sh, err := s1.Create(ctx, "file-1", ItemFile, "alice", Permissions{Read: true, Write: true}, "pw", time.Time{}, true)
	require.NoError(t, err)

	s2, err := Open(ctx, path, nil)
	require.NoError(t, err)
	resolved, err := s2.ResolveByToken(ctx, sh.Token)
	require.NoError(t, err)
	assert.Equal(t, "file-1", resolved.ItemID)
	assert.True(t, resolved.Permissions.Write)

	ok, err := s2.VerifyPassword(ctx, sh.ID, "pw")
	require.NoError(t, err)
	assert.True(t, ok)
}
