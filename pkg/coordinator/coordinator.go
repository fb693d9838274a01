// Package coordinator composes IdMap, FolderStore, FileStore, TrashStore,
// ShareStore, and SearchIndex into one entry point that enforces the
// cross-cutting invariants no single store can enforce on its own:
// ownership checks ahead of every id resolution, recursive folder
// soft-delete as a single TrashEntry, and keeping the search index and
// metadata cache in sync with every mutation.
//
// Grounded on the original implementation's storage_mediator.rs (a
// mediator sitting between repositories, resolving folder paths and
// ownership ahead of file operations) and the teacher's pkg/facade
// (injecting shared stores into a single coordinating surface).
package coordinator

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/ratelimiter"
	"github.com/vaultfs/vaultfs/pkg/filestore"
	"github.com/vaultfs/vaultfs/pkg/folderstore"
	"github.com/vaultfs/vaultfs/pkg/searchindex"
	"github.com/vaultfs/vaultfs/pkg/sharestore"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
	"github.com/vaultfs/vaultfs/pkg/trashstore"
)

// Coordinator is the single entry point used by callers (an HTTP handler
// layer, a CLI, or a sync client adapter) to perform storage operations.
type Coordinator struct {
	Folders *folderstore.Store
	Files   *filestore.Store
	Trash   *trashstore.Store
	Shares  *sharestore.Store
	Index   *searchindex.Index

	// uploadLimitPerSec and uploadBurst configure the per-user upload
	// limiter lazily created in uploadLimiterFor. Zero means unlimited,
	// matching ratelimiter.New's own zero-rate convention.
	uploadLimitPerSec uint
	uploadBurst       uint
	uploadLimiters    sync.Map // callerUserID -> *ratelimiter.RateLimiter

	// allowFolderWrite gates write=true on a folder share, per the
	// permission policy's feature flag.
	allowFolderWrite bool
}

// New composes an already-constructed set of stores into a Coordinator.
// Each store is built independently (they have different persistence and
// config needs); this only wires the cross-cutting logic between them.
func New(folders *folderstore.Store, files *filestore.Store, trash *trashstore.Store, shares *sharestore.Store, search *searchindex.Index) *Coordinator {
	return &Coordinator{Folders: folders, Files: files, Trash: trash, Shares: shares, Index: search}
}

// SetUploadRateLimit bounds how many UploadFile calls each user may make
// per second, with burst as the bucket capacity. A zero rate disables
// limiting (the default).
func (c *Coordinator) SetUploadRateLimit(requestsPerSecond, burst uint) {
	c.uploadLimitPerSec = requestsPerSecond
	c.uploadBurst = burst
	c.uploadLimiters = sync.Map{}
}

// SetShareFolderWritePolicy enables or disables write=true on a share
// issued over a folder, per the permission policy's feature flag.
func (c *Coordinator) SetShareFolderWritePolicy(enabled bool) {
	c.allowFolderWrite = enabled
}

func (c *Coordinator) uploadLimiterFor(callerUserID string) *ratelimiter.RateLimiter {
	if c.uploadLimitPerSec == 0 {
		return nil
	}
	v, _ := c.uploadLimiters.LoadOrStore(callerUserID, ratelimiter.New(c.uploadLimitPerSec, c.uploadBurst))
	return v.(*ratelimiter.RateLimiter)
}

func (c *Coordinator) folderPath(folderID string) (string, error) {
	return c.Folders.Path(context.Background(), folderID)
}

// CreateHomeFolder provisions a user's root folder, idempotently.
func (c *Coordinator) CreateHomeFolder(ctx context.Context, ownerUserID string) (*folderstore.Folder, error) {
	return c.Folders.CreateRoot(ctx, ownerUserID)
}

// CreateFolder creates a subfolder, checking that the caller owns the
// parent before FolderStore ever sees the request.
func (c *Coordinator) CreateFolder(ctx context.Context, callerUserID, parentID, name string) (*folderstore.Folder, error) {
	if err := c.requireOwnership(ctx, parentID, callerUserID, false); err != nil {
		return nil, err
	}
	f, err := c.Folders.Create(ctx, parentID, name, callerUserID)
	if err != nil {
		return nil, err
	}
	c.indexFolder(ctx, f)
	return f, nil
}

// UploadFile creates a new file under parentID, owned by callerUserID. If
// SetUploadRateLimit has configured a limit, the call blocks until
// callerUserID's bucket admits it or ctx is cancelled.
func (c *Coordinator) UploadFile(ctx context.Context, callerUserID, parentID, name string, src io.Reader, size int64, mimeType string) (*filestore.File, error) {
	if lim := c.uploadLimiterFor(callerUserID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := c.requireOwnership(ctx, parentID, callerUserID, false); err != nil {
		return nil, err
	}
	f, err := c.Files.Create(ctx, parentID, name, callerUserID, src, size, mimeType, c.folderPath)
	if err != nil {
		return nil, err
	}
	c.indexFile(ctx, f)
	return f, nil
}

// DownloadFile opens a file's content for reading, after checking that
// the caller owns it.
func (c *Coordinator) DownloadFile(ctx context.Context, callerUserID, fileID string) (io.ReadCloser, error) {
	if err := c.requireOwnership(ctx, fileID, callerUserID, true); err != nil {
		return nil, err
	}
	return c.Files.OpenRead(ctx, fileID)
}

// MoveFile relocates fileID into newFolderID, per the policy that the
// destination must exist, be owned by the same user, and not be trashed.
func (c *Coordinator) MoveFile(ctx context.Context, callerUserID, fileID, newFolderID string) error {
	if err := c.requireOwnership(ctx, fileID, callerUserID, true); err != nil {
		return err
	}
	if err := c.requireMovableDestination(ctx, newFolderID, callerUserID); err != nil {
		return err
	}
	if err := c.Files.Move(ctx, fileID, newFolderID, c.folderPath); err != nil {
		return err
	}
	f, err := c.Files.Stat(ctx, fileID)
	if err != nil {
		return err
	}
	c.indexFile(ctx, f)
	return nil
}

// RenameFile changes fileID's name within its current folder.
func (c *Coordinator) RenameFile(ctx context.Context, callerUserID, fileID, newName string) error {
	if err := c.requireOwnership(ctx, fileID, callerUserID, true); err != nil {
		return err
	}
	if err := c.Files.Rename(ctx, fileID, newName, c.folderPath); err != nil {
		return err
	}
	f, err := c.Files.Stat(ctx, fileID)
	if err != nil {
		return err
	}
	c.indexFile(ctx, f)
	return nil
}

// MoveFolder relocates folderID under newParentID, per the same
// destination policy as MoveFile.
func (c *Coordinator) MoveFolder(ctx context.Context, callerUserID, folderID, newParentID string) error {
	if err := c.requireOwnership(ctx, folderID, callerUserID, false); err != nil {
		return err
	}
	if err := c.requireMovableDestination(ctx, newParentID, callerUserID); err != nil {
		return err
	}
	if err := c.Folders.Move(ctx, folderID, newParentID); err != nil {
		return err
	}
	f, err := c.Folders.Get(ctx, folderID)
	if err != nil {
		return err
	}
	c.indexFolder(ctx, f)
	return nil
}

// RenameFolder changes folderID's name within its current parent.
func (c *Coordinator) RenameFolder(ctx context.Context, callerUserID, folderID, newName string) error {
	if err := c.requireOwnership(ctx, folderID, callerUserID, false); err != nil {
		return err
	}
	if err := c.Folders.Rename(ctx, folderID, newName); err != nil {
		return err
	}
	f, err := c.Folders.Get(ctx, folderID)
	if err != nil {
		return err
	}
	c.indexFolder(ctx, f)
	return nil
}

// requireMovableDestination enforces §4.10's move policy: the
// destination folder must exist, be owned by callerUserID, and not be
// trashed.
func (c *Coordinator) requireMovableDestination(ctx context.Context, folderID, callerUserID string) error {
	f, err := c.Folders.Get(ctx, folderID)
	if err != nil {
		return err
	}
	if f.OwnerUserID != callerUserID {
		return storeerr.WithPath(storeerr.AccessDenied, "caller does not own the destination folder", folderID)
	}
	if c.Trash.IsTrashed(folderID) {
		return storeerr.WithPath(storeerr.NotFound, "destination folder is trashed", folderID)
	}
	return nil
}

// TrashFolder soft-deletes folderID and every descendant as one
// TrashEntry: the physical subtree moves as a unit, so restore brings
// back the whole tree atomically rather than one entry per descendant.
func (c *Coordinator) TrashFolder(ctx context.Context, callerUserID, folderID string) (*trashstore.Entry, error) {
	if err := c.requireOwnership(ctx, folderID, callerUserID, false); err != nil {
		return nil, err
	}
	f, err := c.Folders.Get(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if f.ParentID == "" {
		return nil, storeerr.WithPath(storeerr.InvariantViolation, "the root folder cannot be trashed", folderID)
	}

	folderPath, err := c.Folders.Path(ctx, folderID)
	if err != nil {
		return nil, err
	}
	descendants, err := c.collectDescendants(ctx, folderID, folderPath)
	if err != nil {
		return nil, err
	}

	entry, err := c.Trash.SoftDelete(ctx, trashstore.SoftDeleteParams{
		ItemID: folderID, IsFolder: true, OriginalPath: folderPath,
		OriginalParent: f.ParentID, Name: f.Name, OwnerUserID: callerUserID,
		CreatedAt: f.CreatedAt, Descendants: descendants,
	})
	if err != nil {
		return nil, err
	}

	c.unregisterSubtree(folderID)
	return entry, nil
}

// collectDescendants walks folderID's live subtree and snapshots every
// file and folder under it, with paths made relative to basePath. Must
// be called before the subtree is unregistered.
func (c *Coordinator) collectDescendants(ctx context.Context, folderID, basePath string) ([]trashstore.DescendantRef, error) {
	refs := make([]trashstore.DescendantRef, 0)

	for _, fileID := range c.Files.IDsInFolder(folderID) {
		f, err := c.Files.Stat(ctx, fileID)
		if err != nil {
			return nil, err
		}
		filePath, err := c.Folders.Path(ctx, fileID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, trashstore.DescendantRef{
			ID: fileID, IsFolder: false,
			RelativePath: relativeTo(basePath, filePath),
			Name:         f.Name, ParentID: f.FolderID, OwnerUserID: f.OwnerUserID,
			SizeBytes: f.SizeBytes, MimeType: f.MimeType, CreatedAt: f.CreatedAt,
		})
	}

	for _, childID := range c.Folders.ChildFolderIDs(folderID) {
		child, err := c.Folders.Get(ctx, childID)
		if err != nil {
			return nil, err
		}
		childPath, err := c.Folders.Path(ctx, childID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, trashstore.DescendantRef{
			ID: childID, IsFolder: true,
			RelativePath: relativeTo(basePath, childPath),
			Name:         child.Name, ParentID: child.ParentID, OwnerUserID: child.OwnerUserID,
			CreatedAt: child.CreatedAt,
		})
		nested, err := c.collectDescendants(ctx, childID, basePath)
		if err != nil {
			return nil, err
		}
		refs = append(refs, nested...)
	}

	return refs, nil
}

func relativeTo(basePath, fullPath string) string {
	return strings.TrimPrefix(strings.TrimPrefix(fullPath, basePath), "/")
}

// unregisterSubtree removes folderID and every descendant folder and file
// from FolderStore, FileStore, and the search index. The physical subtree
// has already been relocated (or left in place) by Trash.SoftDelete; this
// only drops the now-stale in-memory bookkeeping so IDs inside the trashed
// tree don't keep resolving as if they were still live.
func (c *Coordinator) unregisterSubtree(folderID string) {
	for _, fileID := range c.Files.IDsInFolder(folderID) {
		c.Files.Unregister(fileID)
		c.Index.Remove(fileID)
	}
	for _, childID := range c.Folders.ChildFolderIDs(folderID) {
		c.unregisterSubtree(childID)
	}
	c.Folders.Unregister(folderID)
	c.Index.Remove(folderID)
}

// TrashFile soft-deletes one file.
func (c *Coordinator) TrashFile(ctx context.Context, callerUserID, fileID string) (*trashstore.Entry, error) {
	if err := c.requireOwnership(ctx, fileID, callerUserID, true); err != nil {
		return nil, err
	}
	f, err := c.Files.Stat(ctx, fileID)
	if err != nil {
		return nil, err
	}
	filePath, err := c.Folders.Path(ctx, fileID)
	if err != nil {
		return nil, err
	}

	entry, err := c.Trash.SoftDelete(ctx, trashstore.SoftDeleteParams{
		ItemID: fileID, IsFolder: false, OriginalPath: filePath,
		OriginalParent: f.FolderID, Name: f.Name, OwnerUserID: callerUserID,
		SizeBytes: f.SizeBytes, MimeType: f.MimeType, CreatedAt: f.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	c.Files.Unregister(fileID)
	c.Index.Remove(fileID)
	return entry, nil
}

// ListTrash returns callerUserID's own trashed entries.
func (c *Coordinator) ListTrash(ctx context.Context, callerUserID string) ([]trashstore.Entry, error) {
	return c.Trash.List(ctx, callerUserID)
}

// RestoreFile restores a trashed file back to Live, re-registering it in
// FileStore and the search index at its (possibly disambiguated) restored
// path.
func (c *Coordinator) RestoreFile(ctx context.Context, callerUserID, fileID string) (*filestore.File, error) {
	entry, err := c.restoreOwned(ctx, callerUserID, fileID)
	if err != nil {
		return nil, err
	}
	if entry.IsFolder {
		return nil, storeerr.WithPath(storeerr.InvariantViolation, "item is a folder, not a file", fileID)
	}

	f := c.Files.Register(fileID, entry.Name, entry.OriginalParent, entry.OwnerUserID, entry.SizeBytes, entry.MimeType, entry.CreatedAt)
	c.indexFile(ctx, f)
	return f, nil
}

// RestoreFolder restores a trashed folder and its whole descendant
// subtree back to Live, re-registering every entry captured at trash
// time in FolderStore, FileStore, and the search index.
func (c *Coordinator) RestoreFolder(ctx context.Context, callerUserID, folderID string) (*folderstore.Folder, error) {
	entry, err := c.restoreOwned(ctx, callerUserID, folderID)
	if err != nil {
		return nil, err
	}
	if !entry.IsFolder {
		return nil, storeerr.WithPath(storeerr.InvariantViolation, "item is a file, not a folder", folderID)
	}

	f := c.Folders.Register(folderID, entry.Name, entry.OriginalParent, entry.OwnerUserID, entry.CreatedAt)
	c.indexFolder(ctx, f)

	for _, d := range entry.Descendants {
		if d.IsFolder {
			cf := c.Folders.Register(d.ID, d.Name, d.ParentID, d.OwnerUserID, d.CreatedAt)
			c.indexFolder(ctx, cf)
			continue
		}
		cff := c.Files.Register(d.ID, d.Name, d.ParentID, d.OwnerUserID, d.SizeBytes, d.MimeType, d.CreatedAt)
		c.indexFile(ctx, cff)
	}

	return f, nil
}

// restoreOwned checks that itemID's trash entry belongs to callerUserID,
// then restores it.
func (c *Coordinator) restoreOwned(ctx context.Context, callerUserID, itemID string) (*trashstore.Entry, error) {
	entries, err := c.Trash.List(ctx, callerUserID)
	if err != nil {
		return nil, err
	}
	owned := false
	for _, e := range entries {
		if e.ItemID == itemID {
			owned = true
			break
		}
	}
	if !owned {
		return nil, storeerr.WithPath(storeerr.NotFound, "item is not in caller's trash", itemID)
	}
	return c.Trash.Restore(ctx, itemID)
}

// PurgeTrashEntry immediately and permanently purges one trash entry
// owned by callerUserID.
func (c *Coordinator) PurgeTrashEntry(ctx context.Context, callerUserID, entryID string) error {
	entries, err := c.Trash.List(ctx, callerUserID)
	if err != nil {
		return err
	}
	owned := false
	for _, e := range entries {
		if e.ID == entryID {
			owned = true
			break
		}
	}
	if !owned {
		return storeerr.WithPath(storeerr.NotFound, "trash entry not found", entryID)
	}
	return c.Trash.Purge(ctx, entryID)
}

// EmptyTrash purges every entry in callerUserID's trash immediately.
func (c *Coordinator) EmptyTrash(ctx context.Context, callerUserID string) error {
	return c.Trash.Empty(ctx, callerUserID)
}

// CreateShare issues a share link over fileID or folderID, after
// checking ownership.
func (c *Coordinator) CreateShare(ctx context.Context, callerUserID, itemID string, isFolder bool, perms sharestore.Permissions, password string, expiresAt time.Time) (*sharestore.Share, error) {
	if err := c.requireOwnership(ctx, itemID, callerUserID, !isFolder); err != nil {
		return nil, err
	}
	itemType := sharestore.ItemFolder
	if !isFolder {
		itemType = sharestore.ItemFile
	}
	return c.Shares.Create(ctx, itemID, itemType, callerUserID, perms, password, expiresAt, c.allowFolderWrite)
}

// UpdateShare changes an existing share's permissions, password, or
// expiry, after checking that callerUserID created it.
func (c *Coordinator) UpdateShare(ctx context.Context, callerUserID, shareID string, perms *sharestore.Permissions, password *string, expiresAt *time.Time) error {
	if err := c.requireShareOwnership(ctx, callerUserID, shareID); err != nil {
		return err
	}
	return c.Shares.Update(ctx, shareID, perms, password, expiresAt, c.allowFolderWrite)
}

// DeleteShare revokes a share, after checking that callerUserID created
// it.
func (c *Coordinator) DeleteShare(ctx context.Context, callerUserID, shareID string) error {
	if err := c.requireShareOwnership(ctx, callerUserID, shareID); err != nil {
		return err
	}
	return c.Shares.Delete(ctx, shareID)
}

// ListSharesForItem returns every share over itemID, after checking that
// callerUserID owns the item.
func (c *Coordinator) ListSharesForItem(ctx context.Context, callerUserID, itemID string, isFolder bool) ([]sharestore.Share, error) {
	if err := c.requireOwnership(ctx, itemID, callerUserID, !isFolder); err != nil {
		return nil, err
	}
	return c.Shares.ListForItem(ctx, itemID)
}

// ListSharesForUser returns every share callerUserID has created.
func (c *Coordinator) ListSharesForUser(ctx context.Context, callerUserID string) ([]sharestore.Share, error) {
	return c.Shares.ListForUser(ctx, callerUserID)
}

func (c *Coordinator) requireShareOwnership(ctx context.Context, callerUserID, shareID string) error {
	shares, err := c.Shares.ListForUser(ctx, callerUserID)
	if err != nil {
		return err
	}
	for _, sh := range shares {
		if sh.ID == shareID {
			return nil
		}
	}
	return storeerr.WithPath(storeerr.AccessDenied, "caller did not create this share", shareID)
}

// OpenShare resolves a share token and, if the share is password
// protected, verifies password against it before returning.
func (c *Coordinator) OpenShare(ctx context.Context, token, password string) (*sharestore.Share, error) {
	sh, err := c.Shares.ResolveByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sh.PasswordHash != "" {
		if ok, err := c.Shares.VerifyPassword(ctx, sh.ID, password); err != nil || !ok {
			if err != nil {
				return nil, err
			}
			return nil, storeerr.New(storeerr.PasswordRequired, "incorrect share password")
		}
	}
	return sh, nil
}

// SearchRequest is the Coordinator-facing form of the §4.9 query surface;
// OwnerID and FolderPath are filled in internally from callerUserID and
// FolderID.
type SearchRequest struct {
	Text      string
	FolderID  string
	Recursive bool

	FileTypes []string
	SizeMin   int64
	SizeMax   int64

	ModifiedAfter  time.Time
	ModifiedBefore time.Time

	Limit  int
	Offset int
}

// Search performs a metadata search scoped to callerUserID's own tree. A
// request with no FolderID defaults to the caller's root and cannot
// escape it, per the scope-enforcement rule.
func (c *Coordinator) Search(ctx context.Context, callerUserID string, req SearchRequest) (searchindex.Result, error) {
	q := searchindex.Query{
		OwnerID:        callerUserID,
		Text:           strings.TrimSpace(req.Text),
		FolderID:       req.FolderID,
		Recursive:      req.Recursive,
		FileTypes:      req.FileTypes,
		SizeMin:        req.SizeMin,
		SizeMax:        req.SizeMax,
		ModifiedAfter:  req.ModifiedAfter,
		ModifiedBefore: req.ModifiedBefore,
		Limit:          req.Limit,
		Offset:         req.Offset,
	}
	if q.FolderID != "" {
		p, err := c.Folders.Path(ctx, q.FolderID)
		if err != nil {
			return searchindex.Result{}, err
		}
		q.FolderPath = p
	}
	return c.Index.Search(ctx, q)
}

func (c *Coordinator) indexFolder(ctx context.Context, f *folderstore.Folder) {
	p, err := c.Folders.Path(ctx, f.ID)
	if err != nil {
		return
	}
	c.Index.Put(searchindex.Item{
		ID: f.ID, Name: f.Name, IsFolder: true, FolderID: f.ParentID, RootOwnerID: f.OwnerUserID,
		Path: p, ModifiedAt: f.ModifiedAt,
	})
}

func (c *Coordinator) indexFile(ctx context.Context, f *filestore.File) {
	p, err := c.Folders.Path(ctx, f.ID)
	if err != nil {
		return
	}
	c.Index.Put(searchindex.Item{
		ID: f.ID, Name: f.Name, IsFolder: false, FolderID: f.FolderID, RootOwnerID: f.OwnerUserID,
		Path: p, SizeBytes: f.SizeBytes, MimeType: f.MimeType, ModifiedAt: f.ModifiedAt,
	})
}

// requireOwnership resolves itemID (a FileId or FolderId) and confirms
// its owner matches callerUserID. An unknown itemID returns the store's
// NotFound error; an owner mismatch returns AccessDenied.
func (c *Coordinator) requireOwnership(ctx context.Context, itemID, callerUserID string, isFile bool) error {
	var owner string
	if isFile {
		f, err := c.Files.Stat(ctx, itemID)
		if err != nil {
			return err
		}
		owner = f.OwnerUserID
	} else {
		f, err := c.Folders.Get(ctx, itemID)
		if err != nil {
			return err
		}
		owner = f.OwnerUserID
	}
	if owner != callerUserID {
		return storeerr.WithPath(storeerr.AccessDenied, "caller does not own this item", itemID)
	}
	return nil
}
