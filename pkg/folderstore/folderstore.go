// Package folderstore implements folder CRUD and tree maintenance.
//
// Grounded on the teacher's pkg/store/metadata directory operations
// (Create/Move/RemoveDirectory/ReadDirectory contracts, children/parents
// map bookkeeping) re-targeted from NFS directory handles to Folder
// entities, with the in-memory index persisted to real on-disk
// directories rather than held purely in memory.
package folderstore

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/pkg/idmap"
	"github.com/vaultfs/vaultfs/pkg/metacache"
	"github.com/vaultfs/vaultfs/pkg/patharena"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// Folder is the in-memory record for one folder entity.
type Folder struct {
	ID          string
	Name        string
	ParentID    string // empty for a root folder
	CreatedAt   time.Time
	ModifiedAt  time.Time
	OwnerUserID string
}

// Child is one entry returned by List/Contents: either a folder or a
// file, named uniformly so callers can render a combined listing.
type Child struct {
	ID       string
	Name     string
	IsFolder bool
}

// Store is the FolderStore component. A single instance is shared by the
// Coordinator; Store exclusively owns its in-memory children/parent
// indexes and holds shared references to IdMap, MetaCache and PathArena.
type Store struct {
	ids   idmap.IdMap
	cache *metacache.Cache
	paths *patharena.Arena

	mu       sync.RWMutex
	folders  map[string]*Folder            // id -> folder
	children map[string]map[string]string  // parentID -> name -> childID (folders only)
}

// New builds a FolderStore backed by the given shared components.
func New(ids idmap.IdMap, cache *metacache.Cache, paths *patharena.Arena) *Store {
	return &Store{
		ids:      ids,
		cache:    cache,
		paths:    paths,
		folders:  make(map[string]*Folder),
		children: make(map[string]map[string]string),
	}
}

// CreateRoot registers ownerUserID's home folder if it does not already
// exist, creating the backing directory on disk.
func (s *Store) CreateRoot(ctx context.Context, ownerUserID string) (*Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rootPath := "/" + ownerUserID
	if id, err := s.ids.Reverse(ctx, rootPath); err == nil {
		s.mu.RLock()
		f := s.folders[id]
		s.mu.RUnlock()
		if f != nil {
			return f, nil
		}
	}

	physical, err := s.paths.Join(rootPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(physical, 0o755); err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to create home folder", err)
	}

	id := uuid.NewString()
	if err := s.ids.Insert(ctx, id, rootPath, idmap.KindFolder); err != nil {
		return nil, err
	}

	now := time.Now()
	f := &Folder{ID: id, Name: ownerUserID, ParentID: "", CreatedAt: now, ModifiedAt: now, OwnerUserID: ownerUserID}

	s.mu.Lock()
	s.folders[id] = f
	s.mu.Unlock()

	logger.Info("folderstore: created home folder for %s", ownerUserID)
	return f, nil
}

// Create makes a new subfolder of parentID named name.
func (s *Store) Create(ctx context.Context, parentID, name, ownerUserID string) (*Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	parent, ok := s.folders[parentID]
	if !ok {
		s.mu.Unlock()
		return nil, storeerr.WithPath(storeerr.NotFound, "parent folder not found", parentID)
	}
	if s.hasChildLocked(parentID, name) {
		s.mu.Unlock()
		return nil, storeerr.WithPath(storeerr.Conflict, "a sibling with this name already exists", name)
	}
	s.mu.Unlock()

	parentPath, err := s.ids.Resolve(ctx, parentID)
	if err != nil {
		return nil, err
	}
	childPath := joinNamePath(parentPath, name)

	physical, err := s.paths.Join(childPath)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(physical, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, storeerr.WithPath(storeerr.Conflict, "directory already exists on disk", childPath)
		}
		return nil, storeerr.Wrap(storeerr.IOError, "failed to create directory", err)
	}

	id := uuid.NewString()
	if err := s.ids.Insert(ctx, id, childPath, idmap.KindFolder); err != nil {
		_ = os.Remove(physical)
		return nil, err
	}

	now := time.Now()
	f := &Folder{ID: id, Name: name, ParentID: parentID, CreatedAt: now, ModifiedAt: now, OwnerUserID: parent.OwnerUserID}

	s.mu.Lock()
	s.folders[id] = f
	s.linkChildLocked(parentID, name, id)
	s.mu.Unlock()

	s.cache.InvalidateFolder(parentID)
	return f, nil
}

// Rename changes a folder's name within its current parent.
func (s *Store) Rename(ctx context.Context, id, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	f, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.NotFound, "folder not found", id)
	}
	if f.ParentID == "" {
		s.mu.Unlock()
		return storeerr.New(storeerr.InvariantViolation, "the root folder cannot be renamed")
	}
	if s.hasChildLocked(f.ParentID, newName) {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.Conflict, "a sibling with this name already exists", newName)
	}
	oldName := f.Name
	parentID := f.ParentID
	s.mu.Unlock()

	oldPath, err := s.ids.Resolve(ctx, id)
	if err != nil {
		return err
	}
	parentPath, err := s.ids.Resolve(ctx, parentID)
	if err != nil {
		return err
	}
	newPath := joinNamePath(parentPath, newName)

	if err := s.renamePhysical(oldPath, newPath); err != nil {
		return err
	}
	if err := s.ids.Rename(ctx, id, newPath); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.children[parentID], oldName)
	s.linkChildLocked(parentID, newName, id)
	f.Name = newName
	f.ModifiedAt = time.Now()
	s.mu.Unlock()

	s.cache.InvalidatePrefix(oldPath)
	s.cache.InvalidateFolder(parentID)
	return nil
}

// Move relocates a folder to a new parent.
func (s *Store) Move(ctx context.Context, id, newParentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	f, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.NotFound, "folder not found", id)
	}
	if f.ParentID == "" {
		s.mu.Unlock()
		return storeerr.New(storeerr.InvariantViolation, "the root folder cannot be moved")
	}
	if newParentID == id {
		s.mu.Unlock()
		return storeerr.New(storeerr.InvariantViolation, "a folder cannot be moved into itself")
	}
	if s.isDescendantLocked(newParentID, id) {
		s.mu.Unlock()
		return storeerr.New(storeerr.InvariantViolation, "destination is a descendant of the folder being moved")
	}
	if _, ok := s.folders[newParentID]; !ok {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.NotFound, "destination folder not found", newParentID)
	}
	if s.hasChildLocked(newParentID, f.Name) {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.Conflict, "a sibling with this name already exists", f.Name)
	}
	oldParentID := f.ParentID
	name := f.Name
	s.mu.Unlock()

	oldPath, err := s.ids.Resolve(ctx, id)
	if err != nil {
		return err
	}
	newParentPath, err := s.ids.Resolve(ctx, newParentID)
	if err != nil {
		return err
	}
	newPath := joinNamePath(newParentPath, name)

	if err := s.renamePhysical(oldPath, newPath); err != nil {
		return err
	}
	if err := s.ids.Rename(ctx, id, newPath); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.children[oldParentID], name)
	s.linkChildLocked(newParentID, name, id)
	f.ParentID = newParentID
	f.ModifiedAt = time.Now()
	s.mu.Unlock()

	s.cache.InvalidatePrefix(oldPath)
	s.cache.InvalidateFolder(oldParentID)
	s.cache.InvalidateFolder(newParentID)
	return nil
}

// List returns folderID's immediate children, folders and files
// combined, sorted by name case-insensitively.
func (s *Store) List(ctx context.Context, folderID string, fileLister func(folderID string) ([]Child, error)) ([]Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cached, ok := s.cache.GetListing(folderID); ok {
		out := make([]Child, len(cached))
		for i, c := range cached {
			out[i] = Child{ID: c.ID, Name: c.Name, IsFolder: c.IsFolder}
		}
		return out, nil
	}

	s.mu.RLock()
	if _, ok := s.folders[folderID]; !ok {
		s.mu.RUnlock()
		return nil, storeerr.WithPath(storeerr.NotFound, "folder not found", folderID)
	}
	folderChildren := make([]Child, 0, len(s.children[folderID]))
	for name, childID := range s.children[folderID] {
		folderChildren = append(folderChildren, Child{ID: childID, Name: name, IsFolder: true})
	}
	s.mu.RUnlock()

	var fileChildren []Child
	if fileLister != nil {
		var err error
		fileChildren, err = fileLister(folderID)
		if err != nil {
			return nil, err
		}
	}

	combined := append(folderChildren, fileChildren...)
	sort.SliceStable(combined, func(i, j int) bool {
		return strings.ToLower(combined[i].Name) < strings.ToLower(combined[j].Name)
	})

	cacheRefs := make([]metacache.ChildRef, len(combined))
	for i, c := range combined {
		cacheRefs[i] = metacache.ChildRef{ID: c.ID, Name: c.Name, IsFolder: c.IsFolder}
	}
	s.cache.PutListing(folderID, cacheRefs)

	return combined, nil
}

// Get returns a folder by id.
func (s *Store) Get(ctx context.Context, id string) (*Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[id]
	if !ok {
		return nil, storeerr.WithPath(storeerr.NotFound, "folder not found", id)
	}
	clone := *f
	return &clone, nil
}

// Path returns the root-relative path of a folder, as tracked by IdMap.
func (s *Store) Path(ctx context.Context, id string) (string, error) {
	return s.ids.Resolve(ctx, id)
}

// DeletePhysical removes id's backing directory (and everything under
// it) from disk. Used only by TrashStore purge, after the in-memory
// index has already been unregistered.
func (s *Store) DeletePhysical(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.ids.Resolve(ctx, id)
	if err != nil {
		return err
	}
	physical, err := s.paths.Join(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(physical); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to delete folder content", err)
	}
	return nil
}

// Register re-inserts a folder into the in-memory index without touching
// disk or IdMap; used by the Coordinator to restore a folder (and its
// descendants) out of the trash, after TrashStore has already moved the
// bytes back and repointed IdMap.
func (s *Store) Register(id, name, parentID, ownerUserID string, createdAt time.Time) *Folder {
	f := &Folder{ID: id, Name: name, ParentID: parentID, CreatedAt: createdAt, ModifiedAt: time.Now(), OwnerUserID: ownerUserID}

	s.mu.Lock()
	s.folders[id] = f
	if parentID != "" {
		s.linkChildLocked(parentID, name, id)
	}
	s.mu.Unlock()

	if parentID != "" {
		s.cache.InvalidateFolder(parentID)
	}
	return f
}

func (s *Store) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return
	}
	if f.ParentID != "" {
		delete(s.children[f.ParentID], f.Name)
	}
	delete(s.folders, id)
	delete(s.children, id)
}

// ChildFolderIDs returns the ids of folderID's immediate subfolders,
// bypassing the combined-listing cache. Used by the Coordinator to walk
// a subtree without needing a FileStore reference.
func (s *Store) ChildFolderIDs(folderID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.children[folderID]))
	for _, id := range s.children[folderID] {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) hasChildLocked(parentID, name string) bool {
	m, ok := s.children[parentID]
	if !ok {
		return false
	}
	_, exists := m[name]
	return exists
}

func (s *Store) linkChildLocked(parentID, name, childID string) {
	m, ok := s.children[parentID]
	if !ok {
		m = make(map[string]string)
		s.children[parentID] = m
	}
	m[name] = childID
}

// isDescendantLocked reports whether candidateID is id or a descendant of
// id, walking up from candidateID toward the root. Must be called with
// s.mu held.
func (s *Store) isDescendantLocked(candidateID, id string) bool {
	cur := candidateID
	for cur != "" {
		if cur == id {
			return true
		}
		f, ok := s.folders[cur]
		if !ok {
			return false
		}
		cur = f.ParentID
	}
	return false
}

func (s *Store) renamePhysical(oldPath, newPath string) error {
	oldPhysical, err := s.paths.Join(oldPath)
	if err != nil {
		return err
	}
	newPhysical, err := s.paths.Join(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldPhysical, newPhysical); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to move folder on disk", err)
	}
	return nil
}

func joinNamePath(parentPath, name string) string {
	if strings.HasSuffix(parentPath, "/") {
		return parentPath + name
	}
	return parentPath + "/" + name
}
