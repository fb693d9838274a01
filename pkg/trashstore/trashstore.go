// Package trashstore implements soft delete, restore, and retention-based
// purge for files and folders, grounded on the teacher's pkg/gc/collector.go
// background-worker shape (Start/Stop/RunNow over a ticker) and the
// original implementation's trash_service.rs state machine
// (Live -> Trashed -> Gone).
package trashstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/pkg/idmap"
	"github.com/vaultfs/vaultfs/pkg/metrics"
	"github.com/vaultfs/vaultfs/pkg/patharena"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// State is a TrashEntry's position in the Live -> Trashed -> Gone
// lifecycle.
type State int

const (
	// StateTrashed marks an entry as soft-deleted and eligible for
	// restore or for purge once its retention period elapses.
	StateTrashed State = iota
	// StateGone names the physically purged state. Purge deletes the
	// entry from the index at once, so no stored entry carries it and a
	// later lookup of that id reports NotFound.
	StateGone
)

// Entry records one soft-deleted item.
type Entry struct {
	ID             string
	ItemID         string // the FileId or FolderId this entry shadows
	IsFolder       bool
	OriginalPath   string
	OriginalParent string
	Name           string
	OwnerUserID    string
	// SizeBytes, MimeType and CreatedAt snapshot a trashed file's own
	// metadata (unused for a folder entry) so Restore can re-register it
	// with its original attributes rather than zero values.
	SizeBytes int64
	MimeType  string
	CreatedAt time.Time
	TrashedAt      time.Time
	PurgeAfter     time.Time
	State          State
	// TrashPath is the root-relative path the item's bytes were moved to
	// under .trash/{owner}/{trash_id}, and what IdMap currently resolves
	// ItemID to while the entry is Trashed.
	TrashPath string
	// Descendants snapshots every file and folder that was registered
	// under a trashed folder at the moment it was trashed, so Restore can
	// rebind IdMap for the whole subtree and the Coordinator can
	// re-register each one. Empty for a file entry.
	Descendants []DescendantRef
}

// DescendantRef is one file or folder that lived inside a trashed folder.
// RelativePath is relative to the trashed folder's root (no leading
// slash) and does not change across trash/restore; only the base it is
// joined to does.
type DescendantRef struct {
	ID           string
	IsFolder     bool
	RelativePath string
	Name         string
	ParentID     string
	OwnerUserID  string
	SizeBytes    int64
	MimeType     string
	CreatedAt    time.Time
}

// Config governs retention and the background scanner.
type Config struct {
	RetentionPeriod time.Duration
	ScanInterval    time.Duration
	ScanBatchSize   int
	DryRun          bool
}

// Store is the TrashStore component.
type Store struct {
	cfg       Config
	purge     func(ctx context.Context, e *Entry) error
	indexPath string
	ids       idmap.IdMap
	paths     *patharena.Arena

	mu      sync.RWMutex
	entries map[string]*Entry // trash entry id -> entry
	byItem  map[string]string // itemID -> trash entry id, for Live items currently trashed

	saveMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}

	metrics metrics.TrashMetrics

	parentLive ParentLive
	homeFolder HomeFolder
}

// PurgeFunc physically removes the trashed item's bytes at their current
// (trash) location, resolved through IdMap; the Store itself manages the
// trash index, the state machine, and the physical move into and out of
// .trash.
type PurgeFunc func(ctx context.Context, e *Entry) error

// ParentLive reports whether folderID still exists as a live folder.
// Restore uses it to detect that an entry's original parent was itself
// trashed and purged in the meantime.
type ParentLive func(ctx context.Context, folderID string) bool

// HomeFolder returns (creating it if necessary) ownerUserID's home
// folder id and its current root-relative path. Restore falls back to
// it as the new parent when ParentLive reports the original parent
// gone, so a restore can never silently re-link under a dead folder id.
type HomeFolder func(ctx context.Context, ownerUserID string) (id string, path string, err error)

// Open loads an existing trash index (if any) and returns a Store ready
// to accept soft deletes. ids and paths are the same IdMap and PathArena
// shared with FolderStore/FileStore: SoftDelete and Restore use them to
// physically relocate an item's bytes under .trash and back, and to keep
// IdMap pointed at wherever the bytes currently live. parentLive and
// homeFolder let Restore fall back to the owner's home folder when an
// entry's original parent folder is gone; either may be nil in a
// context where Restore is never called against a dead parent. The
// background retention scanner is not started; call Start to begin it.
func Open(ctx context.Context, indexPath string, cfg Config, ids idmap.IdMap, paths *patharena.Arena, purge PurgeFunc, parentLive ParentLive, homeFolder HomeFolder) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = 1000
	}

	s := &Store{
		cfg:        cfg,
		purge:      purge,
		indexPath:  indexPath,
		ids:        ids,
		paths:      paths,
		entries:    make(map[string]*Entry),
		byItem:     make(map[string]string),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		metrics:    metrics.NewTrashMetrics(),
		parentLive: parentLive,
		homeFolder: homeFolder,
	}

	if err := s.load(); err != nil {
		logger.Warn("trashstore: failed to load index at %s, starting empty: %v", indexPath, err)
	}
	return s, nil
}

// SetMetrics installs a TrashMetrics sink for soft-delete/restore/purge
// instrumentation.
func (s *Store) SetMetrics(m metrics.TrashMetrics) {
	s.metrics = m
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	for i := range entries {
		e := entries[i]
		s.entries[e.ID] = &e
		if e.State == StateTrashed {
			s.byItem[e.ItemID] = e.ID
		}
	}
	return nil
}

func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o755); err != nil {
		return err
	}

	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

// trashPathFor builds the root-relative path an item's bytes move to
// while trashed, per the storage layout's {owner_user_id}/{trash_id}
// staging area under .trash.
func trashPathFor(ownerUserID, trashID string) string {
	return "/.trash/" + ownerUserID + "/" + trashID
}

// movePhysical relocates the bytes at fromPath to toPath on disk,
// creating toPath's parent directory if needed. Works for both a single
// file and a folder subtree, since os.Rename moves a directory as a unit.
func (s *Store) movePhysical(fromPath, toPath string) error {
	fromPhysical, err := s.paths.Join(fromPath)
	if err != nil {
		return err
	}
	toPhysical, err := s.paths.Join(toPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(toPhysical), 0o755); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to prepare trash destination", err)
	}
	if err := os.Rename(fromPhysical, toPhysical); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to move item", err)
	}
	return nil
}

// disambiguatedPath returns candidatePath if IdMap has nothing bound
// there, otherwise the first "{name} (restored N){ext}" variant that is
// free, per the spec's restore-under-conflict behavior.
func (s *Store) disambiguatedPath(ctx context.Context, candidatePath string) (string, error) {
	if _, err := s.ids.Reverse(ctx, candidatePath); err != nil {
		if storeerr.Is(err, storeerr.NotFound) {
			return candidatePath, nil
		}
		return "", err
	}

	dir := path.Dir(candidatePath)
	base := path.Base(candidatePath)
	name, ext := base, ""
	if idx := strings.LastIndex(base, "."); idx > 0 {
		name, ext = base[:idx], base[idx:]
	}

	for n := 1; ; n++ {
		candidate := path.Join(dir, fmt.Sprintf("%s (restored %d)%s", name, n, ext))
		if _, err := s.ids.Reverse(ctx, candidate); err != nil {
			if storeerr.Is(err, storeerr.NotFound) {
				return candidate, nil
			}
			return "", err
		}
	}
}

// SoftDeleteParams describes one item being soft-deleted. SizeBytes,
// MimeType and CreatedAt are only meaningful when IsFolder is false;
// Descendants snapshots a trashed folder's whole subtree and is empty
// for a file.
type SoftDeleteParams struct {
	ItemID         string
	IsFolder       bool
	OriginalPath   string
	OriginalParent string
	Name           string
	OwnerUserID    string
	SizeBytes      int64
	MimeType       string
	CreatedAt      time.Time
	Descendants    []DescendantRef
}

// SoftDelete moves an item into .trash/{owner}/{trash_id} on disk,
// repoints IdMap at the new location, and records the trash entry and
// its retention deadline. p.Descendants' IdMap bindings are rebound onto
// the new trash-relative base alongside the top-level one, since
// os.Rename moves the whole subtree as a unit but only repoints the top
// item itself. The caller (Coordinator) is responsible for having
// already unregistered the item (and, for a folder, its descendants)
// from FolderStore/FileStore's live index.
func (s *Store) SoftDelete(ctx context.Context, p SoftDeleteParams) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, exists := s.byItem[p.ItemID]
	s.mu.RUnlock()
	if exists {
		return nil, storeerr.WithPath(storeerr.Conflict, "item is already trashed", p.ItemID)
	}

	id := uuid.NewString()
	trashPath := trashPathFor(p.OwnerUserID, id)

	if err := s.movePhysical(p.OriginalPath, trashPath); err != nil {
		return nil, err
	}
	if err := s.ids.Rename(ctx, p.ItemID, trashPath); err != nil {
		_ = s.movePhysical(trashPath, p.OriginalPath)
		return nil, err
	}
	if err := s.rebindDescendants(ctx, p.Descendants, p.OriginalPath, trashPath); err != nil {
		_ = s.ids.Rename(ctx, p.ItemID, p.OriginalPath)
		_ = s.movePhysical(trashPath, p.OriginalPath)
		return nil, err
	}

	now := time.Now()
	e := &Entry{
		ID:             id,
		ItemID:         p.ItemID,
		IsFolder:       p.IsFolder,
		OriginalPath:   p.OriginalPath,
		OriginalParent: p.OriginalParent,
		Name:           p.Name,
		OwnerUserID:    p.OwnerUserID,
		SizeBytes:      p.SizeBytes,
		MimeType:       p.MimeType,
		CreatedAt:      p.CreatedAt,
		TrashedAt:      now,
		PurgeAfter:     now.Add(s.cfg.RetentionPeriod),
		State:          StateTrashed,
		TrashPath:      trashPath,
		Descendants:    p.Descendants,
	}

	s.mu.Lock()
	if _, exists := s.byItem[p.ItemID]; exists {
		s.mu.Unlock()
		_ = s.rebindDescendants(ctx, p.Descendants, trashPath, p.OriginalPath)
		_ = s.ids.Rename(ctx, p.ItemID, p.OriginalPath)
		_ = s.movePhysical(trashPath, p.OriginalPath)
		return nil, storeerr.WithPath(storeerr.Conflict, "item is already trashed", p.ItemID)
	}
	s.entries[e.ID] = e
	s.byItem[p.ItemID] = e.ID
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to persist trash index", err)
	}
	s.metrics.RecordSoftDelete(p.IsFolder)
	return e, nil
}

// rebindDescendants repoints each descendant's IdMap entry at
// path.Join(newBase, d.RelativePath), for use after newBase's subtree has
// already been physically relocated (or restored) as a unit. On a partial
// failure it unwinds already-rebound entries back onto oldBase.
func (s *Store) rebindDescendants(ctx context.Context, descendants []DescendantRef, oldBase, newBase string) error {
	bound := make([]DescendantRef, 0, len(descendants))
	for _, d := range descendants {
		newPath := path.Join(newBase, d.RelativePath)
		if err := s.ids.Rename(ctx, d.ID, newPath); err != nil {
			for _, undo := range bound {
				_ = s.ids.Rename(ctx, undo.ID, path.Join(oldBase, undo.RelativePath))
			}
			return err
		}
		bound = append(bound, d)
	}
	return nil
}

// IsTrashed reports whether itemID currently has a Trashed entry. Wired
// into ShareStore so a resolved share fails closed against an item that
// has been soft-deleted out from under it.
func (s *Store) IsTrashed(itemID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byItem[itemID]
	return ok
}

// List returns all live trash entries owned by ownerUserID.
func (s *Store) List(ctx context.Context, ownerUserID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.State == StateTrashed && e.OwnerUserID == ownerUserID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Restore moves itemID back to Live state: its bytes are moved from
// .trash back to OriginalPath, or to a disambiguated
// "{name} (restored N){ext}" path if something now occupies OriginalPath,
// and IdMap is repointed accordingly. If OriginalParent no longer exists
// (ParentLive reports false — it was itself trashed and purged in the
// meantime), the item is restored under the owner's home folder instead,
// and the returned Entry's OriginalParent/OriginalPath reflect that
// fallback. The caller (Coordinator) is responsible for re-registering
// the returned path in FolderStore/FileStore.
func (s *Store) Restore(ctx context.Context, itemID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entryID, ok := s.byItem[itemID]
	var e *Entry
	if ok {
		e, ok = s.entries[entryID]
	}
	s.mu.RUnlock()
	if !ok || e.State != StateTrashed {
		return nil, storeerr.WithPath(storeerr.NotFound, "item is not in trash", itemID)
	}

	targetParent := e.OriginalParent
	targetPath := e.OriginalPath
	if targetParent != "" && s.parentLive != nil && !s.parentLive(ctx, targetParent) {
		homeID, homePath, err := s.homeFolder(ctx, e.OwnerUserID)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.IOError, "failed to resolve home folder for restore fallback", err)
		}
		targetParent = homeID
		targetPath = path.Join(homePath, e.Name)
		logger.Info("trashstore: original parent %s for %s is gone, restoring under home folder %s", e.OriginalParent, itemID, homeID)
	}

	restoredPath, err := s.disambiguatedPath(ctx, targetPath)
	if err != nil {
		return nil, err
	}

	if err := s.movePhysical(e.TrashPath, restoredPath); err != nil {
		return nil, err
	}
	if err := s.ids.Rename(ctx, itemID, restoredPath); err != nil {
		_ = s.movePhysical(restoredPath, e.TrashPath)
		return nil, err
	}
	if err := s.rebindDescendants(ctx, e.Descendants, e.TrashPath, restoredPath); err != nil {
		_ = s.ids.Rename(ctx, itemID, e.TrashPath)
		_ = s.movePhysical(restoredPath, e.TrashPath)
		return nil, err
	}

	s.mu.Lock()
	delete(s.byItem, itemID)
	delete(s.entries, entryID)
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to persist trash index", err)
	}

	restored := *e
	restored.OriginalPath = restoredPath
	restored.OriginalParent = targetParent
	s.metrics.RecordRestore()
	return &restored, nil
}

// Purge immediately and permanently removes entryID: it invokes purge to
// remove the underlying bytes at their trash location (resolved through
// IdMap) and then drops ItemID's IdMap binding entirely, so resolve(id)
// on a purged item reliably fails NotFound rather than pointing at bytes
// that no longer exist. Used both by explicit user purge requests and by
// the retention scanner.
func (s *Store) Purge(ctx context.Context, entryID string) error {
	s.mu.Lock()
	e, ok := s.entries[entryID]
	if !ok {
		s.mu.Unlock()
		return storeerr.WithPath(storeerr.NotFound, "trash entry not found", entryID)
	}
	s.mu.Unlock()

	if s.cfg.DryRun {
		logger.Info("trashstore: dry run, would purge %s (%s)", e.ID, e.OriginalPath)
		return nil
	}

	if s.purge != nil {
		if err := s.purge(ctx, e); err != nil {
			s.metrics.RecordPurge(err)
			return err
		}
	}
	if err := s.ids.Remove(ctx, e.ItemID); err != nil {
		s.metrics.RecordPurge(err)
		return err
	}

	s.mu.Lock()
	delete(s.byItem, e.ItemID)
	delete(s.entries, e.ID)
	s.mu.Unlock()

	err := s.save()
	s.metrics.RecordPurge(err)
	return err
}

// Empty purges every trashed entry owned by ownerUserID immediately,
// ignoring retention.
func (s *Store) Empty(ctx context.Context, ownerUserID string) error {
	s.mu.RLock()
	ids := make([]string, 0)
	for _, e := range s.entries {
		if e.State == StateTrashed && e.OwnerUserID == ownerUserID {
			ids = append(ids, e.ID)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Purge(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background retention scanner.
func (s *Store) Start() {
	if s.cfg.ScanInterval <= 0 {
		logger.Info("trashstore: retention scanner disabled (no scan interval configured)")
		return
	}
	go s.worker()
}

// Stop signals the scanner to stop and waits for it to finish.
func (s *Store) Stop(ctx context.Context) error {
	if s.cfg.ScanInterval <= 0 {
		return nil
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) worker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			n, err := s.scanOnce(ctx)
			cancel()
			if err != nil {
				logger.Error("trashstore: retention scan failed: %v", err)
			} else if n > 0 {
				logger.Info("trashstore: retention scan purged %d expired entries", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// scanOnce purges every entry whose PurgeAfter deadline has passed, up to
// ScanBatchSize per call.
func (s *Store) scanOnce(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.RLock()
	due := make([]string, 0)
	for _, e := range s.entries {
		if e.State == StateTrashed && !e.PurgeAfter.After(now) {
			due = append(due, e.ID)
			if len(due) >= s.cfg.ScanBatchSize {
				break
			}
		}
	}
	s.mu.RUnlock()

	purged := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.Purge(ctx, id); err != nil {
			logger.Error("trashstore: failed to purge expired entry %s: %v", id, err)
			continue
		}
		purged++
	}
	s.metrics.RecordScan(len(due), purged)
	return purged, nil
}
