package idmap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/logger"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// Store is the default IdMap backend: an in-memory id-keyed map plus a
// reverse path-keyed map, persisted to a single JSON file under debounced
// write-to-temp-plus-rename discipline.
//
// Grounded on the teacher's share-handle encode/decode idiom
// (pkg/store/metadata/handle.go) for the id<->path relationship, and on
// the original implementation's id_mapping_service.rs for the
// debounce/pending-save/version bookkeeping.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]Entry
	byPath    map[string]string // path -> id
	version   uint64

	mapPath string

	debounce      time.Duration
	maxPendingOps int

	saveMu  sync.Mutex
	pending int

	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	flushCh chan chan error
}

// Open loads mapPath if it exists, falling back to an empty map on any
// read or parse failure (the caller is expected to follow up with a
// rebuild scan over the storage root, per the spec's failure semantics).
func Open(ctx context.Context, mapPath string, debounce time.Duration, maxPendingOps int) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Store{
		byID:          make(map[string]Entry),
		byPath:        make(map[string]string),
		mapPath:       mapPath,
		debounce:      debounce,
		maxPendingOps: maxPendingOps,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		flushCh:       make(chan chan error),
	}

	if err := s.load(); err != nil {
		logger.Warn("idmap: failed to load %s, starting empty: %v", mapPath, err)
	}

	go s.worker()
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.mapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		backupPath := s.mapPath + ".bak"
		if cpErr := os.WriteFile(backupPath, data, 0o644); cpErr != nil {
			logger.Error("idmap: failed to back up corrupted map: %v", cpErr)
		} else {
			logger.Info("idmap: backed up corrupted map to %s", backupPath)
		}
		return storeerr.Wrap(storeerr.CorruptedIndex, "id_map.json failed to parse", err)
	}

	for _, e := range entries {
		s.byID[e.ID] = e
		s.byPath[e.Path] = e.ID
	}
	logger.Info("idmap: loaded %d entries", len(entries))
	return nil
}

func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return "", notFound("id not found", id)
	}
	return e.Path, nil
}

func (s *Store) Reverse(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPath[path]
	if !ok {
		return "", notFound("path not mapped", path)
	}
	return id, nil
}

func (s *Store) Insert(ctx context.Context, id, path string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if existing, ok := s.byID[id]; ok {
		s.mu.Unlock()
		if existing.Path == path {
			return nil
		}
		panic(fmt.Sprintf("idmap: duplicate id insertion for %q (already bound to %q)", id, existing.Path))
	}
	if other, ok := s.byPath[path]; ok && other != id {
		s.mu.Unlock()
		return conflict("path already mapped", path)
	}

	s.byID[id] = Entry{ID: id, Path: path, Kind: kind}
	s.byPath[path] = id
	s.mu.Unlock()

	s.markPending()
	return nil
}

func (s *Store) Rename(ctx context.Context, id, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return notFound("id not found", id)
	}
	if other, ok := s.byPath[newPath]; ok && other != id {
		s.mu.Unlock()
		return conflict("path already mapped", newPath)
	}

	delete(s.byPath, e.Path)
	e.Path = newPath
	s.byID[id] = e
	s.byPath[newPath] = id
	s.mu.Unlock()

	s.markPending()
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byPath, e.Path)
	}
	s.mu.Unlock()

	if ok {
		s.markPending()
	}
	return nil
}

// markPending arms (or re-arms) the debounce timer and forces an
// immediate flush once maxPendingOps is reached.
func (s *Store) markPending() {
	s.saveMu.Lock()
	s.pending++
	force := s.pending >= s.maxPendingOps
	s.saveMu.Unlock()

	if force {
		reply := make(chan error, 1)
		select {
		case s.flushCh <- reply:
			<-reply
		case <-s.stopCh:
		}
		return
	}

	select {
	case s.flushCh <- nil:
	case <-s.stopCh:
	}
}

func (s *Store) worker() {
	defer close(s.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time

	armTimer := func() {
		if timer == nil {
			timer = time.NewTimer(s.debounce)
			timerC = timer.C
			return
		}
		timer.Reset(s.debounce)
	}

	for {
		select {
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case reply := <-s.flushCh:
			if reply != nil {
				err := s.save()
				reply <- err
				continue
			}
			armTimer()

		case <-timerC:
			if err := s.save(); err != nil {
				logger.Error("idmap: debounced flush failed: %v", err)
			}
		}
	}
}

func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	entries := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.version++
	version := s.version
	s.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to marshal id map", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.mapPath), 0o755); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to create idmap directory", err)
	}

	tmpPath := s.mapPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to write temp id map", err)
	}
	if err := os.Rename(tmpPath, s.mapPath); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to rename temp id map into place", err)
	}

	s.pending = 0
	logger.Debug("idmap: flushed %d entries (version %d)", len(entries), version)
	return nil
}

func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case s.flushCh <- reply:
	case <-s.stopCh:
		return storeerr.New(storeerr.Cancelled, "idmap store is closed")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	close(s.stopCh)
	<-s.doneCh
	return err
}
