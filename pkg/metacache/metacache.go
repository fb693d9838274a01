// Package metacache caches stat(path) and list(folder_id) results with
// per-entry TTL and tombstone-on-invalidate semantics, grounded on the
// teacher's lazily-populated, invalidated-on-write sortedDirCache
// (pkg/store/metadata/memory/store.go) and the original implementation's
// TTL/tombstone design (file_metadata_cache.rs).
package metacache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/logger"
)

// StatRecord is a cached stat(path) result. Fields mirror the subset of
// Folder/File attributes a caller needs without resolving through
// FolderStore/FileStore again.
type StatRecord struct {
	ID         string
	Name       string
	IsFolder   bool
	SizeBytes  uint64
	ModifiedAt time.Time
}

// ChildRef is one entry in a cached directory listing.
type ChildRef struct {
	ID       string
	Name     string
	IsFolder bool
}

type entry[T any] struct {
	value      T
	tombstoned bool
	expiresAt  time.Time
}

// Cache is the MetaCache component. A single instance is shared by every
// Store, per the spec's "these four shared by all Stores" ownership note.
type Cache struct {
	ttl time.Duration

	mu       sync.RWMutex
	stats    map[string]*entry[StatRecord]
	listings map[string]*entry[[]ChildRef]

	preloadSlots chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New builds a Cache with the given per-entry TTL. sweepInterval controls
// how often expired/tombstoned entries are purged in the background;
// preloadQueueSize bounds how many Preload fills run at once. A Preload
// call made while that many are in flight is itself dropped; fills
// already running are not cancelled to make room for it.
func New(ttl, sweepInterval time.Duration, preloadQueueSize int) *Cache {
	c := &Cache{
		ttl:          ttl,
		stats:        make(map[string]*entry[StatRecord]),
		listings:     make(map[string]*entry[[]ChildRef]),
		preloadSlots: make(chan struct{}, preloadQueueSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// GetStat returns a cached stat record for path, or ok=false on a miss or
// tombstoned entry.
func (c *Cache) GetStat(path string) (StatRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.stats[path]
	if !ok || e.tombstoned || time.Now().After(e.expiresAt) {
		return StatRecord{}, false
	}
	return e.value, true
}

// PutStat caches a stat record for path.
func (c *Cache) PutStat(path string, rec StatRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[path] = &entry[StatRecord]{value: rec, expiresAt: time.Now().Add(c.ttl)}
}

// GetListing returns the cached children of folderID, or ok=false on a
// miss or tombstoned entry.
func (c *Cache) GetListing(folderID string) ([]ChildRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.listings[folderID]
	if !ok || e.tombstoned || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// PutListing caches the children of folderID.
func (c *Cache) PutListing(folderID string, children []ChildRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[folderID] = &entry[[]ChildRef]{value: children, expiresAt: time.Now().Add(c.ttl)}
}

// InvalidatePath tombstones the stat entry for path, so concurrent
// readers observe a Miss rather than a stale Hit.
func (c *Cache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.stats[path]; ok {
		e.tombstoned = true
	}
}

// InvalidateFolder tombstones the listing entry for folderID.
func (c *Cache) InvalidateFolder(folderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.listings[folderID]; ok {
		e.tombstoned = true
	}
}

// InvalidatePrefix tombstones every stat entry whose path has the given
// prefix. Used on folder rename/move where an unbounded number of
// descendant paths change at once.
func (c *Cache) InvalidatePrefix(pathPrefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.stats {
		if strings.HasPrefix(path, pathPrefix) {
			e.tombstoned = true
		}
	}
}

// Preload schedules a background fill for a folder's children. It is
// cancellable via ctx and drops this new request (rather than blocking)
// if preloadQueueSize fills are already in flight.
func (c *Cache) Preload(ctx context.Context, folderID string, fill func(context.Context, string) ([]ChildRef, error)) {
	select {
	case c.preloadSlots <- struct{}{}:
	default:
		logger.Warn("metacache: preload queue full, dropping request for folder %s", folderID)
		return
	}

	go func() {
		defer func() { <-c.preloadSlots }()

		children, err := fill(ctx, folderID)
		if err != nil {
			logger.Warn("metacache: preload fill failed for folder %s: %v", folderID, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.PutListing(folderID, children)
	}()
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, e := range c.stats {
		if e.tombstoned || now.After(e.expiresAt) {
			delete(c.stats, path)
		}
	}
	for id, e := range c.listings {
		if e.tombstoned || now.After(e.expiresAt) {
			delete(c.listings, id)
		}
	}
}

// Close stops the background sweep loop.
func (c *Cache) Close() {
	close(c.stopCh)
	<-c.doneCh
}
