// Package searchindex implements an in-memory name and metadata search
// index over files and folders, with incremental maintenance hooks and a
// bounded, TTL-based result cache. Grounded on the original
// implementation's application/services/search_service.rs (cache key
// scoped by user plus criteria, TTL-based cache eviction) and the
// teacher's readdir-cache idiom for scoping lookups to one user's
// subtree.
package searchindex

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/pkg/metrics"
)

// Item is one indexed entry.
type Item struct {
	ID          string
	Name        string
	IsFolder    bool
	FolderID    string // parent folder, for a file or folder
	RootOwnerID string // the user id that owns the tree this item lives in
	Path        string
	SizeBytes   int64
	MimeType    string
	ModifiedAt  time.Time
}

// Query is the full §4.9 query surface. Results are always limited to
// items whose RootOwnerID equals OwnerID; an empty FolderID applies no
// further folder filter, so the query covers the owner's whole tree.
// Recursive, when false, restricts results to FolderID's direct children.
type Query struct {
	OwnerID string
	Text    string

	FolderID string
	// FolderPath is FolderID's resolved path, supplied by the caller
	// (the Coordinator, which has IdMap access); used to scope a
	// Recursive query by path prefix, since the index itself holds no
	// folder hierarchy.
	FolderPath string
	Recursive  bool

	FileTypes []string // matched case-insensitively against MimeType
	SizeMin   int64
	SizeMax   int64 // zero means unbounded

	ModifiedAfter  time.Time
	ModifiedBefore time.Time

	Limit  int
	Offset int
}

// Result is the §4.9 response shape.
type Result struct {
	Files   []Item
	Folders []Item
	Total   int
}

// normalize case-folds a name for matching. The index scans linearly
// within one owner's items rather than maintaining a true inverted
// posting list, since a single user's file count rarely justifies one.
func normalize(s string) string {
	return strings.ToLower(s)
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?")
}

func nameMatches(name, needle string) bool {
	if needle == "" {
		return true
	}
	folded := normalize(name)
	if isGlob(needle) {
		ok, err := path.Match(needle, folded)
		return err == nil && ok
	}
	return strings.Contains(folded, needle)
}

// Index maintains the searchable name/metadata index and a bounded
// result cache.
type Index struct {
	mu    sync.RWMutex
	items map[string]*Item // itemID -> item

	cacheMu    sync.Mutex
	cache      map[string]cacheEntry
	cacheOrder []string // oldest first, for eviction beyond MaxEntries
	cacheTTL   time.Duration
	maxEntries int

	metrics metrics.SearchMetrics
}

// cacheKey returns a string uniquely identifying ownerID+query for cache
// lookups; Query embeds a slice (FileTypes) so it cannot be used directly
// as a map key.
func cacheKey(ownerID string, q Query) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%t\x00%s\x00%d\x00%d\x00%d\x00%d\x00%d\x00%d",
		ownerID, q.OwnerID, q.Text, q.FolderID, q.FolderPath, q.Recursive, strings.Join(q.FileTypes, ","),
		q.SizeMin, q.SizeMax, q.ModifiedAfter.UnixNano(), q.ModifiedBefore.UnixNano(), q.Limit, q.Offset)
}

type cacheEntry struct {
	ownerID   string
	result    Result
	expiresAt time.Time
}

// New builds an Index whose result cache holds at most maxEntries
// entries, each valid for ttl.
func New(ttl time.Duration, maxEntries int) *Index {
	return &Index{
		items:      make(map[string]*Item),
		cache:      make(map[string]cacheEntry),
		cacheTTL:   ttl,
		maxEntries: maxEntries,
		metrics:    metrics.NewSearchMetrics(),
	}
}

// SetMetrics installs a SearchMetrics sink for query instrumentation.
func (idx *Index) SetMetrics(m metrics.SearchMetrics) {
	idx.metrics = m
}

// Put (re-)indexes an item. Called by the Coordinator after any create,
// rename, or move.
func (idx *Index) Put(item Item) {
	idx.mu.Lock()
	idx.items[item.ID] = &item
	idx.mu.Unlock()
	idx.invalidateOwner(item.RootOwnerID)
}

// Remove drops an item from the index. Called after delete or purge.
func (idx *Index) Remove(itemID string) {
	idx.mu.Lock()
	item, ok := idx.items[itemID]
	if ok {
		delete(idx.items, itemID)
	}
	idx.mu.Unlock()
	if ok {
		idx.invalidateOwner(item.RootOwnerID)
	}
}

// ClearCache drops every cached result, regardless of owner. Exposed for
// callers that need a hard cache reset (tests, an admin operation)
// rather than the normal per-write invalidation path.
func (idx *Index) ClearCache() {
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()
	idx.cache = make(map[string]cacheEntry)
	idx.cacheOrder = nil
}

// Search evaluates q against ownerID's own tree and returns matching
// files and folders plus the total match count before Limit/Offset are
// applied, serving from the result cache when available. Limit == 0
// returns empty Files/Folders with a correct Total, per the boundary
// behavior of a zero-sized page.
func (idx *Index) Search(ctx context.Context, q Query) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	normalized := q
	normalized.Text = normalize(q.Text)
	key := cacheKey(q.OwnerID, normalized)

	if cached, ok := idx.lookupCache(key); ok {
		idx.metrics.RecordSearch(true, time.Since(start))
		return cached, nil
	}

	idx.mu.RLock()
	matches := make([]Item, 0)
	for _, item := range idx.items {
		if item.RootOwnerID != q.OwnerID {
			continue
		}
		if idx.matches(*item, q) {
			matches = append(matches, *item)
		}
	}
	idx.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return strings.ToLower(matches[i].Name) < strings.ToLower(matches[j].Name)
	})

	result := Result{Files: make([]Item, 0), Folders: make([]Item, 0), Total: len(matches)}
	page := paginate(matches, q.Limit, q.Offset)
	for _, item := range page {
		if item.IsFolder {
			result.Folders = append(result.Folders, item)
		} else {
			result.Files = append(result.Files, item)
		}
	}

	idx.storeCache(key, q.OwnerID, result)
	idx.metrics.RecordSearch(false, time.Since(start))
	return result, nil
}

func paginate(items []Item, limit, offset int) []Item {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit <= 0 {
		if limit == 0 {
			return nil
		}
		return items
	}
	if limit < len(items) {
		return items[:limit]
	}
	return items
}

func (idx *Index) matches(item Item, q Query) bool {
	if !nameMatches(item.Name, q.Text) {
		return false
	}
	if q.FolderID != "" {
		if q.Recursive {
			prefix := strings.TrimSuffix(q.FolderPath, "/") + "/"
			if item.FolderID != q.FolderID && !strings.HasPrefix(item.Path, prefix) {
				return false
			}
		} else if item.FolderID != q.FolderID {
			return false
		}
	}
	if len(q.FileTypes) > 0 {
		if item.IsFolder {
			return false
		}
		matched := false
		for _, t := range q.FileTypes {
			if strings.EqualFold(t, item.MimeType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if q.SizeMin > 0 && item.SizeBytes < q.SizeMin {
		return false
	}
	if q.SizeMax > 0 && item.SizeBytes > q.SizeMax {
		return false
	}
	if !q.ModifiedAfter.IsZero() && item.ModifiedAt.Before(q.ModifiedAfter) {
		return false
	}
	if !q.ModifiedBefore.IsZero() && item.ModifiedAt.After(q.ModifiedBefore) {
		return false
	}
	return true
}

func (idx *Index) lookupCache(key string) (Result, bool) {
	if idx.cacheTTL <= 0 {
		return Result{}, false
	}
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	entry, ok := idx.cache[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return Result{}, false
	}
	return entry.result, true
}

func (idx *Index) storeCache(key string, ownerID string, result Result) {
	if idx.cacheTTL <= 0 || idx.maxEntries <= 0 {
		return
	}
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	if _, exists := idx.cache[key]; !exists {
		idx.cacheOrder = append(idx.cacheOrder, key)
		for len(idx.cacheOrder) > idx.maxEntries {
			oldest := idx.cacheOrder[0]
			idx.cacheOrder = idx.cacheOrder[1:]
			delete(idx.cache, oldest)
		}
	}
	idx.cache[key] = cacheEntry{ownerID: ownerID, result: result, expiresAt: time.Now().Add(idx.cacheTTL)}
}

// invalidateOwner drops every cached query for ownerID: any write
// anywhere in that user's tree can change any query's result set, so
// there's no cheaper invalidation than wholesale.
func (idx *Index) invalidateOwner(ownerID string) {
	idx.cacheMu.Lock()
	defer idx.cacheMu.Unlock()

	remaining := idx.cacheOrder[:0:0]
	for _, key := range idx.cacheOrder {
		if idx.cache[key].ownerID == ownerID {
			delete(idx.cache, key)
			continue
		}
		remaining = append(remaining, key)
	}
	idx.cacheOrder = remaining
}
