// Package idmap maintains the bijective mapping between opaque entity ids
// and their root-relative storage paths. It is the single authority every
// other store consults before touching the filesystem.
package idmap

import (
	"context"

	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// Kind distinguishes what an id addresses.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Entry is one id<->path binding, also the on-disk record shape for the
// JSON backend described in the external interfaces contract.
type Entry struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// IdMap resolves ids to paths and back, persisting the mapping with a
// debounced write-to-temp-plus-rename discipline so a crash loses at most
// the last debounce window of mutations.
type IdMap interface {
	// Resolve returns the path bound to id, or a NotFound *storeerr.Error.
	Resolve(ctx context.Context, id string) (string, error)

	// Reverse returns the id bound to path, or a NotFound *storeerr.Error.
	Reverse(ctx context.Context, path string) (string, error)

	// Insert binds a fresh id to path. Re-inserting an id that already
	// resolves to a different path panics (a programmer error, per the
	// spec's "duplicate id insertion is fatal" failure semantics);
	// inserting a path already bound to a different id returns Conflict.
	Insert(ctx context.Context, id, path string, kind Kind) error

	// Rename atomically repoints id at newPath. Fails with Conflict if
	// newPath is already mapped to a different id.
	Rename(ctx context.Context, id, newPath string) error

	// Remove erases id's binding. A no-op if id is unknown.
	Remove(ctx context.Context, id string) error

	// Flush forces an immediate persist, bypassing the debounce timer.
	// Used on graceful shutdown.
	Flush(ctx context.Context) error

	// Close stops the background flush worker and flushes any pending
	// mutations.
	Close(ctx context.Context) error
}

// notFound builds the standard NotFound error for a missing id or path.
func notFound(message, subject string) error {
	return storeerr.WithPath(storeerr.NotFound, message, subject)
}

// conflict builds the standard Conflict error for a path already in use.
func conflict(message, subject string) error {
	return storeerr.WithPath(storeerr.Conflict, message, subject)
}
