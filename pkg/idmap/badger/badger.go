// Package badger is an optional persistent IdMap backend for deployments
// that prefer an embedded KV store over a debounced JSON file. It is the
// only BadgerDB user in the module: TrashStore and ShareStore keep their
// indexes in files of their own.
//
// Key namespace, grounded on the teacher's pkg/store/metadata/badger key
// design:
//
//	"i:<id>"    -> Entry (JSON)   forward lookup
//	"p:<path>"  -> id (bytes)     reverse lookup
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vaultfs/vaultfs/pkg/idmap"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

const (
	prefixID   = "i:"
	prefixPath = "p:"
)

func keyID(id string) []byte     { return []byte(prefixID + id) }
func keyPath(path string) []byte { return []byte(prefixPath + path) }

// Store implements idmap.IdMap directly against BadgerDB, trading the
// debounce window for synchronous per-mutation durability (BadgerDB's own
// WAL amortizes the syscall cost).
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a BadgerDB database at dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to open badger idmap", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var entry idmap.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyID(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", storeerr.WithPath(storeerr.NotFound, "id not found", id)
	}
	if err != nil {
		return "", storeerr.Wrap(storeerr.IOError, "badger read failed", err)
	}
	return entry.Path, nil
}

func (s *Store) Reverse(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPath(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", storeerr.WithPath(storeerr.NotFound, "path not mapped", path)
	}
	if err != nil {
		return "", storeerr.Wrap(storeerr.IOError, "badger read failed", err)
	}
	return id, nil
}

func (s *Store) Insert(ctx context.Context, id, path string, kind idmap.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(keyID(id)); err == nil {
			var existing idmap.Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return storeerr.Wrap(storeerr.IOError, "failed to unmarshal entry", err)
			}
			if existing.Path == path {
				return nil
			}
			panic(fmt.Sprintf("idmap/badger: duplicate id insertion for %q (already bound to %q)", id, existing.Path))
		}
		if _, err := txn.Get(keyPath(path)); err == nil {
			return storeerr.WithPath(storeerr.Conflict, "path already mapped", path)
		}

		entry := idmap.Entry{ID: id, Path: path, Kind: kind}
		data, err := json.Marshal(entry)
		if err != nil {
			return storeerr.Wrap(storeerr.IOError, "failed to marshal entry", err)
		}
		if err := txn.Set(keyID(id), data); err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger write failed", err)
		}
		return txn.Set(keyPath(path), []byte(id))
	})
}

func (s *Store) Rename(ctx context.Context, id, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyID(id))
		if err == badger.ErrKeyNotFound {
			return storeerr.WithPath(storeerr.NotFound, "id not found", id)
		}
		if err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger read failed", err)
		}

		var entry idmap.Entry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			return storeerr.Wrap(storeerr.IOError, "failed to unmarshal entry", err)
		}

		if pathItem, err := txn.Get(keyPath(newPath)); err == nil {
			var holder string
			_ = pathItem.Value(func(val []byte) error { holder = string(val); return nil })
			if holder != id {
				return storeerr.WithPath(storeerr.Conflict, "path already mapped", newPath)
			}
		}

		if err := txn.Delete(keyPath(entry.Path)); err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger delete failed", err)
		}
		entry.Path = newPath
		data, err := json.Marshal(entry)
		if err != nil {
			return storeerr.Wrap(storeerr.IOError, "failed to marshal entry", err)
		}
		if err := txn.Set(keyID(id), data); err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger write failed", err)
		}
		return txn.Set(keyPath(newPath), []byte(id))
	})
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyID(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger read failed", err)
		}

		var entry idmap.Entry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			return storeerr.Wrap(storeerr.IOError, "failed to unmarshal entry", err)
		}

		if err := txn.Delete(keyID(id)); err != nil {
			return storeerr.Wrap(storeerr.IOError, "badger delete failed", err)
		}
		return txn.Delete(keyPath(entry.Path))
	})
}

// Flush is a no-op: every mutation above already commits synchronously.
func (s *Store) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return storeerr.Wrap(storeerr.IOError, "failed to close badger idmap", err)
	}
	return nil
}

var _ idmap.IdMap = (*Store)(nil)
