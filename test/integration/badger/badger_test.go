//go:build integration

package badger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vaultfs/vaultfs/pkg/idmap"
	idmapbadger "github.com/vaultfs/vaultfs/pkg/idmap/badger"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// TestBadgerIdMap_PersistsAcrossRestarts verifies that entries written in
// one Store instance are visible after closing and reopening the same
// BadgerDB directory.
//
// Run with: go test -tags=integration ./test/integration/badger/...
func TestBadgerIdMap_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "vaultfs-badger-idmap-*")
	if err != nil {
		t.Fatalf("failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "idmap")

	func() {
		store, err := idmapbadger.Open(ctx, dbPath)
		if err != nil {
			t.Fatalf("failed to open badger idmap: %v", err)
		}
		defer store.Close(ctx)

		if err := store.Insert(ctx, "root-id", "/alice", idmap.KindFolder); err != nil {
			t.Fatalf("failed to insert root entry: %v", err)
		}
		if err := store.Insert(ctx, "file-id", "/alice/report.pdf", idmap.KindFile); err != nil {
			t.Fatalf("failed to insert file entry: %v", err)
		}
	}()

	store, err := idmapbadger.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to reopen badger idmap: %v", err)
	}
	defer store.Close(ctx)

	path, err := store.Resolve(ctx, "file-id")
	if err != nil {
		t.Fatalf("failed to resolve persisted entry: %v", err)
	}
	if path != "/alice/report.pdf" {
		t.Errorf("expected path /alice/report.pdf, got %q", path)
	}

	id, err := store.Reverse(ctx, "/alice")
	if err != nil {
		t.Fatalf("failed to reverse-lookup persisted entry: %v", err)
	}
	if id != "root-id" {
		t.Errorf("expected id root-id, got %q", id)
	}
}

// TestBadgerIdMap_RenameAndRemove exercises the mutation paths against a
// real on-disk database rather than an in-memory fake.
func TestBadgerIdMap_RenameAndRemove(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "vaultfs-badger-idmap-ops-*")
	if err != nil {
		t.Fatalf("failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := idmapbadger.Open(ctx, filepath.Join(dir, "idmap"))
	if err != nil {
		t.Fatalf("failed to open badger idmap: %v", err)
	}
	defer store.Close(ctx)

	if err := store.Insert(ctx, "doc-id", "/alice/draft.txt", idmap.KindFile); err != nil {
		t.Fatalf("failed to insert entry: %v", err)
	}

	if err := store.Rename(ctx, "doc-id", "/alice/final.txt"); err != nil {
		t.Fatalf("failed to rename entry: %v", err)
	}
	if _, err := store.Reverse(ctx, "/alice/draft.txt"); !storeerr.Is(err, storeerr.NotFound) {
		t.Errorf("expected NotFound for old path, got %v", err)
	}
	if id, err := store.Reverse(ctx, "/alice/final.txt"); err != nil || id != "doc-id" {
		t.Errorf("expected doc-id at new path, got id=%q err=%v", id, err)
	}

	if err := store.Remove(ctx, "doc-id"); err != nil {
		t.Fatalf("failed to remove entry: %v", err)
	}
	if _, err := store.Resolve(ctx, "doc-id"); !storeerr.Is(err, storeerr.NotFound) {
		t.Errorf("expected NotFound after remove, got %v", err)
	}
}
