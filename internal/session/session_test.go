package session

import (
	"testing"

	"github.com/ccbt-project/ccbt/internal/foldermgr"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

func mkFolder(t *testing.T, key string) *foldermgr.Folder {
	t.Helper()
	var c tonic.ChunkHash
	c[0] = 1
	meta, err := tonic.Create("f", nil, []tonic.ChunkHash{c}, tonic.SyncBestEffort, tonic.CreateOptions{})
	if err != nil {
		t.Fatalf("tonic.Create: %v", err)
	}
	f, err := foldermgr.New(key, "/tmp/"+key, meta)
	if err != nil {
		t.Fatalf("foldermgr.New: %v", err)
	}
	return f
}

func TestAddGetRemoveFolderWithoutRegistry(t *testing.T) {
	m := New(nil, nil)
	f := mkFolder(t, "folder-1")

	if err := m.AddFolder(f, nil); err != nil {
		t.Fatalf("AddFolder: %v", err)
	}

	got, ok := m.GetFolder("folder-1")
	if !ok || got.Key != "folder-1" {
		t.Fatalf("expected to find folder-1, got %+v, %v", got, ok)
	}

	if list := m.ListFolders(); len(list) != 1 {
		t.Fatalf("expected 1 folder listed, got %d", len(list))
	}

	if err := m.RemoveFolder("folder-1"); err != nil {
		t.Fatalf("RemoveFolder: %v", err)
	}
	if _, ok := m.GetFolder("folder-1"); ok {
		t.Fatal("expected folder-1 to be gone after removal")
	}
}

func TestAddFolderRejectsDuplicateKey(t *testing.T) {
	m := New(nil, nil)
	f := mkFolder(t, "dup")
	if err := m.AddFolder(f, nil); err != nil {
		t.Fatalf("AddFolder: %v", err)
	}
	f2 := mkFolder(t, "dup")
	if err := m.AddFolder(f2, nil); err == nil {
		t.Fatal("expected error registering a duplicate folder_key")
	}
}

func TestRemoveFolderNotFound(t *testing.T) {
	m := New(nil, nil)
	if err := m.RemoveFolder("missing"); err == nil {
		t.Fatal("expected error removing an unregistered folder")
	}
}

func TestLoadFromRegistryNoopWithoutRegistry(t *testing.T) {
	m := New(nil, nil)
	loaded, errs := m.LoadFromRegistry()
	if loaded != 0 || errs != nil {
		t.Fatalf("expected no-op with no registry, got loaded=%d errs=%v", loaded, errs)
	}
}
