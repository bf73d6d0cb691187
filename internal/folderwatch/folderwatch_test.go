package folderwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	events := make(chan Event, 10)

	w, err := New(dir, events, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	target := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(target, []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Path != target {
			t.Fatalf("expected event for %s, got %s", target, ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for debounced event")
	}
}

func TestChangeKindString(t *testing.T) {
	cases := map[ChangeKind]string{
		ChangeWrite:  "write",
		ChangeCreate: "create",
		ChangeRemove: "remove",
		ChangeRename: "rename",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("ChangeKind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
