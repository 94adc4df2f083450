package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchRecursiveReportsWriteAndCreate(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	w, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if err := w.WatchRecursive(root); err != nil {
		t.Fatalf("WatchRecursive() error = %v", err)
	}

	target := filepath.Join(sub, "a.cpp")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == target {
				return
			}
		case <-deadline:
			t.Fatal("did not observe a create/write event for the new file")
		}
	}
}

func TestWatchRecursiveNonexistentRoot(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if err := w.WatchRecursive(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error watching a nonexistent root")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
