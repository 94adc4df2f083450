package clangdconn

import "testing"

func TestFileStateFullSequence(t *testing.T) {
	fs := newFileState()

	if action := fs.Dirty([]byte("test contents")); action != OpenFile {
		t.Fatalf("first Dirty() = %v, want OpenFile", action)
	}
	if v := fs.Version(); v != 1 {
		t.Fatalf("version after open = %d, want 1", v)
	}

	if action := fs.Dirty([]byte("test contents")); action != NoAction {
		t.Fatalf("repeat Dirty() with same contents = %v, want NoAction", action)
	}
	if v := fs.Version(); v != 1 {
		t.Fatalf("version after no-op dirty = %d, want 1", v)
	}

	if action := fs.Dirty([]byte("changed contents")); action != ChangeFile {
		t.Fatalf("Dirty() with changed contents = %v, want ChangeFile", action)
	}
	if v := fs.Version(); v != 2 {
		t.Fatalf("version after change = %d, want 2", v)
	}

	if action := fs.Close(); action != CloseFile {
		t.Fatalf("Close() = %v, want CloseFile", action)
	}
	if fs.IsOpen() {
		t.Fatal("expected file to be closed")
	}

	if action := fs.Dirty([]byte("anything")); action != OpenFile {
		t.Fatalf("Dirty() after close = %v, want OpenFile", action)
	}
	if v := fs.Version(); v != 1 {
		t.Fatalf("version after reopen = %d, want 1", v)
	}
}

func TestFileStateCloseIsNoActionWhenAlreadyClosed(t *testing.T) {
	fs := newFileState()
	if action := fs.Close(); action != NoAction {
		t.Fatalf("Close() on fresh file = %v, want NoAction", action)
	}
}

func TestFileStateSavedWhileClosedIsNoAction(t *testing.T) {
	fs := newFileState()
	if action := fs.Saved([]byte("x")); action != NoAction {
		t.Fatalf("Saved() while closed = %v, want NoAction", action)
	}
}

func TestFileStateSavedWithUnchangedChecksum(t *testing.T) {
	fs := newFileState()
	fs.Dirty([]byte("same"))
	if action := fs.Saved([]byte("same")); action != NoAction {
		t.Fatalf("Saved() with unchanged contents = %v, want NoAction", action)
	}
}

func TestFileStateSavedWithChangedChecksumEmitsChangeFile(t *testing.T) {
	fs := newFileState()
	fs.Dirty([]byte("initial"))
	if action := fs.Saved([]byte("on disk now")); action != ChangeFile {
		t.Fatalf("Saved() with changed contents = %v, want ChangeFile", action)
	}
	if v := fs.Version(); v != 2 {
		t.Fatalf("version after saved change = %d, want 2", v)
	}
}

func TestFileStateStoreAutoCreatesAndDeletes(t *testing.T) {
	store := NewFileStateStore()

	a := store.GetOrInsert("/tmp/a.cpp")
	b := store.GetOrInsert("/tmp/a.cpp")
	if a != b {
		t.Fatal("expected the same FileState instance for the same filename")
	}

	if len(store.Filenames()) != 1 {
		t.Fatalf("Filenames() = %v, want one entry", store.Filenames())
	}

	store.Delete("/tmp/a.cpp")
	if len(store.Filenames()) != 0 {
		t.Fatalf("Filenames() after delete = %v, want empty", store.Filenames())
	}
}
