package registry

import (
	"errors"
	"os"
	"testing"
)

type fakeFS map[string][]byte

func (f fakeFS) ReadFile(path string) ([]byte, error) {
	data, ok := f[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return data, nil
}

func TestLoadFSMissingFileYieldsEmptyRegistry(t *testing.T) {
	entries, err := LoadFS(fakeFS{}, "/does/not/exist.toml")
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want empty", entries)
	}
}

func TestLoadFSParsesServerEntries(t *testing.T) {
	doc := `
[servers.clangd]
command = "clangd"
args = ["--background-index"]
language_ids = ["c", "cpp"]
keep_logfiles = true
`
	fs := fakeFS{"/servers.toml": []byte(doc)}

	entries, err := LoadFS(fs, "/servers.toml")
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}

	entry, ok := entries["clangd"]
	if !ok {
		t.Fatal("expected a clangd entry")
	}
	if entry.Command != "clangd" {
		t.Fatalf("Command = %q", entry.Command)
	}
	if len(entry.Args) != 1 || entry.Args[0] != "--background-index" {
		t.Fatalf("Args = %v", entry.Args)
	}
	if !entry.KeepLogfiles {
		t.Fatal("expected KeepLogfiles = true")
	}
}

func TestLoadFSPropagatesOtherReadErrors(t *testing.T) {
	fs := fakeFS{}
	_, err := LoadFS(readErrFS{}, "/servers.toml")
	if err == nil {
		t.Fatal("expected an error for a non-ENOENT read failure")
	}
	_ = fs
}

type readErrFS struct{}

func (readErrFS) ReadFile(path string) ([]byte, error) {
	return nil, errors.New("permission denied")
}
