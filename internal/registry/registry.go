// Package registry loads a map of language server commands from an
// on-disk TOML file, adapted from the config loader's TOMLLoader/
// FileSystem abstraction into a typed server registry.
package registry

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ServerEntry is one language server's launch configuration.
type ServerEntry struct {
	Command               string         `toml:"command"`
	Args                  []string       `toml:"args"`
	Env                   []string       `toml:"env"`
	LanguageIDs           []string       `toml:"language_ids"`
	InitializationOptions map[string]any `toml:"initialization_options"`
	KeepLogfiles          bool           `toml:"keep_logfiles"`
}

// document is the on-disk shape: a table of server name -> ServerEntry.
type document struct {
	Servers map[string]ServerEntry `toml:"servers"`
}

// FileSystem abstracts file reads so tests can supply an in-memory
// filesystem instead of touching disk.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// DefaultFS returns the real on-disk filesystem.
func DefaultFS() FileSystem { return osFS{} }

// Load reads and parses a server registry TOML file. A missing file is
// not an error; it yields an empty registry.
func Load(path string) (map[string]ServerEntry, error) {
	return LoadFS(DefaultFS(), path)
}

// LoadFS is Load with an injectable FileSystem.
func LoadFS(fs FileSystem, path string) (map[string]ServerEntry, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerEntry{}, nil
		}
		return nil, fmt.Errorf("reading server registry %s: %w", path, err)
	}

	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing server registry %s: %w", path, err)
	}
	if doc.Servers == nil {
		doc.Servers = map[string]ServerEntry{}
	}
	return doc.Servers, nil
}
