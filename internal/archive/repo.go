package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// repoConfigFile describes a native repository. It lives at <repo>/repo.toml.
const repoConfigFile = "repo.toml"

// repoConfig is the persisted state of a native repository.
type repoConfig struct {
	ID         string    `toml:"id"`
	Encryption string    `toml:"encryption"`
	Quota      int64     `toml:"quota"`
	UsedBytes  int64     `toml:"used_bytes"`
	CreatedAt  time.Time `toml:"created_at"`
}

func readRepoConfig(repo string) (*repoConfig, error) {
	data, err := os.ReadFile(filepath.Join(repo, repoConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("repository %s is not initialized", repo)
		}
		return nil, fmt.Errorf("reading repository config: %w", err)
	}
	var cfg repoConfig
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing repository config: %w", err)
	}
	return &cfg, nil
}

// writeRepoConfig replaces repo.toml atomically.
func writeRepoConfig(repo string, cfg *repoConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding repository config: %w", err)
	}
	return writeFileAtomic(filepath.Join(repo, repoConfigFile), buf.Bytes(), 0o600)
}

func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// manifest lists every entry of one archive. Paths are slash-separated and
// relative to the archived source directory.
type manifest struct {
	Label     string          `toml:"label"`
	CreatedAt time.Time       `toml:"created_at"`
	Entries   []manifestEntry `toml:"entries"`
}

type manifestEntry struct {
	Path     string    `toml:"path"`
	Dir      bool      `toml:"dir,omitempty"`
	Mode     uint32    `toml:"mode"`
	Size     int64     `toml:"size,omitempty"`
	Checksum string    `toml:"checksum,omitempty"`
	ModTime  time.Time `toml:"mod_time"`
}

// index is the list of archives in a repository, oldest first.
type index struct {
	Archives []indexEntry `toml:"archives"`
}

type indexEntry struct {
	ID        string    `toml:"id"`
	Label     string    `toml:"label"`
	CreatedAt time.Time `toml:"created_at"`
}

// Metadata document names inside the vault.
const (
	indexName      = "index"
	manifestPrefix = "archives/"
)
