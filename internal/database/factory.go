package database

import (
	"fmt"
	"os"
	"path/filepath"

	"nas-go/internal/config"
	"nas-go/internal/nas"
)

// DirectoryFileName is the user directory database inside data_dir.
const DirectoryFileName = "users.db"

// NewDirectoryFromConfig creates the user directory based on the database config type.
// In-memory directories are migrated immediately since nothing else could.
func NewDirectoryFromConfig(cfg *config.Config, clock nas.Clock, idgen nas.IDGenerator) (*SQLiteDirectory, error) {
	switch cfg.Database.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteDirectory(filepath.Join(cfg.DataDir, DirectoryFileName), clock, idgen)
	case "memory":
		d, err := NewSQLiteDirectory(":memory:", clock, idgen)
		if err != nil {
			return nil, err
		}
		if err := d.MigrateUp(); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Database.Type)
	}
}
