package vault

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"nas-go/internal/config"
	"nas-go/internal/nas"
)

// Opener returns the vault backing one repository. repoDir is the
// repository directory on the host and repoID its stable identifier.
type Opener func(repoDir, repoID string) (nas.Vault, error)

// NewOpenerFromConfig creates a vault Opener based on the vault config type.
// An empty type selects the filesystem vault.
func NewOpenerFromConfig(ctx context.Context, cfg config.VaultConfig) (Opener, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRegistry().Open, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
		}
		client, err := NewS3ClientFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return func(_, repoID string) (nas.Vault, error) {
			return NewS3Vault(client, cfg.S3Bucket, cfg.S3Prefix+"/"+repoID), nil
		}, nil
	case "filesystem", "":
		return func(repoDir, repoID string) (nas.Vault, error) {
			return NewFileSystemVault(repoID, filepath.Join(repoDir, "data"))
		}, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

// MemoryRegistry hands out one MemoryVault per repository ID so that
// reopening a repository sees earlier writes.
type MemoryRegistry struct {
	mu     sync.Mutex
	vaults map[string]*MemoryVault
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{vaults: make(map[string]*MemoryVault)}
}

// Open returns the vault for repoID, creating it on first use.
func (r *MemoryRegistry) Open(_, repoID string) (nas.Vault, error) {
	return r.Get(repoID), nil
}

// Get returns the concrete vault for repoID, creating it on first use.
func (r *MemoryRegistry) Get(repoID string) *MemoryVault {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vaults[repoID]
	if !ok {
		v = NewMemoryVault(repoID)
		r.vaults[repoID] = v
	}
	return v
}
