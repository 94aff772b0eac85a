package testutil

import (
	"context"
	"sync"

	"nas-go/internal/archive"
	"nas-go/internal/nas"
	"nas-go/internal/vault"
)

// NewTestEngine creates a native archive engine backed by in-memory vaults and
// no encryption. The registry gives access to the vaults.
func NewTestEngine(clock nas.Clock) (*archive.NativeEngine, *vault.MemoryRegistry) {
	registry := vault.NewMemoryRegistry()
	return archive.NewNativeEngine(registry.Open, "none", "", clock, NewStubIDGenerator(), nil), registry
}

// StuckMountEngine wraps an engine whose mounts never become active, for
// exercising the mount timeout.
type StuckMountEngine struct {
	nas.ArchiveEngine

	mu     sync.Mutex
	mounts int
}

var _ nas.ArchiveEngine = (*StuckMountEngine)(nil)

func NewStuckMountEngine(inner nas.ArchiveEngine) *StuckMountEngine {
	return &StuckMountEngine{ArchiveEngine: inner}
}

// Mount accepts the request without exposing anything.
func (e *StuckMountEngine) Mount(ctx context.Context, repo, label, mountpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mounts++
	return nil
}

func (e *StuckMountEngine) IsMounted(string) (bool, error) {
	return false, nil
}

// Mounts returns how many mounts were requested.
func (e *StuckMountEngine) Mounts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounts
}
