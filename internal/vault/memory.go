package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"nas-go/internal/nas"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all content and metadata in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name     string
	content  map[string][]byte // checksum -> content
	metadata map[string][]byte // name -> document
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		content:  make(map[string][]byte),
		metadata: make(map[string][]byte),
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

// PutContent stores content identified by its checksum.
func (m *MemoryVault) PutContent(checksum string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: storing the same checksum multiple times is safe
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
	}
	return nil
}

// GetContent retrieves content by checksum.
func (m *MemoryVault) GetContent(checksum string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[checksum]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: content %s", nas.ErrNotFound, checksum)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// HasContent reports whether content is stored under checksum.
func (m *MemoryVault) HasContent(checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.content[checksum]
	return ok, nil
}

// PutMetadata stores a named metadata document, replacing any previous one.
func (m *MemoryVault) PutMetadata(name string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.metadata[name] = data
	return nil
}

// GetMetadata retrieves a named metadata document.
func (m *MemoryVault) GetMetadata(name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.metadata[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: metadata %q in vault %s", nas.ErrNotFound, name, m.name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// ContentCount returns the number of stored chunks.
func (m *MemoryVault) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// Compile-time check that MemoryVault implements nas.Vault interface
var _ nas.Vault = (*MemoryVault)(nil)
