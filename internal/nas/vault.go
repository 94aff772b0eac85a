package nas

import "io"

// Vault is the blob store behind the native archive engine. One Vault serves
// one repository. All operations stream through io.Reader/io.Writer so large
// files never sit in memory.
type Vault interface {
	// PutContent stores a chunk identified by the checksum of its plaintext.
	// Storing the same checksum twice is a no-op. size is the number of bytes
	// that will be read from r.
	PutContent(checksum string, r io.Reader, size int64) error

	// GetContent writes the chunk stored under checksum to w.
	// Returns an error wrapping ErrNotFound if it is absent.
	GetContent(checksum string, w io.Writer) error

	// HasContent reports whether a chunk is stored under checksum.
	HasContent(checksum string) (bool, error)

	// PutMetadata stores a named repository document (archive manifests, the
	// archive index). Existing documents are replaced.
	PutMetadata(name string, r io.Reader, size int64) error

	// GetMetadata writes the named document to w.
	// Returns an error wrapping ErrNotFound if it is absent.
	GetMetadata(name string, w io.Writer) error

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup() error
}
