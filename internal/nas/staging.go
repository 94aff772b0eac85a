package nas

import (
	"io"
	"io/fs"
)

// StagingTree is the physical, mutable file tree of one principal. It holds
// bytes only; ownership and permissions live in the Catalog.
type StagingTree interface {
	// Root returns the host directory backing the tree.
	Root() string

	// Write atomically replaces the file at p with the contents of r and
	// returns the number of bytes written. Parent directories are created.
	Write(p CanonicalPath, r io.Reader) (int64, error)

	// Mkdir creates the directory p and any missing parents.
	Mkdir(p CanonicalPath) error

	// Remove deletes p and, for directories, everything below it.
	// Removing a missing path is not an error.
	Remove(p CanonicalPath) error

	// Rename moves from to to, creating parents of to as needed.
	Rename(from, to CanonicalPath) error

	// Open opens the file at p for reading.
	Open(p CanonicalPath) (io.ReadCloser, error)

	// Stat returns fresh info for p.
	Stat(p CanonicalPath) (fs.FileInfo, error)

	// Walk visits every file and directory below the root in lexical order.
	Walk(fn func(p CanonicalPath, info fs.FileInfo) error) error
}

// StagingProvider returns the staging tree for a layout.
type StagingProvider interface {
	Tree(l Layout) (StagingTree, error)
}
