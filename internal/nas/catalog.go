package nas

// Catalog is the metadata store for one principal's logical tree.
// It knows nothing about physical bytes. Paths passed in must already be
// canonical; not-found conditions are reported with ErrNotFound.
type Catalog interface {
	// AddEntry inserts a record. A second entry with the same (name, path, owner)
	// is rejected with ErrDuplicateEntry.
	AddEntry(e NewEntry) (*FileRecord, error)

	// GetEntry returns a record by id.
	GetEntry(id string) (*FileRecord, error)

	// FindEntry returns the record named name directly inside dir, or nil if absent.
	FindEntry(dir CanonicalPath, name string) (*FileRecord, error)

	// ListEntries returns the direct children of dir (files and explicit
	// directories), directories first, then files, each ordered
	// case-insensitively by name.
	ListEntries(dir CanonicalPath) ([]*FileRecord, error)

	// ListImpliedSubdirectories returns the immediate subdirectories of dir that
	// exist only as path prefixes of other records. Names that also have an
	// explicit directory row in dir are omitted.
	ListImpliedSubdirectories(dir CanonicalPath) ([]ImpliedDir, error)

	// ListDescendants returns every record whose path is dir or below it.
	ListDescendants(dir CanonicalPath) ([]*FileRecord, error)

	// RecursiveSize sums size over every record whose path is dir or below it.
	RecursiveSize(dir CanonicalPath) (int64, error)

	// RenameEntry moves a record to newPath/newName. When cascade is true and the
	// record is a directory, descendant paths are rewritten as well.
	RenameEntry(id string, newName string, newPath CanonicalPath, cascade bool) (*FileRecord, error)

	// RemoveEntry deletes a record. Directories cascade to every record at or
	// below their full path. Returns the removed records.
	RemoveEntry(id string) ([]*FileRecord, error)

	// SetGroup updates the group of one record.
	SetGroup(id string, group string) error

	// SetSize updates the recorded size of one file.
	SetSize(id string, size int64) error

	// SetPermissions updates the permission bits of one record.
	SetPermissions(id string, mode Mode) error

	// CountFiles returns the number of non-directory records.
	CountFiles() (int64, error)

	// Close releases the underlying database handle.
	Close() error
}

// CatalogProvider opens the catalog belonging to a principal.
type CatalogProvider interface {
	Open(p *Principal) (Catalog, error)
}
