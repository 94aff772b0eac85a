package nas

import "time"

// FileRecord is one catalog row: a file or an explicit directory.
// A file at /docs/report.txt has Path "/docs" and Name "report.txt".
type FileRecord struct {
	ID          string
	Name        string
	Path        CanonicalPath
	Size        int64
	Owner       string // principal ID
	Group       string
	Permissions Mode
	IsDirectory bool
	CreatedAt   time.Time
	// Implied is set on listing entries synthesized from descendant paths.
	Implied bool
}

// FullPath returns the canonical path of the entry itself.
func (r *FileRecord) FullPath() CanonicalPath {
	return r.Path.Join(r.Name)
}

// NewEntry describes a record to insert into a catalog.
type NewEntry struct {
	Name        string
	Path        CanonicalPath
	Owner       string
	Group       string
	Size        int64
	IsDirectory bool
	Permissions Mode
}

// Validate checks the entry before it reaches a catalog.
func (e NewEntry) Validate() error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if e.Owner == "" {
		return errorf(ErrValidation, "entry %q has no owner", e.Name)
	}
	if e.Size < 0 {
		return errorf(ErrValidation, "entry %q has negative size", e.Name)
	}
	return e.Permissions.Validate()
}

// ImpliedDir is a directory synthesized from the paths of its descendants.
type ImpliedDir struct {
	Name     string
	FullPath CanonicalPath
}
