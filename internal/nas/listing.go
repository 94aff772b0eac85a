package nas

import (
	"context"
	"slices"
	"strings"
)

// List returns the visible children of dir in owner's tree: files, explicit
// directories and directories implied by deeper paths. An explicit directory
// row always wins over an implied one of the same name. Directory sizes are
// recursive. Directories come first, then files, each ordered by name
// case-insensitively.
//
// Actors other than the tree owner need execute on every explicit directory
// down to dir, see only entries they may read, and see an implied directory
// only if something below it is readable to them.
func (s *Service) List(ctx context.Context, actor, owner *Principal, dir CanonicalPath) ([]*FileRecord, error) {
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var listing []*FileRecord
	_, err = s.withTree(owner, func(ts *treeSession) (bool, error) {
		if err := s.authorizeTraverse(ts, actor, owner, dir); err != nil {
			return false, err
		}
		var err error
		listing, err = s.list(ts, actor, owner, dir)
		return false, err
	})
	return listing, err
}

func (s *Service) list(ts *treeSession, actor, owner *Principal, dir CanonicalPath) ([]*FileRecord, error) {
	entries, err := ts.catalog.ListEntries(dir)
	if err != nil {
		return nil, err
	}
	implied, err := ts.catalog.ListImpliedSubdirectories(dir)
	if err != nil {
		return nil, err
	}

	var listing []*FileRecord
	for _, e := range entries {
		if actor.ID != owner.ID && !s.evaluator.Evaluate(actor, e, CapRead) {
			continue
		}
		if e.IsDirectory {
			if e.Size, err = ts.catalog.RecursiveSize(e.FullPath()); err != nil {
				return nil, err
			}
		}
		listing = append(listing, e)
	}

	for _, d := range implied {
		if actor.ID != owner.ID {
			visible, err := s.anyReadable(ts, actor, d.FullPath)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}
		}
		size, err := ts.catalog.RecursiveSize(d.FullPath)
		if err != nil {
			return nil, err
		}
		listing = append(listing, &FileRecord{
			Name:        d.Name,
			Path:        dir,
			Size:        size,
			Owner:       owner.ID,
			Group:       owner.Username,
			Permissions: DefaultMode,
			IsDirectory: true,
			Implied:     true,
		})
	}

	SortListing(listing)
	return listing, nil
}

func (s *Service) anyReadable(ts *treeSession, actor *Principal, dir CanonicalPath) (bool, error) {
	records, err := ts.catalog.ListDescendants(dir)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if s.evaluator.Evaluate(actor, r, CapRead) {
			return true, nil
		}
	}
	return false, nil
}

// SortListing orders records directories first, then by case-insensitive
// name, with exact name as the tie breaker.
func SortListing(records []*FileRecord) {
	slices.SortStableFunc(records, func(a, b *FileRecord) int {
		if a.IsDirectory != b.IsDirectory {
			if a.IsDirectory {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}
