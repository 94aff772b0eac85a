package nas

import (
	"context"
	"fmt"
	"io/fs"
)

// ReconcileResult counts the catalog repairs made by Reconcile.
type ReconcileResult struct {
	Added   int
	Removed int
	Resized int
}

// Changed reports whether any repair was made.
func (r *ReconcileResult) Changed() bool {
	return r.Added+r.Removed+r.Resized > 0
}

// Reconcile brings owner's catalog in line with the files actually present in
// the staging tree: rows for missing files are dropped, sizes are corrected,
// and files or empty directories without a row are recorded as owned by owner.
// A snapshot is taken if anything changed.
func (s *Service) Reconcile(ctx context.Context, actor, owner *Principal) (*ReconcileResult, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return nil, err
	}
	var result *ReconcileResult
	_, err := s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		var err error
		result, err = s.reconcile(ts, owner)
		if err != nil {
			return false, err
		}
		return result.Changed(), nil
	})
	return result, err
}

func (s *Service) reconcile(ts *treeSession, owner *Principal) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	type onDisk struct {
		size  int64
		isDir bool
		empty bool
	}
	disk := make(map[CanonicalPath]*onDisk)
	err := ts.tree.Walk(func(p CanonicalPath, info fs.FileInfo) error {
		disk[p] = &onDisk{size: info.Size(), isDir: info.IsDir(), empty: info.IsDir()}
		if parent, ok := disk[p.Parent()]; ok {
			parent.empty = false
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking tree: %w", err)
	}

	records, err := ts.catalog.ListDescendants(RootPath)
	if err != nil {
		return nil, err
	}
	known := make(map[CanonicalPath]bool, len(records))
	dropped := make(map[string]bool)
	for _, r := range records {
		if dropped[r.ID] {
			continue
		}
		full := r.FullPath()
		d, ok := disk[full]
		if !ok || d.isDir != r.IsDirectory {
			removed, err := ts.catalog.RemoveEntry(r.ID)
			if err != nil {
				return nil, fmt.Errorf("dropping %s: %w", full, err)
			}
			for _, rr := range removed {
				dropped[rr.ID] = true
			}
			s.logger.Info("reconcile dropped record", "owner", owner.Username, "path", full.String())
			result.Removed += len(removed)
			continue
		}
		known[full] = true
		if !r.IsDirectory && d.size != r.Size {
			if err := ts.catalog.SetSize(r.ID, d.size); err != nil {
				return nil, fmt.Errorf("resizing %s: %w", full, err)
			}
			result.Resized++
		}
	}

	for p, d := range disk {
		if known[p] || (d.isDir && !d.empty) {
			continue
		}
		size := d.size
		if d.isDir {
			size = 0
		}
		_, err := ts.catalog.AddEntry(NewEntry{
			Name:        p.Base(),
			Path:        p.Parent(),
			Owner:       owner.ID,
			Group:       owner.Username,
			Size:        size,
			IsDirectory: d.isDir,
			Permissions: DefaultMode,
		})
		if err != nil {
			return nil, fmt.Errorf("recording %s: %w", p, err)
		}
		s.logger.Info("reconcile added record", "owner", owner.Username, "path", p.String())
		result.Added++
	}
	return result, nil
}
