package nas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
)

// ServiceOptions toggles catalog policies.
type ServiceOptions struct {
	// CascadeRename rewrites descendant paths when a directory is renamed.
	CascadeRename bool
	// QuotaPrecheck rejects uploads whose declared size would push the tree past
	// the owner's quota before any bytes are written. When false the quota is
	// only enforced by the archive engine at snapshot time.
	QuotaPrecheck bool
}

// Service is the orchestration layer: it validates a request, updates the
// catalog and the staging tree, then takes one trailing snapshot per call.
//
// Every call names an actor (who is asking) and an owner (whose tree is being
// touched). Operations on one owner's tree are serialized. The owner of a tree
// has full control over it; other actors go through the Evaluator.
type Service struct {
	directory Directory
	catalogs  CatalogProvider
	staging   StagingProvider
	snapshots *SnapshotManager
	evaluator *Evaluator
	storeRoot string
	opts      ServiceOptions
	logger    Logger
	locks     *keyedMutex
}

// NewService creates a Service with the provided dependencies.
func NewService(directory Directory, catalogs CatalogProvider, staging StagingProvider, snapshots *SnapshotManager, evaluator *Evaluator, storeRoot string, opts ServiceOptions, logger Logger) *Service {
	return &Service{
		directory: directory,
		catalogs:  catalogs,
		staging:   staging,
		snapshots: snapshots,
		evaluator: evaluator,
		storeRoot: storeRoot,
		opts:      opts,
		logger:    logger,
		locks:     newKeyedMutex(),
	}
}

// Snapshots exposes the snapshot manager for read-only snapshot operations.
func (s *Service) Snapshots() *SnapshotManager { return s.snapshots }

// Layout returns the physical layout of owner's store.
func (s *Service) Layout(owner *Principal) Layout { return LayoutFor(s.storeRoot, owner) }

// BatchFailure records one item of a batch that could not be applied.
type BatchFailure struct {
	Name string
	Err  error
}

// BatchResult reports the outcome of a multi-item operation.
type BatchResult struct {
	Succeeded []string
	Failed    []BatchFailure
	// Snapshot is the trailing snapshot, nil when nothing succeeded.
	Snapshot *Snapshot
}

// UploadItem is one file of an upload batch.
type UploadItem struct {
	Name string
	// Subdir places the file below the batch directory, slash separated.
	Subdir  string
	Content io.Reader
	// Size is the declared length, used only by the quota pre-check. 0 means unknown.
	Size int64
	// Permissions of the new entry; zero selects DefaultMode.
	Permissions Mode
	// Group of the new entry; empty selects the actor's own group.
	Group string
}

// treeSession is the open state of one owner's store during an operation.
type treeSession struct {
	catalog Catalog
	tree    StagingTree
	layout  Layout
}

// withTree runs fn with owner's catalog and staging tree open. The store lock
// must be held. When fn reports a change, the cached file count is refreshed
// before the catalog is closed.
func (s *Service) withTree(owner *Principal, fn func(ts *treeSession) (bool, error)) (bool, error) {
	layout := s.Layout(owner)
	tree, err := s.staging.Tree(layout)
	if err != nil {
		return false, fmt.Errorf("opening staging tree: %w", err)
	}
	catalog, err := s.catalogs.Open(owner)
	if err != nil {
		return false, fmt.Errorf("opening catalog: %w", err)
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			s.logger.Warn("closing catalog", "owner", owner.Username, "error", err)
		}
	}()

	changed, err := fn(&treeSession{catalog: catalog, tree: tree, layout: layout})
	if changed {
		s.refreshNumFiles(owner, catalog)
	}
	return changed, err
}

func (s *Service) refreshNumFiles(owner *Principal, catalog Catalog) {
	n, err := catalog.CountFiles()
	if err != nil {
		s.logger.Warn("counting files", "owner", owner.Username, "error", err)
		return
	}
	if err := s.directory.SetNumFiles(owner.ID, n); err != nil {
		s.logger.Warn("updating file count", "owner", owner.Username, "error", err)
		return
	}
	owner.NumFiles = n
}

// mutate runs fn under the store lock and takes a snapshot if anything changed.
// The catalog is closed before the snapshot so the archived database is
// consistent.
func (s *Service) mutate(ctx context.Context, owner *Principal, fn func(ts *treeSession) (bool, error)) (*Snapshot, error) {
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	changed, err := s.withTree(owner, fn)
	if !changed {
		return nil, err
	}
	snap, serr := s.snapshots.CreateSnapshot(ctx, owner)
	if serr != nil {
		s.logger.Error("snapshot failed", "owner", owner.Username, "error", serr)
		return nil, errors.Join(err, serr)
	}
	return snap, err
}

// batch applies fn to every item, then takes a single trailing snapshot if at
// least one item succeeded.
func (s *Service) batch(ctx context.Context, owner *Principal, names []string, fn func(ts *treeSession, i int) error) (*BatchResult, error) {
	result := &BatchResult{}
	snap, err := s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		for i, name := range names {
			if err := fn(ts, i); err != nil {
				s.logger.Warn("batch item failed", "owner", owner.Username, "item", name, "error", err)
				result.Failed = append(result.Failed, BatchFailure{Name: name, Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, name)
		}
		return len(result.Succeeded) > 0, nil
	})
	result.Snapshot = snap
	if err != nil {
		return result, err
	}
	if len(result.Succeeded) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("all %d items failed: %w", len(result.Failed), result.Failed[0].Err)
	}
	return result, nil
}

// Upload writes every item into dir of owner's tree and records it in the
// catalog. Items fail individually; the batch is snapshotted once.
func (s *Service) Upload(ctx context.Context, actor, owner *Principal, dir CanonicalPath, items []UploadItem) (*BatchResult, error) {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = path.Join(item.Subdir, item.Name)
	}
	return s.batch(ctx, owner, names, func(ts *treeSession, i int) error {
		target := dir
		if items[i].Subdir != "" {
			target = Normalize(string(dir) + "/" + items[i].Subdir)
			if !target.Within(dir) {
				return errorf(ErrValidation, "%s escapes %s", items[i].Subdir, dir)
			}
		}
		_, err := s.uploadOne(ts, actor, owner, target, items[i])
		return err
	})
}

func (s *Service) uploadOne(ts *treeSession, actor, owner *Principal, dir CanonicalPath, item UploadItem) (*FileRecord, error) {
	if err := ValidateName(item.Name); err != nil {
		return nil, err
	}
	mode := item.Permissions
	if mode == 0 {
		mode = DefaultMode
	}
	group, err := s.chooseGroup(actor, item.Group)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeWrite(ts, actor, owner, dir); err != nil {
		return nil, err
	}
	target := dir.Join(item.Name)
	if err := s.checkFree(ts, dir, item.Name); err != nil {
		return nil, err
	}
	if s.opts.QuotaPrecheck && owner.Quota > 0 && item.Size > 0 {
		used, err := ts.catalog.RecursiveSize(RootPath)
		if err != nil {
			return nil, fmt.Errorf("computing usage: %w", err)
		}
		if used+item.Size > owner.Quota {
			return nil, errorf(ErrQuotaExceeded, "%s would use %d of %d bytes", target, used+item.Size, owner.Quota)
		}
	}

	n, err := ts.tree.Write(target, item.Content)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", target, err)
	}
	rec, err := ts.catalog.AddEntry(NewEntry{
		Name:        item.Name,
		Path:        dir,
		Owner:       actor.ID,
		Group:       group,
		Size:        n,
		Permissions: mode,
	})
	if err != nil {
		if rerr := ts.tree.Remove(target); rerr != nil {
			s.logger.Error("rollback of upload failed", "path", target.String(), "error", rerr)
		}
		return nil, fmt.Errorf("recording %s: %w", target, err)
	}

	s.logger.Info("file uploaded", "owner", owner.Username, "actor", actor.Username, "path", target.String(), "size", n)
	return rec, nil
}

// CreateFolder creates an explicit directory named name inside dir.
// A zero mode selects DefaultMode.
func (s *Service) CreateFolder(ctx context.Context, actor, owner *Principal, dir CanonicalPath, name string, mode Mode) (*FileRecord, *Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return nil, nil, err
	}
	if mode == 0 {
		mode = DefaultMode
	}
	if err := mode.Validate(); err != nil {
		return nil, nil, err
	}

	var rec *FileRecord
	snap, err := s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		if err := s.authorizeWrite(ts, actor, owner, dir); err != nil {
			return false, err
		}
		if err := s.checkFree(ts, dir, name); err != nil {
			return false, err
		}
		target := dir.Join(name)
		if err := ts.tree.Mkdir(target); err != nil {
			return false, fmt.Errorf("creating %s: %w", target, err)
		}
		var err error
		rec, err = ts.catalog.AddEntry(NewEntry{
			Name:        name,
			Path:        dir,
			Owner:       actor.ID,
			Group:       actor.Username,
			IsDirectory: true,
			Permissions: mode,
		})
		if err != nil {
			if rerr := ts.tree.Remove(target); rerr != nil {
				s.logger.Error("rollback of mkdir failed", "path", target.String(), "error", rerr)
			}
			return false, fmt.Errorf("recording %s: %w", target, err)
		}
		s.logger.Info("folder created", "owner", owner.Username, "path", target.String())
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, snap, nil
}

// Delete removes every record in ids. Directories take their whole subtree
// with them. Items fail individually; the batch is snapshotted once.
func (s *Service) Delete(ctx context.Context, actor, owner *Principal, ids []string) (*BatchResult, error) {
	return s.batch(ctx, owner, ids, func(ts *treeSession, i int) error {
		return s.deleteOne(ts, actor, owner, ids[i])
	})
}

func (s *Service) deleteOne(ts *treeSession, actor, owner *Principal, id string) error {
	rec, err := ts.catalog.GetEntry(id)
	if err != nil {
		return err
	}
	if err := s.require(actor, owner, rec, CapWrite); err != nil {
		return err
	}

	removed, err := ts.catalog.RemoveEntry(id)
	if err != nil {
		return fmt.Errorf("removing %s from catalog: %w", rec.FullPath(), err)
	}
	if err := ts.tree.Remove(rec.FullPath()); err != nil {
		return fmt.Errorf("removing %s: %w", rec.FullPath(), err)
	}

	s.logger.Info("entry deleted", "owner", owner.Username, "path", rec.FullPath().String(), "records", len(removed))
	return nil
}

// Rename moves the record id to newDir/newName.
func (s *Service) Rename(ctx context.Context, actor, owner *Principal, id string, newDir CanonicalPath, newName string) (*FileRecord, *Snapshot, error) {
	if err := ValidateName(newName); err != nil {
		return nil, nil, err
	}

	var rec *FileRecord
	snap, err := s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		old, err := ts.catalog.GetEntry(id)
		if err != nil {
			return false, err
		}
		if err := s.require(actor, owner, old, CapWrite); err != nil {
			return false, err
		}
		from, to := old.FullPath(), newDir.Join(newName)
		if from == to {
			rec = old
			return false, nil
		}
		if old.IsDirectory && to.Within(from) {
			return false, errorf(ErrValidation, "cannot move %s inside itself", from)
		}
		if err := s.authorizeWrite(ts, actor, owner, newDir); err != nil {
			return false, err
		}
		if err := s.checkFree(ts, newDir, newName); err != nil {
			return false, err
		}

		if err := ts.tree.Rename(from, to); err != nil {
			return false, fmt.Errorf("moving %s: %w", from, err)
		}
		rec, err = ts.catalog.RenameEntry(id, newName, newDir, s.opts.CascadeRename)
		if err != nil {
			if rerr := ts.tree.Rename(to, from); rerr != nil {
				s.logger.Error("rollback of rename failed", "from", to.String(), "to", from.String(), "error", rerr)
			}
			return false, fmt.Errorf("recording rename of %s: %w", from, err)
		}
		s.logger.Info("entry renamed", "owner", owner.Username, "from", from.String(), "to", to.String())
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, snap, nil
}

// SetPermissions changes the mode of one record. Only the record owner, the
// tree owner and admins may do so.
func (s *Service) SetPermissions(ctx context.Context, actor, owner *Principal, id string, mode Mode) (*Snapshot, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		rec, err := ts.catalog.GetEntry(id)
		if err != nil {
			return false, err
		}
		if err := s.requireControl(actor, owner, rec); err != nil {
			return false, err
		}
		if rec.Permissions == mode {
			return false, nil
		}
		if err := ts.catalog.SetPermissions(id, mode); err != nil {
			return false, err
		}
		s.logger.Info("permissions changed", "path", rec.FullPath().String(), "from", rec.Permissions.String(), "to", mode.String())
		return true, nil
	})
}

// SetGroup changes the group of one record. Non-admins may only choose a
// group they belong to.
func (s *Service) SetGroup(ctx context.Context, actor, owner *Principal, id string, group string) (*Snapshot, error) {
	group, err := s.chooseGroup(actor, group)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, owner, func(ts *treeSession) (bool, error) {
		rec, err := ts.catalog.GetEntry(id)
		if err != nil {
			return false, err
		}
		if err := s.requireControl(actor, owner, rec); err != nil {
			return false, err
		}
		if rec.Group == group {
			return false, nil
		}
		if err := ts.catalog.SetGroup(id, group); err != nil {
			return false, err
		}
		s.logger.Info("group changed", "path", rec.FullPath().String(), "from", rec.Group, "to", group)
		return true, nil
	})
}

// Lookup resolves a canonical path to its record.
func (s *Service) Lookup(ctx context.Context, actor, owner *Principal, p CanonicalPath) (*FileRecord, error) {
	if p.IsRoot() {
		return rootRecord(owner), nil
	}
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var rec *FileRecord
	_, err = s.withTree(owner, func(ts *treeSession) (bool, error) {
		if err := s.authorizeTraverse(ts, actor, owner, p.Parent()); err != nil {
			return false, err
		}
		var err error
		rec, err = ts.catalog.FindEntry(p.Parent(), p.Base())
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, errorf(ErrNotFound, "%s", p)
		}
		return false, nil
	})
	return rec, err
}

// Open returns the bytes of a file after a read check.
func (s *Service) Open(ctx context.Context, actor, owner *Principal, id string) (io.ReadCloser, *FileRecord, error) {
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var (
		rec *FileRecord
		rc  io.ReadCloser
	)
	_, err = s.withTree(owner, func(ts *treeSession) (bool, error) {
		var err error
		rec, err = ts.catalog.GetEntry(id)
		if err != nil {
			return false, err
		}
		if rec.IsDirectory {
			return false, errorf(ErrValidation, "%s is a directory", rec.FullPath())
		}
		if err := s.authorizeTraverse(ts, actor, owner, rec.Path); err != nil {
			return false, err
		}
		if err := s.require(actor, owner, rec, CapRead); err != nil {
			return false, err
		}
		rc, err = ts.tree.Open(rec.FullPath())
		if err != nil {
			return false, fmt.Errorf("opening %s: %w", rec.FullPath(), err)
		}
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rc, rec, nil
}

// Restore replaces owner's tree and catalog with snapshot ref, then reconciles
// the catalog with the restored files.
func (s *Service) Restore(ctx context.Context, actor, owner *Principal, ref string) (*Snapshot, *ReconcileResult, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return nil, nil, err
	}
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	snap, err := s.snapshots.Restore(ctx, owner, ref)
	if err != nil {
		return nil, nil, err
	}

	var result *ReconcileResult
	_, err = s.withTree(owner, func(ts *treeSession) (bool, error) {
		var err error
		result, err = s.reconcile(ts, owner)
		return true, err
	})
	if err != nil {
		return snap, nil, fmt.Errorf("reconciling restored tree: %w", err)
	}
	s.logger.Info("restore complete", "owner", owner.Username, "label", snap.Label, "added", result.Added, "removed", result.Removed)
	return snap, result, nil
}

// Diff compares snapshot ref with owner's live tree.
func (s *Service) Diff(ctx context.Context, actor, owner *Principal, ref string) (*Diff, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return nil, err
	}
	unlock, err := s.lockStore(owner)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.snapshots.Diff(ctx, owner, ref)
}

// ListSnapshots returns owner's snapshots, oldest first.
func (s *Service) ListSnapshots(ctx context.Context, actor, owner *Principal) ([]*Snapshot, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return nil, err
	}
	return s.snapshots.ListSnapshots(ctx, owner)
}

// Mount exposes snapshot ref at owner's mountpoint and returns the mountpoint.
func (s *Service) Mount(ctx context.Context, actor, owner *Principal, ref string) (string, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return "", err
	}
	unlock, err := s.lockStore(owner)
	if err != nil {
		return "", err
	}
	defer unlock()
	return s.snapshots.Mount(ctx, owner, ref)
}

// Unmount removes owner's mount, if any.
func (s *Service) Unmount(ctx context.Context, actor, owner *Principal) error {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return err
	}
	unlock, err := s.lockStore(owner)
	if err != nil {
		return err
	}
	defer unlock()
	return s.snapshots.Unmount(ctx, owner)
}

// State reports owner's repository state.
func (s *Service) State(ctx context.Context, actor, owner *Principal) (RepositoryState, error) {
	if err := s.requireOwnerOrAdmin(actor, owner); err != nil {
		return NoRepository, err
	}
	return s.snapshots.State(ctx, owner)
}

// rootRecord stands in for the root directory, which has no catalog row.
// Only the tree owner (and admins) may write at the root.
func rootRecord(owner *Principal) *FileRecord {
	return &FileRecord{
		Path:        RootPath,
		Owner:       owner.ID,
		Group:       owner.Username,
		Permissions: 700,
		IsDirectory: true,
		Implied:     true,
	}
}

// require checks c on rec. The tree owner is always allowed.
func (s *Service) require(actor, owner *Principal, rec *FileRecord, c Capability) error {
	if actor.ID == owner.ID {
		return nil
	}
	return s.evaluator.Require(actor, rec, c)
}

// requireControl allows the record owner, the tree owner and admins.
func (s *Service) requireControl(actor, owner *Principal, rec *FileRecord) error {
	if actor.ID == rec.Owner || actor.ID == owner.ID || actor.IsAdmin() {
		return nil
	}
	return errorf(ErrPermissionDenied, "%s does not own %s", actor.Username, rec.FullPath())
}

func (s *Service) requireOwnerOrAdmin(actor, owner *Principal) error {
	if actor.ID == owner.ID || actor.IsAdmin() {
		return nil
	}
	return errorf(ErrPermissionDenied, "%s cannot manage snapshots of %s", actor.Username, owner.Username)
}

// nearestDirectory returns the closest explicit directory record at or above
// dir, or the root stand-in.
func (s *Service) nearestDirectory(ts *treeSession, owner *Principal, dir CanonicalPath) (*FileRecord, error) {
	for p := dir; !p.IsRoot(); p = p.Parent() {
		rec, err := ts.catalog.FindEntry(p.Parent(), p.Base())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if !rec.IsDirectory {
				return nil, errorf(ErrValidation, "%s is not a directory", p)
			}
			return rec, nil
		}
	}
	return rootRecord(owner), nil
}

// authorizeWrite checks that actor may create entries inside dir: write and
// execute on the nearest explicit directory, after traversal of its ancestors.
func (s *Service) authorizeWrite(ts *treeSession, actor, owner *Principal, dir CanonicalPath) error {
	if actor.ID == owner.ID {
		return nil
	}
	if err := s.authorizeTraverse(ts, actor, owner, dir); err != nil {
		return err
	}
	parent, err := s.nearestDirectory(ts, owner, dir)
	if err != nil {
		return err
	}
	return s.evaluator.Require(actor, parent, CapWrite)
}

// authorizeTraverse checks execute on every explicit directory from the root
// down to dir.
func (s *Service) authorizeTraverse(ts *treeSession, actor, owner *Principal, dir CanonicalPath) error {
	if actor.ID == owner.ID {
		return nil
	}
	for p := dir; !p.IsRoot(); p = p.Parent() {
		rec, err := ts.catalog.FindEntry(p.Parent(), p.Base())
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if !rec.IsDirectory {
			return errorf(ErrValidation, "%s is not a directory", p)
		}
		if err := s.evaluator.Require(actor, rec, CapExecute); err != nil {
			return err
		}
	}
	return nil
}

// checkFree rejects a name that is already taken in dir, by any owner, in the
// catalog or on disk.
func (s *Service) checkFree(ts *treeSession, dir CanonicalPath, name string) error {
	existing, err := ts.catalog.FindEntry(dir, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, dir.Join(name))
	}
	if _, err := ts.tree.Stat(dir.Join(name)); err == nil {
		return fmt.Errorf("%w: %s exists on disk", ErrDuplicateEntry, dir.Join(name))
	}
	return nil
}

// chooseGroup validates the group for a new or changed record.
func (s *Service) chooseGroup(actor *Principal, group string) (string, error) {
	if group == "" {
		return actor.Username, nil
	}
	if group != actor.Username {
		if err := ValidateGroupName(group); err != nil {
			return "", err
		}
	}
	if !actor.IsAdmin() && !actor.InGroup(group) {
		return "", errorf(ErrPermissionDenied, "%s is not a member of %q", actor.Username, group)
	}
	return group, nil
}
