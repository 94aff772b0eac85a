package nas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LabelLayout is the time layout of snapshot labels, e.g. 2024-05-01_13:45:09.
const LabelLayout = "2006-01-02_15:04:05"

// RepositoryState is the snapshot lifecycle state of one principal.
type RepositoryState int

const (
	NoRepository RepositoryState = iota
	RepositoryEmpty
	RepositoryHasSnapshots
	Mounted
)

func (s RepositoryState) String() string {
	switch s {
	case NoRepository:
		return "no-repository"
	case RepositoryEmpty:
		return "empty"
	case RepositoryHasSnapshots:
		return "has-snapshots"
	case Mounted:
		return "mounted"
	default:
		return "unknown"
	}
}

// Snapshot is one archived state of a principal's stage directory.
type Snapshot struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

// MountWait bounds how long Mount polls for the mount to become active.
type MountWait struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultMountWait supplies every field left zero in a configured MountWait.
var DefaultMountWait = MountWait{
	Timeout:         10 * time.Second,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

var errNotMountedYet = errors.New("mount not active yet")

// withDefaults fills zero or negative fields from DefaultMountWait. A zero
// interval would make the poll loop spin until the timeout.
func (w MountWait) withDefaults() MountWait {
	if w.Timeout <= 0 {
		w.Timeout = DefaultMountWait.Timeout
	}
	if w.InitialInterval <= 0 {
		w.InitialInterval = DefaultMountWait.InitialInterval
	}
	if w.MaxInterval < w.InitialInterval {
		w.MaxInterval = max(w.InitialInterval, DefaultMountWait.MaxInterval)
	}
	return w
}

// SnapshotManager creates, lists, mounts, diffs and restores whole-stage
// snapshots through an ArchiveEngine.
//
// Every call that touches a repository holds that principal's repository
// lock, so mount, unmount and create never interleave for one principal.
// Callers that also hold the Service store lock must take it first.
type SnapshotManager struct {
	engine    ArchiveEngine
	directory Directory
	storeRoot string
	wait      MountWait
	logger    Logger
	clock     Clock
	recorder  Recorder
	locks     *keyedMutex

	// last label issued per principal, used to keep labels strictly increasing
	lastMu sync.Mutex
	last   map[string]time.Time
}

// NewSnapshotManager creates a SnapshotManager. recorder may be nil.
func NewSnapshotManager(engine ArchiveEngine, directory Directory, storeRoot string, wait MountWait, logger Logger, clock Clock, recorder Recorder) *SnapshotManager {
	wait = wait.withDefaults()
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &SnapshotManager{
		engine:    engine,
		directory: directory,
		storeRoot: storeRoot,
		wait:      wait,
		logger:    logger,
		clock:     clock,
		recorder:  recorder,
		locks:     newKeyedMutex(),
		last:      make(map[string]time.Time),
	}
}

// EnsureRepository initializes p's repository if it does not exist yet, with
// p's quota as its ceiling. It never creates a snapshot.
func (m *SnapshotManager) EnsureRepository(ctx context.Context, p *Principal) error {
	unlock := m.locks.Lock(p.ID)
	defer unlock()
	return m.ensureRepository(ctx, p)
}

func (m *SnapshotManager) ensureRepository(ctx context.Context, p *Principal) error {
	layout := LayoutFor(m.storeRoot, p)
	exists, err := m.engine.Exists(layout.Repo())
	if err != nil {
		return fmt.Errorf("checking repository: %w", err)
	}
	if exists {
		return nil
	}

	for _, dir := range []string{layout.Tree(), layout.Mount()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := m.engine.Init(ctx, layout.Repo(), p.Quota); err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}

	m.logger.Info("repository initialized", "principal", p.Username, "quota", p.Quota)
	return nil
}

// CreateSnapshot archives p's whole stage directory under a new label and
// points p's archive state at it. An active mount is removed first.
func (m *SnapshotManager) CreateSnapshot(ctx context.Context, p *Principal) (*Snapshot, error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()

	start := m.clock.Now()
	layout := LayoutFor(m.storeRoot, p)

	if err := m.unmountIfMounted(ctx, layout); err != nil {
		m.recorder.SnapshotFailed("unmount")
		return nil, err
	}
	if err := m.ensureRepository(ctx, p); err != nil {
		m.recorder.SnapshotFailed("repository")
		return nil, err
	}

	at := m.nextLabelTime(p)
	label := at.Format(LabelLayout)
	if err := m.engine.Create(ctx, layout.Repo(), label, layout.Stage()); err != nil {
		reason := "engine"
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			reason = "quota"
		case errors.Is(err, ErrRepositoryLocked):
			reason = "locked"
		}
		m.recorder.SnapshotFailed(reason)
		return nil, fmt.Errorf("creating snapshot %s: %w", label, err)
	}
	m.lastMu.Lock()
	m.last[p.ID] = at
	m.lastMu.Unlock()

	state := layout.Repo() + "::" + label
	if err := m.directory.SetArchiveState(p.ID, state); err != nil {
		return nil, fmt.Errorf("recording archive state: %w", err)
	}
	p.ArchiveState = state

	m.recorder.SnapshotCreated(m.clock.Now().Sub(start))
	m.logger.Info("snapshot created", "principal", p.Username, "label", label)
	return &Snapshot{ID: label, Label: label, CreatedAt: at}, nil
}

// nextLabelTime returns the current second, or one second past the previous
// label when the clock has not moved past it.
func (m *SnapshotManager) nextLabelTime(p *Principal) time.Time {
	at := m.clock.Now().Truncate(time.Second)

	m.lastMu.Lock()
	prev := m.last[p.ID]
	m.lastMu.Unlock()
	if label := p.ArchiveLabel(); label != "" {
		if t, err := time.ParseInLocation(LabelLayout, label, at.Location()); err == nil && t.After(prev) {
			prev = t
		}
	}
	if !prev.IsZero() && !at.After(prev) {
		at = prev.Add(time.Second)
	}
	return at
}

// ListSnapshots returns every snapshot of p, oldest first. A missing
// repository has no snapshots.
func (m *SnapshotManager) ListSnapshots(ctx context.Context, p *Principal) ([]*Snapshot, error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()
	return m.list(ctx, LayoutFor(m.storeRoot, p))
}

func (m *SnapshotManager) list(ctx context.Context, layout Layout) ([]*Snapshot, error) {
	exists, err := m.engine.Exists(layout.Repo())
	if err != nil {
		return nil, fmt.Errorf("checking repository: %w", err)
	}
	if !exists {
		return nil, nil
	}

	infos, err := m.engine.List(ctx, layout.Repo())
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	snapshots := make([]*Snapshot, 0, len(infos))
	for _, info := range infos {
		snapshots = append(snapshots, &Snapshot{ID: info.ID, Label: info.Label, CreatedAt: info.CreatedAt})
	}
	return snapshots, nil
}

// resolve finds the snapshot whose ID or label is ref.
func (m *SnapshotManager) resolve(ctx context.Context, layout Layout, ref string) (*Snapshot, error) {
	snapshots, err := m.list(ctx, layout)
	if err != nil {
		return nil, err
	}
	for _, s := range snapshots {
		if s.ID == ref || s.Label == ref {
			return s, nil
		}
	}
	return nil, errorf(ErrNotFound, "snapshot %q", ref)
}

// Mount exposes the snapshot ref read-only at p's mountpoint and blocks until
// the mount is observably active. A previous mount is removed first.
func (m *SnapshotManager) Mount(ctx context.Context, p *Principal, ref string) (string, error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()

	layout := LayoutFor(m.storeRoot, p)
	s, err := m.resolve(ctx, layout, ref)
	if err != nil {
		return "", err
	}
	if err := m.mount(ctx, layout, s.Label); err != nil {
		return "", err
	}
	m.logger.Info("snapshot mounted", "principal", p.Username, "label", s.Label)
	return layout.Mount(), nil
}

func (m *SnapshotManager) mount(ctx context.Context, layout Layout, label string) error {
	if err := m.unmountIfMounted(ctx, layout); err != nil {
		return err
	}
	if err := os.MkdirAll(layout.Mount(), 0o700); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}
	if err := m.engine.Mount(ctx, layout.Repo(), label, layout.Mount()); err != nil {
		return fmt.Errorf("mounting %s: %w", label, err)
	}
	if err := m.waitMounted(ctx, layout.Mount()); err != nil {
		if uerr := m.unmountIfMounted(context.WithoutCancel(ctx), layout); uerr != nil {
			m.logger.Warn("cleanup unmount failed", "mountpoint", layout.Mount(), "error", uerr)
		}
		return err
	}
	return nil
}

// waitMounted polls IsMounted with exponential backoff until it reports true,
// the wait times out (ErrMountTimeout) or ctx ends.
func (m *SnapshotManager) waitMounted(ctx context.Context, mountpoint string) error {
	start := m.clock.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.wait.InitialInterval
	b.MaxInterval = m.wait.MaxInterval
	b.MaxElapsedTime = m.wait.Timeout
	b.Reset()

	err := backoff.Retry(func() error {
		ok, err := m.engine.IsMounted(mountpoint)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotMountedYet
		}
		return nil
	}, backoff.WithContext(b, ctx))

	m.recorder.MountWait(m.clock.Now().Sub(start), err == nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotMountedYet):
		return errorf(ErrMountTimeout, "%s not mounted after %s", mountpoint, m.wait.Timeout)
	default:
		return fmt.Errorf("waiting for mount: %w", err)
	}
}

// Unmount removes p's mount if there is one.
func (m *SnapshotManager) Unmount(ctx context.Context, p *Principal) error {
	unlock := m.locks.Lock(p.ID)
	defer unlock()
	return m.unmountIfMounted(ctx, LayoutFor(m.storeRoot, p))
}

func (m *SnapshotManager) unmountIfMounted(ctx context.Context, layout Layout) error {
	mounted, err := m.engine.IsMounted(layout.Mount())
	if err != nil {
		return fmt.Errorf("checking mount: %w", err)
	}
	if !mounted {
		return nil
	}
	if err := m.engine.Unmount(ctx, layout.Mount()); err != nil {
		return fmt.Errorf("unmounting %s: %w", layout.Mount(), err)
	}
	m.logger.Debug("unmounted", "mountpoint", layout.Mount())
	return nil
}

// Restore replaces p's stage directory with the contents of snapshot ref.
// The extraction lands in a sibling directory first and is swapped in only
// once it completed, so a failed extraction leaves the live stage untouched.
// The caller must not hold the catalog open.
func (m *SnapshotManager) Restore(ctx context.Context, p *Principal, ref string) (*Snapshot, error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()

	layout := LayoutFor(m.storeRoot, p)
	s, err := m.resolve(ctx, layout, ref)
	if err != nil {
		return nil, err
	}
	if err := m.unmountIfMounted(ctx, layout); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp(layout.Root, ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("creating restore directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := m.engine.Extract(ctx, layout.Repo(), s.Label, tmp); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", s.Label, err)
	}

	old := tmp + ".old"
	if err := os.Rename(layout.Stage(), old); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("moving stage aside: %w", err)
	}
	if err := os.Rename(tmp, layout.Stage()); err != nil {
		if rerr := os.Rename(old, layout.Stage()); rerr != nil {
			m.logger.Error("stage rollback failed", "stage", layout.Stage(), "error", rerr)
		}
		return nil, fmt.Errorf("swapping restored stage: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		m.logger.Warn("removing previous stage", "path", old, "error", err)
	}
	if err := os.MkdirAll(layout.Tree(), 0o700); err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	m.logger.Info("snapshot restored", "principal", p.Username, "label", s.Label)
	return s, nil
}

// Diff compares snapshot ref against p's live tree. The snapshot is mounted
// for the comparison and unmounted again on every exit path.
func (m *SnapshotManager) Diff(ctx context.Context, p *Principal, ref string) (diff *Diff, err error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()

	layout := LayoutFor(m.storeRoot, p)
	s, err := m.resolve(ctx, layout, ref)
	if err != nil {
		return nil, err
	}
	if err := m.mount(ctx, layout, s.Label); err != nil {
		return nil, err
	}
	defer func() {
		if uerr := m.unmountIfMounted(context.WithoutCancel(ctx), layout); uerr != nil && err == nil {
			err = uerr
		}
	}()

	entries, err := DiffTrees(mountedTree(layout), layout.Tree())
	if err != nil {
		return nil, fmt.Errorf("comparing trees: %w", err)
	}
	return &Diff{Label: s.Label, Entries: entries}, nil
}

// mountedTree is the tree directory as seen through the mountpoint.
func mountedTree(layout Layout) string {
	return filepath.Join(layout.Mount(), filepath.Base(layout.Tree()))
}

// State reports where p is in the snapshot lifecycle.
func (m *SnapshotManager) State(ctx context.Context, p *Principal) (RepositoryState, error) {
	unlock := m.locks.Lock(p.ID)
	defer unlock()

	layout := LayoutFor(m.storeRoot, p)
	exists, err := m.engine.Exists(layout.Repo())
	if err != nil {
		return NoRepository, fmt.Errorf("checking repository: %w", err)
	}
	if !exists {
		return NoRepository, nil
	}

	mounted, err := m.engine.IsMounted(layout.Mount())
	if err != nil {
		return NoRepository, fmt.Errorf("checking mount: %w", err)
	}
	if mounted {
		return Mounted, nil
	}

	snapshots, err := m.list(ctx, layout)
	if err != nil {
		return NoRepository, err
	}
	if len(snapshots) == 0 {
		return RepositoryEmpty, nil
	}
	return RepositoryHasSnapshots, nil
}
