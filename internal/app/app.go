package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"nas-go/internal/archive"
	"nas-go/internal/config"
	"nas-go/internal/database"
	"nas-go/internal/fs"
	"nas-go/internal/metrics"
	"nas-go/internal/nas"
	"nas-go/internal/staging"
)

// NASApp is the application layer between the CLI and nas.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw strings, and manages the directory lifecycle on Close.
type NASApp struct {
	cfg       *config.Config
	directory *database.SQLiteDirectory
	engine    nas.ArchiveEngine
	service   *nas.Service
	scanner   *fs.Scanner
	recorder  *metrics.Recorder
	logger    nas.Logger
	op        *Operation
	actor     *nas.Principal
	logFile   *os.File
}

// NewNASApp creates a fully wired NASApp from the given config.
// operation identifies the CLI command being run (e.g. "Upload", "Restore").
// The caller must call Close when done.
func NewNASApp(ctx context.Context, cfg *config.Config, operation string) (*NASApp, error) {
	clock := nas.RealClock{}
	idgen := nas.UUIDGenerator{}

	directory, err := database.NewDirectoryFromConfig(cfg, clock, idgen)
	if err != nil {
		return nil, fmt.Errorf("creating user directory: %w", err)
	}
	if err := directory.CheckMigrations(); err != nil {
		directory.Close()
		return nil, fmt.Errorf("database schema out of date (run 'nas db migrate'): %w", err)
	}

	opID := clock.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.LogDir, opID, slog.LevelInfo)
	if err != nil {
		directory.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	engine, err := archive.NewEngineFromConfig(ctx, cfg.Archive, clock, idgen, logger)
	if err != nil {
		directory.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating archive engine: %w", err)
	}

	recorder := metrics.NewRecorder()
	wait := nas.MountWait{
		Timeout:         time.Duration(cfg.Mount.TimeoutMS) * time.Millisecond,
		InitialInterval: time.Duration(cfg.Mount.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Mount.MaxIntervalMS) * time.Millisecond,
	}
	snapshots := nas.NewSnapshotManager(engine, directory, cfg.StoreRoot, wait, logger, clock, recorder)
	svc := nas.NewService(
		directory,
		database.NewCatalogProvider(cfg.StoreRoot, clock, idgen),
		staging.Provider{},
		snapshots,
		nas.NewEvaluator(logger, recorder),
		cfg.StoreRoot,
		nas.ServiceOptions{
			CascadeRename: cfg.Catalog.CascadeRename,
			QuotaPrecheck: cfg.Catalog.QuotaPrecheck,
		},
		logger,
	)

	return &NASApp{
		cfg:       cfg,
		directory: directory,
		engine:    engine,
		service:   svc,
		scanner:   fs.NewScanner(cfg.Filesystem.Ignore),
		recorder:  recorder,
		logger:    logger,
		op:        NewOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// MigrateDatabase brings the user directory schema up to date.
func MigrateDatabase(cfg *config.Config) error {
	directory, err := database.NewDirectoryFromConfig(cfg, nas.RealClock{}, nas.UUIDGenerator{})
	if err != nil {
		return fmt.Errorf("creating user directory: %w", err)
	}
	defer directory.Close()
	return directory.MigrateUp()
}

// Login authenticates the acting principal for the rest of the command.
func (a *NASApp) Login(username, password string) (*nas.Principal, error) {
	p, err := a.directory.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	a.setActor(p)
	return p, nil
}

// Actor returns the logged-in principal, or nil.
func (a *NASApp) Actor() *nas.Principal { return a.actor }

func (a *NASApp) setActor(p *nas.Principal) {
	a.actor = p
	a.op.Principal = p.Username
}

func (a *NASApp) requireActor() error {
	if a.actor == nil {
		return fmt.Errorf("%w: not logged in", nas.ErrDenied)
	}
	return nil
}

func (a *NASApp) requireAdmin() error {
	if err := a.requireActor(); err != nil {
		return err
	}
	if !a.actor.IsAdmin() {
		return fmt.Errorf("%w: %s is not an administrator", nas.ErrPermissionDenied, a.actor.Username)
	}
	return nil
}

// owner resolves the principal whose store is addressed. An empty name means
// the actor's own store.
func (a *NASApp) owner(username string) (*nas.Principal, error) {
	if err := a.requireActor(); err != nil {
		return nil, err
	}
	if username == "" || username == a.actor.Username {
		return a.actor, nil
	}
	return a.directory.GetByUsername(username)
}

// persistOperation saves the operation to the user directory, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *NASApp) persistOperation(params ...string) error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	a.op.Parameters = strings.Join(params, " ")
	dbOp, err := a.directory.CreateOperation(a.op.Operation, a.op.Parameters, a.op.Principal)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// track marks the operation failed when err is set and returns err.
func (a *NASApp) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// Bootstrap creates the hidden administrator if needed and logs in as it.
func (a *NASApp) Bootstrap(ctx context.Context, password string) (*nas.Principal, error) {
	a.op.Principal = nas.AdminUsername
	if err := a.persistOperation(nas.AdminUsername); err != nil {
		return nil, err
	}
	p, err := a.service.EnsureAdmin(ctx, password)
	if err != nil {
		return nil, a.track(err)
	}
	a.setActor(p)
	return p, nil
}

// UserInput carries the raw CLI input for CreateUser.
type UserInput struct {
	Username string
	Password string
	Quota    string // e.g. "10GB"; empty means unlimited
	Groups   []string
	Admin    bool
	Hidden   bool
}

// CreateUser registers a new principal. Only administrators may create users.
func (a *NASApp) CreateUser(ctx context.Context, in UserInput) (*nas.Principal, error) {
	if err := a.requireAdmin(); err != nil {
		return nil, err
	}
	var quota int64
	if in.Quota != "" {
		q, err := nas.ParseSize(in.Quota)
		if err != nil {
			return nil, err
		}
		quota = q
	}
	var flags nas.Flags
	if in.Admin {
		flags = flags.With(nas.FlagAdmin)
	}
	if in.Hidden {
		flags = flags.With(nas.FlagHidden)
	}
	if err := a.persistOperation(in.Username); err != nil {
		return nil, err
	}
	p, err := a.service.Register(ctx, nas.CreatePrincipal{
		Username: in.Username,
		Password: in.Password,
		Quota:    quota,
		Groups:   in.Groups,
		Flags:    flags,
	})
	return p, a.track(err)
}

// ListUsers returns the principals visible to the actor.
func (a *NASApp) ListUsers() ([]*nas.Principal, error) {
	if err := a.requireActor(); err != nil {
		return nil, err
	}
	return a.service.ListPrincipals(a.actor)
}

// SetUserEnabled disables or re-enables a principal.
func (a *NASApp) SetUserEnabled(username string, enabled bool) error {
	target, err := a.owner(username)
	if err != nil {
		return err
	}
	if err := a.persistOperation(username, fmt.Sprintf("enabled=%t", enabled)); err != nil {
		return err
	}
	return a.track(a.service.SetEnabled(a.actor, target, enabled))
}

// SetUserFlags turns the admin and hidden flags of a principal on or off.
// A nil pointer leaves that flag unchanged.
func (a *NASApp) SetUserFlags(username string, admin, hidden *bool) (*nas.Principal, error) {
	target, err := a.owner(username)
	if err != nil {
		return nil, err
	}
	flags := target.Flags
	for _, f := range []struct {
		set  *bool
		flag nas.Flags
	}{{admin, nas.FlagAdmin}, {hidden, nas.FlagHidden}} {
		switch {
		case f.set == nil:
		case *f.set:
			flags = flags.With(f.flag)
		default:
			flags = flags.Without(f.flag)
		}
	}
	if err := a.persistOperation(username, strings.Join(flags.Names(), ",")); err != nil {
		return nil, err
	}
	if err := a.track(a.service.SetFlags(a.actor, target, flags)); err != nil {
		return nil, err
	}
	return target, nil
}

// FormatQuota renders a quota so that ParseSize reads it back.
func FormatQuota(quota int64) string {
	if quota <= 0 {
		return "unlimited"
	}
	return nas.FormatSize(quota)
}

// AddUserGroup adds group to a principal.
func (a *NASApp) AddUserGroup(username, group string) (*nas.Principal, error) {
	target, err := a.owner(username)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(username, "+"+group); err != nil {
		return nil, err
	}
	p, err := a.service.AddGroup(a.actor, target, group)
	return p, a.track(err)
}

// RemoveUserGroup removes group from a principal.
func (a *NASApp) RemoveUserGroup(username, group string) (*nas.Principal, error) {
	target, err := a.owner(username)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(username, "-"+group); err != nil {
		return nil, err
	}
	p, err := a.service.RemoveGroup(a.actor, target, group)
	return p, a.track(err)
}

// ChangePassword replaces a principal's password.
func (a *NASApp) ChangePassword(username, current, next string) error {
	target, err := a.owner(username)
	if err != nil {
		return err
	}
	if err := a.persistOperation(target.Username); err != nil {
		return err
	}
	return a.track(a.service.ChangePassword(a.actor, target, current, next))
}

// DeleteUser removes a principal together with its store.
func (a *NASApp) DeleteUser(ctx context.Context, username string) error {
	target, err := a.owner(username)
	if err != nil {
		return err
	}
	if err := a.persistOperation(username); err != nil {
		return err
	}
	return a.track(a.service.DeletePrincipal(ctx, a.actor, target))
}

// List returns the entries of rawPath in owner's tree.
func (a *NASApp) List(ctx context.Context, ownerName, rawPath string) ([]*nas.FileRecord, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	return a.service.List(ctx, a.actor, owner, nas.Normalize(rawPath))
}

// PutOptions controls an upload from the local filesystem.
type PutOptions struct {
	Recursive bool
	Mode      string // octal permission digits; empty for the default
	Group     string
}

// Put uploads a local file, or the files of a local directory, into rawDir of
// owner's tree as a single batch. Directory sources keep their layout below rawDir.
func (a *NASApp) Put(ctx context.Context, ownerName, localPath, rawDir string, opts PutOptions) (*nas.BatchResult, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	var mode nas.Mode
	if opts.Mode != "" {
		if mode, err = nas.ParseMode(opts.Mode); err != nil {
			return nil, err
		}
	}
	src, err := a.scanner.Resolve(localPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	var files []*lazyFile
	var items []nas.UploadItem
	add := func(hostPath, rel string, size int64) {
		f := &lazyFile{scanner: a.scanner, path: hostPath}
		files = append(files, f)
		subdir := path.Dir(rel)
		if subdir == "." {
			subdir = ""
		}
		items = append(items, nas.UploadItem{
			Name:        path.Base(rel),
			Subdir:      subdir,
			Content:     f,
			Size:        size,
			Permissions: mode,
			Group:       opts.Group,
		})
	}
	if src.IsDir() {
		found, err := a.scanner.FindFiles(src, opts.Recursive)
		if err != nil {
			return nil, err
		}
		for _, lf := range found {
			add(lf.HostPath, lf.Rel, lf.Size)
		}
	} else {
		add(src.Path, src.Info.Name(), src.Info.Size())
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no files to upload in %s", nas.ErrValidation, src.Path)
	}

	if err := a.persistOperation(owner.Username, src.Path, rawDir); err != nil {
		return nil, err
	}
	res, err := a.service.Upload(ctx, a.actor, owner, nas.Normalize(rawDir), items)
	return res, a.track(err)
}

// Get streams the file at rawPath of owner's tree to w and returns the bytes written.
func (a *NASApp) Get(ctx context.Context, ownerName, rawPath string, w io.Writer) (int64, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return 0, err
	}
	rec, err := a.service.Lookup(ctx, a.actor, owner, nas.Normalize(rawPath))
	if err != nil {
		return 0, err
	}
	rc, _, err := a.service.Open(ctx, a.actor, owner, rec.ID)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}

// Remove deletes every path in one batch. Paths that do not resolve are
// reported as failures alongside those the service rejects.
func (a *NASApp) Remove(ctx context.Context, ownerName string, rawPaths []string) (*nas.BatchResult, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	var ids []string
	var failed []nas.BatchFailure
	for _, raw := range rawPaths {
		rec, err := a.service.Lookup(ctx, a.actor, owner, nas.Normalize(raw))
		if err != nil {
			failed = append(failed, nas.BatchFailure{Name: raw, Err: err})
			continue
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		if len(failed) == 0 {
			return &nas.BatchResult{}, nil
		}
		return &nas.BatchResult{Failed: failed}, failed[0].Err
	}

	if err := a.persistOperation(append([]string{owner.Username}, rawPaths...)...); err != nil {
		return nil, err
	}
	res, err := a.service.Delete(ctx, a.actor, owner, ids)
	if res != nil {
		res.Failed = append(failed, res.Failed...)
	}
	return res, a.track(err)
}

// Move renames or relocates an entry. When rawTo names an existing directory
// the entry keeps its name and moves inside it.
func (a *NASApp) Move(ctx context.Context, ownerName, rawFrom, rawTo string) (*nas.FileRecord, *nas.Snapshot, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, nil, err
	}
	rec, err := a.service.Lookup(ctx, a.actor, owner, nas.Normalize(rawFrom))
	if err != nil {
		return nil, nil, err
	}
	to := nas.Normalize(rawTo)
	newDir, newName := to.Parent(), to.Base()
	dest, err := a.service.Lookup(ctx, a.actor, owner, to)
	switch {
	case err == nil && dest.IsDirectory:
		newDir, newName = to, rec.Name
	case errors.Is(err, nas.ErrNotFound):
		// Implied directories have no record of their own.
		if entries, lerr := a.service.List(ctx, a.actor, owner, to); lerr == nil && len(entries) > 0 {
			newDir, newName = to, rec.Name
		}
	case err != nil:
		return nil, nil, err
	}

	if err := a.persistOperation(owner.Username, rawFrom, rawTo); err != nil {
		return nil, nil, err
	}
	moved, snap, err := a.service.Rename(ctx, a.actor, owner, rec.ID, newDir, newName)
	return moved, snap, a.track(err)
}

// Mkdir creates the folder rawPath. An empty mode uses the default.
func (a *NASApp) Mkdir(ctx context.Context, ownerName, rawPath, rawMode string) (*nas.FileRecord, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	mode := nas.DefaultMode
	if rawMode != "" {
		if mode, err = nas.ParseMode(rawMode); err != nil {
			return nil, err
		}
	}
	p := nas.Normalize(rawPath)
	if err := a.persistOperation(owner.Username, p.String()); err != nil {
		return nil, err
	}
	rec, _, err := a.service.CreateFolder(ctx, a.actor, owner, p.Parent(), p.Base(), mode)
	return rec, a.track(err)
}

// Chmod replaces the permission digits of rawPath.
func (a *NASApp) Chmod(ctx context.Context, ownerName, rawPath, rawMode string) error {
	owner, err := a.owner(ownerName)
	if err != nil {
		return err
	}
	mode, err := nas.ParseMode(rawMode)
	if err != nil {
		return err
	}
	rec, err := a.service.Lookup(ctx, a.actor, owner, nas.Normalize(rawPath))
	if err != nil {
		return err
	}
	if err := a.persistOperation(owner.Username, rawPath, mode.String()); err != nil {
		return err
	}
	_, err = a.service.SetPermissions(ctx, a.actor, owner, rec.ID, mode)
	return a.track(err)
}

// Chgrp replaces the group of rawPath.
func (a *NASApp) Chgrp(ctx context.Context, ownerName, rawPath, group string) error {
	owner, err := a.owner(ownerName)
	if err != nil {
		return err
	}
	rec, err := a.service.Lookup(ctx, a.actor, owner, nas.Normalize(rawPath))
	if err != nil {
		return err
	}
	if err := a.persistOperation(owner.Username, rawPath, group); err != nil {
		return err
	}
	_, err = a.service.SetGroup(ctx, a.actor, owner, rec.ID, group)
	return a.track(err)
}

// Snapshots lists owner's snapshots, oldest first.
func (a *NASApp) Snapshots(ctx context.Context, ownerName string) ([]*nas.Snapshot, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	return a.service.ListSnapshots(ctx, a.actor, owner)
}

// Diff compares snapshot ref with owner's live tree.
func (a *NASApp) Diff(ctx context.Context, ownerName, ref string) (*nas.Diff, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	return a.service.Diff(ctx, a.actor, owner, ref)
}

// Restore rolls owner's tree back to snapshot ref.
func (a *NASApp) Restore(ctx context.Context, ownerName, ref string) (*nas.Snapshot, *nas.ReconcileResult, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, nil, err
	}
	if err := a.persistOperation(owner.Username, ref); err != nil {
		return nil, nil, err
	}
	snap, rec, err := a.service.Restore(ctx, a.actor, owner, ref)
	return snap, rec, a.track(err)
}

// Mount exposes snapshot ref and returns the mountpoint.
func (a *NASApp) Mount(ctx context.Context, ownerName, ref string) (string, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return "", err
	}
	if err := a.persistOperation(owner.Username, ref); err != nil {
		return "", err
	}
	mountpoint, err := a.service.Mount(ctx, a.actor, owner, ref)
	return mountpoint, a.track(err)
}

// Unmount removes owner's snapshot mount.
func (a *NASApp) Unmount(ctx context.Context, ownerName string) error {
	owner, err := a.owner(ownerName)
	if err != nil {
		return err
	}
	if err := a.persistOperation(owner.Username); err != nil {
		return err
	}
	return a.track(a.service.Unmount(ctx, a.actor, owner))
}

// RepositoryStatus describes a principal's repository for display.
type RepositoryStatus struct {
	Owner string
	State nas.RepositoryState
	// Used and Quota are known only for engines that track usage.
	UsageKnown bool
	Used       int64
	Quota      int64
	NumFiles   int64
}

// usageReporter is implemented by engines that track repository usage.
type usageReporter interface {
	Usage(repo string) (used, quota int64, err error)
}

// State reports the state and, when available, usage of owner's repository.
func (a *NASApp) State(ctx context.Context, ownerName string) (*RepositoryStatus, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	state, err := a.service.State(ctx, a.actor, owner)
	if err != nil {
		return nil, err
	}
	st := &RepositoryStatus{Owner: owner.Username, State: state, Quota: owner.Quota, NumFiles: owner.NumFiles}
	if ur, ok := a.engine.(usageReporter); ok && state != nas.NoRepository {
		used, quota, err := ur.Usage(a.service.Layout(owner).Repo())
		if err != nil {
			return nil, err
		}
		st.UsageKnown, st.Used, st.Quota = true, used, quota
	}
	return st, nil
}

// Reconcile repairs owner's catalog against the files on disk.
func (a *NASApp) Reconcile(ctx context.Context, ownerName string) (*nas.ReconcileResult, error) {
	owner, err := a.owner(ownerName)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(owner.Username); err != nil {
		return nil, err
	}
	res, err := a.service.Reconcile(ctx, a.actor, owner)
	return res, a.track(err)
}

// History returns the most recent operations. Non-admins only see their own.
func (a *NASApp) History(limit int) ([]*database.Operation, error) {
	if err := a.requireActor(); err != nil {
		return nil, err
	}
	ops, err := a.directory.ListOperations(limit)
	if err != nil {
		return nil, err
	}
	if a.actor.IsAdmin() {
		return ops, nil
	}
	var own []*database.Operation
	for _, op := range ops {
		if op.Principal == a.actor.Username {
			own = append(own, op)
		}
	}
	return own, nil
}

// BackupDirectory writes a consistent copy of the user directory to destPath.
func (a *NASApp) BackupDirectory(destPath string) error {
	if err := a.requireAdmin(); err != nil {
		return err
	}
	if err := a.persistOperation(destPath); err != nil {
		return err
	}
	return a.track(a.directory.BackupTo(destPath))
}

// Close finalizes the operation and closes all resources.
// For persisted operations the operation record is finished and counted in metrics.
func (a *NASApp) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.directory.FinishOperation(a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
		a.recorder.OperationFinished(a.op.Operation, a.op.Status)
	}

	if err := a.recorder.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("writing metrics: %w", err)
	}

	if err := a.directory.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// lazyFile opens its file on first read and closes it at EOF, so a large
// batch holds at most one descriptor open at a time.
type lazyFile struct {
	scanner *fs.Scanner
	path    string
	rc      io.ReadCloser
	done    bool
}

func (f *lazyFile) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.EOF
	}
	if f.rc == nil {
		rc, err := f.scanner.Open(f.path)
		if err != nil {
			return 0, err
		}
		f.rc = rc
	}
	n, err := f.rc.Read(p)
	if err == io.EOF {
		f.done = true
		f.Close()
	}
	return n, err
}

func (f *lazyFile) Close() error {
	if f.rc == nil {
		return nil
	}
	err := f.rc.Close()
	f.rc = nil
	return err
}
