package testutil

import (
	"context"
	"testing"
	"time"

	"nas-go/internal/archive"
	"nas-go/internal/database"
	"nas-go/internal/nas"
	"nas-go/internal/staging"
	"nas-go/internal/vault"
)

// Env is a fully wired service over temporary storage: an in-memory
// directory, SQLite catalogs and staging trees below a temp store root, and
// the native engine over in-memory vaults.
type Env struct {
	Service   *nas.Service
	Snapshots *nas.SnapshotManager
	Directory *database.SQLiteDirectory
	Engine    *archive.NativeEngine
	Vaults    *vault.MemoryRegistry
	Clock     *StubClock
	StoreRoot string
}

// EnvOption customizes NewEnv.
type EnvOption func(*envConfig)

type envConfig struct {
	opts     nas.ServiceOptions
	wait     nas.MountWait
	recorder nas.Recorder
	engine   func(*archive.NativeEngine) nas.ArchiveEngine
}

// WithServiceOptions sets the catalog policies.
func WithServiceOptions(opts nas.ServiceOptions) EnvOption {
	return func(c *envConfig) { c.opts = opts }
}

// WithMountWait bounds mount polling.
func WithMountWait(w nas.MountWait) EnvOption {
	return func(c *envConfig) { c.wait = w }
}

// WithRecorder installs a metrics recorder on the snapshot manager and evaluator.
func WithRecorder(r nas.Recorder) EnvOption {
	return func(c *envConfig) { c.recorder = r }
}

// WithEngine wraps the native engine before it is handed to the snapshot manager.
func WithEngine(wrap func(*archive.NativeEngine) nas.ArchiveEngine) EnvOption {
	return func(c *envConfig) { c.engine = wrap }
}

// NewEnv wires a Service for tests.
func NewEnv(t *testing.T, options ...EnvOption) *Env {
	t.Helper()

	cfg := envConfig{
		opts: nas.ServiceOptions{CascadeRename: true},
		wait: nas.MountWait{
			Timeout:         time.Second,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
	}
	for _, o := range options {
		o(&cfg)
	}

	clock := FixedClock()
	idgen := NewStubIDGenerator()
	logger := nas.NewNopLogger()
	storeRoot := t.TempDir()

	dir := NewTestDirectory(t, clock, idgen)
	native, vaults := NewTestEngine(clock)
	var engine nas.ArchiveEngine = native
	if cfg.engine != nil {
		engine = cfg.engine(native)
	}

	snapshots := nas.NewSnapshotManager(engine, dir, storeRoot, cfg.wait, logger, clock, cfg.recorder)
	catalogs := database.NewCatalogProvider(storeRoot, clock, idgen)
	svc := nas.NewService(dir, catalogs, staging.Provider{}, snapshots, nas.NewEvaluator(logger, cfg.recorder), storeRoot, cfg.opts, logger)

	return &Env{
		Service:   svc,
		Snapshots: snapshots,
		Directory: dir,
		Engine:    native,
		Vaults:    vaults,
		Clock:     clock,
		StoreRoot: storeRoot,
	}
}

// Register creates a principal with an initialized repository.
func (e *Env) Register(t *testing.T, username string, groups ...string) *nas.Principal {
	t.Helper()
	p, err := e.Service.Register(context.Background(), nas.CreatePrincipal{
		Username: username,
		Password: "secret-" + username,
		Groups:   groups,
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", username, err)
	}
	return p
}

// RegisterAdmin creates an administrator.
func (e *Env) RegisterAdmin(t *testing.T, username string) *nas.Principal {
	t.Helper()
	p, err := e.Service.Register(context.Background(), nas.CreatePrincipal{
		Username: username,
		Password: "secret-" + username,
		Flags:    nas.FlagAdmin,
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", username, err)
	}
	return p
}

// Layout returns p's store layout.
func (e *Env) Layout(p *nas.Principal) nas.Layout {
	return nas.LayoutFor(e.StoreRoot, p)
}
