package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	nasfs "nas-go/internal/fs"
	"nas-go/internal/nas"
)

// borgTimeLayouts are the timestamp formats borg emits in --json output.
var borgTimeLayouts = []string{
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05.000000Z07:00",
	time.RFC3339Nano,
}

// Exit codes borg 1.4 reports with BORG_EXIT_CODES=modern. Older releases
// exit 2 for every error, so stderr is checked as well.
const (
	borgExitRepoMissing = 13
	borgExitQuota       = 20
	borgExitLockFailed  = 72
	borgExitLockTimeout = 73
)

// classifyBorgError maps a failed borg run onto a nas sentinel, or returns
// nil when the failure has no specific meaning.
func classifyBorgError(code int, stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case code == borgExitQuota,
		strings.Contains(msg, "storage quota") && strings.Contains(msg, "exceeded"):
		return nas.ErrQuotaExceeded
	case code == borgExitLockFailed, code == borgExitLockTimeout,
		strings.Contains(msg, "failed to create/acquire the lock"):
		return nas.ErrRepositoryLocked
	case code == borgExitRepoMissing,
		strings.Contains(msg, "repository") && strings.Contains(msg, "does not exist"):
		return nas.ErrNotFound
	}
	return nil
}

// BorgEngine drives the borg CLI. Repositories use repokey encryption with
// the configured passphrase.
type BorgEngine struct {
	binary     string
	passphrase string
	logger     nas.Logger
}

var _ nas.ArchiveEngine = (*BorgEngine)(nil)

// NewBorgEngine resolves binary on PATH and returns an engine using it.
func NewBorgEngine(binary, passphrase string, logger nas.Logger) (*BorgEngine, error) {
	if binary == "" {
		binary = "borg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("borg binary %q not found: %w", binary, err)
	}
	if logger == nil {
		logger = nas.NewNopLogger()
	}
	return &BorgEngine{binary: resolved, passphrase: passphrase, logger: logger}, nil
}

// run executes borg with args in dir and returns stdout.
func (b *BorgEngine) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"BORG_PASSPHRASE="+b.passphrase,
		"BORG_RELOCATED_REPO_ACCESS_IS_OK=yes",
		"BORG_EXIT_CODES=modern",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("running borg", "args", strings.Join(args, " "), "dir", dir)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if sentinel := classifyBorgError(code, msg); sentinel != nil {
			return nil, fmt.Errorf("%w: borg %s: exit %d: %s", sentinel, args[0], code, msg)
		}
		return nil, fmt.Errorf("borg %s: %w: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

func archiveRef(repo, label string) string {
	return repo + "::" + label
}

func (b *BorgEngine) Init(ctx context.Context, repo string, quota int64) error {
	if err := os.MkdirAll(filepath.Dir(repo), 0o700); err != nil {
		return fmt.Errorf("creating repository parent: %w", err)
	}
	args := []string{"init", "--encryption=repokey", "--make-parent-dirs"}
	if quota > 0 {
		args = append(args, "--storage-quota", strconv.FormatInt(quota, 10))
	}
	_, err := b.run(ctx, "", append(args, repo)...)
	return err
}

// Exists checks for the config file borg writes into every repository.
func (b *BorgEngine) Exists(repo string) (bool, error) {
	_, err := os.Stat(filepath.Join(repo, "config"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking repository %s: %w", repo, err)
	}
	return true, nil
}

// Create archives source with paths relative to it.
func (b *BorgEngine) Create(ctx context.Context, repo, label, source string) error {
	_, err := b.run(ctx, source, "create", archiveRef(repo, label), ".")
	return err
}

type borgList struct {
	Archives []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Start string `json:"start"`
		Time  string `json:"time"`
	} `json:"archives"`
}

func parseBorgTime(s string) (time.Time, error) {
	for _, layout := range borgTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized borg timestamp %q", s)
}

func (b *BorgEngine) List(ctx context.Context, repo string) ([]nas.ArchiveInfo, error) {
	out, err := b.run(ctx, "", "list", "--json", repo)
	if err != nil {
		return nil, err
	}
	return parseBorgList(out)
}

func parseBorgList(out []byte) ([]nas.ArchiveInfo, error) {
	var list borgList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("parsing borg list output: %w", err)
	}

	infos := make([]nas.ArchiveInfo, 0, len(list.Archives))
	for _, a := range list.Archives {
		ts := a.Start
		if ts == "" {
			ts = a.Time
		}
		created, err := parseBorgTime(ts)
		if err != nil {
			return nil, err
		}
		infos = append(infos, nas.ArchiveInfo{ID: a.ID, Label: a.Name, CreatedAt: created})
	}
	return infos, nil
}

func (b *BorgEngine) Mount(ctx context.Context, repo, label, mountpoint string) error {
	_, err := b.run(ctx, "", "mount", archiveRef(repo, label), mountpoint)
	return err
}

func (b *BorgEngine) Unmount(ctx context.Context, mountpoint string) error {
	_, err := b.run(ctx, "", "umount", mountpoint)
	return err
}

// IsMounted compares the mountpoint's device with its parent's.
func (b *BorgEngine) IsMounted(mountpoint string) (bool, error) {
	return nasfs.IsMountPoint(mountpoint)
}

// Extract restores an archive into dest. borg extracts into the working directory.
func (b *BorgEngine) Extract(ctx context.Context, repo, label, dest string) error {
	_, err := b.run(ctx, dest, "extract", archiveRef(repo, label))
	return err
}
