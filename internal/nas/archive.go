package nas

import (
	"context"
	"time"
)

// ArchiveInfo describes one snapshot stored in a repository.
type ArchiveInfo struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

// ArchiveEngine is the content-addressed, deduplicating store that holds a
// principal's snapshots. Repositories and mountpoints are host paths.
type ArchiveEngine interface {
	// Init creates a repository at repo. quota is a byte ceiling enforced by the
	// engine on Create; 0 means unlimited.
	Init(ctx context.Context, repo string, quota int64) error

	// Exists reports whether repo has been initialized.
	Exists(repo string) (bool, error)

	// Create archives the contents of source under label. Paths inside the
	// archive are relative to source. Returns an error wrapping
	// ErrQuotaExceeded if the repository would grow past its quota.
	Create(ctx context.Context, repo, label, source string) error

	// List returns every archive in repo, oldest first.
	List(ctx context.Context, repo string) ([]ArchiveInfo, error)

	// Mount exposes an archive read-only at mountpoint.
	Mount(ctx context.Context, repo, label, mountpoint string) error

	// Unmount removes a mount. Unmounting something that is not mounted is an error.
	Unmount(ctx context.Context, mountpoint string) error

	// IsMounted reports whether an archive is currently exposed at mountpoint.
	IsMounted(mountpoint string) (bool, error)

	// Extract writes the archive contents into dest, which must exist.
	Extract(ctx context.Context, repo, label, dest string) error
}
