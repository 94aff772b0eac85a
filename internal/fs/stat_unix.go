//go:build unix

package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// deviceAndInode extracts the Unix device and inode numbers from a FileInfo.
// Returns an error if the underlying Sys() type is not *syscall.Stat_t.
func deviceAndInode(info fs.FileInfo) (uint64, uint64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return uint64(stat.Dev), uint64(stat.Ino), nil
}

// IsMountPoint reports whether path is the root of a mounted filesystem:
// its device differs from its parent's, or it is its own parent.
// A missing path is not a mount point.
func IsMountPoint(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	parent, err := os.Stat(filepath.Join(path, ".."))
	if err != nil {
		return false, fmt.Errorf("stat parent of %s: %w", path, err)
	}

	dev, ino, err := deviceAndInode(info)
	if err != nil {
		return false, err
	}
	parentDev, parentIno, err := deviceAndInode(parent)
	if err != nil {
		return false, err
	}
	return dev != parentDev || ino == parentIno, nil
}
