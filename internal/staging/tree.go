package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"nas-go/internal/nas"
)

// tempPrefix marks in-flight writes. Walk never reports them.
const tempPrefix = nas.TempFilePrefix

// FileSystemTree is the on-disk staging tree of one principal:
//
//	<stage>/
//	  _meta.db     (catalog, not part of the tree)
//	  tree/
//	    docs/report.txt
type FileSystemTree struct {
	root string
}

var _ nas.StagingTree = (*FileSystemTree)(nil)

// NewFileSystemTree creates the tree directory if needed and returns a tree over it.
func NewFileSystemTree(root string) (*FileSystemTree, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create tree directory: %w", err)
	}
	return &FileSystemTree{root: root}, nil
}

func (t *FileSystemTree) Root() string {
	return t.root
}

// hostPath maps p into the tree. p must already be canonical.
func (t *FileSystemTree) hostPath(p nas.CanonicalPath) (string, error) {
	if nas.Normalize(string(p)) != p {
		return "", fmt.Errorf("%w: path %q is not canonical", nas.ErrValidation, p)
	}
	return filepath.Join(t.root, filepath.FromSlash(string(p))), nil
}

// Write stores r at p using atomic write (temp file + rename).
func (t *FileSystemTree) Write(p nas.CanonicalPath, r io.Reader) (int64, error) {
	if p.IsRoot() {
		return 0, fmt.Errorf("%w: cannot write to the root", nas.ErrValidation)
	}
	dest, err := t.hostPath(p)
	if err != nil {
		return 0, err
	}

	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create parent of %s: %w", p, err)
	}
	tmpFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return written, nil
}

func (t *FileSystemTree) Mkdir(p nas.CanonicalPath) error {
	dest, err := t.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	return nil
}

func (t *FileSystemTree) Remove(p nas.CanonicalPath) error {
	if p.IsRoot() {
		return fmt.Errorf("%w: cannot remove the root", nas.ErrValidation)
	}
	dest, err := t.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

func (t *FileSystemTree) Rename(from, to nas.CanonicalPath) error {
	if from.IsRoot() || to.IsRoot() {
		return fmt.Errorf("%w: cannot move the root", nas.ErrValidation)
	}
	src, err := t.hostPath(from)
	if err != nil {
		return err
	}
	dest, err := t.hostPath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", to, err)
	}
	if err := os.Rename(src, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", nas.ErrNotFound, from)
		}
		return fmt.Errorf("failed to move %s to %s: %w", from, to, err)
	}
	return nil
}

func (t *FileSystemTree) Open(p nas.CanonicalPath) (io.ReadCloser, error) {
	src, err := t.hostPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", nas.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: cannot open directory as file: %s", nas.ErrValidation, p)
	}
	return f, nil
}

func (t *FileSystemTree) Stat(p nas.CanonicalPath) (fs.FileInfo, error) {
	src, err := t.hostPath(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", nas.ErrNotFound, p)
		}
		return nil, err
	}
	return info, nil
}

// Walk visits every entry below the root in lexical order. Symlinks and
// other special files are skipped.
func (t *FileSystemTree) Walk(fn func(p nas.CanonicalPath, info fs.FileInfo) error) error {
	return filepath.WalkDir(t.root, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			if host == t.root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if host == t.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) || !(d.IsDir() || d.Type().IsRegular()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", host, err)
		}
		rel, err := filepath.Rel(t.root, host)
		if err != nil {
			return err
		}
		return fn(nas.Normalize(filepath.ToSlash(rel)), info)
	})
}

// Provider opens the staging tree of each principal's layout.
type Provider struct{}

var _ nas.StagingProvider = Provider{}

func (Provider) Tree(l nas.Layout) (nas.StagingTree, error) {
	return NewFileSystemTree(l.Tree())
}
