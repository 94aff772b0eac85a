package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// IgnoreFileName is read from the root of every uploaded directory.
const IgnoreFileName = ".nasignore"

// Source is a local file or directory picked for upload.
type Source struct {
	Path string
	Info fs.FileInfo
}

// IsDir reports whether the source is a directory.
func (s *Source) IsDir() bool { return s.Info.IsDir() }

// LocalFile is one regular file found below a source directory.
type LocalFile struct {
	HostPath string
	// Rel is the slash-separated path relative to the source directory.
	Rel  string
	Size int64
}

// Scanner resolves upload sources on the real filesystem.
type Scanner struct {
	patterns []string
}

// NewScanner creates a Scanner that skips entries matching patterns (see IgnoreRules).
func NewScanner(patterns []string) *Scanner {
	return &Scanner{patterns: patterns}
}

// Resolve validates a raw path and returns a Source.
func (s *Scanner) Resolve(rawPath string) (*Source, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// Check for special file types we don't support
	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not supported: %s", absPath)
	}
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return &Source{Path: absPath, Info: info}, nil
}

// Open opens a file for reading.
func (s *Scanner) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// FindFiles discovers regular files under a directory source, skipping
// reserved and ignored ones. Rules in the source's own .nasignore come after
// the configured patterns, so they can re-include what config skips.
func (s *Scanner) FindFiles(src *Source, recursive bool) ([]LocalFile, error) {
	if !src.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", src.Path)
	}

	extra, err := ReadIgnoreFile(filepath.Join(src.Path, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	ignore, err := NewIgnoreRules(append(append([]string{}, s.patterns...), extra...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Path, err)
	}

	var files []LocalFile
	err = filepath.WalkDir(src.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src.Path {
			return nil
		}
		rel, err := filepath.Rel(src.Path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if !recursive || ignore.Skip(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignore.Skip(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, LocalFile{HostPath: p, Rel: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return files, nil
}
