package nas

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// maxTextDiffSize is the largest file for which a unified text diff is produced.
const maxTextDiffSize = 64 << 10

// ChangeKind classifies one difference between two trees.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// DiffEntry is one changed path. Unified is set for modified text files.
type DiffEntry struct {
	Path        CanonicalPath
	Kind        ChangeKind
	IsDirectory bool
	Unified     string
}

// Diff is the result of comparing a snapshot with the live tree.
type Diff struct {
	Label   string
	Entries []DiffEntry
}

// Empty reports whether the trees were identical.
func (d *Diff) Empty() bool { return len(d.Entries) == 0 }

type treeNode struct {
	isDir bool
	size  int64
	host  string
}

// DiffTrees compares the tree rooted at oldRoot with the tree rooted at
// newRoot. Entries are sorted by path. A missing root counts as empty.
func DiffTrees(oldRoot, newRoot string) ([]DiffEntry, error) {
	oldNodes, err := scanTree(oldRoot)
	if err != nil {
		return nil, err
	}
	newNodes, err := scanTree(newRoot)
	if err != nil {
		return nil, err
	}

	var entries []DiffEntry
	for p, o := range oldNodes {
		n, ok := newNodes[p]
		if !ok {
			entries = append(entries, DiffEntry{Path: p, Kind: ChangeRemoved, IsDirectory: o.isDir})
			continue
		}
		if o.isDir != n.isDir {
			entries = append(entries,
				DiffEntry{Path: p, Kind: ChangeRemoved, IsDirectory: o.isDir},
				DiffEntry{Path: p, Kind: ChangeAdded, IsDirectory: n.isDir})
			continue
		}
		if o.isDir {
			continue
		}
		same, err := sameContent(o, n)
		if err != nil {
			return nil, err
		}
		if !same {
			unified, err := unifiedDiff(p, o, n)
			if err != nil {
				return nil, err
			}
			entries = append(entries, DiffEntry{Path: p, Kind: ChangeModified, Unified: unified})
		}
	}
	for p, n := range newNodes {
		if _, ok := oldNodes[p]; !ok {
			entries = append(entries, DiffEntry{Path: p, Kind: ChangeAdded, IsDirectory: n.isDir})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Kind == ChangeRemoved && entries[j].Kind != ChangeRemoved
	})
	return entries, nil
}

func scanTree(root string) (map[CanonicalPath]treeNode, error) {
	nodes := make(map[CanonicalPath]treeNode)
	err := filepath.WalkDir(root, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			if host == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if host == root {
			return nil
		}
		rel, err := filepath.Rel(root, host)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		nodes[Normalize(filepath.ToSlash(rel))] = treeNode{isDir: d.IsDir(), size: info.Size(), host: host}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return nodes, nil
}

func sameContent(a, b treeNode) (bool, error) {
	if a.size != b.size {
		return false, nil
	}
	ha, err := hashFile(a.host)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b.host)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(host string) ([]byte, error) {
	f, err := os.Open(host)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", host, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", host, err)
	}
	return h.Sum(nil), nil
}

// unifiedDiff renders a unified diff when both sides are small text files.
func unifiedDiff(p CanonicalPath, a, b treeNode) (string, error) {
	if a.size > maxTextDiffSize || b.size > maxTextDiffSize {
		return "", nil
	}
	before, err := os.ReadFile(a.host)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", a.host, err)
	}
	after, err := os.ReadFile(b.host)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", b.host, err)
	}
	if !isText(before) || !isText(after) {
		return "", nil
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a" + string(p),
		ToFile:   "b" + string(p),
		Context:  3,
	})
}

func isText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}
