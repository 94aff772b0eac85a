package nas

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeHostFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiffTrees(t *testing.T) {
	oldRoot := filepath.Join(t.TempDir(), "old")
	newRoot := filepath.Join(t.TempDir(), "new")
	writeHostFiles(t, oldRoot, map[string]string{
		"same.txt":    "unchanged\n",
		"notes.txt":   "one\ntwo\nthree\n",
		"gone.txt":    "bye\n",
		"docs/a.txt":  "a\n",
		"swap":        "file first\n",
		"bin.dat":     "\x00\x01",
		"empty/":      "",
		"resized.txt": "short\n",
	})
	writeHostFiles(t, newRoot, map[string]string{
		"same.txt":    "unchanged\n",
		"notes.txt":   "one\n2\nthree\n",
		"docs/a.txt":  "a\n",
		"docs/b.txt":  "b\n",
		"swap/":       "",
		"bin.dat":     "\x00\x02",
		"empty/":      "",
		"resized.txt": "much longer now\n",
	})

	entries, err := DiffTrees(oldRoot, newRoot)
	if err != nil {
		t.Fatalf("DiffTrees() error = %v", err)
	}

	type change struct {
		path CanonicalPath
		kind ChangeKind
	}
	want := []change{
		{"/bin.dat", ChangeModified},
		{"/docs/b.txt", ChangeAdded},
		{"/gone.txt", ChangeRemoved},
		{"/notes.txt", ChangeModified},
		{"/resized.txt", ChangeModified},
		{"/swap", ChangeRemoved},
		{"/swap", ChangeAdded},
	}
	if len(entries) != len(want) {
		t.Fatalf("DiffTrees() returned %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		if entries[i].Path != w.path || entries[i].Kind != w.kind {
			t.Errorf("entries[%d] = %s %s, want %s %s", i, entries[i].Kind, entries[i].Path, w.kind, w.path)
		}
	}

	byPath := map[CanonicalPath]DiffEntry{}
	for _, e := range entries {
		if e.Kind == ChangeModified {
			byPath[e.Path] = e
		}
	}
	notes := byPath["/notes.txt"].Unified
	for _, s := range []string{"--- a/notes.txt", "+++ b/notes.txt", "-two", "+2"} {
		if !strings.Contains(notes, s) {
			t.Errorf("unified diff missing %q:\n%s", s, notes)
		}
	}
	if u := byPath["/bin.dat"].Unified; u != "" {
		t.Errorf("binary file got a text diff: %q", u)
	}
	if !entries[6].IsDirectory || entries[5].IsDirectory {
		t.Errorf("swap entries IsDirectory = %v/%v, want false/true", entries[5].IsDirectory, entries[6].IsDirectory)
	}
}

func TestDiffTrees_MissingRoots(t *testing.T) {
	dir := t.TempDir()
	writeHostFiles(t, filepath.Join(dir, "live"), map[string]string{"a.txt": "a"})

	entries, err := DiffTrees(filepath.Join(dir, "missing"), filepath.Join(dir, "live"))
	if err != nil {
		t.Fatalf("DiffTrees() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != ChangeAdded || entries[0].Path != "/a.txt" {
		t.Errorf("DiffTrees() = %+v, want one added /a.txt", entries)
	}

	entries, err = DiffTrees(filepath.Join(dir, "missing"), filepath.Join(dir, "also-missing"))
	if err != nil {
		t.Fatalf("DiffTrees() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("DiffTrees() of two missing roots = %+v, want none", entries)
	}
}

func TestSortListing(t *testing.T) {
	records := []*FileRecord{
		{Name: "zeta.txt"},
		{Name: "Beta", IsDirectory: true},
		{Name: "alpha.txt"},
		{Name: "beta.txt"},
		{Name: "alpha", IsDirectory: true},
		{Name: "Alpha.txt"},
	}
	SortListing(records)

	want := []string{"alpha", "Beta", "Alpha.txt", "alpha.txt", "beta.txt", "zeta.txt"}
	for i, w := range want {
		if records[i].Name != w {
			t.Errorf("records[%d] = %q, want %q", i, records[i].Name, w)
		}
	}
}
