package database

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nas-go/internal/nas"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("rec-%d", g.n)
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// newTestCatalog creates a new in-memory catalog with schema applied.
func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()

	c, err := NewSQLiteCatalog(":memory:", &tickClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}, &seqIDs{})
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

func addFile(t *testing.T, c *SQLiteCatalog, dir, name string, size int64) *nas.FileRecord {
	t.Helper()
	r, err := c.AddEntry(nas.NewEntry{Name: name, Path: nas.Normalize(dir), Owner: "alice", Group: "alice", Size: size, Permissions: nas.DefaultMode})
	if err != nil {
		t.Fatalf("AddEntry(%s/%s) error = %v", dir, name, err)
	}
	return r
}

func addDir(t *testing.T, c *SQLiteCatalog, dir, name string) *nas.FileRecord {
	t.Helper()
	r, err := c.AddEntry(nas.NewEntry{Name: name, Path: nas.Normalize(dir), Owner: "alice", Group: "alice", IsDirectory: true, Permissions: nas.DefaultMode})
	if err != nil {
		t.Fatalf("AddEntry(%s/%s dir) error = %v", dir, name, err)
	}
	return r
}

func names(records []*nas.FileRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSQLiteCatalog_AddEntry(t *testing.T) {
	t.Run("stores every field", func(t *testing.T) {
		c := newTestCatalog(t)

		r, err := c.AddEntry(nas.NewEntry{Name: "report.txt", Path: "/docs", Owner: "alice", Group: "team", Size: 42, Permissions: 754})
		if err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}

		got, err := c.GetEntry(r.ID)
		if err != nil {
			t.Fatalf("GetEntry() error = %v", err)
		}
		if got.Name != "report.txt" || got.Path != "/docs" {
			t.Errorf("entry = %s/%s, want /docs/report.txt", got.Path, got.Name)
		}
		if got.Size != 42 {
			t.Errorf("Size = %d, want 42", got.Size)
		}
		if got.Group != "team" {
			t.Errorf("Group = %q, want %q", got.Group, "team")
		}
		if got.Permissions != 754 {
			t.Errorf("Permissions = %v, want 754", got.Permissions)
		}
		if got.IsDirectory {
			t.Error("IsDirectory = true, want false")
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}
	})

	t.Run("rejects duplicate name, path and owner", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/docs", "a.txt", 1)

		_, err := c.AddEntry(nas.NewEntry{Name: "a.txt", Path: "/docs", Owner: "alice", Size: 2, Permissions: nas.DefaultMode})
		if !errors.Is(err, nas.ErrDuplicateEntry) {
			t.Fatalf("AddEntry() error = %v, want ErrDuplicateEntry", err)
		}
		if !errors.Is(err, nas.ErrConflict) {
			t.Errorf("AddEntry() error = %v, want it to wrap ErrConflict", err)
		}
	})

	t.Run("same name for another owner is allowed", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/docs", "a.txt", 1)

		if _, err := c.AddEntry(nas.NewEntry{Name: "a.txt", Path: "/docs", Owner: "bob", Permissions: nas.DefaultMode}); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
	})

	t.Run("directories have zero size", func(t *testing.T) {
		c := newTestCatalog(t)
		r, err := c.AddEntry(nas.NewEntry{Name: "sub", Path: "/", Owner: "alice", Size: 99, IsDirectory: true, Permissions: nas.DefaultMode})
		if err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
		if r.Size != 0 {
			t.Errorf("Size = %d, want 0", r.Size)
		}
	})

	t.Run("rejects invalid entries", func(t *testing.T) {
		c := newTestCatalog(t)
		tests := []nas.NewEntry{
			{Name: "", Path: "/", Owner: "alice"},
			{Name: "a/b", Path: "/", Owner: "alice"},
			{Name: "..", Path: "/", Owner: "alice"},
			{Name: "a", Path: "/", Owner: ""},
			{Name: "a", Path: "/", Owner: "alice", Permissions: 778},
		}
		for _, e := range tests {
			if _, err := c.AddEntry(e); !errors.Is(err, nas.ErrValidation) {
				t.Errorf("AddEntry(%+v) error = %v, want ErrValidation", e, err)
			}
		}
	})
}

func TestSQLiteCatalog_GetEntry_NotFound(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.GetEntry("missing")
	if !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("GetEntry() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteCatalog_FindEntry(t *testing.T) {
	c := newTestCatalog(t)
	want := addFile(t, c, "/docs", "a.txt", 3)

	got, err := c.FindEntry("/docs", "a.txt")
	if err != nil {
		t.Fatalf("FindEntry() error = %v", err)
	}
	if got == nil || got.ID != want.ID {
		t.Errorf("FindEntry() = %v, want %s", got, want.ID)
	}

	got, err = c.FindEntry("/docs", "b.txt")
	if err != nil {
		t.Fatalf("FindEntry() error = %v", err)
	}
	if got != nil {
		t.Errorf("FindEntry() = %v, want nil", got)
	}
}

func TestSQLiteCatalog_ListEntries(t *testing.T) {
	t.Run("directories first then case-insensitive names", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/", "beta.txt", 1)
		addFile(t, c, "/", "Alpha.txt", 1)
		addDir(t, c, "/", "zeta")
		addFile(t, c, "/", "alpha.md", 1)
		addDir(t, c, "/", "Music")
		addFile(t, c, "/zeta", "inside.txt", 1)

		got, err := c.ListEntries(nas.RootPath)
		if err != nil {
			t.Fatalf("ListEntries() error = %v", err)
		}
		want := []string{"Music", "zeta", "alpha.md", "Alpha.txt", "beta.txt"}
		if !equalStrings(names(got), want) {
			t.Errorf("ListEntries() = %v, want %v", names(got), want)
		}
	})

	t.Run("only direct children", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/docs", "a.txt", 1)
		addFile(t, c, "/docs/sub", "b.txt", 1)
		addFile(t, c, "/docsx", "c.txt", 1)

		got, err := c.ListEntries("/docs")
		if err != nil {
			t.Fatalf("ListEntries() error = %v", err)
		}
		if !equalStrings(names(got), []string{"a.txt"}) {
			t.Errorf("ListEntries() = %v, want [a.txt]", names(got))
		}
	})
}

func TestSQLiteCatalog_ListImpliedSubdirectories(t *testing.T) {
	t.Run("synthesizes immediate segments", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/docs/sub/deep", "a.txt", 1)
		addFile(t, c, "/docs/other", "b.txt", 1)
		addFile(t, c, "/docs", "c.txt", 1)
		addFile(t, c, "/docsx", "d.txt", 1)

		got, err := c.ListImpliedSubdirectories("/docs")
		if err != nil {
			t.Fatalf("ListImpliedSubdirectories() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2 (%v)", len(got), got)
		}
		if got[0].Name != "other" || got[0].FullPath != "/docs/other" {
			t.Errorf("got[0] = %+v, want other at /docs/other", got[0])
		}
		if got[1].Name != "sub" || got[1].FullPath != "/docs/sub" {
			t.Errorf("got[1] = %+v, want sub at /docs/sub", got[1])
		}
	})

	t.Run("root", func(t *testing.T) {
		c := newTestCatalog(t)
		addFile(t, c, "/", "top.txt", 1)
		addFile(t, c, "/a/b", "x.txt", 1)
		addFile(t, c, "/c", "y.txt", 1)

		got, err := c.ListImpliedSubdirectories(nas.RootPath)
		if err != nil {
			t.Fatalf("ListImpliedSubdirectories() error = %v", err)
		}
		if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
			t.Errorf("ListImpliedSubdirectories(/) = %+v, want [a c]", got)
		}
	})

	t.Run("explicit directory row takes precedence", func(t *testing.T) {
		c := newTestCatalog(t)
		addDir(t, c, "/docs", "sub")
		addFile(t, c, "/docs/sub", "b.txt", 1)
		addFile(t, c, "/docs/implied", "c.txt", 1)

		got, err := c.ListImpliedSubdirectories("/docs")
		if err != nil {
			t.Fatalf("ListImpliedSubdirectories() error = %v", err)
		}
		if len(got) != 1 || got[0].Name != "implied" {
			t.Errorf("ListImpliedSubdirectories() = %+v, want only implied", got)
		}
	})
}

func TestSQLiteCatalog_RecursiveSize(t *testing.T) {
	c := newTestCatalog(t)
	addDir(t, c, "/", "docs")
	addFile(t, c, "/docs", "a.txt", 10)
	addDir(t, c, "/docs", "sub")
	addFile(t, c, "/docs/sub", "b.txt", 20)
	addFile(t, c, "/docsx", "c.txt", 400)
	addFile(t, c, "/", "top.txt", 1000)

	tests := []struct {
		dir  nas.CanonicalPath
		want int64
	}{
		{dir: "/docs", want: 30},
		{dir: "/docs/sub", want: 20},
		{dir: "/docsx", want: 400},
		{dir: "/", want: 1430},
		{dir: "/missing", want: 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			got, err := c.RecursiveSize(tt.dir)
			if err != nil {
				t.Fatalf("RecursiveSize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RecursiveSize(%s) = %d, want %d", tt.dir, got, tt.want)
			}
		})
	}
}

func TestSQLiteCatalog_RemoveEntry(t *testing.T) {
	t.Run("directory cascades to descendants only", func(t *testing.T) {
		c := newTestCatalog(t)
		docs := addDir(t, c, "/", "docs")
		addFile(t, c, "/docs", "a.txt", 1)
		addFile(t, c, "/docs/sub", "b.txt", 1)
		addDir(t, c, "/docs", "empty")
		sibling := addFile(t, c, "/docsx", "c.txt", 1)
		top := addFile(t, c, "/", "top.txt", 1)

		removed, err := c.RemoveEntry(docs.ID)
		if err != nil {
			t.Fatalf("RemoveEntry() error = %v", err)
		}
		if len(removed) != 4 {
			t.Errorf("len(removed) = %d, want 4", len(removed))
		}

		rest, err := c.ListDescendants(nas.RootPath)
		if err != nil {
			t.Fatalf("ListDescendants() error = %v", err)
		}
		if len(rest) != 2 {
			t.Fatalf("remaining = %v, want 2 records", names(rest))
		}
		for _, id := range []string{sibling.ID, top.ID} {
			if _, err := c.GetEntry(id); err != nil {
				t.Errorf("GetEntry(%s) error = %v, want sibling untouched", id, err)
			}
		}
	})

	t.Run("file removes only itself", func(t *testing.T) {
		c := newTestCatalog(t)
		a := addFile(t, c, "/docs", "a.txt", 1)
		addFile(t, c, "/docs", "b.txt", 1)

		removed, err := c.RemoveEntry(a.ID)
		if err != nil {
			t.Fatalf("RemoveEntry() error = %v", err)
		}
		if len(removed) != 1 {
			t.Errorf("len(removed) = %d, want 1", len(removed))
		}
		n, _ := c.CountFiles()
		if n != 1 {
			t.Errorf("CountFiles() = %d, want 1", n)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		c := newTestCatalog(t)
		if _, err := c.RemoveEntry("missing"); !errors.Is(err, nas.ErrNotFound) {
			t.Errorf("RemoveEntry() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteCatalog_RenameEntry(t *testing.T) {
	t.Run("renames a file in place", func(t *testing.T) {
		c := newTestCatalog(t)
		a := addFile(t, c, "/docs", "a.txt", 1)

		r, err := c.RenameEntry(a.ID, "b.txt", "/archive", false)
		if err != nil {
			t.Fatalf("RenameEntry() error = %v", err)
		}
		if r.FullPath() != "/archive/b.txt" {
			t.Errorf("FullPath() = %s, want /archive/b.txt", r.FullPath())
		}
		got, _ := c.GetEntry(a.ID)
		if got.FullPath() != "/archive/b.txt" {
			t.Errorf("stored FullPath() = %s, want /archive/b.txt", got.FullPath())
		}
	})

	t.Run("cascade rewrites descendant paths", func(t *testing.T) {
		c := newTestCatalog(t)
		docs := addDir(t, c, "/", "docs")
		a := addFile(t, c, "/docs", "a.txt", 1)
		b := addFile(t, c, "/docs/sub", "b.txt", 1)
		other := addFile(t, c, "/docsx", "c.txt", 1)

		if _, err := c.RenameEntry(docs.ID, "papers", "/", true); err != nil {
			t.Fatalf("RenameEntry() error = %v", err)
		}

		for id, want := range map[string]nas.CanonicalPath{
			a.ID:     "/papers/a.txt",
			b.ID:     "/papers/sub/b.txt",
			other.ID: "/docsx/c.txt",
		} {
			got, err := c.GetEntry(id)
			if err != nil {
				t.Fatalf("GetEntry() error = %v", err)
			}
			if got.FullPath() != want {
				t.Errorf("FullPath() = %s, want %s", got.FullPath(), want)
			}
		}
	})

	t.Run("without cascade descendants keep old paths", func(t *testing.T) {
		c := newTestCatalog(t)
		docs := addDir(t, c, "/", "docs")
		a := addFile(t, c, "/docs", "a.txt", 1)

		if _, err := c.RenameEntry(docs.ID, "papers", "/", false); err != nil {
			t.Fatalf("RenameEntry() error = %v", err)
		}
		got, _ := c.GetEntry(a.ID)
		if got.FullPath() != "/docs/a.txt" {
			t.Errorf("FullPath() = %s, want /docs/a.txt", got.FullPath())
		}
	})

	t.Run("conflicting target", func(t *testing.T) {
		c := newTestCatalog(t)
		a := addFile(t, c, "/", "a.txt", 1)
		addFile(t, c, "/", "b.txt", 1)

		_, err := c.RenameEntry(a.ID, "b.txt", "/", false)
		if !errors.Is(err, nas.ErrDuplicateEntry) {
			t.Errorf("RenameEntry() error = %v, want ErrDuplicateEntry", err)
		}
		got, _ := c.GetEntry(a.ID)
		if got.Name != "a.txt" {
			t.Errorf("Name = %q after failed rename, want a.txt", got.Name)
		}
	})
}

func TestSQLiteCatalog_SetFields(t *testing.T) {
	c := newTestCatalog(t)
	dir := addDir(t, c, "/", "docs")
	a := addFile(t, c, "/docs", "a.txt", 1)

	if err := c.SetGroup(dir.ID, "team"); err != nil {
		t.Fatalf("SetGroup() error = %v", err)
	}
	if err := c.SetPermissions(dir.ID, 755); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	if err := c.SetSize(a.ID, 77); err != nil {
		t.Fatalf("SetSize() error = %v", err)
	}

	got, _ := c.GetEntry(dir.ID)
	if got.Group != "team" || got.Permissions != 755 {
		t.Errorf("dir = group %q mode %v, want team 755", got.Group, got.Permissions)
	}
	child, _ := c.GetEntry(a.ID)
	if child.Group != "alice" || child.Permissions != nas.DefaultMode {
		t.Errorf("child changed: group %q mode %v", child.Group, child.Permissions)
	}
	if child.Size != 77 {
		t.Errorf("Size = %d, want 77", child.Size)
	}

	if err := c.SetPermissions(a.ID, 800); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("SetPermissions(800) error = %v, want ErrValidation", err)
	}
	if err := c.SetGroup("missing", "team"); !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("SetGroup(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCatalogProvider_Open(t *testing.T) {
	root := t.TempDir()
	p := NewCatalogProvider(root, nil, nil)
	principal := &nas.Principal{ID: "p1", Username: "alice", StorePath: "abc123"}

	c, err := p.Open(principal)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := c.AddEntry(nas.NewEntry{Name: "a.txt", Path: "/", Owner: "p1", Permissions: nas.DefaultMode}); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	c.Close()

	// Reopening sees the same data.
	c, err = p.Open(principal)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c.Close()
	n, err := c.CountFiles()
	if err != nil {
		t.Fatalf("CountFiles() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountFiles() = %d, want 1", n)
	}

	want := nas.LayoutFor(root, principal).CatalogDB()
	if got := c.(*SQLiteCatalog).Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}
