package nas_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nas-go/internal/nas"
	"nas-go/internal/testutil"
)

func uploadOne(t *testing.T, env *testutil.Env, actor, owner *nas.Principal, dir, name, content string) *nas.BatchResult {
	t.Helper()
	res, err := env.Service.Upload(context.Background(), actor, owner, nas.Normalize(dir), []nas.UploadItem{
		{Name: name, Content: strings.NewReader(content), Size: int64(len(content))},
	})
	if err != nil {
		t.Fatalf("Upload(%s/%s) error = %v", dir, name, err)
	}
	return res
}

func lookup(t *testing.T, env *testutil.Env, owner *nas.Principal, p string) *nas.FileRecord {
	t.Helper()
	rec, err := env.Service.Lookup(context.Background(), owner, owner, nas.Normalize(p))
	if err != nil {
		t.Fatalf("Lookup(%s) error = %v", p, err)
	}
	return rec
}

func listNames(t *testing.T, env *testutil.Env, actor, owner *nas.Principal, dir string) []string {
	t.Helper()
	entries, err := env.Service.List(context.Background(), actor, owner, nas.Normalize(dir))
	if err != nil {
		t.Fatalf("List(%s) error = %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name
		if e.IsDirectory {
			n += "/"
		}
		names = append(names, n)
	}
	return names
}

func snapshotCount(t *testing.T, env *testutil.Env, p *nas.Principal) int {
	t.Helper()
	snaps, err := env.Snapshots.ListSnapshots(context.Background(), p)
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	return len(snaps)
}

func equal(a, b []string) bool {
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

func TestService_UploadAndList(t *testing.T) {
	env := testutil.NewEnv(t)
	alice := env.Register(t, "alice")

	res := uploadOne(t, env, alice, alice, "/docs", "a.txt", "hello world")
	if res.Snapshot == nil {
		t.Fatal("Upload() took no snapshot")
	}

	entries, err := env.Service.List(context.Background(), alice, alice, nas.Normalize("/docs"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List(/docs) = %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Name != "a.txt" || e.IsDirectory || e.Size != 11 {
		t.Errorf("entry = {%s dir=%v size=%d}, want {a.txt dir=false size=11}", e.Name, e.IsDirectory, e.Size)
	}
	if e.Permissions != nas.DefaultMode || e.Group != "alice" || e.Owner != alice.ID {
		t.Errorf("entry perms/group/owner = %s/%s/%s, want 740/alice/%s", e.Permissions, e.Group, e.Owner, alice.ID)
	}

	data, err := os.ReadFile(env.Layout(alice).HostPath("/docs/a.txt"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("staged content = %q, want %q", data, "hello world")
	}

	fresh, err := env.Directory.Get(alice.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fresh.NumFiles != 1 {
		t.Errorf("NumFiles = %d, want 1", fresh.NumFiles)
	}
	if fresh.ArchiveLabel() != res.Snapshot.Label {
		t.Errorf("ArchiveLabel() = %q, want %q", fresh.ArchiveLabel(), res.Snapshot.Label)
	}

	if got := listNames(t, env, alice, alice, "/"); !equal(got, []string{"docs/"}) {
		t.Errorf("List(/) = %v, want [docs/]", got)
	}
}

func TestService_FolderAndRecursiveSize(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")

	if _, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.Normalize("/docs"), "sub", 0); err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	uploadOne(t, env, alice, alice, "/docs/sub", "b.txt", "12345")

	if got := listNames(t, env, alice, alice, "/docs"); !equal(got, []string{"sub/"}) {
		t.Errorf("List(/docs) = %v, want [sub/] exactly once", got)
	}

	root, err := env.Service.List(ctx, alice, alice, nas.RootPath)
	if err != nil {
		t.Fatalf("List(/) error = %v", err)
	}
	if len(root) != 1 || root[0].Name != "docs" || !root[0].Implied || root[0].Size != 5 {
		t.Errorf("List(/) = %+v, want implied docs of size 5", root)
	}

	if _, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.Normalize("/docs"), "sub", 0); !errors.Is(err, nas.ErrConflict) {
		t.Errorf("CreateFolder(existing) error = %v, want ErrConflict", err)
	}
	if _, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.RootPath, "bad", 800); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("CreateFolder(mode 800) error = %v, want ErrValidation", err)
	}
}

func TestService_UploadBatch(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")
	uploadOne(t, env, alice, alice, "/", "taken.txt", "x")
	before := snapshotCount(t, env, alice)

	res, err := env.Service.Upload(ctx, alice, alice, nas.RootPath, []nas.UploadItem{
		{Name: "a.txt", Content: strings.NewReader("a")},
		{Name: "bad/name", Content: strings.NewReader("b")},
		{Name: "taken.txt", Content: strings.NewReader("c")},
		{Name: "d.txt", Content: strings.NewReader("d")},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !equal(res.Succeeded, []string{"a.txt", "d.txt"}) {
		t.Errorf("Succeeded = %v, want [a.txt d.txt]", res.Succeeded)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("Failed = %v, want 2 items", res.Failed)
	}
	if !errors.Is(res.Failed[0].Err, nas.ErrValidation) || !errors.Is(res.Failed[1].Err, nas.ErrDuplicateEntry) {
		t.Errorf("Failed errors = %v, %v, want validation and duplicate", res.Failed[0].Err, res.Failed[1].Err)
	}
	if got := snapshotCount(t, env, alice) - before; got != 1 {
		t.Errorf("snapshots taken = %d, want exactly 1", got)
	}

	if data, _ := os.ReadFile(env.Layout(alice).HostPath("/taken.txt")); string(data) != "x" {
		t.Errorf("taken.txt = %q after duplicate upload, want %q", data, "x")
	}

	before = snapshotCount(t, env, alice)
	res, err = env.Service.Upload(ctx, alice, alice, nas.RootPath, []nas.UploadItem{
		{Name: "..", Content: strings.NewReader("x")},
	})
	if !errors.Is(err, nas.ErrValidation) {
		t.Errorf("Upload(all invalid) error = %v, want ErrValidation", err)
	}
	if res.Snapshot != nil || snapshotCount(t, env, alice) != before {
		t.Error("failed batch took a snapshot")
	}
}

func TestService_UploadSubdirs(t *testing.T) {
	env := testutil.NewEnv(t)
	alice := env.Register(t, "alice")

	res, err := env.Service.Upload(context.Background(), alice, alice, nas.Normalize("/photos"), []nas.UploadItem{
		{Name: "a.jpg", Content: strings.NewReader("a")},
		{Name: "b.jpg", Subdir: "2024/summer", Content: strings.NewReader("bb")},
		{Name: "c.jpg", Subdir: "../../etc", Content: strings.NewReader("ccc")},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if want := []string{"a.jpg", "2024/summer/b.jpg"}; !equal(res.Succeeded, want) {
		t.Errorf("Succeeded = %v, want %v", res.Succeeded, want)
	}
	if len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err, nas.ErrValidation) {
		t.Errorf("Failed = %v, want one ErrValidation", res.Failed)
	}
	if got := snapshotCount(t, env, alice); got != 1 {
		t.Errorf("snapshots = %d, want 1", got)
	}

	rec := lookup(t, env, alice, "/photos/2024/summer/b.jpg")
	if rec.Size != 2 {
		t.Errorf("Size = %d, want 2", rec.Size)
	}
	if got := listNames(t, env, alice, alice, "/photos"); !equal(got, []string{"2024/", "a.jpg"}) {
		t.Errorf("List(/photos) = %v, want [2024/ a.jpg]", got)
	}
}

func TestService_DeleteSparesSiblings(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")

	docs, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.RootPath, "docs", 0)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	uploadOne(t, env, alice, alice, "/docs", "a.txt", "a")
	uploadOne(t, env, alice, alice, "/docs/deep", "b.txt", "b")
	uploadOne(t, env, alice, alice, "/docsx", "c.txt", "c")
	before := snapshotCount(t, env, alice)

	res, err := env.Service.Delete(ctx, alice, alice, []string{docs.ID, "no-such-id"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(res.Succeeded) != 1 || len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err, nas.ErrNotFound) {
		t.Errorf("Delete() result = %+v, want one success and one not found", res)
	}
	if got := snapshotCount(t, env, alice) - before; got != 1 {
		t.Errorf("snapshots taken = %d, want 1", got)
	}

	if got := listNames(t, env, alice, alice, "/"); !equal(got, []string{"docsx/"}) {
		t.Errorf("List(/) = %v, want [docsx/]", got)
	}
	tree := testutil.ReadTree(t, env.Layout(alice).Tree())
	if _, ok := tree["docs/"]; ok {
		t.Error("docs still on disk")
	}
	if tree["docsx/c.txt"] != "c" {
		t.Errorf("docsx/c.txt = %q, want %q", tree["docsx/c.txt"], "c")
	}

	fresh, _ := env.Directory.Get(alice.ID)
	if fresh.NumFiles != 1 {
		t.Errorf("NumFiles = %d, want 1", fresh.NumFiles)
	}
}

func TestService_Sharing(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice", "team")
	bob := env.Register(t, "bob", "team")
	carol := env.Register(t, "carol")

	res, err := env.Service.Upload(ctx, alice, alice, nas.RootPath, []nas.UploadItem{
		{Name: "report.txt", Content: strings.NewReader("quarterly"), Permissions: 740, Group: "team"},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Snapshot == nil {
		t.Fatal("Upload() took no snapshot")
	}
	rec := lookup(t, env, alice, "/report.txt")

	rc, _, err := env.Service.Open(ctx, bob, alice, rec.ID)
	if err != nil {
		t.Fatalf("Open(bob) error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "quarterly" {
		t.Errorf("Open(bob) read %q, want %q", data, "quarterly")
	}

	if _, _, err := env.Service.Open(ctx, carol, alice, rec.ID); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Open(carol) error = %v, want ErrPermissionDenied", err)
	}

	if got := listNames(t, env, bob, alice, "/"); !equal(got, []string{"report.txt"}) {
		t.Errorf("List as bob = %v, want [report.txt]", got)
	}
	if got := listNames(t, env, carol, alice, "/"); len(got) != 0 {
		t.Errorf("List as carol = %v, want nothing", got)
	}

	// Group members may read but not write, and nobody else writes at alice's root.
	if _, err := env.Service.Delete(ctx, bob, alice, []string{rec.ID}); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Delete(bob) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.Service.Upload(ctx, bob, alice, nas.RootPath, []nas.UploadItem{{Name: "x", Content: strings.NewReader("x")}}); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Upload(bob into alice) error = %v, want ErrPermissionDenied", err)
	}

	if _, err := env.Service.Upload(ctx, carol, carol, nas.RootPath, []nas.UploadItem{
		{Name: "x", Content: strings.NewReader("x"), Group: "team"},
	}); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Upload(group carol is not in) error = %v, want ErrPermissionDenied", err)
	}
}

func TestService_SharedFolderTraversal(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice", "team")
	bob := env.Register(t, "bob", "team")

	shared, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.RootPath, "shared", 770)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if _, err := env.Service.SetGroup(ctx, alice, alice, shared.ID, "team"); err != nil {
		t.Fatalf("SetGroup() error = %v", err)
	}

	// Bob has write and execute on /shared through the group, so he can add files.
	res, err := env.Service.Upload(ctx, bob, alice, nas.Normalize("/shared"), []nas.UploadItem{
		{Name: "from-bob.txt", Content: strings.NewReader("hi"), Permissions: 744},
	})
	if err != nil {
		t.Fatalf("Upload(bob into /shared) error = %v", err)
	}
	if len(res.Succeeded) != 1 {
		t.Fatalf("Upload() = %+v", res)
	}
	rec := lookup(t, env, alice, "/shared/from-bob.txt")
	if rec.Owner != bob.ID || rec.Group != "bob" {
		t.Errorf("owner/group = %s/%s, want %s/bob", rec.Owner, rec.Group, bob.ID)
	}

	// Without execute on /shared, bob can no longer reach anything inside it.
	if _, err := env.Service.SetPermissions(ctx, alice, alice, shared.ID, 760); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	if _, err := env.Service.List(ctx, bob, alice, nas.Normalize("/shared")); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("List(/shared) without execute error = %v, want ErrPermissionDenied", err)
	}
	if _, _, err := env.Service.Open(ctx, bob, alice, rec.ID); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Open() without execute error = %v, want ErrPermissionDenied", err)
	}
}

func TestService_SetPermissionsAndGroup(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice", "team")
	bob := env.Register(t, "bob")
	uploadOne(t, env, alice, alice, "/", "a.txt", "a")
	rec := lookup(t, env, alice, "/a.txt")

	if _, err := env.Service.SetPermissions(ctx, bob, alice, rec.ID, 777); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("SetPermissions(bob) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.Service.SetPermissions(ctx, alice, alice, rec.ID, 780); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("SetPermissions(780) error = %v, want ErrValidation", err)
	}
	snap, err := env.Service.SetPermissions(ctx, alice, alice, rec.ID, 644)
	if err != nil || snap == nil {
		t.Fatalf("SetPermissions() = %v, %v, want a snapshot", snap, err)
	}
	snap, err = env.Service.SetPermissions(ctx, alice, alice, rec.ID, 644)
	if err != nil || snap != nil {
		t.Errorf("SetPermissions(unchanged) = %v, %v, want no snapshot", snap, err)
	}

	if _, err := env.Service.SetGroup(ctx, alice, alice, rec.ID, "strangers"); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("SetGroup(non-member) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.Service.SetGroup(ctx, alice, alice, rec.ID, "team1"); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("SetGroup(team1) error = %v, want ErrValidation", err)
	}
	if _, err := env.Service.SetGroup(ctx, alice, alice, rec.ID, "team"); err != nil {
		t.Fatalf("SetGroup(team) error = %v", err)
	}

	got := lookup(t, env, alice, "/a.txt")
	if got.Permissions != 644 || got.Group != "team" {
		t.Errorf("record = %s/%s, want 644/team", got.Permissions, got.Group)
	}
}

func TestService_Rename(t *testing.T) {
	tests := []struct {
		name    string
		cascade bool
	}{
		{"cascade", true},
		{"no cascade", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testutil.NewEnv(t, testutil.WithServiceOptions(nas.ServiceOptions{CascadeRename: tt.cascade}))
			ctx := context.Background()
			alice := env.Register(t, "alice")

			docs, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.RootPath, "docs", 0)
			if err != nil {
				t.Fatalf("CreateFolder() error = %v", err)
			}
			uploadOne(t, env, alice, alice, "/docs", "a.txt", "a")

			if _, _, err := env.Service.Rename(ctx, alice, alice, docs.ID, nas.Normalize("/docs"), "inner"); !errors.Is(err, nas.ErrValidation) {
				t.Errorf("Rename(into itself) error = %v, want ErrValidation", err)
			}

			moved, snap, err := env.Service.Rename(ctx, alice, alice, docs.ID, nas.RootPath, "archive")
			if err != nil {
				t.Fatalf("Rename() error = %v", err)
			}
			if snap == nil || moved.Name != "archive" {
				t.Errorf("Rename() = %+v, %v, want archive with a snapshot", moved, snap)
			}
			tree := testutil.ReadTree(t, env.Layout(alice).Tree())
			if tree["archive/a.txt"] != "a" {
				t.Errorf("tree = %v, want archive/a.txt on disk", tree)
			}

			_, err = env.Service.Lookup(ctx, alice, alice, nas.Normalize("/archive/a.txt"))
			if tt.cascade {
				if err != nil {
					t.Errorf("Lookup(/archive/a.txt) error = %v", err)
				}
				return
			}

			// Without cascade the child row keeps its old path until reconciled.
			if !errors.Is(err, nas.ErrNotFound) {
				t.Errorf("Lookup(/archive/a.txt) error = %v, want ErrNotFound", err)
			}
			lookup(t, env, alice, "/docs/a.txt")

			result, err := env.Service.Reconcile(ctx, alice, alice)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if result.Added != 1 || result.Removed != 1 {
				t.Errorf("Reconcile() = %+v, want 1 added and 1 removed", result)
			}
			lookup(t, env, alice, "/archive/a.txt")
		})
	}
}

func TestService_RenameConflict(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")
	uploadOne(t, env, alice, alice, "/", "a.txt", "a")
	uploadOne(t, env, alice, alice, "/", "b.txt", "b")
	a := lookup(t, env, alice, "/a.txt")

	if _, _, err := env.Service.Rename(ctx, alice, alice, a.ID, nas.RootPath, "b.txt"); !errors.Is(err, nas.ErrConflict) {
		t.Errorf("Rename(onto b.txt) error = %v, want ErrConflict", err)
	}
	if _, _, err := env.Service.Rename(ctx, alice, alice, a.ID, nas.RootPath, ""); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("Rename(empty) error = %v, want ErrValidation", err)
	}
	tree := testutil.ReadTree(t, env.Layout(alice).Tree())
	if tree["a.txt"] != "a" || tree["b.txt"] != "b" {
		t.Errorf("tree = %v, want both files untouched", tree)
	}
}

func TestService_QuotaAtSnapshot(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	p, err := env.Service.Register(ctx, nas.CreatePrincipal{Username: "tiny", Password: "secret", Quota: 10})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err = env.Service.Upload(ctx, p, p, nas.RootPath, []nas.UploadItem{
		{Name: "big.bin", Content: strings.NewReader(strings.Repeat("x", 100)), Size: 100},
	})
	if !errors.Is(err, nas.ErrQuotaExceeded) {
		t.Fatalf("Upload() error = %v, want ErrQuotaExceeded", err)
	}
	// Accepted into staging, but never archived.
	if _, err := os.Stat(env.Layout(p).HostPath("/big.bin")); err != nil {
		t.Errorf("staged file missing: %v", err)
	}
	if n := snapshotCount(t, env, p); n != 0 {
		t.Errorf("snapshots = %d, want 0", n)
	}
}

func TestService_QuotaPrecheck(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithServiceOptions(nas.ServiceOptions{QuotaPrecheck: true}))
	ctx := context.Background()
	p, err := env.Service.Register(ctx, nas.CreatePrincipal{Username: "tiny", Password: "secret", Quota: 10})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := env.Service.Upload(ctx, p, p, nas.RootPath, []nas.UploadItem{
		{Name: "big.bin", Content: strings.NewReader(strings.Repeat("x", 100)), Size: 100},
	})
	if !errors.Is(err, nas.ErrQuotaExceeded) {
		t.Fatalf("Upload() error = %v, want ErrQuotaExceeded", err)
	}
	if len(res.Failed) != 1 {
		t.Errorf("Failed = %v, want 1", res.Failed)
	}
	if _, err := os.Stat(env.Layout(p).HostPath("/big.bin")); !os.IsNotExist(err) {
		t.Errorf("Stat(big.bin) error = %v, want not exist", err)
	}
}

func TestService_OpenDirectory(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")
	dir, _, err := env.Service.CreateFolder(ctx, alice, alice, nas.RootPath, "docs", 0)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if _, _, err := env.Service.Open(ctx, alice, alice, dir.ID); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("Open(dir) error = %v, want ErrValidation", err)
	}
	if _, _, err := env.Service.Open(ctx, alice, alice, "missing"); !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("Open(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := env.Service.Lookup(ctx, alice, alice, nas.Normalize("/nope")); !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("Lookup(missing) error = %v, want ErrNotFound", err)
	}
	root, err := env.Service.Lookup(ctx, alice, alice, nas.RootPath)
	if err != nil || !root.IsDirectory {
		t.Errorf("Lookup(/) = %+v, %v, want the root directory", root, err)
	}
}

func TestService_Reconcile(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")
	uploadOne(t, env, alice, alice, "/", "kept.txt", "kept")
	uploadOne(t, env, alice, alice, "/", "lost.txt", "lost")

	layout := env.Layout(alice)
	if err := os.Remove(layout.HostPath("/lost.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.HostPath("/kept.txt"), []byte("kept and grown"), 0o644); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFiles(t, layout.Tree(), map[string]string{
		"stray/found.txt": "found",
		"empty/":          "",
	})

	if _, err := env.Service.Reconcile(ctx, bob, alice); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Reconcile(bob) error = %v, want ErrPermissionDenied", err)
	}

	before := snapshotCount(t, env, alice)
	result, err := env.Service.Reconcile(ctx, alice, alice)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	want := nas.ReconcileResult{Added: 2, Removed: 1, Resized: 1}
	if *result != want {
		t.Errorf("Reconcile() = %+v, want %+v", *result, want)
	}
	if got := snapshotCount(t, env, alice) - before; got != 1 {
		t.Errorf("snapshots taken = %d, want 1", got)
	}

	if got := listNames(t, env, alice, alice, "/"); !equal(got, []string{"empty/", "stray/", "kept.txt"}) {
		t.Errorf("List(/) = %v, want [empty/ stray/ kept.txt]", got)
	}
	if rec := lookup(t, env, alice, "/kept.txt"); rec.Size != 14 {
		t.Errorf("kept.txt size = %d, want 14", rec.Size)
	}

	result, err = env.Service.Reconcile(ctx, alice, alice)
	if err != nil {
		t.Fatalf("Reconcile() second pass error = %v", err)
	}
	if result.Changed() {
		t.Errorf("second Reconcile() = %+v, want no changes", result)
	}
}

func TestService_RestoreAndDiff(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")

	first := uploadOne(t, env, alice, alice, "/", "a.txt", "one\n")
	uploadOne(t, env, alice, alice, "/docs", "b.txt", "b\n")
	a := lookup(t, env, alice, "/a.txt")
	if _, err := env.Service.Delete(ctx, alice, alice, []string{a.ID}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	uploadOne(t, env, alice, alice, "/", "a.txt", "two\n")

	diff, err := env.Service.Diff(ctx, alice, alice, first.Snapshot.Label)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	var got []string
	for _, e := range diff.Entries {
		got = append(got, string(e.Kind)+" "+string(e.Path))
	}
	want := []string{"modified /a.txt", "added /docs", "added /docs/b.txt"}
	if !equal(got, want) {
		t.Errorf("Diff() = %v, want %v", got, want)
	}
	if !strings.Contains(diff.Entries[0].Unified, "+two") {
		t.Errorf("unified diff = %q, want +two", diff.Entries[0].Unified)
	}
	if state, _ := env.Snapshots.State(ctx, alice); state == nas.Mounted {
		t.Error("Diff() left the snapshot mounted")
	}

	snap, result, err := env.Service.Restore(ctx, alice, alice, first.Snapshot.Label)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if snap.Label != first.Snapshot.Label {
		t.Errorf("Restore() label = %q, want %q", snap.Label, first.Snapshot.Label)
	}
	if result.Changed() {
		t.Errorf("Restore() reconcile = %+v, want no drift", result)
	}

	tree := testutil.ReadTree(t, env.Layout(alice).Tree())
	if len(tree) != 1 || tree["a.txt"] != "one\n" {
		t.Errorf("restored tree = %v, want only a.txt=one", tree)
	}
	if got := listNames(t, env, alice, alice, "/"); !equal(got, []string{"a.txt"}) {
		t.Errorf("List(/) after restore = %v, want [a.txt]", got)
	}

	if _, _, err := env.Service.Restore(ctx, alice, alice, "1999-01-01_00:00:00"); !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("Restore(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestService_SnapshotOpsRequireOwnerOrAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")
	admin := env.RegisterAdmin(t, "root")
	res := uploadOne(t, env, alice, alice, "/", "a.txt", "a")

	if _, err := env.Service.Diff(ctx, bob, alice, res.Snapshot.Label); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Diff(bob) error = %v, want ErrPermissionDenied", err)
	}
	if _, _, err := env.Service.Restore(ctx, bob, alice, res.Snapshot.Label); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("Restore(bob) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.Service.Diff(ctx, admin, alice, res.Snapshot.Label); err != nil {
		t.Errorf("Diff(admin) error = %v", err)
	}
}

func TestService_StorePathLayout(t *testing.T) {
	env := testutil.NewEnv(t)
	alice := env.Register(t, "alice")
	layout := env.Layout(alice)

	for _, dir := range []string{layout.Repo(), layout.Tree(), layout.Mount()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("Stat(%s) = %v, want a directory", dir, err)
		}
	}
	if filepath.Dir(layout.Root) != env.StoreRoot {
		t.Errorf("store %s is not below %s", layout.Root, env.StoreRoot)
	}
}
