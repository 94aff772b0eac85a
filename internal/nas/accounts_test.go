package nas_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"nas-go/internal/nas"
	"nas-go/internal/testutil"
)

func usernames(ps []*nas.Principal) []string {
	var names []string
	for _, p := range ps {
		names = append(names, p.Username)
	}
	return names
}

func TestService_EnsureAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	admin, err := env.Service.EnsureAdmin(ctx, "admin-pass")
	if err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	if !admin.IsAdmin() || !admin.Flags.Has(nas.FlagHidden) || !admin.InGroup("admin") {
		t.Errorf("admin = %+v, want ADMIN|HIDDEN in group admin", admin)
	}
	again, err := env.Service.EnsureAdmin(ctx, "other")
	if err != nil {
		t.Fatalf("EnsureAdmin() second call error = %v", err)
	}
	if again.ID != admin.ID {
		t.Errorf("EnsureAdmin() created a second admin %q", again.ID)
	}
	if _, err := env.Directory.Authenticate(nas.AdminUsername, "admin-pass"); err != nil {
		t.Errorf("Authenticate(admin) error = %v", err)
	}

	alice := env.Register(t, "alice")
	visible, err := env.Service.ListPrincipals(alice)
	if err != nil {
		t.Fatalf("ListPrincipals() error = %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("ListPrincipals(alice) = %v, want hidden admin excluded", usernames(visible))
	}
}

func TestService_Register(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.Register(t, "alice")

	if _, err := env.Service.Register(ctx, nas.CreatePrincipal{Username: "alice", Password: "secret"}); !errors.Is(err, nas.ErrConflict) {
		t.Errorf("Register(duplicate) error = %v, want ErrConflict", err)
	}
	if _, err := env.Service.Register(ctx, nas.CreatePrincipal{Username: "a", Password: "secret"}); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("Register(short name) error = %v, want ErrValidation", err)
	}
}

func TestService_DisabledPrincipal(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.RegisterAdmin(t, "root")
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")

	if err := env.Service.SetEnabled(alice, bob, false); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("SetEnabled(by alice) error = %v, want ErrPermissionDenied", err)
	}
	if err := env.Service.SetEnabled(admin, admin, false); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("SetEnabled(admin on itself) error = %v, want ErrValidation", err)
	}
	if err := env.Service.SetEnabled(admin, bob, false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	if _, err := env.Directory.Authenticate("bob", "secret-bob"); !errors.Is(err, nas.ErrDenied) {
		t.Errorf("Authenticate(disabled) error = %v, want ErrDenied", err)
	}
	visible, err := env.Service.ListPrincipals(alice)
	if err != nil {
		t.Fatalf("ListPrincipals() error = %v", err)
	}
	for _, name := range usernames(visible) {
		if name == "bob" {
			t.Error("ListPrincipals(alice) includes disabled bob")
		}
	}
	all, err := env.Service.ListPrincipals(admin)
	if err != nil {
		t.Fatalf("ListPrincipals(admin) error = %v", err)
	}
	if got := usernames(all); !equal(got, []string{"alice", "bob"}) {
		t.Errorf("ListPrincipals(admin) = %v, want [alice bob]", got)
	}

	if err := env.Service.SetEnabled(admin, bob, true); err != nil {
		t.Fatalf("SetEnabled(true) error = %v", err)
	}
	if _, err := env.Directory.Authenticate("bob", "secret-bob"); err != nil {
		t.Errorf("Authenticate(re-enabled) error = %v", err)
	}
}

func TestService_SetFlags(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.RegisterAdmin(t, "root")
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")

	tests := []struct {
		name    string
		actor   *nas.Principal
		target  *nas.Principal
		flags   nas.Flags
		wantErr error
	}{
		{"not an admin", alice, bob, nas.FlagHidden, nas.ErrPermissionDenied},
		{"admin revokes itself", admin, admin, nas.FlagHidden, nas.ErrValidation},
		{"hide bob", admin, bob, nas.FlagHidden, nil},
		{"promote alice", admin, alice, nas.FlagAdmin, nil},
		{"admin stays admin", admin, admin, nas.FlagAdmin.With(nas.FlagHidden), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.Service.SetFlags(tt.actor, tt.target, tt.flags)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("SetFlags() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetFlags() error = %v", err)
			}
			stored, err := env.Directory.Get(tt.target.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if stored.Flags != tt.flags {
				t.Errorf("stored flags = %v, want %v", stored.Flags.Names(), tt.flags.Names())
			}
		})
	}

	// A plain principal no longer sees bob.
	carol := env.Register(t, "carol")
	visible, err := env.Service.ListPrincipals(carol)
	if err != nil {
		t.Fatalf("ListPrincipals() error = %v", err)
	}
	for _, name := range usernames(visible) {
		if name == "bob" {
			t.Error("ListPrincipals(carol) includes hidden bob")
		}
	}
}

func TestService_ChangePassword(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.RegisterAdmin(t, "root")
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")

	tests := []struct {
		name    string
		actor   *nas.Principal
		target  *nas.Principal
		current string
		next    string
		wantErr error
	}{
		{"wrong current password", alice, alice, "nope", "newpass", nas.ErrDenied},
		{"someone else's password", alice, bob, "secret-bob", "newpass", nas.ErrPermissionDenied},
		{"too short", alice, alice, "secret-alice", "x", nas.ErrValidation},
		{"own password", alice, alice, "secret-alice", "alice-2", nil},
		{"admin reset", admin, bob, "", "bob-2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.Service.ChangePassword(tt.actor, tt.target, tt.current, tt.next)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ChangePassword() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ChangePassword() error = %v", err)
			}
			if _, err := env.Directory.Authenticate(tt.target.Username, tt.next); err != nil {
				t.Errorf("Authenticate() with new password error = %v", err)
			}
		})
	}
}

func TestService_Groups(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.RegisterAdmin(t, "root")
	alice := env.Register(t, "alice")

	if _, err := env.Service.AddGroup(alice, alice, "team"); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("AddGroup(by alice) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.Service.AddGroup(admin, alice, "team2"); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("AddGroup(team2) error = %v, want ErrValidation", err)
	}
	p, err := env.Service.AddGroup(admin, alice, "team")
	if err != nil {
		t.Fatalf("AddGroup() error = %v", err)
	}
	if !p.InGroup("team") {
		t.Errorf("groups = %v, want team", p.Groups)
	}
	p, err = env.Service.RemoveGroup(admin, alice, "team")
	if err != nil {
		t.Fatalf("RemoveGroup() error = %v", err)
	}
	if p.InGroup("team") {
		t.Errorf("groups = %v, want team removed", p.Groups)
	}
}

func TestService_DeletePrincipal(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	admin := env.RegisterAdmin(t, "root")
	alice := env.Register(t, "alice")
	bob := env.Register(t, "bob")
	uploadOne(t, env, bob, bob, "/", "a.txt", "a")
	root := env.Layout(bob).Root

	if err := env.Service.DeletePrincipal(ctx, alice, bob); !errors.Is(err, nas.ErrPermissionDenied) {
		t.Errorf("DeletePrincipal(by alice) error = %v, want ErrPermissionDenied", err)
	}
	if err := env.Service.DeletePrincipal(ctx, admin, admin); !errors.Is(err, nas.ErrValidation) {
		t.Errorf("DeletePrincipal(self) error = %v, want ErrValidation", err)
	}
	if err := env.Service.DeletePrincipal(ctx, admin, bob); err != nil {
		t.Fatalf("DeletePrincipal() error = %v", err)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("Stat(store) error = %v, want not exist", err)
	}
	if _, err := env.Directory.Get(bob.ID); !errors.Is(err, nas.ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(env.Layout(alice).Root); err != nil {
		t.Errorf("alice's store touched: %v", err)
	}
}
