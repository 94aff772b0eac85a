package nas

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// AdminUsername is the bootstrap administrator created by EnsureAdmin.
const AdminUsername = "admin"

// Register creates a principal and its (empty) snapshot repository.
func (s *Service) Register(ctx context.Context, in CreatePrincipal) (*Principal, error) {
	p, err := s.directory.Create(in)
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.EnsureRepository(ctx, p); err != nil {
		return p, fmt.Errorf("preparing store for %s: %w", p.Username, err)
	}
	s.logger.Info("principal registered", "username", p.Username, "quota", p.Quota)
	return p, nil
}

// EnsureAdmin creates the hidden administrator if it does not exist yet.
func (s *Service) EnsureAdmin(ctx context.Context, password string) (*Principal, error) {
	p, err := s.directory.GetByUsername(AdminUsername)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up admin: %w", err)
	}
	return s.Register(ctx, CreatePrincipal{
		Username: AdminUsername,
		Password: password,
		Groups:   []string{"admin"},
		Flags:    FlagAdmin.With(FlagHidden),
	})
}

// ChangePassword replaces target's password. Admins may reset anyone else's
// password without knowing the current one.
func (s *Service) ChangePassword(actor, target *Principal, current, next string) error {
	if !(actor.IsAdmin() && actor.ID != target.ID) {
		if actor.ID != target.ID {
			return errorf(ErrPermissionDenied, "%s cannot change the password of %s", actor.Username, target.Username)
		}
		if _, err := s.directory.Authenticate(target.Username, current); err != nil {
			return err
		}
	}
	if err := s.directory.ChangePassword(target.ID, next); err != nil {
		return err
	}
	s.logger.Info("password changed", "username", target.Username, "by", actor.Username)
	return nil
}

// SetEnabled disables or re-enables target. Admin only.
func (s *Service) SetEnabled(actor, target *Principal, enabled bool) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.ID == target.ID && !enabled {
		return errorf(ErrValidation, "%s cannot disable itself", actor.Username)
	}
	if err := s.directory.SetEnabled(target.ID, enabled); err != nil {
		return err
	}
	target.Enabled = enabled
	s.logger.Info("principal enabled changed", "username", target.Username, "enabled", enabled)
	return nil
}

// SetFlags replaces target's flag set. Admin only. An admin cannot drop its
// own FlagAdmin.
func (s *Service) SetFlags(actor, target *Principal, flags Flags) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.ID == target.ID && !flags.Has(FlagAdmin) {
		return errorf(ErrValidation, "%s cannot revoke its own admin flag", actor.Username)
	}
	if err := s.directory.SetFlags(target.ID, flags); err != nil {
		return err
	}
	target.Flags = flags
	s.logger.Info("principal flags changed", "username", target.Username, "flags", flags.Names())
	return nil
}

// AddGroup adds target to group. Admin only.
func (s *Service) AddGroup(actor, target *Principal, group string) (*Principal, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.directory.AddGroup(target.ID, group)
}

// RemoveGroup removes target from group. Admin only.
func (s *Service) RemoveGroup(actor, target *Principal, group string) (*Principal, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.directory.RemoveGroup(target.ID, group)
}

// ListPrincipals lists the principals visible to actor.
func (s *Service) ListPrincipals(actor *Principal) ([]*Principal, error) {
	return s.directory.ListVisible(actor)
}

// DeletePrincipal removes target's row and its whole store. Admin only.
func (s *Service) DeletePrincipal(ctx context.Context, actor, target *Principal) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if actor.ID == target.ID {
		return errorf(ErrValidation, "%s cannot delete itself", actor.Username)
	}

	unlock, err := s.lockStore(target)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.snapshots.Unmount(ctx, target); err != nil {
		return err
	}
	if err := s.directory.Delete(target.ID); err != nil {
		return err
	}
	root := s.Layout(target).Root
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("removing store %s: %w", root, err)
	}
	s.logger.Info("principal deleted", "username", target.Username, "by", actor.Username)
	return nil
}

func requireAdmin(actor *Principal) error {
	if actor.IsAdmin() {
		return nil
	}
	return errorf(ErrPermissionDenied, "%s is not an administrator", actor.Username)
}
