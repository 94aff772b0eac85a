package nas

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before anything was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound signals an unknown file record or principal.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the permission evaluator denies a capability.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict signals a uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrDuplicateEntry is returned when (name, path, owner) already exists in a catalog.
	ErrDuplicateEntry = fmt.Errorf("%w: duplicate entry", ErrConflict)
	// ErrRepositoryLocked is returned when another process holds a repository lock. Safe to retry.
	ErrRepositoryLocked = fmt.Errorf("%w: repository locked", ErrConflict)
	// ErrMountTimeout is returned when a mount did not become active in time. Safe to retry.
	ErrMountTimeout = errors.New("mount timeout")
	// ErrQuotaExceeded is returned when a snapshot would exceed the repository quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrDenied is returned by authentication for unknown users, bad passwords and disabled accounts.
	ErrDenied = errors.New("authentication denied")
)

// errorf wraps sentinel with a formatted message.
func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}
