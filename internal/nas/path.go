package nas

import (
	"fmt"
	"path"
	"strings"
)

// RootPath is the canonical root of every principal's tree.
const RootPath CanonicalPath = "/"

// CanonicalPath is an absolute, slash-rooted path inside a principal's tree.
// It never has a trailing slash (except the root itself) and never contains
// "." or ".." segments. Values are produced by Normalize.
type CanonicalPath string

// Normalize canonicalizes a user-supplied path. Empty input yields the root.
// ".." segments are resolved and clamped at the root, so the result can never
// escape it. Normalize is idempotent.
func Normalize(raw string) CanonicalPath {
	if raw == "" {
		return RootPath
	}
	return CanonicalPath(path.Clean("/" + raw))
}

func (p CanonicalPath) String() string { return string(p) }

// IsRoot reports whether p is the root path.
func (p CanonicalPath) IsRoot() bool { return p == RootPath || p == "" }

// Join appends a single leaf name to p.
func (p CanonicalPath) Join(name string) CanonicalPath {
	return Normalize(string(p) + "/" + name)
}

// Parent returns the directory containing p. The parent of the root is the root.
func (p CanonicalPath) Parent() CanonicalPath {
	return Normalize(path.Dir(string(p)))
}

// Base returns the last segment of p, or "" for the root.
func (p CanonicalPath) Base() string {
	if p.IsRoot() {
		return ""
	}
	return path.Base(string(p))
}

// Within reports whether p equals dir or is a descendant of it.
func (p CanonicalPath) Within(dir CanonicalPath) bool {
	if dir.IsRoot() {
		return true
	}
	return p == dir || strings.HasPrefix(string(p), string(dir)+"/")
}

// descendantPrefix returns the string every strict descendant of p starts with.
func (p CanonicalPath) descendantPrefix() string {
	if p.IsRoot() {
		return "/"
	}
	return string(p) + "/"
}

// Rel returns p relative to the root, without the leading slash.
func (p CanonicalPath) Rel() string {
	return strings.TrimPrefix(string(p), "/")
}

// ValidateName checks that name can be used as a single leaf component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrValidation)
	case name == "." || name == "..":
		return fmt.Errorf("%w: reserved name %q", ErrValidation, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name %q contains a path separator or NUL", ErrValidation, name)
	case len(name) > 255:
		return fmt.Errorf("%w: name longer than 255 bytes", ErrValidation)
	}
	return nil
}
