package nas

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// DefaultGroup is the group every principal joins at creation.
const DefaultGroup = "users"

// Flags is a set of administrative tags on a principal.
type Flags uint8

const (
	// FlagAdmin bypasses permission checks and sees hidden/disabled principals.
	FlagAdmin Flags = 1 << iota
	// FlagHidden excludes the principal from non-admin listings.
	FlagHidden
)

// Has reports whether every flag in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 && f2 != 0 }

// With returns f with f2 set.
func (f Flags) With(f2 Flags) Flags { return f | f2 }

// Without returns f with f2 cleared.
func (f Flags) Without(f2 Flags) Flags { return f &^ f2 }

// Names lists the set flags by name.
func (f Flags) Names() []string {
	var names []string
	if f.Has(FlagAdmin) {
		names = append(names, "admin")
	}
	if f.Has(FlagHidden) {
		names = append(names, "hidden")
	}
	return names
}

// Principal is a user of the service.
type Principal struct {
	ID           string
	Username     string
	PasswordHash string
	// Quota is the repository byte ceiling; 0 means unlimited.
	Quota int64
	// StorePath is the root of this principal's physical storage. Immutable.
	StorePath string
	// ArchiveState points at the most recent snapshot as "<repo>::<label>".
	ArchiveState string
	NumFiles     int64
	Enabled      bool
	Flags        Flags
	Groups       []string
	CreatedAt    time.Time
}

// InGroup reports whether the principal is a member of group.
func (p *Principal) InGroup(group string) bool {
	return slices.Contains(p.Groups, group)
}

// IsAdmin is shorthand for Flags.Has(FlagAdmin).
func (p *Principal) IsAdmin() bool { return p.Flags.Has(FlagAdmin) }

// JoinGroups renders groups in their stored comma-joined form.
func JoinGroups(groups []string) string {
	return strings.Join(groups, ",")
}

// SplitGroups parses the stored comma-joined form, dropping empty entries.
func SplitGroups(s string) []string {
	var groups []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" && !slices.Contains(groups, g) {
			groups = append(groups, g)
		}
	}
	return groups
}

// ArchiveLabel returns the label part of ArchiveState, or "" if no snapshot exists.
func (p *Principal) ArchiveLabel() string {
	_, label, ok := strings.Cut(p.ArchiveState, "::")
	if !ok {
		return ""
	}
	return label
}

var groupNamePattern = regexp.MustCompile(`^[A-Za-z]{1,32}$`)

// ValidateGroupName accepts letters-only group names.
func ValidateGroupName(group string) error {
	if !groupNamePattern.MatchString(group) {
		return errorf(ErrValidation, "group %q must be 1-32 letters", group)
	}
	return nil
}
