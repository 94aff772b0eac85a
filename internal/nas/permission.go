package nas

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMode is applied to new entries when no mode is given.
const DefaultMode Mode = 740

// Capability is one of read, write or execute.
type Capability uint8

const (
	CapRead Capability = iota
	CapWrite
	CapExecute
)

func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapWrite:
		return "write"
	case CapExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// bit returns the rwx bit for the capability within a single digit.
func (c Capability) bit() uint16 {
	switch c {
	case CapRead:
		return 4
	case CapWrite:
		return 2
	case CapExecute:
		return 1
	default:
		return 0
	}
}

// Scope selects one digit of a Mode.
type Scope uint8

const (
	ScopeOwner Scope = iota
	ScopeGroup
	ScopeOther
)

// Mode is a three digit permission number such as 740. The hundreds digit is
// the owner, the tens digit the group and the ones digit everyone else. Each
// digit is an independent rwx bitmask (read=4, write=2, execute=1).
type Mode uint16

// ParseMode parses a permission string like "740". A single leading zero
// ("0740") is accepted. Digits above 7 and values above 777 are rejected.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 && s[0] == '0' {
		s = s[1:]
	}
	if s == "" || len(s) > 3 {
		return 0, fmt.Errorf("%w: permissions %q must be 1-3 octal digits", ErrValidation, s)
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: permissions %q: %v", ErrValidation, s, err)
	}
	m := Mode(n)
	if err := m.Validate(); err != nil {
		return 0, err
	}
	return m, nil
}

// Validate reports whether every digit of m is in 0-7 and m fits in three digits.
func (m Mode) Validate() error {
	if m > 777 {
		return fmt.Errorf("%w: permissions %d exceed three digits", ErrValidation, m)
	}
	for _, d := range []uint16{uint16(m) / 100, uint16(m) / 10 % 10, uint16(m) % 10} {
		if d > 7 {
			return fmt.Errorf("%w: permissions %03d contain digit %d", ErrValidation, m, d)
		}
	}
	return nil
}

// Digit returns the 0-7 value for one scope.
func (m Mode) Digit(s Scope) uint16 {
	switch s {
	case ScopeOwner:
		return uint16(m) / 100 % 10
	case ScopeGroup:
		return uint16(m) / 10 % 10
	default:
		return uint16(m) % 10
	}
}

// Allows reports whether scope s has capability c.
func (m Mode) Allows(s Scope, c Capability) bool {
	return m.Digit(s)&c.bit() != 0
}

// String renders m as three digits, e.g. "740".
func (m Mode) String() string {
	return fmt.Sprintf("%03d", uint16(m))
}

// Symbolic renders m like ls does, e.g. "rwxr-----".
func (m Mode) Symbolic() string {
	var b strings.Builder
	for _, s := range []Scope{ScopeOwner, ScopeGroup, ScopeOther} {
		for _, c := range []Capability{CapRead, CapWrite, CapExecute} {
			if m.Allows(s, c) {
				b.WriteByte("rwx"[c])
			} else {
				b.WriteByte('-')
			}
		}
	}
	return b.String()
}

// Evaluator decides whether a principal may exercise a capability on a record.
//
// Rules, first match wins:
//  1. ADMIN principals are allowed (logged as an override).
//  2. The owner is always allowed read and write. Execute requires the owner
//     bit. The owner decision is final and never falls through.
//  3. The other bits grant the capability.
//  4. The record's group is one of the principal's groups and the group bits
//     grant the capability.
//  5. Deny.
type Evaluator struct {
	logger   Logger
	recorder Recorder
}

// NewEvaluator creates an Evaluator. recorder may be nil.
func NewEvaluator(logger Logger, recorder Recorder) *Evaluator {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Evaluator{logger: logger, recorder: recorder}
}

// Evaluate returns true when p may exercise c on r.
func (e *Evaluator) Evaluate(p *Principal, r *FileRecord, c Capability) bool {
	allowed := e.evaluate(p, r, c)
	e.recorder.PermissionDecision(c, allowed)
	return allowed
}

func (e *Evaluator) evaluate(p *Principal, r *FileRecord, c Capability) bool {
	if p == nil || r == nil {
		return false
	}

	if p.Flags.Has(FlagAdmin) {
		if p.ID != r.Owner {
			e.logger.Info("permission override", "principal", p.Username, "record", r.ID, "capability", c.String())
		}
		return true
	}

	if p.ID == r.Owner {
		if c == CapExecute {
			return r.Permissions.Allows(ScopeOwner, CapExecute)
		}
		return true
	}

	if r.Permissions.Allows(ScopeOther, c) {
		return true
	}

	if r.Group != "" && p.InGroup(r.Group) && r.Permissions.Allows(ScopeGroup, c) {
		return true
	}

	return false
}

// Require is Evaluate returning ErrPermissionDenied on denial.
func (e *Evaluator) Require(p *Principal, r *FileRecord, c Capability) error {
	if e.Evaluate(p, r, c) {
		return nil
	}
	if r == nil {
		return fmt.Errorf("%w: %s on unknown record", ErrPermissionDenied, c)
	}
	name := "<nil>"
	if p != nil {
		name = p.Username
	}
	e.logger.Warn("permission denied", "principal", name, "record", r.FullPath().String(), "capability", c.String())
	return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, c, r.FullPath())
}
