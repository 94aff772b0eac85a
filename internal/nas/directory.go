package nas

// CreatePrincipal carries the input for Directory.Create.
type CreatePrincipal struct {
	Username string   `validate:"required,min=2,max=20,alphanum"`
	Password string   `validate:"required,min=4,max=72"`
	Quota    int64    `validate:"gte=0"`
	Groups   []string `validate:"dive,required,alpha,max=32"`
	Flags    Flags
}

// Directory tracks principals, their groups, quotas and flags.
type Directory interface {
	// Create registers a principal. Its groups are its own username, DefaultGroup
	// and any extra groups requested. Returns ErrConflict if the username is taken.
	Create(in CreatePrincipal) (*Principal, error)

	// Authenticate returns the principal for valid credentials of an enabled
	// account, and ErrDenied otherwise.
	Authenticate(username, password string) (*Principal, error)

	// Get returns a principal by id.
	Get(id string) (*Principal, error)

	// GetByUsername returns a principal by username.
	GetByUsername(username string) (*Principal, error)

	// SetEnabled soft-deletes (false) or re-enables (true) a principal.
	SetEnabled(id string, enabled bool) error

	// SetFlags replaces the flag set of a principal.
	SetFlags(id string, flags Flags) error

	// AddGroup adds a letters-only group to the principal. Adding an existing group is a no-op.
	AddGroup(id string, group string) (*Principal, error)

	// RemoveGroup removes a group. A principal cannot leave its own username group.
	RemoveGroup(id string, group string) (*Principal, error)

	// ListVisible returns the principals requester may see: never itself, and
	// for non-admins no hidden or disabled principals.
	ListVisible(requester *Principal) ([]*Principal, error)

	// ChangePassword replaces the password hash.
	ChangePassword(id string, newPassword string) error

	// SetArchiveState records the most recent snapshot pointer.
	SetArchiveState(id string, state string) error

	// SetNumFiles updates the cached file count.
	SetNumFiles(id string, n int64) error

	// Delete removes the principal row. Physical storage is the caller's concern.
	Delete(id string) error
}
