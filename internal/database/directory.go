package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"nas-go/internal/database/migrations"
	"nas-go/internal/nas"
)

const principalColumns = `id, username, password_hash, quota, store_path, archive_state, num_files, enabled, flags, user_groups, created_at`

// storePathLength is the number of hex characters of the store path hash.
const storePathLength = 16

// SQLiteDirectory implements nas.Directory on users.db. It also records the
// operation history.
type SQLiteDirectory struct {
	db       *sql.DB
	path     string
	clock    nas.Clock
	idgen    nas.IDGenerator
	validate *validator.Validate
	cost     int
}

var _ nas.Directory = (*SQLiteDirectory)(nil)

// NewSQLiteDirectory opens the directory database at path. path can be
// ":memory:". nil clock or idgen select the real ones. The schema is not
// migrated here; see MigrateUp and CheckMigrations.
func NewSQLiteDirectory(path string, clock nas.Clock, idgen nas.IDGenerator) (*SQLiteDirectory, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return newSQLiteDirectory(db, path, clock, idgen), nil
}

func newSQLiteDirectory(db *sql.DB, path string, clock nas.Clock, idgen nas.IDGenerator) *SQLiteDirectory {
	if clock == nil {
		clock = nas.RealClock{}
	}
	if idgen == nil {
		idgen = nas.UUIDGenerator{}
	}
	return &SQLiteDirectory{
		db:       db,
		path:     path,
		clock:    clock,
		idgen:    idgen,
		validate: validator.New(),
		cost:     bcrypt.DefaultCost,
	}
}

// SetHashCost changes the bcrypt cost for new password hashes. Tests lower it.
func (d *SQLiteDirectory) SetHashCost(cost int) {
	d.cost = cost
}

func scanPrincipal(s scanner) (*nas.Principal, error) {
	var (
		p      nas.Principal
		flags  int
		groups string
	)
	err := s.Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Quota, &p.StorePath, &p.ArchiveState,
		&p.NumFiles, &p.Enabled, &flags, &groups, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Flags = nas.Flags(flags)
	p.Groups = nas.SplitGroups(groups)
	return &p, nil
}

func (d *SQLiteDirectory) Create(in nas.CreatePrincipal) (*nas.Principal, error) {
	if err := d.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", nas.ErrValidation, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), d.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	now := d.clock.Now().UTC()
	sum := sha256.Sum256([]byte(strconv.FormatInt(now.UnixNano(), 10) + in.Username))

	groups := nas.SplitGroups(nas.JoinGroups(append([]string{in.Username, nas.DefaultGroup}, in.Groups...)))
	p := &nas.Principal{
		ID:           d.idgen.New(),
		Username:     in.Username,
		PasswordHash: string(hash),
		Quota:        in.Quota,
		StorePath:    hex.EncodeToString(sum[:])[:storePathLength],
		Enabled:      true,
		Flags:        in.Flags,
		Groups:       groups,
		CreatedAt:    now,
	}

	_, err = d.db.ExecContext(context.Background(),
		`INSERT INTO principals (`+principalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Username, p.PasswordHash, p.Quota, p.StorePath, p.ArchiveState, p.NumFiles,
		boolToInt(p.Enabled), int(p.Flags), nas.JoinGroups(p.Groups), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username %q is taken", nas.ErrConflict, in.Username)
		}
		return nil, fmt.Errorf("creating principal %s: %w", in.Username, err)
	}
	return p, nil
}

func (d *SQLiteDirectory) Authenticate(username, password string) (*nas.Principal, error) {
	p, err := d.GetByUsername(username)
	if err != nil {
		if errors.Is(err, nas.ErrNotFound) {
			return nil, nas.ErrDenied
		}
		return nil, err
	}
	if !p.Enabled {
		return nil, nas.ErrDenied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, nas.ErrDenied
	}
	return p, nil
}

func (d *SQLiteDirectory) Get(id string) (*nas.Principal, error) {
	return d.getBy("id", id)
}

func (d *SQLiteDirectory) GetByUsername(username string) (*nas.Principal, error) {
	return d.getBy("username", username)
}

func (d *SQLiteDirectory) getBy(column, value string) (*nas.Principal, error) {
	p, err := scanPrincipal(d.db.QueryRowContext(context.Background(),
		`SELECT `+principalColumns+` FROM principals WHERE `+column+` = ?`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: principal %s", nas.ErrNotFound, value)
		}
		return nil, fmt.Errorf("getting principal %s: %w", value, err)
	}
	return p, nil
}

// updateOne runs an UPDATE that must touch exactly principal id.
func (d *SQLiteDirectory) updateOne(what, id, query string, args ...any) error {
	res, err := d.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return fmt.Errorf("setting %s of %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting %s of %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: principal %s", nas.ErrNotFound, id)
	}
	return nil
}

func (d *SQLiteDirectory) SetEnabled(id string, enabled bool) error {
	return d.updateOne("enabled", id, `UPDATE principals SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
}

func (d *SQLiteDirectory) SetFlags(id string, flags nas.Flags) error {
	return d.updateOne("flags", id, `UPDATE principals SET flags = ? WHERE id = ?`, int(flags), id)
}

func (d *SQLiteDirectory) AddGroup(id string, group string) (*nas.Principal, error) {
	if err := nas.ValidateGroupName(group); err != nil {
		return nil, err
	}
	p, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	if p.InGroup(group) {
		return p, nil
	}
	p.Groups = append(p.Groups, group)
	if err := d.setGroups(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *SQLiteDirectory) RemoveGroup(id string, group string) (*nas.Principal, error) {
	p, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	if group == p.Username {
		return nil, fmt.Errorf("%w: %s cannot leave its own group", nas.ErrValidation, p.Username)
	}
	if !p.InGroup(group) {
		return nil, fmt.Errorf("%w: %s is not in group %q", nas.ErrNotFound, p.Username, group)
	}

	kept := p.Groups[:0]
	for _, g := range p.Groups {
		if g != group {
			kept = append(kept, g)
		}
	}
	p.Groups = kept
	if err := d.setGroups(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *SQLiteDirectory) setGroups(p *nas.Principal) error {
	return d.updateOne("groups", p.ID, `UPDATE principals SET user_groups = ? WHERE id = ?`, nas.JoinGroups(p.Groups), p.ID)
}

func (d *SQLiteDirectory) ListVisible(requester *nas.Principal) ([]*nas.Principal, error) {
	rows, err := d.db.QueryContext(context.Background(),
		`SELECT `+principalColumns+` FROM principals ORDER BY username COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer rows.Close()

	admin := requester != nil && requester.IsAdmin()
	var visible []*nas.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning principal: %w", err)
		}
		if requester != nil && p.ID == requester.ID {
			continue
		}
		if !admin && (p.Flags.Has(nas.FlagHidden) || !p.Enabled) {
			continue
		}
		visible = append(visible, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	return visible, nil
}

func (d *SQLiteDirectory) ChangePassword(id string, newPassword string) error {
	if err := d.validate.Var(newPassword, "required,min=4,max=72"); err != nil {
		return fmt.Errorf("%w: password: %v", nas.ErrValidation, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.cost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return d.updateOne("password", id, `UPDATE principals SET password_hash = ? WHERE id = ?`, string(hash), id)
}

func (d *SQLiteDirectory) SetArchiveState(id string, state string) error {
	return d.updateOne("archive state", id, `UPDATE principals SET archive_state = ? WHERE id = ?`, state, id)
}

func (d *SQLiteDirectory) SetNumFiles(id string, n int64) error {
	return d.updateOne("file count", id, `UPDATE principals SET num_files = ? WHERE id = ?`, n, id)
}

func (d *SQLiteDirectory) Delete(id string) error {
	return d.updateOne("row", id, `DELETE FROM principals WHERE id = ?`, id)
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (d *SQLiteDirectory) Path() string {
	return d.path
}

// MigrateUp brings the schema to the latest version.
func (d *SQLiteDirectory) MigrateUp() error {
	return migrations.MigrateUp(d.db, migrations.Directory)
}

// CheckMigrations verifies the database schema is up-to-date.
func (d *SQLiteDirectory) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(d.db, migrations.Directory)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (d *SQLiteDirectory) BackupTo(destPath string) error {
	return backupTo(d.db, destPath)
}

// Close closes the database connection.
func (d *SQLiteDirectory) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
