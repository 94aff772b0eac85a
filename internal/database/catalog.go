package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"nas-go/internal/database/migrations"
	"nas-go/internal/nas"
)

const fileRecordColumns = `id, name, path, size, owner, file_group, permissions, is_directory, created_at`

// SQLiteCatalog implements nas.Catalog for one principal's _meta.db.
type SQLiteCatalog struct {
	db    *sql.DB
	path  string
	clock nas.Clock
	idgen nas.IDGenerator
}

var _ nas.Catalog = (*SQLiteCatalog)(nil)

// NewSQLiteCatalog opens the catalog at path and migrates it to the latest
// schema. path can be ":memory:". nil clock or idgen select the real ones.
func NewSQLiteCatalog(path string, clock nas.Clock, idgen nas.IDGenerator) (*SQLiteCatalog, error) {
	if clock == nil {
		clock = nas.RealClock{}
	}
	if idgen == nil {
		idgen = nas.UUIDGenerator{}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db, migrations.Catalog); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog %s: %w", path, err)
	}

	return &SQLiteCatalog{db: db, path: path, clock: clock, idgen: idgen}, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(s scanner) (*nas.FileRecord, error) {
	var (
		r     nas.FileRecord
		path  string
		perms int
	)
	if err := s.Scan(&r.ID, &r.Name, &path, &r.Size, &r.Owner, &r.Group, &perms, &r.IsDirectory, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Path = nas.CanonicalPath(path)
	r.Permissions = nas.Mode(perms)
	return &r, nil
}

func queryFileRecords(ctx context.Context, q dbtx, query string, args ...any) ([]*nas.FileRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*nas.FileRecord
	for rows.Next() {
		r, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// underClause matches records whose path is dir or lies below it. It takes
// the arguments returned by underArgs.
const underClause = `(path = ? OR substr(path, 1, length(?)) = ?)`

func underArgs(dir nas.CanonicalPath) []any {
	prefix := string(dir) + "/"
	if dir.IsRoot() {
		prefix = "/"
	}
	return []any{string(dir), prefix, prefix}
}

func (c *SQLiteCatalog) AddEntry(e nas.NewEntry) (*nas.FileRecord, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	size := e.Size
	if e.IsDirectory {
		size = 0
	}

	r := &nas.FileRecord{
		ID:          c.idgen.New(),
		Name:        e.Name,
		Path:        e.Path,
		Size:        size,
		Owner:       e.Owner,
		Group:       e.Group,
		Permissions: e.Permissions,
		IsDirectory: e.IsDirectory,
		CreatedAt:   c.clock.Now().UTC(),
	}
	_, err := c.db.ExecContext(context.Background(),
		`INSERT INTO file_records (`+fileRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Path), r.Size, r.Owner, r.Group, int(r.Permissions), boolToInt(r.IsDirectory), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", nas.ErrDuplicateEntry, r.FullPath())
		}
		return nil, fmt.Errorf("adding entry %s: %w", r.FullPath(), err)
	}
	return r, nil
}

func (c *SQLiteCatalog) GetEntry(id string) (*nas.FileRecord, error) {
	return getEntry(context.Background(), c.db, id)
}

func getEntry(ctx context.Context, q dbtx, id string) (*nas.FileRecord, error) {
	r, err := scanFileRecord(q.QueryRowContext(ctx, `SELECT `+fileRecordColumns+` FROM file_records WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: file record %s", nas.ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	return r, nil
}

func (c *SQLiteCatalog) FindEntry(dir nas.CanonicalPath, name string) (*nas.FileRecord, error) {
	r, err := scanFileRecord(c.db.QueryRowContext(context.Background(),
		`SELECT `+fileRecordColumns+` FROM file_records WHERE path = ? AND name = ? ORDER BY created_at LIMIT 1`,
		string(dir), name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding entry %s: %w", dir.Join(name), err)
	}
	return r, nil
}

func (c *SQLiteCatalog) ListEntries(dir nas.CanonicalPath) ([]*nas.FileRecord, error) {
	records, err := queryFileRecords(context.Background(), c.db,
		`SELECT `+fileRecordColumns+` FROM file_records WHERE path = ?
		 ORDER BY is_directory DESC, name COLLATE NOCASE, name`, string(dir))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	return records, nil
}

func (c *SQLiteCatalog) ListImpliedSubdirectories(dir nas.CanonicalPath) ([]nas.ImpliedDir, error) {
	ctx := context.Background()
	prefix := string(dir) + "/"
	if dir.IsRoot() {
		prefix = "/"
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT path FROM file_records WHERE path != ? AND substr(path, 1, length(?)) = ?`,
		string(dir), prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing implied directories of %s: %w", dir, err)
	}
	names := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		segment, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		if segment != "" {
			names[segment] = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("listing implied directories of %s: %w", dir, err)
	}
	rows.Close()

	explicit, err := c.ListEntries(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range explicit {
		if e.IsDirectory {
			delete(names, e.Name)
		}
	}

	implied := make([]nas.ImpliedDir, 0, len(names))
	for name := range names {
		implied = append(implied, nas.ImpliedDir{Name: name, FullPath: dir.Join(name)})
	}
	sort.Slice(implied, func(i, j int) bool {
		a, b := strings.ToLower(implied[i].Name), strings.ToLower(implied[j].Name)
		if a != b {
			return a < b
		}
		return implied[i].Name < implied[j].Name
	})
	return implied, nil
}

func (c *SQLiteCatalog) ListDescendants(dir nas.CanonicalPath) ([]*nas.FileRecord, error) {
	records, err := queryFileRecords(context.Background(), c.db,
		`SELECT `+fileRecordColumns+` FROM file_records WHERE `+underClause+` ORDER BY path, name`,
		underArgs(dir)...)
	if err != nil {
		return nil, fmt.Errorf("listing descendants of %s: %w", dir, err)
	}
	return records, nil
}

func (c *SQLiteCatalog) RecursiveSize(dir nas.CanonicalPath) (int64, error) {
	var size int64
	err := c.db.QueryRowContext(context.Background(),
		`SELECT COALESCE(SUM(size), 0) FROM file_records WHERE `+underClause,
		underArgs(dir)...).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("computing size of %s: %w", dir, err)
	}
	return size, nil
}

func (c *SQLiteCatalog) RenameEntry(id string, newName string, newPath nas.CanonicalPath, cascade bool) (*nas.FileRecord, error) {
	if err := nas.ValidateName(newName); err != nil {
		return nil, err
	}
	ctx := context.Background()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := getEntry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	oldFull := r.FullPath()

	_, err = tx.ExecContext(ctx, `UPDATE file_records SET name = ?, path = ? WHERE id = ?`, newName, string(newPath), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", nas.ErrDuplicateEntry, newPath.Join(newName))
		}
		return nil, fmt.Errorf("renaming %s: %w", oldFull, err)
	}
	r.Name, r.Path = newName, newPath

	if cascade && r.IsDirectory {
		newFull := r.FullPath()
		_, err = tx.ExecContext(ctx,
			`UPDATE file_records SET path = ? || substr(path, length(?) + 1)
			 WHERE path = ? OR substr(path, 1, length(?)) = ?`,
			string(newFull), string(oldFull), string(oldFull), string(oldFull)+"/", string(oldFull)+"/")
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: below %s", nas.ErrDuplicateEntry, newFull)
			}
			return nil, fmt.Errorf("moving descendants of %s: %w", oldFull, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing rename: %w", err)
	}
	return r, nil
}

func (c *SQLiteCatalog) RemoveEntry(id string) ([]*nas.FileRecord, error) {
	ctx := context.Background()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := getEntry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	removed := []*nas.FileRecord{r}

	if r.IsDirectory {
		full := r.FullPath()
		below, err := queryFileRecords(ctx, tx,
			`SELECT `+fileRecordColumns+` FROM file_records WHERE `+underClause, underArgs(full)...)
		if err != nil {
			return nil, fmt.Errorf("finding descendants of %s: %w", full, err)
		}
		removed = append(removed, below...)
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_records WHERE `+underClause, underArgs(full)...); err != nil {
			return nil, fmt.Errorf("removing descendants of %s: %w", full, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_records WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("removing %s: %w", r.FullPath(), err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing removal: %w", err)
	}
	return removed, nil
}

// updateOne runs an UPDATE that must touch exactly the record id.
func (c *SQLiteCatalog) updateOne(what string, id string, query string, args ...any) error {
	res, err := c.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return fmt.Errorf("setting %s of %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting %s of %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: file record %s", nas.ErrNotFound, id)
	}
	return nil
}

func (c *SQLiteCatalog) SetGroup(id string, group string) error {
	return c.updateOne("group", id, `UPDATE file_records SET file_group = ? WHERE id = ?`, group, id)
}

func (c *SQLiteCatalog) SetPermissions(id string, mode nas.Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	return c.updateOne("permissions", id, `UPDATE file_records SET permissions = ? WHERE id = ?`, int(mode), id)
}

func (c *SQLiteCatalog) SetSize(id string, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", nas.ErrValidation, size)
	}
	return c.updateOne("size", id, `UPDATE file_records SET size = ? WHERE id = ? AND is_directory = 0`, size, id)
}

func (c *SQLiteCatalog) CountFiles() (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM file_records WHERE is_directory = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return n, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (c *SQLiteCatalog) Path() string {
	return c.path
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// CatalogProvider opens the catalog stored in each principal's stage directory.
type CatalogProvider struct {
	storeRoot string
	clock     nas.Clock
	idgen     nas.IDGenerator
}

var _ nas.CatalogProvider = (*CatalogProvider)(nil)

// NewCatalogProvider creates a provider for stores below storeRoot.
func NewCatalogProvider(storeRoot string, clock nas.Clock, idgen nas.IDGenerator) *CatalogProvider {
	return &CatalogProvider{storeRoot: storeRoot, clock: clock, idgen: idgen}
}

func (p *CatalogProvider) Open(principal *nas.Principal) (nas.Catalog, error) {
	layout := nas.LayoutFor(p.storeRoot, principal)
	if err := os.MkdirAll(layout.Stage(), 0o700); err != nil {
		return nil, fmt.Errorf("creating stage directory: %w", err)
	}
	return NewSQLiteCatalog(layout.CatalogDB(), p.clock, p.idgen)
}
