package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is one recorded CLI operation.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Principal  string
	Status     string
}

// CreateOperation records the start of an operation and returns it with its ID.
func (d *SQLiteDirectory) CreateOperation(operation, parameters, principal string) (*Operation, error) {
	op := &Operation{
		StartedAt:  d.clock.Now().UTC(),
		Operation:  operation,
		Parameters: parameters,
		Principal:  principal,
		Status:     "running",
	}
	res, err := d.db.ExecContext(context.Background(),
		`INSERT INTO operations (started_at, operation, parameters, principal, status) VALUES (?, ?, ?, ?, ?)`,
		op.StartedAt, op.Operation, op.Parameters, op.Principal, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

// FinishOperation stamps the finish time and final status of an operation.
func (d *SQLiteDirectory) FinishOperation(id int64, status string) error {
	_, err := d.db.ExecContext(context.Background(),
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		d.clock.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (d *SQLiteDirectory) ListOperations(limit int) ([]*Operation, error) {
	rows, err := d.db.QueryContext(context.Background(),
		`SELECT id, started_at, finished_at, operation, parameters, principal, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Principal, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
