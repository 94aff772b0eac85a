package testutil

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"nas-go/internal/database"
	"nas-go/internal/nas"
)

// NewTestDirectory creates an in-memory user directory with the schema applied
// and the cheapest bcrypt cost. It is closed when the test completes.
func NewTestDirectory(t *testing.T, clock nas.Clock, idgen nas.IDGenerator) *database.SQLiteDirectory {
	t.Helper()

	d, err := database.NewSQLiteDirectory(":memory:", clock, idgen)
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}
	if err := d.MigrateUp(); err != nil {
		d.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}
	d.SetHashCost(bcrypt.MinCost)

	t.Cleanup(func() {
		d.Close()
	})

	return d
}
