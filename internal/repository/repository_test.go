package repository

import (
	"database/sql"
	"testing"

	"github.com/foxzi/bulkops/internal/db"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database.DB
}
