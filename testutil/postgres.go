// Package testutil holds helpers shared by tests: a Postgres connection gated on TEST_PG_DSN
// and a mock of the upstream online-users API.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/visit-tracker/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies the schema and empties the data tables.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE visits, users, channels RESTART IDENTITY CASCADE`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to reset tables: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
