// Package migrations holds the Postgres schema for the job record store as goose Go
// migrations, so the schema ships inside the binaries.
package migrations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Up applies every pending migration.
func Up(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	// No .sql files are used; "." only satisfies goose's directory lookup.
	return errors.Wrap(goose.Up(db, "."), "apply migrations")
}
