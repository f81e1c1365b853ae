package store

import (
	"database/sql"

	"github.com/hyperengineering/todosync/migrations"
)

// RunMigrations applies the client cache schema using the embedded
// goose migrations.
func RunMigrations(db *sql.DB) error {
	return migrations.Apply(db, migrations.LocalDir)
}
