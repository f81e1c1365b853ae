// Package migrations embeds the goose SQL migrations for both databases.
// The "local" directory holds the client cache schema; "server" holds the
// reference remote store schema.
package migrations

import "embed"

//go:embed local/*.sql server/*.sql
var FS embed.FS

const (
	// LocalDir is the migration directory for the client database.
	LocalDir = "local"
	// ServerDir is the migration directory for the reference server database.
	ServerDir = "server"
)
