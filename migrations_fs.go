package normalize

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the run ledger schema, with SQLite alternatives under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}

// GetCoreMigrationsFS returns the tree the migrations registry loads by
// default. The normalized tables themselves are created by the orchestrator,
// not by these migrations.
func GetCoreMigrationsFS() fs.FS {
	return migrationsFS
}
