// Package migrations hands the run ledger schema to a go-persistence-bun
// client. The normalized tables are built by the orchestrator at run time;
// only normalization_runs is managed here.
package migrations

import (
	"fmt"
	"io/fs"
	"path"

	normalize "github.com/goliatone/go-normalize"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const root = "data/sql/migrations"

// Registrar is satisfied by *persistence.Client.
type Registrar interface {
	RegisterSQLMigrations(migrations ...fs.FS) *persistence.Migrations
}

// ForDialect names the ledger migration set matching a bun dialect.
func ForDialect(d schema.Dialect) (string, error) {
	if d == nil {
		return "", fmt.Errorf("migrations: bun dialect is required")
	}
	switch d.Name() {
	case dialect.PG:
		return DialectPostgres, nil
	case dialect.SQLite:
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: no run ledger schema for %s", d.Name())
	}
}

// Ledger returns the normalization_runs migrations for one dialect. Every up
// file must have its down pair so a ledger can be removed again.
func Ledger(name string) (fs.FS, error) {
	dir := root
	switch name {
	case DialectPostgres:
	case DialectSQLite:
		dir = path.Join(root, "sqlite")
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", name)
	}
	fsys, err := fs.Sub(normalize.GetCoreMigrationsFS(), dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", dir, err)
	}
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: list %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no up migrations", dir)
	}
	for _, up := range ups {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := fs.Stat(fsys, down); err != nil {
			return nil, fmt.Errorf("migrations: %s lacks %s: %w", dir, down, err)
		}
	}
	return fsys, nil
}

// Register queues the ledger migrations for the named dialect on registrar;
// the caller still runs Migrate.
func Register(registrar Registrar, name string) error {
	if registrar == nil {
		return fmt.Errorf("migrations: registrar is required")
	}
	fsys, err := Ledger(name)
	if err != nil {
		return err
	}
	registrar.RegisterSQLMigrations(fsys)
	return nil
}
