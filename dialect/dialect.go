// Package dialect provides the PostgreSQL and SQLite implementations of
// core.Dialect.
package dialect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-normalize/core"
	"github.com/uptrace/bun"
	bundialect "github.com/uptrace/bun/dialect"
)

// Resolve picks the implementation matching the bun dialect of db.
func Resolve(db *bun.DB) (core.Dialect, error) {
	if db == nil {
		return nil, fmt.Errorf("dialect: database handle is required")
	}
	switch db.Dialect().Name() {
	case bundialect.PG:
		return NewPostgres(), nil
	case bundialect.SQLite:
		return NewSQLite(), nil
	default:
		return nil, fmt.Errorf("dialect: unsupported database dialect %s", db.Dialect().Name())
	}
}

// ForDriver picks the implementation for a database/sql driver name.
func ForDriver(driver string) (core.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx", "pgx/v5":
		return NewPostgres(), nil
	case "sqlite", "sqlite3":
		return NewSQLite(), nil
	default:
		return nil, fmt.Errorf("dialect: unsupported driver %q", driver)
	}
}

func classifyCommon(err error) (core.ErrorClass, bool) {
	switch {
	case errors.Is(err, core.ErrDependentGone):
		return core.ErrorClassUndefinedTable, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return core.ErrorClassCanceled, true
	default:
		return core.ErrorClassUnknown, false
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func identList(columns []string) string {
	quoted := make([]string, 0, len(columns))
	for _, column := range columns {
		quoted = append(quoted, quoteIdent(column))
	}
	return strings.Join(quoted, ", ")
}

func foreignKeyClause(edge core.DependencyEdge) string {
	clause := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
		identList(edge.Columns), quoteIdent(edge.ReferencedTable), identList(edge.ReferencedColumns))
	if edge.OnDelete != "" {
		clause += " ON DELETE " + edge.OnDelete
	}
	if edge.OnUpdate != "" {
		clause += " ON UPDATE " + edge.OnUpdate
	}
	return clause
}

func splitColumns(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	for idx := range parts {
		parts[idx] = strings.TrimSpace(parts[idx])
	}
	return parts
}

func equalFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if !strings.EqualFold(a[idx], b[idx]) {
			return false
		}
	}
	return true
}
