package dialect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-normalize/core"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
	sqlstateNotNullViolation    = "23502"
	sqlstateCheckViolation      = "23514"
	sqlstateUndefinedTable      = "42P01"
	sqlstateUndefinedObject     = "42704"
	sqlstateFeatureNotSupported = "0A000"
	sqlstateSyntaxError         = "42601"
	sqlstateLockNotAvailable    = "55P03"
	sqlstateQueryCanceled       = "57014"
)

// Postgres implements core.Dialect for PostgreSQL through lib/pq or pgx.
type Postgres struct{}

func NewPostgres() Postgres {
	return Postgres{}
}

func (Postgres) Name() string {
	return "postgres"
}

func (Postgres) Version(ctx context.Context, db bun.IDB) (core.EngineVersion, error) {
	var raw string
	if err := db.NewRaw("SHOW server_version_num").Scan(ctx, &raw); err != nil {
		return core.EngineVersion{}, err
	}
	num, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return core.EngineVersion{}, fmt.Errorf("dialect: parse server_version_num %q: %w", raw, err)
	}
	return postgresVersion(num), nil
}

// postgresVersion decodes server_version_num (major*10000 + minor since 10).
func postgresVersion(num int) core.EngineVersion {
	version := core.EngineVersion{Name: "postgres"}
	if num >= 100000 {
		version.Major = num / 10000
		version.Minor = num % 10000
	} else {
		version.Major = num / 10000
		version.Minor = (num / 100) % 100
		version.Patch = num % 100
	}
	version.Raw = fmt.Sprintf("%d.%d", version.Major, version.Minor)
	return version
}

func (Postgres) MinimumVersion() core.EngineVersion {
	return core.EngineVersion{Name: "postgres", Major: 12}
}

func (Postgres) SupportsNullsNotDistinct(version core.EngineVersion) bool {
	return version.AtLeast(15, 0, 0)
}

func (Postgres) BindsReferencesByName() bool {
	return false
}

func (Postgres) Types() core.ColumnTypes {
	return core.ColumnTypes{
		UUID:      "UUID",
		Text:      "TEXT",
		Bool:      "BOOLEAN",
		JSON:      "JSONB",
		Timestamp: "TIMESTAMPTZ",
	}
}

func (Postgres) NullSafeEqual(left, right string) string {
	return left + " IS NOT DISTINCT FROM " + right
}

func (Postgres) TableExists(ctx context.Context, db bun.IDB, table string) (bool, error) {
	var exists bool
	if err := db.NewRaw("SELECT to_regclass(?) IS NOT NULL", quoteIdent(table)).Scan(ctx, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

type pgColumnRow struct {
	Name    string `bun:"name"`
	Type    string `bun:"type"`
	NotNull bool   `bun:"not_null"`
	Primary bool   `bun:"is_primary"`
}

func (Postgres) Columns(ctx context.Context, db bun.IDB, table string) ([]core.ColumnInfo, error) {
	var rows []pgColumnRow
	err := db.NewRaw(`SELECT a.attname AS name,
	format_type(a.atttypid, a.atttypmod) AS type,
	a.attnotnull AS not_null,
	COALESCE(i.indisprimary, false) AS is_primary
FROM pg_attribute a
LEFT JOIN pg_index i ON i.indrelid = a.attrelid AND i.indisprimary AND a.attnum = ANY(i.indkey)
WHERE a.attrelid = to_regclass(?) AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`, quoteIdent(table)).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]core.ColumnInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, core.ColumnInfo{
			Name:       row.Name,
			Type:       row.Type,
			NotNull:    row.NotNull,
			PrimaryKey: row.Primary,
		})
	}
	return out, nil
}

type pgForeignKeyRow struct {
	Name              string `bun:"name"`
	Dependent         string `bun:"dependent"`
	Columns           string `bun:"columns"`
	ReferencedColumns string `bun:"referenced_columns"`
	OnDelete          string `bun:"on_delete"`
	OnUpdate          string `bun:"on_update"`
}

func (Postgres) ForeignKeys(ctx context.Context, db bun.IDB, table string) ([]core.DependencyEdge, error) {
	var rows []pgForeignKeyRow
	err := db.NewRaw(`SELECT c.conname AS name,
	cl.relname AS dependent,
	array_to_string(ARRAY(
		SELECT a.attname FROM unnest(c.conkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = k.attnum
		ORDER BY k.ord), ',') AS columns,
	array_to_string(ARRAY(
		SELECT a.attname FROM unnest(c.confkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = c.confrelid AND a.attnum = k.attnum
		ORDER BY k.ord), ',') AS referenced_columns,
	c.confdeltype::text AS on_delete,
	c.confupdtype::text AS on_update
FROM pg_constraint c
JOIN pg_class cl ON cl.oid = c.conrelid
WHERE c.contype = 'f' AND c.confrelid = to_regclass(?)
ORDER BY cl.relname, c.conname`, quoteIdent(table)).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]core.DependencyEdge, 0, len(rows))
	for _, row := range rows {
		out = append(out, core.DependencyEdge{
			Name:              row.Name,
			Table:             row.Dependent,
			Columns:           splitColumns(row.Columns),
			ReferencedTable:   table,
			ReferencedColumns: splitColumns(row.ReferencedColumns),
			OnDelete:          postgresAction(row.OnDelete),
			OnUpdate:          postgresAction(row.OnUpdate),
			Origin:            core.EdgeOriginDiscovered,
		})
	}
	return out, nil
}

// postgresAction decodes pg_constraint.confdeltype/confupdtype. NO ACTION is
// the engine default and maps to "".
func postgresAction(code string) string {
	switch strings.TrimSpace(code) {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return ""
	}
}

// PrepareSession is a no-op: PostgreSQL binds references by object identity,
// so renames inside the transaction never retarget constraints.
func (Postgres) PrepareSession(context.Context, bun.Conn) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func (Postgres) LockTable(ctx context.Context, tx bun.Tx, table string, timeouts core.SessionTimeouts) error {
	settings := []struct {
		name  string
		value int64
	}{
		{"lock_timeout", timeouts.Lock.Milliseconds()},
		{"statement_timeout", timeouts.Statement.Milliseconds()},
		{"idle_in_transaction_session_timeout", timeouts.Idle.Milliseconds()},
	}
	for _, setting := range settings {
		if setting.value <= 0 {
			continue
		}
		if _, err := tx.NewRaw("SET LOCAL "+setting.name+" = ?", setting.value).Exec(ctx); err != nil {
			return fmt.Errorf("set %s: %w", setting.name, err)
		}
	}
	_, err := tx.NewRaw("LOCK TABLE ONLY ? IN ACCESS EXCLUSIVE MODE", bun.Ident(table)).Exec(ctx)
	return err
}

func (Postgres) DropForeignKey(ctx context.Context, db bun.IDB, edge core.DependencyEdge) error {
	_, err := db.NewRaw("ALTER TABLE ? DROP CONSTRAINT IF EXISTS ?", bun.Ident(edge.Table), bun.Ident(edge.Name)).Exec(ctx)
	return err
}

func (Postgres) AddForeignKey(ctx context.Context, db bun.IDB, edge core.DependencyEdge) error {
	_, err := db.NewRaw("ALTER TABLE ? ADD CONSTRAINT ? "+foreignKeyClause(edge), bun.Ident(edge.Table), bun.Ident(edge.Name)).Exec(ctx)
	return err
}

func (Postgres) Classify(err error) core.ErrorClass {
	if err == nil {
		return core.ErrorClassUnknown
	}
	if class, ok := classifyCommon(err); ok {
		return class
	}
	code, message := postgresSQLState(err)
	if code == sqlstateSyntaxError {
		// Servers before 15 reject NULLS NOT DISTINCT as a syntax error.
		if strings.Contains(strings.ToUpper(message), "NULLS") {
			return core.ErrorClassFeatureNotSupported
		}
		return core.ErrorClassUnknown
	}
	return classifySQLState(code)
}

func postgresSQLState(err error) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Message
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message
	}
	return "", ""
}

func classifySQLState(code string) core.ErrorClass {
	switch code {
	case sqlstateUniqueViolation:
		return core.ErrorClassUniqueViolation
	case sqlstateForeignKeyViolation:
		return core.ErrorClassForeignKeyViolation
	case sqlstateNotNullViolation:
		return core.ErrorClassNotNullViolation
	case sqlstateCheckViolation:
		return core.ErrorClassCheckViolation
	case sqlstateUndefinedTable:
		return core.ErrorClassUndefinedTable
	case sqlstateUndefinedObject:
		return core.ErrorClassUndefinedObject
	case sqlstateFeatureNotSupported:
		return core.ErrorClassFeatureNotSupported
	case sqlstateLockNotAvailable:
		return core.ErrorClassLockTimeout
	case sqlstateQueryCanceled:
		return core.ErrorClassCanceled
	default:
		return core.ErrorClassUnknown
	}
}
