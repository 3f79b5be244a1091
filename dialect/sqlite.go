package dialect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goliatone/go-normalize/core"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
)

// ErrForeignKeyViolation reports rows of a dependent that reference keys
// missing from the parent, as found by PRAGMA foreign_key_check.
var ErrForeignKeyViolation = errors.New("dialect: foreign key check found violations")

// SQLite implements core.Dialect for mattn/go-sqlite3.
//
// SQLite resolves REFERENCES clauses by table name and cannot add a
// constraint to an existing table. The session therefore runs with
// foreign_keys=OFF and legacy_alter_table=ON so renames leave every
// reference textual, and re-attaching a dependent means verifying that it
// names the live table and that its rows still resolve.
//
// Readers are only kept out when the transaction starts with BEGIN
// EXCLUSIVE. mattn/go-sqlite3 takes that from the DSN, so open the pool
// with ExclusiveDSN.
type SQLite struct{}

// ExclusiveDSN sets _txlock=exclusive on a go-sqlite3 DSN, replacing any
// other transaction lock mode.
func ExclusiveDSN(dsn string) (string, error) {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("parse sqlite dsn parameters: %w", err)
	}
	params.Set("_txlock", "exclusive")
	return base + "?" + params.Encode(), nil
}

// IsExclusiveDSN reports whether transactions opened through dsn begin
// with BEGIN EXCLUSIVE.
func IsExclusiveDSN(dsn string) bool {
	_, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	return err == nil && strings.EqualFold(params.Get("_txlock"), "exclusive")
}

func NewSQLite() SQLite {
	return SQLite{}
}

func (SQLite) Name() string {
	return "sqlite"
}

func (SQLite) Version(ctx context.Context, db bun.IDB) (core.EngineVersion, error) {
	var raw string
	if err := db.NewRaw("SELECT sqlite_version()").Scan(ctx, &raw); err != nil {
		return core.EngineVersion{}, err
	}
	return parseSQLiteVersion(raw)
}

func parseSQLiteVersion(raw string) (core.EngineVersion, error) {
	version := core.EngineVersion{Name: "sqlite", Raw: strings.TrimSpace(raw)}
	parts := strings.Split(version.Raw, ".")
	if len(parts) < 2 {
		return version, fmt.Errorf("dialect: unrecognised sqlite version %q", raw)
	}
	targets := []*int{&version.Major, &version.Minor, &version.Patch}
	for idx, part := range parts {
		if idx >= len(targets) {
			break
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return version, fmt.Errorf("dialect: unrecognised sqlite version %q: %w", raw, err)
		}
		*targets[idx] = value
	}
	return version, nil
}

// MinimumVersion is the first release with legacy_alter_table and upsert.
func (SQLite) MinimumVersion() core.EngineVersion {
	return core.EngineVersion{Name: "sqlite", Major: 3, Minor: 26}
}

func (SQLite) SupportsNullsNotDistinct(core.EngineVersion) bool {
	return false
}

func (SQLite) BindsReferencesByName() bool {
	return true
}

func (SQLite) Types() core.ColumnTypes {
	return core.ColumnTypes{
		UUID:      "TEXT",
		Text:      "TEXT",
		Bool:      "BOOLEAN",
		JSON:      "TEXT",
		Timestamp: "TIMESTAMP",
	}
}

func (SQLite) NullSafeEqual(left, right string) string {
	return left + " IS " + right
}

func (SQLite) TableExists(ctx context.Context, db bun.IDB, table string) (bool, error) {
	var count int
	err := db.NewRaw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE",
		table,
	).Scan(ctx, &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type sqliteColumnRow struct {
	Name    string `bun:"name"`
	Type    string `bun:"type"`
	NotNull int    `bun:"not_null"`
	PK      int    `bun:"pk"`
}

func (SQLite) Columns(ctx context.Context, db bun.IDB, table string) ([]core.ColumnInfo, error) {
	var rows []sqliteColumnRow
	err := db.NewRaw(
		"SELECT name, type, \"notnull\" AS not_null, pk FROM pragma_table_info(?) ORDER BY cid",
		table,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]core.ColumnInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, core.ColumnInfo{
			Name:       row.Name,
			Type:       row.Type,
			NotNull:    row.NotNull != 0,
			PrimaryKey: row.PK > 0,
		})
	}
	return out, nil
}

type sqliteForeignKeyRow struct {
	Dependent string  `bun:"dependent"`
	ID        int     `bun:"id"`
	Seq       int     `bun:"seq"`
	Parent    string  `bun:"parent"`
	From      string  `bun:"from_column"`
	To        *string `bun:"to_column"`
	OnDelete  string  `bun:"on_delete"`
	OnUpdate  string  `bun:"on_update"`
}

func (d SQLite) ForeignKeys(ctx context.Context, db bun.IDB, table string) ([]core.DependencyEdge, error) {
	var rows []sqliteForeignKeyRow
	err := db.NewRaw(`SELECT m.name AS dependent, f.id AS id, f.seq AS seq, f."table" AS parent,
	f."from" AS from_column, f."to" AS to_column, f.on_delete AS on_delete, f.on_update AS on_update
FROM sqlite_master AS m
JOIN pragma_foreign_key_list(m.name) AS f
WHERE m.type = 'table' AND f."table" = ? COLLATE NOCASE
ORDER BY m.name, f.id, f.seq`, table).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	var primaryKey []string
	for _, row := range rows {
		if row.To == nil {
			if primaryKey, err = d.primaryKey(ctx, db, table); err != nil {
				return nil, err
			}
			break
		}
	}
	return groupSQLiteForeignKeys(rows, table, primaryKey), nil
}

// groupSQLiteForeignKeys folds the per-column rows of pragma_foreign_key_list
// into one edge per (dependent, id). SQLite does not keep constraint names.
func groupSQLiteForeignKeys(rows []sqliteForeignKeyRow, table string, primaryKey []string) []core.DependencyEdge {
	var out []core.DependencyEdge
	index := map[string]int{}
	for _, row := range rows {
		key := strings.ToLower(row.Dependent) + "#" + strconv.Itoa(row.ID)
		idx, ok := index[key]
		if !ok {
			idx = len(out)
			index[key] = idx
			out = append(out, core.DependencyEdge{
				Table:           row.Dependent,
				ReferencedTable: table,
				OnDelete:        sqliteAction(row.OnDelete),
				OnUpdate:        sqliteAction(row.OnUpdate),
				Origin:          core.EdgeOriginDiscovered,
			})
		}
		out[idx].Columns = append(out[idx].Columns, row.From)
		switch {
		case row.To != nil:
			out[idx].ReferencedColumns = append(out[idx].ReferencedColumns, *row.To)
		case row.Seq < len(primaryKey):
			out[idx].ReferencedColumns = append(out[idx].ReferencedColumns, primaryKey[row.Seq])
		}
	}
	for idx := range out {
		out[idx].Name = "fk_" + strings.ToLower(out[idx].Table) + "_" + strings.ToLower(strings.Join(out[idx].Columns, "_"))
	}
	return out
}

func sqliteAction(action string) string {
	normalized := strings.ToUpper(strings.TrimSpace(action))
	if normalized == "NO ACTION" {
		return ""
	}
	return normalized
}

func (SQLite) primaryKey(ctx context.Context, db bun.IDB, table string) ([]string, error) {
	var columns []string
	err := db.NewRaw("SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table).Scan(ctx, &columns)
	return columns, err
}

// PrepareSession switches the pinned connection to textual references for
// the duration of the run and restores the previous settings on release.
// Both pragmas are no-ops inside a transaction, so this must run before
// BEGIN.
func (SQLite) PrepareSession(ctx context.Context, conn bun.Conn) (func(context.Context) error, error) {
	var foreignKeys, legacyAlter int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return nil, fmt.Errorf("read foreign_keys: %w", err)
	}
	if err := conn.QueryRowContext(ctx, "PRAGMA legacy_alter_table").Scan(&legacyAlter); err != nil {
		return nil, fmt.Errorf("read legacy_alter_table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return nil, fmt.Errorf("disable foreign_keys: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA legacy_alter_table = ON"); err != nil {
		_, _ = conn.ExecContext(ctx, "PRAGMA foreign_keys = "+strconv.Itoa(foreignKeys))
		return nil, fmt.Errorf("enable legacy_alter_table: %w", err)
	}
	return func(ctx context.Context) error {
		var errs error
		if _, err := conn.ExecContext(ctx, "PRAGMA legacy_alter_table = "+strconv.Itoa(legacyAlter)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("restore legacy_alter_table: %w", err))
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = "+strconv.Itoa(foreignKeys)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("restore foreign_keys: %w", err))
		}
		return errs
	}, nil
}

// LockTable sets the busy timeout and touches table with an empty delete.
// Under BEGIN EXCLUSIVE the database lock is already held; under a deferred
// BEGIN this only reserves the write lock and readers still get through.
func (SQLite) LockTable(ctx context.Context, tx bun.Tx, table string, timeouts core.SessionTimeouts) error {
	if busy := timeouts.Lock.Milliseconds(); busy > 0 {
		if _, err := tx.ExecContext(ctx, "PRAGMA busy_timeout = "+strconv.FormatInt(busy, 10)); err != nil {
			return fmt.Errorf("set busy_timeout: %w", err)
		}
	}
	_, err := tx.NewRaw("DELETE FROM ? WHERE 1 = 0", bun.Ident(table)).Exec(ctx)
	return err
}

// DropForeignKey detaches nothing: the reference stays textual while the
// session runs with legacy_alter_table.
func (d SQLite) DropForeignKey(ctx context.Context, db bun.IDB, edge core.DependencyEdge) error {
	exists, err := d.TableExists(ctx, db, edge.Table)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrDependentGone
	}
	return nil
}

type sqliteViolationRow struct {
	Table  string `bun:"table"`
	RowID  *int64 `bun:"rowid"`
	Parent string `bun:"parent"`
	FKID   int    `bun:"fkid"`
}

// AddForeignKey verifies that the dependent still declares the reference
// against edge.ReferencedTable and that every row resolves.
func (d SQLite) AddForeignKey(ctx context.Context, db bun.IDB, edge core.DependencyEdge) error {
	exists, err := d.TableExists(ctx, db, edge.Table)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrDependentGone
	}

	var rows []sqliteForeignKeyRow
	err = db.NewRaw(`SELECT ? AS dependent, f.id AS id, f.seq AS seq, f."table" AS parent,
	f."from" AS from_column, f."to" AS to_column, f.on_delete AS on_delete, f.on_update AS on_update
FROM pragma_foreign_key_list(?) AS f
ORDER BY f.id, f.seq`, edge.Table, edge.Table).Scan(ctx, &rows)
	if err != nil {
		return err
	}
	id, parent, found := matchSQLiteForeignKey(rows, edge.Columns)
	if !found {
		return fmt.Errorf("dialect: %s declares no foreign key on (%s); sqlite cannot add one to an existing table",
			edge.Table, strings.Join(edge.Columns, ","))
	}
	if !strings.EqualFold(parent, edge.ReferencedTable) {
		return fmt.Errorf("dialect: %s(%s) references %s, expected %s",
			edge.Table, strings.Join(edge.Columns, ","), parent, edge.ReferencedTable)
	}

	var violations []sqliteViolationRow
	if err := db.NewRaw("PRAGMA foreign_key_check(?)", bun.Ident(edge.Table)).Scan(ctx, &violations); err != nil {
		return err
	}
	count := 0
	for _, violation := range violations {
		if violation.FKID == id {
			count++
		}
	}
	if count > 0 {
		return fmt.Errorf("%w: %d row(s) of %s reference missing %s rows", ErrForeignKeyViolation, count, edge.Table, edge.ReferencedTable)
	}
	return nil
}

func matchSQLiteForeignKey(rows []sqliteForeignKeyRow, columns []string) (int, string, bool) {
	grouped := map[int][]string{}
	parents := map[int]string{}
	order := []int{}
	for _, row := range rows {
		if _, ok := grouped[row.ID]; !ok {
			order = append(order, row.ID)
		}
		grouped[row.ID] = append(grouped[row.ID], row.From)
		parents[row.ID] = row.Parent
	}
	for _, id := range order {
		if equalFold(grouped[id], columns) {
			return id, parents[id], true
		}
	}
	return 0, "", false
}

func (SQLite) Classify(err error) core.ErrorClass {
	if err == nil {
		return core.ErrorClassUnknown
	}
	if class, ok := classifyCommon(err); ok {
		return class
	}
	if errors.Is(err, ErrForeignKeyViolation) {
		return core.ErrorClassForeignKeyViolation
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return core.ErrorClassUniqueViolation
		case sqlite3.ErrConstraintForeignKey:
			return core.ErrorClassForeignKeyViolation
		case sqlite3.ErrConstraintNotNull:
			return core.ErrorClassNotNullViolation
		case sqlite3.ErrConstraintCheck:
			return core.ErrorClassCheckViolation
		}
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return core.ErrorClassLockTimeout
		case sqlite3.ErrInterrupt:
			return core.ErrorClassCanceled
		}
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "no such table"):
		return core.ErrorClassUndefinedTable
	case strings.Contains(message, `near "nulls"`):
		return core.ErrorClassFeatureNotSupported
	}
	return core.ErrorClassUnknown
}
