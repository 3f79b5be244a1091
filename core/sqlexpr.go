package core

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/uptrace/bun"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// IsIdentifier reports whether name is a plain, unquoted SQL identifier.
// Every table and column name that reaches generated SQL passes through it.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// predicate is a SQL boolean fragment with bun placeholders and their args.
type predicate struct {
	sql  string
	args []any
}

var (
	truePredicate  = predicate{sql: "1=1"}
	falsePredicate = predicate{sql: "1=0"}
)

func anyNotNull(columns []string) predicate {
	return joinColumns(columns, " OR ", "? IS NOT NULL", falsePredicate)
}

func allNotNull(columns []string) predicate {
	return joinColumns(columns, " AND ", "? IS NOT NULL", truePredicate)
}

func joinColumns(columns []string, sep, each string, empty predicate) predicate {
	if len(columns) == 0 {
		return empty
	}
	parts := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, column := range columns {
		parts = append(parts, each)
		args = append(args, bun.Ident(column))
	}
	return predicate{sql: "(" + strings.Join(parts, sep) + ")", args: args}
}

func rawPredicate(expr string) predicate {
	if strings.TrimSpace(expr) == "" {
		return truePredicate
	}
	return predicate{sql: "(?)", args: []any{bun.Safe(expr)}}
}

func (p predicate) and(other predicate) predicate {
	return predicate{sql: "(" + p.sql + " AND " + other.sql + ")", args: concatArgs(p.args, other.args)}
}

func (p predicate) or(other predicate) predicate {
	return predicate{sql: "(" + p.sql + " OR " + other.sql + ")", args: concatArgs(p.args, other.args)}
}

func (p predicate) not() predicate {
	return predicate{sql: "(NOT " + p.sql + ")", args: slices.Clone(p.args)}
}

func concatArgs(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// durablePredicate matches rows holding at least one durable credential.
func durablePredicate(m EntityMapping) predicate {
	return anyNotNull(m.CredentialColumns).and(rawPredicate(m.Filter))
}

// transientOnlyPredicate matches rows holding only a transient authorization
// artifact and no durable credential.
func transientOnlyPredicate(m EntityMapping) predicate {
	if len(m.TransientColumns) == 0 {
		return falsePredicate
	}
	return anyNotNull(m.CredentialColumns).not().
		and(anyNotNull(m.TransientColumns)).
		and(rawPredicate(m.Filter))
}

// partialPredicate matches rows satisfying some but not all of the durable
// credential columns, plus transient-only rows.
func partialPredicate(m EntityMapping) predicate {
	some := anyNotNull(m.CredentialColumns).and(allNotNull(m.CredentialColumns).not()).and(rawPredicate(m.Filter))
	return some.or(transientOnlyPredicate(m))
}

// inclusionPredicate selects the rows that produce an integration.
func inclusionPredicate(m EntityMapping, migrateTransientOnly bool) predicate {
	if migrateTransientOnly {
		return durablePredicate(m).or(transientOnlyPredicate(m))
	}
	return durablePredicate(m)
}

func identList(columns []string) bun.Safe {
	quoted := make([]string, 0, len(columns))
	for _, column := range columns {
		quoted = append(quoted, quoteIdent(column))
	}
	return bun.Safe(strings.Join(quoted, ", "))
}

// quoteIdent double-quotes an already validated identifier. Both supported
// engines accept ANSI quoting.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedKeys[V any](in map[string]V) []string {
	return slices.Sorted(maps.Keys(in))
}

func dedupeStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func dedupeFold(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, value := range values {
		lowered = append(lowered, strings.ToLower(value))
	}
	return dedupeStrings(lowered)
}

func containsFold(values []string, target string) bool {
	return slices.ContainsFunc(values, func(value string) bool {
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(target))
	})
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func trimMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

func countWhere(ctx context.Context, db bun.IDB, table string, where predicate) (int, error) {
	args := append([]any{bun.Ident(table)}, where.args...)
	var count int
	if err := db.NewRaw("SELECT COUNT(*) FROM ? WHERE "+where.sql, args...).Scan(ctx, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func renameTable(ctx context.Context, db bun.IDB, from, to string) error {
	_, err := db.NewRaw("ALTER TABLE ? RENAME TO ?", bun.Ident(from), bun.Ident(to)).Exec(ctx)
	return err
}

func dropTable(ctx context.Context, db bun.IDB, table string) error {
	_, err := db.NewRaw("DROP TABLE IF EXISTS ?", bun.Ident(table)).Exec(ctx)
	return err
}
