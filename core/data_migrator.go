package core

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	ownerAlias        = "__owner"
	externalIDAlias   = "__external_id"
	externalNameAlias = "__external_name"
)

type integrationRow struct {
	bun.BaseModel `bun:"table:user_integrations"`

	ID             string         `bun:"id,pk"`
	UserID         any            `bun:"user_id"`
	ServiceID      string         `bun:"service_id"`
	Active         bool           `bun:"is_active"`
	ExternalID     *string        `bun:"external_id"`
	ExternalName   *string        `bun:"external_name"`
	AccessToken    *string        `bun:"access_token"`
	RefreshToken   *string        `bun:"refresh_token"`
	TokenExpiresAt *time.Time     `bun:"token_expires_at"`
	ClientID       *string        `bun:"client_id"`
	ClientSecret   *string        `bun:"client_secret"`
	Metadata       map[string]any `bun:"metadata"`
	CreatedAt      time.Time      `bun:"created_at"`
	UpdatedAt      time.Time      `bun:"updated_at"`
}

// DataMigrator copies profiles and projects each mapping into junction rows
// with first-writer-wins semantics.
type DataMigrator struct {
	cfg     Config
	dialect Dialect
	obs     observer
	clock   func() time.Time
	ids     func() string
}

func NewDataMigrator(cfg Config, dialect Dialect) *DataMigrator {
	return &DataMigrator{
		cfg:     cfg,
		dialect: dialect,
		clock:   func() time.Time { return time.Now().UTC() },
		ids:     uuid.NewString,
	}
}

// MigrateProfiles copies the profile columns of every source row into the
// staging table and returns the number of rows inserted.
func (m *DataMigrator) MigrateProfiles(ctx context.Context, db bun.IDB, source, staging string) (inserted int, err error) {
	startedAt := time.Now()
	defer func() {
		m.obs.observeStep(ctx, startedAt, "migrate_profiles", err, map[string]any{"inserted": inserted})
	}()

	columns := identList(m.cfg.Profile.Columns)
	res, err := db.NewRaw(
		"INSERT INTO ? (?) SELECT ? FROM ? WHERE 1=1 ON CONFLICT DO NOTHING",
		bun.Ident(staging), columns, columns, bun.Ident(source),
	).Exec(ctx)
	if err != nil {
		return 0, classifyStepError(m.dialect, "migrate profiles", err)
	}
	return m.rowsAffected(res, "count migrated profiles")
}

// MigrateMapping projects the rows of source matching the mapping's inclusion
// predicate into the junction and returns the number of rows inserted.
func (m *DataMigrator) MigrateMapping(ctx context.Context, db bun.IDB, source string, mapping EntityMapping) (inserted int, err error) {
	startedAt := time.Now()
	skipped := 0
	defer func() {
		m.obs.observeStep(ctx, startedAt, "migrate_mapping", err, map[string]any{
			"service_id": mapping.ServiceID,
			"inserted":   inserted,
			"skipped":    skipped,
		})
	}()

	existing, err := m.existingTriples(ctx, db, mapping.ServiceID)
	if err != nil {
		return 0, classifyStepError(m.dialect, "read existing integrations", err)
	}

	var after any
	for {
		rows, err := m.selectPage(ctx, db, source, mapping, after)
		if err != nil {
			return inserted, classifyStepError(m.dialect, fmt.Sprintf("select %s rows", mapping.ServiceID), err)
		}
		if len(rows) == 0 {
			break
		}
		after = normalizeScanned(rows[len(rows)-1][ownerAlias])

		batch := make([]integrationRow, 0, len(rows))
		for _, row := range rows {
			record, err := m.project(mapping, row)
			if err != nil {
				return inserted, err
			}
			key := tripleKey(record.UserID, record.ExternalID)
			if _, ok := existing[key]; ok {
				skipped++
				continue
			}
			existing[key] = struct{}{}
			batch = append(batch, record)
		}
		if len(batch) > 0 {
			res, err := db.NewInsert().
				Model(&batch).
				ModelTableExpr("?", bun.Ident(m.cfg.Integrations.Table)).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			if err != nil {
				return inserted, classifyStepError(m.dialect, fmt.Sprintf("insert %s integrations", mapping.ServiceID), err)
			}
			affected, err := m.rowsAffected(res, fmt.Sprintf("count inserted %s integrations", mapping.ServiceID))
			if err != nil {
				return inserted, err
			}
			inserted += affected
			skipped += len(batch) - affected
		}
		if len(rows) < m.cfg.batchSize() {
			break
		}
	}
	return inserted, nil
}

func (m *DataMigrator) selectPage(ctx context.Context, db bun.IDB, source string, mapping EntityMapping, after any) ([]map[string]any, error) {
	pk := m.cfg.Source.PrimaryKey
	where := inclusionPredicate(mapping, m.cfg.Policy.MigrateTransientOnly)
	if after != nil {
		where = where.and(predicate{sql: "? > ?", args: []any{bun.Ident(pk), after}})
	}

	args := []any{bun.Ident(pk), bun.Ident(ownerAlias)}
	selects := []string{"? AS ?"}
	for _, expr := range []struct {
		source string
		alias  string
	}{
		{mapping.ExternalIdentity, externalIDAlias},
		{mapping.ExternalName, externalNameAlias},
	} {
		if expr.source == "" {
			selects = append(selects, "NULL AS ?")
			args = append(args, bun.Ident(expr.alias))
			continue
		}
		selects = append(selects, "(?) AS ?")
		args = append(args, bun.Safe(expr.source), bun.Ident(expr.alias))
	}
	for _, column := range mapping.Columns() {
		selects = append(selects, "?")
		args = append(args, bun.Ident(column))
	}
	args = append(args, bun.Ident(source))
	args = append(args, where.args...)
	args = append(args, bun.Ident(pk), m.cfg.batchSize())

	query := "SELECT " + strings.Join(selects, ", ") + " FROM ? WHERE " + where.sql + " ORDER BY ? LIMIT ?"
	var rows []map[string]any
	if err := db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (m *DataMigrator) project(mapping EntityMapping, row map[string]any) (integrationRow, error) {
	now := m.clock()
	record := integrationRow{
		ID:           m.ids(),
		UserID:       normalizeScanned(row[ownerAlias]),
		ServiceID:    mapping.ServiceID,
		Active:       true,
		ExternalID:   nullableString(row[externalIDAlias]),
		ExternalName: nullableString(row[externalNameAlias]),
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for field, column := range mapping.Fields {
		value := lookupColumn(row, column)
		switch field {
		case FieldAccessToken:
			record.AccessToken = nullableString(value)
		case FieldRefreshToken:
			record.RefreshToken = nullableString(value)
		case FieldClientID:
			record.ClientID = nullableString(value)
		case FieldClientSecret:
			record.ClientSecret = nullableString(value)
		case FieldTokenExpiresAt:
			expiresAt, err := nullableTime(value)
			if err != nil {
				return record, normalizeError(ErrConstraintViolation,
					fmt.Sprintf("%s: column %q holds an unreadable expiry for owner %v", mapping.ServiceID, column, record.UserID),
					err,
					map[string]any{"service_id": mapping.ServiceID, "column": column},
				)
			}
			record.TokenExpiresAt = expiresAt
		}
	}
	for key, column := range mapping.Extras {
		if value := normalizeScanned(lookupColumn(row, column)); value != nil {
			if ts, ok := value.(time.Time); ok {
				value = ts.UTC().Format(time.RFC3339Nano)
			}
			record.Metadata[key] = value
		}
	}
	return record, nil
}

// existingTriples pre-reads the junction rows already present for the
// service so re-runs skip them even when NULL identities do not collide.
func (m *DataMigrator) existingTriples(ctx context.Context, db bun.IDB, serviceID string) (map[string]struct{}, error) {
	var rows []map[string]any
	err := db.NewRaw(
		"SELECT \"user_id\", \"external_id\" FROM ? WHERE \"service_id\" = ?",
		bun.Ident(m.cfg.Integrations.Table), serviceID,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		out[tripleKey(normalizeScanned(row["user_id"]), nullableString(row["external_id"]))] = struct{}{}
	}
	return out, nil
}

func tripleKey(owner any, externalID *string) string {
	ext := "\x00null"
	if externalID != nil {
		ext = "=" + *externalID
	}
	return fmt.Sprint(owner) + "\x1f" + ext
}

func lookupColumn(row map[string]any, column string) any {
	if value, ok := row[column]; ok {
		return value
	}
	for key, value := range row {
		if strings.EqualFold(key, column) {
			return value
		}
	}
	return nil
}

func normalizeScanned(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	default:
		return typed
	}
}

func nullableString(value any) *string {
	switch typed := normalizeScanned(value).(type) {
	case nil:
		return nil
	case string:
		return &typed
	case time.Time:
		formatted := typed.UTC().Format(time.RFC3339Nano)
		return &formatted
	default:
		formatted := fmt.Sprint(typed)
		return &formatted
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func nullableTime(value any) (*time.Time, error) {
	switch typed := normalizeScanned(value).(type) {
	case nil:
		return nil, nil
	case time.Time:
		utc := typed.UTC()
		return &utc, nil
	case int64:
		ts := time.Unix(typed, 0).UTC()
		return &ts, nil
	case float64:
		ts := time.Unix(int64(typed), 0).UTC()
		return &ts, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			ts := time.Unix(seconds, 0).UTC()
			return &ts, nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				utc := parsed.UTC()
				return &utc, nil
			}
		}
		return nil, fmt.Errorf("unrecognised timestamp %q", trimmed)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", typed)
	}
}

// rowsAffected fails the step when the driver cannot report a count.
func (m *DataMigrator) rowsAffected(res sql.Result, step string) (int, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classifyStepError(m.dialect, step, err)
	}
	return int(affected), nil
}
