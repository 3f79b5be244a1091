package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type catalogRow struct {
	bun.BaseModel `bun:"table:services"`

	ID        string         `bun:"id,pk"`
	Name      string         `bun:"name"`
	Category  string         `bun:"category"`
	Provider  string         `bun:"provider"`
	Active    bool           `bun:"is_active"`
	Metadata  map[string]any `bun:"metadata"`
	CreatedAt time.Time      `bun:"created_at"`
}

// SchemaBuilder creates the profile, catalog and junction tables with their
// indexes. Every statement is idempotent.
type SchemaBuilder struct {
	cfg     Config
	dialect Dialect
	obs     observer
	clock   func() time.Time
}

func NewSchemaBuilder(cfg Config, dialect Dialect) *SchemaBuilder {
	return &SchemaBuilder{cfg: cfg, dialect: dialect, clock: func() time.Time { return time.Now().UTC() }}
}

func (b *SchemaBuilder) Build(ctx context.Context, db bun.IDB, pre PreflightResult) (err error) {
	startedAt := time.Now()
	defer func() {
		b.obs.observeStep(ctx, startedAt, "schema_build", err, map[string]any{"mode": string(pre.Mode)})
	}()

	uniqueIndex, err := b.uniqueIndexSQL(pre.Version)
	if err != nil {
		return err
	}
	if pre.Mode == RunModeForward {
		if err := b.createProfile(ctx, db, pre); err != nil {
			return classifyStepError(b.dialect, "create profile table", err)
		}
	}
	if err := b.createCatalog(ctx, db); err != nil {
		return classifyStepError(b.dialect, "create catalog table", err)
	}
	if err := b.createJunction(ctx, db, pre); err != nil {
		return classifyStepError(b.dialect, "create junction table", err)
	}
	if err := b.createIndexes(ctx, db, uniqueIndex); err != nil {
		return classifyStepError(b.dialect, "create junction indexes", err)
	}
	if err := b.SeedCatalog(ctx, db); err != nil {
		return classifyStepError(b.dialect, "seed catalog", err)
	}
	return nil
}

func (b *SchemaBuilder) createProfile(ctx context.Context, db bun.IDB, pre PreflightResult) error {
	pk := b.cfg.Source.PrimaryKey
	defs := make([]string, 0, len(b.cfg.Profile.Columns)+2)
	for _, name := range b.cfg.Profile.Columns {
		column, _ := findColumn(pre.SourceColumns, name)
		def := quoteIdent(name)
		if strings.TrimSpace(column.Type) != "" {
			def += " " + column.Type
		}
		if column.NotNull || strings.EqualFold(name, pk) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+quoteIdent(pk)+")")

	// Engines that bind references by name get the self reference inline,
	// already pointing at the live name the profile takes after the swap.
	if b.dialect.BindsReferencesByName() {
		for _, edge := range ProfileSelfEdges(b.cfg, pre.Edges) {
			defs = append(defs, foreignKeyClause(edge))
		}
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS ? (%s)", strings.Join(defs, ", "))
	_, err := db.NewRaw(query, bun.Ident(b.cfg.Profile.StagingTable)).Exec(ctx)
	return err
}

func (b *SchemaBuilder) createCatalog(ctx context.Context, db bun.IDB) error {
	types := b.dialect.Types()
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ? (
	"id" %[1]s PRIMARY KEY,
	"name" %[1]s NOT NULL,
	"category" %[1]s,
	"provider" %[1]s,
	"is_active" %[2]s NOT NULL DEFAULT TRUE,
	"metadata" %[3]s,
	"created_at" %[4]s NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, types.Text, types.Bool, types.JSON, types.Timestamp)
	_, err := db.NewRaw(query, bun.Ident(b.cfg.Catalog.Table)).Exec(ctx)
	return err
}

func (b *SchemaBuilder) createJunction(ctx context.Context, db bun.IDB, pre PreflightResult) error {
	types := b.dialect.Types()
	ownerType := types.Text
	if column, ok := findColumn(pre.SourceColumns, b.cfg.Source.PrimaryKey); ok && strings.TrimSpace(column.Type) != "" {
		ownerType = column.Type
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ? (
	"id" %[1]s PRIMARY KEY,
	"user_id" %[2]s NOT NULL REFERENCES ? (?) ON DELETE CASCADE,
	"service_id" %[3]s NOT NULL REFERENCES ? ("id"),
	"is_active" %[4]s NOT NULL DEFAULT TRUE,
	"external_id" %[3]s,
	"external_name" %[3]s,
	"access_token" %[3]s,
	"refresh_token" %[3]s,
	"token_expires_at" %[5]s,
	"client_id" %[3]s,
	"client_secret" %[3]s,
	"metadata" %[6]s,
	"created_at" %[5]s NOT NULL DEFAULT CURRENT_TIMESTAMP,
	"updated_at" %[5]s NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, types.UUID, ownerType, types.Text, types.Bool, types.Timestamp, types.JSON)
	_, err := db.NewRaw(query,
		bun.Ident(b.cfg.Integrations.Table),
		bun.Ident(b.profileReference(pre.Mode)),
		bun.Ident(b.cfg.Source.PrimaryKey),
		bun.Ident(b.cfg.Catalog.Table),
	).Exec(ctx)
	return err
}

// profileReference is the table name the junction's owner key points at.
func (b *SchemaBuilder) profileReference(mode RunMode) string {
	if mode == RunModeReconcile || b.dialect.BindsReferencesByName() {
		return b.cfg.Source.Table
	}
	return b.cfg.Profile.StagingTable
}

func (b *SchemaBuilder) createIndexes(ctx context.Context, db bun.IDB, uniqueIndex string) error {
	junction := b.cfg.Integrations.Table
	statements := []struct {
		query string
		name  string
	}{
		{"CREATE INDEX IF NOT EXISTS ? ON ? (\"user_id\", \"service_id\")", "idx_" + junction + "_user_service"},
		{"CREATE INDEX IF NOT EXISTS ? ON ? (\"external_id\") WHERE \"external_id\" IS NOT NULL", "idx_" + junction + "_external_id"},
		{"CREATE INDEX IF NOT EXISTS ? ON ? (\"user_id\", \"service_id\", \"is_active\")", "idx_" + junction + "_user_service_active"},
		{uniqueIndex, "ux_" + junction + "_owner_service_external"},
	}
	for _, stmt := range statements {
		if _, err := db.NewRaw(stmt.query, bun.Ident(stmt.name), bun.Ident(junction)).Exec(ctx); err != nil {
			return fmt.Errorf("%s: %w", stmt.name, err)
		}
	}
	return nil
}

// uniqueIndexSQL renders the uniqueness index for the configured NULL policy.
func (b *SchemaBuilder) uniqueIndexSQL(version EngineVersion) (string, error) {
	switch b.cfg.Integrations.UniqueNulls {
	case UniqueNullsNotDistinct:
		if !b.dialect.SupportsNullsNotDistinct(version) {
			return "", normalizeError(ErrVersionIncompatible,
				fmt.Sprintf("%s does not support NULLS NOT DISTINCT; set integrations.unique_nulls to coalesce_index (NULL identities collide) or distinct (drop the clause and accept that NULL identities never collide)", version),
				nil,
				map[string]any{"unique_nulls": string(b.cfg.Integrations.UniqueNulls), "engine": version.String()},
			)
		}
		return "CREATE UNIQUE INDEX IF NOT EXISTS ? ON ? (\"user_id\", \"service_id\", \"external_id\") NULLS NOT DISTINCT", nil
	case UniqueNullsCoalesceIndex:
		return "CREATE UNIQUE INDEX IF NOT EXISTS ? ON ? (\"user_id\", \"service_id\", COALESCE(\"external_id\", ''))", nil
	default:
		return "CREATE UNIQUE INDEX IF NOT EXISTS ? ON ? (\"user_id\", \"service_id\", \"external_id\")", nil
	}
}

// SeedCatalog inserts the configured service descriptors, leaving existing
// rows untouched.
func (b *SchemaBuilder) SeedCatalog(ctx context.Context, db bun.IDB) error {
	descriptors := b.cfg.ServiceDescriptors()
	if len(descriptors) == 0 {
		return nil
	}
	now := b.clock()
	rows := make([]catalogRow, 0, len(descriptors))
	for _, descriptor := range descriptors {
		rows = append(rows, catalogRow{
			ID:        descriptor.ID,
			Name:      descriptor.Name,
			Category:  descriptor.Category,
			Provider:  descriptor.Provider,
			Active:    descriptor.Active,
			Metadata:  copyAnyMap(descriptor.Metadata),
			CreatedAt: now,
		})
	}
	_, err := db.NewInsert().
		Model(&rows).
		ModelTableExpr("?", bun.Ident(b.cfg.Catalog.Table)).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}

// ProfileSelfEdges returns the self references of the source table that the
// profile can carry, retargeted at the live name.
func ProfileSelfEdges(cfg Config, edges []DependencyEdge) []DependencyEdge {
	var out []DependencyEdge
	for _, edge := range edges {
		if !edge.SelfReferential() {
			continue
		}
		if !allContainedFold(cfg.Profile.Columns, edge.Columns) || !allContainedFold(cfg.Profile.Columns, edge.ReferencedColumns) {
			continue
		}
		edge.Table = cfg.Source.Table
		edge.ReferencedTable = cfg.Source.Table
		out = append(out, edge)
	}
	return out
}

func allContainedFold(haystack, needles []string) bool {
	for _, needle := range needles {
		if !containsFold(haystack, needle) {
			return false
		}
	}
	return true
}

func foreignKeyClause(edge DependencyEdge) string {
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
