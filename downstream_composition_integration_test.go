package normalize_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	normalize "github.com/goliatone/go-normalize"
	normalizecommand "github.com/goliatone/go-normalize/command"
	"github.com/goliatone/go-normalize/core"
	normalizemigrations "github.com/goliatone/go-normalize/migrations"
	normalizequery "github.com/goliatone/go-normalize/query"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func TestNew_RequiresExclusiveSQLiteTransactions(t *testing.T) {
	db := newComposedSQLiteDB(t)

	cfg := normalize.DefaultConfig()
	cfg.Database.DSN = "file:app.db?_fk=1"
	if _, err := normalize.New(db, cfg); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for deferred sqlite transactions, got %v", err)
	}

	cfg.Database.DSN = "file:app.db?_fk=1&_txlock=exclusive"
	if _, err := normalize.New(db, cfg); err != nil {
		t.Fatalf("new service with exclusive dsn: %v", err)
	}
}

func TestDownstreamComposition_MigrateQueryAndRollback(t *testing.T) {
	ctx := context.Background()
	db := newComposedSQLiteDB(t)
	seedWideUsers(t, db)

	hooks := normalize.NewExtensionHooks()
	if err := normalize.RegisterPresets(hooks, normalize.GmailPreset(), normalize.CalendarPreset()); err != nil {
		t.Fatalf("register presets: %v", err)
	}
	if err := hooks.RegisterDependentPack(normalize.DependentPack{
		Name: "orders",
		Dependents: []core.DependentConfig{
			{Name: "fk_orders_user", Table: "orders", Columns: []string{"user_id"}, OnDelete: "cascade"},
		},
	}); err != nil {
		t.Fatalf("register dependent pack: %v", err)
	}

	cfg := normalize.DefaultConfig()
	cfg.Integrations.UniqueNulls = core.UniqueNullsCoalesceIndex
	cfg, err := hooks.ApplyToConfig(cfg)
	if err != nil {
		t.Fatalf("apply packs: %v", err)
	}

	svc, err := normalize.New(db, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	facade, err := normalize.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	preflight, err := facade.Queries().Preflight.Query(ctx, normalizequery.PreflightMessage{})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if preflight.Mode != core.RunModeForward || preflight.SourceRows != 3 {
		t.Fatalf("unexpected preflight: %#v", preflight)
	}

	result, err := svc.Migrate(ctx, normalize.MigrateRequest{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.State != core.StateCommitted {
		t.Fatalf("expected committed run, got %q (history %v)", result.State, result.History)
	}
	if result.ServiceCounts["gmail"] != 2 || result.ServiceCounts["calendar"] != 1 {
		t.Fatalf("unexpected service counts: %v", result.ServiceCounts)
	}

	active, err := facade.Queries().ActiveIntegrations.Query(ctx, normalizequery.ActiveIntegrationsMessage{UserID: "u1"})
	if err != nil {
		t.Fatalf("active integrations: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected u1 to hold gmail and calendar, got %d", len(active))
	}

	token, err := facade.Queries().IntegrationToken.Query(ctx, normalizequery.IntegrationTokenMessage{UserID: "u1", ServiceID: "gmail"})
	if err != nil {
		t.Fatalf("integration token: %v", err)
	}
	if token.Integration.AccessToken == nil || *token.Integration.AccessToken != "g_access_1" || !token.Valid {
		t.Fatalf("unexpected gmail token: %#v", token)
	}

	services, err := facade.Queries().ListServices.Query(ctx, normalizequery.ListServicesMessage{ActiveOnly: true})
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected seeded catalog of two services, got %d", len(services))
	}

	if err := facade.Commands().LinkIntegration.Execute(ctx, normalizecommand.LinkIntegrationMessage{
		Input: core.LinkIntegrationInput{UserID: "u3", ServiceID: "calendar"},
	}); err != nil {
		t.Fatalf("link integration after commit: %v", err)
	}

	var profileColumns int
	if err := db.NewRaw("SELECT COUNT(*) FROM pragma_table_info('users') WHERE name LIKE 'gmail_%'").Scan(ctx, &profileColumns); err != nil {
		t.Fatalf("inspect live table: %v", err)
	}
	if profileColumns != 0 {
		t.Fatalf("expected live users table to carry no credential columns")
	}

	rollback, err := svc.Rollback(ctx, normalize.RollbackRequest{Confirm: true})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rollback.State != core.StateRolledBack || rollback.RestoredRows != 3 {
		t.Fatalf("unexpected rollback result: %#v", rollback)
	}

	var restored string
	if err := db.NewRaw("SELECT gmail_access_token FROM users WHERE id = ?", "u1").Scan(ctx, &restored); err != nil {
		t.Fatalf("read restored column: %v", err)
	}
	if restored != "g_access_1" {
		t.Fatalf("expected restored credentials, got %q", restored)
	}
	var orders int
	if err := db.NewRaw("SELECT COUNT(*) FROM orders").Scan(ctx, &orders); err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orders != 2 {
		t.Fatalf("expected dependent rows to survive, got %d", orders)
	}

	runs, err := facade.Queries().RunHistory.Query(ctx, normalizequery.RunHistoryMessage{Limit: 10})
	if err != nil {
		t.Fatalf("run history: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected forward and rollback runs in the ledger, got %d", len(runs))
	}
	if _, err := facade.Queries().LatestRun.Query(ctx, normalizequery.LatestRunMessage{Status: core.RunStatusRolledBack}); err != nil {
		t.Fatalf("expected rolled back run in the ledger: %v", err)
	}
}

func TestDownstreamComposition_DryRunLeavesSourceUntouched(t *testing.T) {
	ctx := context.Background()
	db := newComposedSQLiteDB(t)
	seedWideUsers(t, db)

	hooks := normalize.NewExtensionHooks()
	if err := normalize.RegisterPresets(hooks, normalize.GmailPreset(), normalize.CalendarPreset()); err != nil {
		t.Fatalf("register presets: %v", err)
	}
	cfg := normalize.DefaultConfig()
	cfg.Integrations.UniqueNulls = core.UniqueNullsDistinct
	cfg, err := hooks.ApplyToConfig(cfg)
	if err != nil {
		t.Fatalf("apply packs: %v", err)
	}
	svc, err := normalize.New(db, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.Migrate(ctx, normalize.MigrateRequest{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if result.State != core.StateAborted || !result.DryRun {
		t.Fatalf("expected aborted dry run, got %#v", result)
	}
	if !containsState(result.History, core.StatePreCommitValidated) {
		t.Fatalf("expected dry run to pass every checkpoint, got %v", result.History)
	}

	var tables int
	if err := db.NewRaw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('users_backup', 'user_integrations', 'services')").Scan(ctx, &tables); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if tables != 0 {
		t.Fatalf("expected dry run to leave no normalized tables, found %d", tables)
	}
	latest, found, err := svc.LatestRun(ctx, "")
	if err != nil || !found || latest.Status != core.RunStatusDryRun {
		t.Fatalf("expected dry_run ledger entry, got %#v found=%v err=%v", latest, found, err)
	}
}

func containsState(history []core.State, state core.State) bool {
	for _, item := range history {
		if item == state {
			return true
		}
	}
	return false
}

type composedPersistenceConfig struct {
	dsn string
}

func (c composedPersistenceConfig) GetDebug() bool { return false }
func (c composedPersistenceConfig) GetDriver() string { return "sqlite3" }
func (c composedPersistenceConfig) GetServer() string { return c.dsn }
func (c composedPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c composedPersistenceConfig) GetOtelIdentifier() string { return "go-normalize-composition" }

func newComposedSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:normalize-composition-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(composedPersistenceConfig{dsn: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := normalizemigrations.Register(client, normalizemigrations.DialectSQLite); err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	return client.DB()
}

// seedWideUsers creates the denormalized users table: u1 holds gmail and
// calendar, u2 holds gmail only and u3 only a stale gmail auth code.
func seedWideUsers(t *testing.T, db *bun.DB) {
	t.Helper()
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	statements := []string{
		`CREATE TABLE users (
			id TEXT PRIMARY KEY,
			email TEXT,
			name TEXT,
			created_at TIMESTAMP,
			gmail_access_token TEXT,
			gmail_refresh_token TEXT,
			gmail_token_expires_at TEXT,
			gmail_client_id TEXT,
			gmail_client_secret TEXT,
			gmail_auth_code TEXT,
			calendar_access_token TEXT,
			calendar_refresh_token TEXT,
			calendar_token_expires_at TEXT,
			calendar_client_id TEXT,
			calendar_client_secret TEXT,
			calendar_auth_code TEXT
		)`,
		`CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			CONSTRAINT fk_orders_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("create fixture table: %v", err)
		}
	}

	rows := []struct {
		query string
		args  []any
	}{
		{
			query: `INSERT INTO users (id, email, name, created_at, gmail_access_token, gmail_refresh_token, gmail_token_expires_at, calendar_access_token, calendar_refresh_token)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?, ?)`,
			args: []any{"u1", "ada@example.com", "Ada", "g_access_1", "g_refresh_1", expires, "c_access_1", "c_refresh_1"},
		},
		{
			query: `INSERT INTO users (id, email, name, created_at, gmail_access_token) VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?)`,
			args:  []any{"u2", "grace@example.com", "Grace", "g_access_2"},
		},
		{
			query: `INSERT INTO users (id, email, name, created_at, gmail_auth_code) VALUES (?, ?, NULL, CURRENT_TIMESTAMP, ?)`,
			args:  []any{"u3", "linus@example.com", "code_3"},
		},
		{query: `INSERT INTO orders (id, user_id) VALUES (?, ?)`, args: []any{"o1", "u1"}},
		{query: `INSERT INTO orders (id, user_id) VALUES (?, ?)`, args: []any{"o2", "u3"}},
	}
	for _, row := range rows {
		if _, err := db.ExecContext(ctx, row.query, row.args...); err != nil {
			t.Fatalf("seed fixture row: %v", err)
		}
	}
}
