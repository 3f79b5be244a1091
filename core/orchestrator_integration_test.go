package core_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-normalize/core"
	"github.com/goliatone/go-normalize/dialect"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

var dbSeq atomic.Int64

func TestService_ForwardMigrationScenarios(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	svc := newService(t, db, testConfig())

	pre, err := svc.Preflight(ctx)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if pre.Mode != core.RunModeForward || pre.SourceRows != 4 || pre.BackupExists {
		t.Fatalf("unexpected preflight %#v", pre)
	}
	gmail := mappingStats(t, pre.Mappings, "gmail")
	if gmail.Eligible != 2 || gmail.TransientOnly != 1 || gmail.ExpectedExclusions != 1 {
		t.Fatalf("unexpected gmail stats %#v", gmail)
	}
	// u1 holds an access token without a refresh token and u2 only an auth code.
	if gmail.PartiallyEligible != 2 {
		t.Fatalf("expected two partially eligible gmail rows, got %d", gmail.PartiallyEligible)
	}
	if !containsSubstring(pre.Warnings, "transient authorization artifact") {
		t.Fatalf("expected transient warning, got %v", pre.Warnings)
	}

	result, err := svc.Migrate(ctx, core.MigrateRequest{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.State != core.StateCommitted || !slices.Equal(result.History, core.ForwardPath()) {
		t.Fatalf("unexpected result state %s history %v", result.State, result.History)
	}
	if result.ServiceCounts["gmail"] != 2 || result.ServiceCounts["calendar"] != 1 {
		t.Fatalf("unexpected service counts %#v", result.ServiceCounts)
	}
	if len(result.Reports) != 3 {
		t.Fatalf("expected pre, mid and pre-commit reports, got %d", len(result.Reports))
	}

	// Scenario A: access token and client id only.
	rows := integrationRows(t, db, "u1")
	if len(rows) != 1 || rows[0] != "gmail|a@example.com|true|tok-a|client-a" {
		t.Fatalf("unexpected u1 integrations %v", rows)
	}
	// Scenario B: transient auth code only.
	if rows := integrationRows(t, db, "u2"); len(rows) != 0 {
		t.Fatalf("expected no integration for u2, got %v", rows)
	}
	// Scenario C: shared email, different services.
	u3, u4 := integrationRows(t, db, "u3"), integrationRows(t, db, "u4")
	if len(u3) != 1 || !strings.HasPrefix(u3[0], "gmail|shared@example.com|") {
		t.Fatalf("unexpected u3 integrations %v", u3)
	}
	if len(u4) != 1 || !strings.HasPrefix(u4[0], "calendar|shared@example.com|") {
		t.Fatalf("unexpected u4 integrations %v", u4)
	}

	if hasColumn(t, db, "users", "gmail_access_token") {
		t.Fatalf("expected live users table to be the profile")
	}
	if count(t, db, "users_backup") != 4 || count(t, db, "users") != 4 {
		t.Fatalf("expected backup and profile to hold every row")
	}
	if count(t, db, "services") != 2 {
		t.Fatalf("expected seeded catalog")
	}
	if parent := foreignKeyParent(t, db, "invoices"); parent != "users" {
		t.Fatalf("expected invoices to reference the profile, got %q", parent)
	}
}

func TestService_SecondRunReconcilesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	svc := newService(t, db, testConfig())

	if _, err := svc.Migrate(ctx, core.MigrateRequest{}); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	before := count(t, db, "user_integrations")

	again, err := svc.Migrate(ctx, core.MigrateRequest{})
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again.Mode != core.RunModeReconcile || again.State != core.StateCommitted {
		t.Fatalf("expected committed reconcile, got %s %s", again.Mode, again.State)
	}
	if again.ServiceCounts["gmail"] != 0 || again.ServiceCounts["calendar"] != 0 {
		t.Fatalf("expected no new integrations, got %#v", again.ServiceCounts)
	}
	if after := count(t, db, "user_integrations"); after != before {
		t.Fatalf("expected %d integrations after reconcile, got %d", before, after)
	}
}

func TestService_RollbackRestoresOriginalTable(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	original := dumpTable(t, db, "users")
	originalColumns := columnNames(t, db, "users")
	svc := newService(t, db, testConfig())

	if _, err := svc.Migrate(ctx, core.MigrateRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := svc.Rollback(ctx, core.RollbackRequest{}); !core.IsConfigurationError(err) {
		t.Fatalf("expected unconfirmed rollback to be refused, got %v", err)
	}

	result, err := svc.Rollback(ctx, core.RollbackRequest{Confirm: true})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.State != core.StateRolledBack || result.RestoredRows != 4 || result.ProfileRows != 4 {
		t.Fatalf("unexpected rollback result %#v", result)
	}
	if got := dumpTable(t, db, "users"); !slices.Equal(got, original) {
		t.Fatalf("rows differ after round trip:\nwant %v\ngot  %v", original, got)
	}
	if got := columnNames(t, db, "users"); !slices.Equal(got, originalColumns) {
		t.Fatalf("columns differ after round trip: %v vs %v", got, originalColumns)
	}
	for _, table := range []string{"users_backup", "services", "user_integrations"} {
		if tableExists(t, db, table) {
			t.Fatalf("expected %s to be dropped", table)
		}
	}
	if parent := foreignKeyParent(t, db, "invoices"); parent != "users" {
		t.Fatalf("expected invoices to reference the restored table, got %q", parent)
	}

	if _, err := svc.Rollback(ctx, core.RollbackRequest{Confirm: true}); !errors.Is(err, core.ErrBackupMissing) {
		t.Fatalf("expected backup missing on second rollback, got %v", err)
	}
}

func TestService_RollbackRefusesUnmigratedSource(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	// A hand-made snapshot occupies the backup name; no run ever committed.
	exec(t, db, `CREATE TABLE users_backup AS SELECT * FROM users`)
	exec(t, db, `UPDATE users SET gmail_access_token = 'fresh-token' WHERE id = 'u2'`)
	live := dumpTable(t, db, "users")
	snapshot := dumpTable(t, db, "users_backup")
	svc := newService(t, db, testConfig())

	result, err := svc.Rollback(ctx, core.RollbackRequest{Confirm: true})
	if !errors.Is(err, core.ErrRollbackFailure) {
		t.Fatalf("expected rollback failure, got %v", err)
	}
	if result.State == core.StateRolledBack {
		t.Fatalf("expected rollback not to complete")
	}
	if got := dumpTable(t, db, "users"); !slices.Equal(got, live) {
		t.Fatalf("live rows changed:\nwant %v\ngot  %v", live, got)
	}
	if got := dumpTable(t, db, "users_backup"); !slices.Equal(got, snapshot) {
		t.Fatalf("snapshot rows changed:\nwant %v\ngot  %v", snapshot, got)
	}
	if tableExists(t, db, "users__rollback") {
		t.Fatalf("expected no table to be moved aside")
	}
}

func TestService_MidCheckpointLossPolicies(t *testing.T) {
	dropOne := core.TransitionHookFunc{
		HookName: "lose-junction-row",
		Fn: func(ctx context.Context, event core.TransitionEvent) error {
			if event.To != core.StateDataMigrated {
				return nil
			}
			_, err := event.DB.NewRaw("DELETE FROM user_integrations WHERE user_id = 'u1'").Exec(ctx)
			return err
		},
	}

	t.Run("warns by default", func(t *testing.T) {
		ctx := context.Background()
		db := newSQLiteDB(t)
		seedSource(t, db)
		original := dumpTable(t, db, "users")
		svc := newService(t, db, testConfig())
		svc.Hooks().RegisterInTx(dropOne)

		result, err := svc.Migrate(ctx, core.MigrateRequest{})
		if !errors.Is(err, core.ErrValidationMismatch) {
			t.Fatalf("expected the pre-commit gate to reject the loss, got %v", err)
		}
		if !slices.Contains(result.History, core.StateMidValidated) {
			t.Fatalf("expected the mid checkpoint to pass with warnings, got %v", result.History)
		}
		mid := checkpointReport(t, result.Reports, core.CheckpointMid)
		if len(mid.Mismatches) != 0 || !containsSubstring(mid.Warnings, "service=gmail count=1 ids=u1") {
			t.Fatalf("expected loss reported as a warning, got %#v", mid)
		}
		gmail := mappingStats(t, mid.Mappings, "gmail")
		if gmail.UnexpectedLoss != 1 || gmail.ExpectedExclusions != 1 || gmail.Migrated != 1 {
			t.Fatalf("expected loss kept apart from exclusions, got %#v", gmail)
		}
		assertUntouched(t, db, original)
	})

	t.Run("aborts when strict", func(t *testing.T) {
		ctx := context.Background()
		db := newSQLiteDB(t)
		seedSource(t, db)
		original := dumpTable(t, db, "users")
		cfg := testConfig()
		cfg.Policy.StrictMidValidation = true
		svc := newService(t, db, cfg)
		svc.Hooks().RegisterInTx(dropOne)

		result, err := svc.Migrate(ctx, core.MigrateRequest{})
		if !errors.Is(err, core.ErrValidationMismatch) {
			t.Fatalf("expected mid validation mismatch, got %v", err)
		}
		if slices.Contains(result.History, core.StateMidValidated) {
			t.Fatalf("expected abort at the mid checkpoint, got %v", result.History)
		}
		mid := checkpointReport(t, result.Reports, core.CheckpointMid)
		if len(mid.Mismatches) != 1 || mid.Mismatches[0].Kind != core.MismatchMissingJunction {
			t.Fatalf("expected one missing junction mismatch, got %#v", mid.Mismatches)
		}
		assertUntouched(t, db, original)
	})
}

func TestService_DeadlineRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	db, _ := newFileSQLiteDB(t)
	seedSource(t, db)
	original := dumpTable(t, db, "users")
	cfg := testConfig()
	cfg.Timeouts.Overall = "300ms"
	svc := newService(t, db, cfg)
	svc.Hooks().RegisterInTx(core.TransitionHookFunc{
		HookName: "stall",
		Fn: func(ctx context.Context, event core.TransitionEvent) error {
			if event.To != core.StateSchemaCreated {
				return nil
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	result, err := svc.Migrate(ctx, core.MigrateRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if core.TextCode(err) != core.ErrorDeadlineExceeded {
		t.Fatalf("unexpected text code %q", core.TextCode(err))
	}
	if result.State != core.StateAborted {
		t.Fatalf("expected aborted, got %s", result.State)
	}
	assertUntouched(t, db, original)
}

func TestService_ExclusiveTransactionBlocksReaders(t *testing.T) {
	ctx := context.Background()
	db, path := newFileSQLiteDB(t)
	seedSource(t, db)
	svc := newService(t, db, testConfig())

	reader, err := sql.Open("sqlite3", path+"?_busy_timeout=0")
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	var readErr error
	read := false
	svc.Hooks().RegisterInTx(core.TransitionHookFunc{
		HookName: "outside-reader",
		Fn: func(ctx context.Context, event core.TransitionEvent) error {
			if event.To != core.StateLocked {
				return nil
			}
			var n int
			readErr = reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
			read = true
			return nil
		},
	})

	if _, err := svc.Migrate(ctx, core.MigrateRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !read {
		t.Fatalf("expected the reader to run inside the migration")
	}
	var liteErr sqlite3.Error
	if !errors.As(readErr, &liteErr) || liteErr.Code != sqlite3.ErrBusy {
		t.Fatalf("expected the outside read to be refused with SQLITE_BUSY, got %v", readErr)
	}

	var n int
	if err := reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil || n != 4 {
		t.Fatalf("expected reads to resume after commit, got %d %v", n, err)
	}
}

func TestService_FailureAtAnyStateLeavesNoTrace(t *testing.T) {
	path := core.ForwardPath()
	for _, failAt := range path[1 : len(path)-1] {
		t.Run(string(failAt), func(t *testing.T) {
			ctx := context.Background()
			db := newSQLiteDB(t)
			seedSource(t, db)
			original := dumpTable(t, db, "users")
			svc := newService(t, db, testConfig())
			injected := errors.New("injected fault")
			svc.Hooks().RegisterInTx(core.TransitionHookFunc{
				HookName: "fault",
				Fn: func(_ context.Context, event core.TransitionEvent) error {
					if event.To == failAt {
						return injected
					}
					return nil
				},
			})

			result, err := svc.Migrate(ctx, core.MigrateRequest{})
			if !errors.Is(err, injected) {
				t.Fatalf("expected injected failure, got %v", err)
			}
			if result.State != core.StateAborted {
				t.Fatalf("expected aborted, got %s", result.State)
			}
			assertUntouched(t, db, original)
		})
	}
}

func TestService_DependentDroppedMidRunIsSkipped(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	svc := newService(t, db, testConfig())
	svc.Hooks().RegisterInTx(core.TransitionHookFunc{
		HookName: "external-drop",
		Fn: func(ctx context.Context, event core.TransitionEvent) error {
			if event.To != core.StateFKsDropped {
				return nil
			}
			_, err := event.DB.NewRaw("DROP TABLE invoices").Exec(ctx)
			return err
		},
	})

	result, err := svc.Migrate(ctx, core.MigrateRequest{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.State != core.StateCommitted {
		t.Fatalf("expected commit, got %s", result.State)
	}
	if len(result.SkippedEdges) != 1 || result.SkippedEdges[0].Table != "invoices" {
		t.Fatalf("expected invoices to be skipped, got %#v", result.SkippedEdges)
	}
	if !containsSubstring(result.Warnings, "dependent skipped") {
		t.Fatalf("expected skip warning, got %v", result.Warnings)
	}
}

func TestService_PreCommitMismatchAbortsRun(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	original := dumpTable(t, db, "users")
	svc := newService(t, db, testConfig())
	svc.Hooks().RegisterInTx(core.TransitionHookFunc{
		HookName: "tamper",
		Fn: func(ctx context.Context, event core.TransitionEvent) error {
			if event.To != core.StateFKsRecreated {
				return nil
			}
			_, err := event.DB.NewRaw("UPDATE users SET name = 'tampered' WHERE id = 'u1'").Exec(ctx)
			return err
		},
	})

	result, err := svc.Migrate(ctx, core.MigrateRequest{})
	if !errors.Is(err, core.ErrValidationMismatch) {
		t.Fatalf("expected validation mismatch, got %v", err)
	}
	if core.TextCode(err) != core.ErrorValidationMismatch {
		t.Fatalf("unexpected text code %q", core.TextCode(err))
	}
	if result.State != core.StateAborted || slices.Contains(result.History, core.StatePreCommitValidated) {
		t.Fatalf("expected abort before pre-commit validation, got %v", result.History)
	}
	assertUntouched(t, db, original)
}

func TestService_OrphanedDependentFailsRewire(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	exec(t, db, `INSERT INTO invoices (id, user_id) VALUES ('i9', 'ghost')`)
	original := dumpTable(t, db, "users")
	svc := newService(t, db, testConfig())

	result, err := svc.Migrate(ctx, core.MigrateRequest{})
	if !errors.Is(err, core.ErrFKRewireFailure) {
		t.Fatalf("expected rewire failure, got %v", err)
	}
	if result.State != core.StateAborted || !slices.Contains(result.History, core.StateSwapped) {
		t.Fatalf("expected abort after the swap, got %v", result.History)
	}
	assertUntouched(t, db, original)
}

func TestService_UniquenessPolicies(t *testing.T) {
	ctx := context.Background()
	insert := `INSERT INTO user_integrations (id, user_id, service_id, is_active) VALUES (?, 'u2', 'calendar', TRUE)`

	collide := newSQLiteDB(t)
	seedSource(t, collide)
	if _, err := newService(t, collide, testConfig()).Migrate(ctx, core.MigrateRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := collide.ExecContext(ctx, insert, "x1"); err != nil {
		t.Fatalf("first null identity: %v", err)
	}
	if _, err := collide.ExecContext(ctx, insert, "x2"); err == nil {
		t.Fatalf("expected coalesce index to reject a second NULL identity")
	}

	distinct := newSQLiteDB(t)
	seedSource(t, distinct)
	cfg := testConfig()
	cfg.Integrations.UniqueNulls = core.UniqueNullsDistinct
	if _, err := newService(t, distinct, cfg).Migrate(ctx, core.MigrateRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, id := range []string{"x1", "x2"} {
		if _, err := distinct.ExecContext(ctx, insert, id); err != nil {
			t.Fatalf("distinct policy must accept NULL identity %s: %v", id, err)
		}
	}
}

func TestService_NullsNotDistinctIsIncompatibleWithSQLite(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	original := dumpTable(t, db, "users")

	cfg := testConfig()
	cfg.Integrations.UniqueNulls = core.UniqueNullsNotDistinct
	pre, err := newService(t, db, cfg).Preflight(ctx)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !containsSubstring(pre.Warnings, "NULLS NOT DISTINCT") {
		t.Fatalf("expected null policy warning, got %v", pre.Warnings)
	}
	if _, err := newService(t, db, cfg).Migrate(ctx, core.MigrateRequest{}); !errors.Is(err, core.ErrVersionIncompatible) {
		t.Fatalf("expected version incompatibility, got %v", err)
	}
	assertUntouched(t, db, original)

	cfg.Policy.StrictFeatures = true
	if _, err := newService(t, db, cfg).Preflight(ctx); !errors.Is(err, core.ErrPreflightFailure) {
		t.Fatalf("expected strict preflight failure, got %v", err)
	}
}

func TestService_TransientOnlyPolicy(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	cfg := testConfig()
	cfg.Policy.MigrateTransientOnly = true

	result, err := newService(t, db, cfg).Migrate(ctx, core.MigrateRequest{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.ServiceCounts["gmail"] != 3 {
		t.Fatalf("expected transient-only row to be migrated, got %#v", result.ServiceCounts)
	}
	if rows := integrationRows(t, db, "u2"); len(rows) != 1 {
		t.Fatalf("expected u2 integration, got %v", rows)
	}
}

func TestService_DryRunRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	seedSource(t, db)
	original := dumpTable(t, db, "users")
	svc := newService(t, db, testConfig())

	result, err := svc.Migrate(ctx, core.MigrateRequest{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !result.DryRun || result.State != core.StateAborted {
		t.Fatalf("unexpected dry run result %s", result.State)
	}
	if !slices.Contains(result.History, core.StatePreCommitValidated) {
		t.Fatalf("expected every checkpoint to run, got %v", result.History)
	}
	if result.ServiceCounts["gmail"] != 2 {
		t.Fatalf("expected dry run to report counts, got %#v", result.ServiceCounts)
	}
	assertUntouched(t, db, original)
}

func TestService_MissingSourceFailsPreflight(t *testing.T) {
	db := newSQLiteDB(t)
	svc := newService(t, db, testConfig())

	result, err := svc.Migrate(context.Background(), core.MigrateRequest{})
	if !errors.Is(err, core.ErrPreflightFailure) {
		t.Fatalf("expected preflight failure, got %v", err)
	}
	if result.State != core.StateAborted {
		t.Fatalf("expected aborted, got %s", result.State)
	}
}

func TestNewService_RequiresDatabaseAndValidConfig(t *testing.T) {
	if _, err := core.NewService(nil, testConfig(), core.WithDialect(dialect.NewSQLite())); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for nil db, got %v", err)
	}
	db := newSQLiteDB(t)
	if _, err := core.NewService(db, core.DefaultConfig(), core.WithDialect(dialect.NewSQLite())); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for config without mappings, got %v", err)
	}
	svc := newService(t, db, testConfig())
	if _, err := svc.ListRuns(context.Background(), 10); err == nil {
		t.Fatalf("expected missing ledger error")
	}
	if _, err := svc.IntegrationStore(); err == nil {
		t.Fatalf("expected missing integration store error")
	}
}

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Profile.Columns = []string{"id", "email", "name"}
	cfg.Integrations.UniqueNulls = core.UniqueNullsCoalesceIndex
	cfg.Integrations.BatchSize = 2
	cfg.Catalog.Services = []core.ServiceConfig{
		{ID: "gmail", Name: "Gmail", Category: "email", Provider: "google"},
		{ID: "calendar", Name: "Google Calendar", Category: "calendar", Provider: "google"},
	}
	cfg.Mappings = []core.MappingConfig{
		{
			Service:           "gmail",
			CredentialColumns: []string{"gmail_access_token", "gmail_refresh_token"},
			TransientColumns:  []string{"gmail_auth_code"},
			Fields: map[string]string{
				core.FieldAccessToken:    "gmail_access_token",
				core.FieldRefreshToken:   "gmail_refresh_token",
				core.FieldTokenExpiresAt: "gmail_token_expires_at",
				core.FieldClientID:       "gmail_client_id",
			},
			ExternalIdentity: "email",
		},
		{
			Service:           "calendar",
			CredentialColumns: []string{"calendar_access_token"},
			Fields: map[string]string{
				core.FieldAccessToken: "calendar_access_token",
			},
			ExternalIdentity: "email",
		},
	}
	cfg.Dependents = []core.DependentConfig{{Table: "invoices", Columns: []string{"user_id"}}}
	return cfg
}

func newService(t *testing.T, db *bun.DB, cfg core.Config) *core.Service {
	t.Helper()
	svc, err := core.NewService(db, cfg, core.WithDialect(dialect.NewSQLite()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func newSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:core-%d-%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newFileSQLiteDB opens a database file with BEGIN EXCLUSIVE transactions
// and returns the handle plus the file path.
func newFileSQLiteDB(t *testing.T) (*bun.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "normalize.db")
	dsn, err := dialect.ExclusiveDSN(path)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

// seedSource creates the wide users table plus an invoices dependent:
// u1 holds a gmail access token and client id, u2 only a gmail auth code,
// u3 and u4 share an email with gmail and calendar credentials.
func seedSource(t *testing.T, db *bun.DB) {
	t.Helper()
	expires := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	exec(t, db, `CREATE TABLE users (
		id TEXT PRIMARY KEY,
		email TEXT,
		name TEXT,
		gmail_access_token TEXT,
		gmail_refresh_token TEXT,
		gmail_token_expires_at TEXT,
		gmail_client_id TEXT,
		gmail_auth_code TEXT,
		calendar_access_token TEXT
	)`)
	exec(t, db, `CREATE TABLE invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT REFERENCES users(id)
	)`)
	exec(t, db, `INSERT INTO users VALUES
		('u1', 'a@example.com', 'Ada', 'tok-a', NULL, NULL, 'client-a', NULL, NULL),
		('u2', 'b@example.com', 'Bo', NULL, NULL, NULL, NULL, 'code-b', NULL),
		('u3', 'shared@example.com', 'Cy', 'tok-c', 'ref-c', ?, NULL, NULL, NULL),
		('u4', 'shared@example.com', 'Di', NULL, NULL, NULL, NULL, NULL, 'cal-d')`, expires)
	exec(t, db, `INSERT INTO invoices VALUES ('i1', 'u1'), ('i2', 'u3')`)
}

func assertUntouched(t *testing.T, db *bun.DB, original []string) {
	t.Helper()
	for _, table := range []string{"users_backup", "user_profiles", "services", "user_integrations"} {
		if tableExists(t, db, table) {
			t.Fatalf("expected %s not to exist", table)
		}
	}
	if !hasColumn(t, db, "users", "gmail_access_token") {
		t.Fatalf("expected source table to keep its credential columns")
	}
	if got := dumpTable(t, db, "users"); !slices.Equal(got, original) {
		t.Fatalf("source rows changed:\nwant %v\ngot  %v", original, got)
	}
}

func exec(t *testing.T, db *bun.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func count(t *testing.T, db *bun.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func tableExists(t *testing.T, db *bun.DB, table string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		t.Fatalf("inspect %s: %v", table, err)
	}
	return n > 0
}

func columnNames(t *testing.T, db *bun.DB, table string) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		t.Fatalf("columns of %s: %v", table, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		names = append(names, name)
	}
	return names
}

func hasColumn(t *testing.T, db *bun.DB, table, column string) bool {
	t.Helper()
	return slices.Contains(columnNames(t, db, table), column)
}

func foreignKeyParent(t *testing.T, db *bun.DB, table string) string {
	t.Helper()
	var parent string
	err := db.QueryRowContext(context.Background(), `SELECT "table" FROM pragma_foreign_key_list(?) LIMIT 1`, table).Scan(&parent)
	if err != nil {
		t.Fatalf("foreign keys of %s: %v", table, err)
	}
	return parent
}

// dumpTable renders every row as a pipe-joined line ordered by id.
func dumpTable(t *testing.T, db *bun.DB, table string) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), fmt.Sprintf("SELECT * FROM %q ORDER BY id", table))
	if err != nil {
		t.Fatalf("dump %s: %v", table, err)
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	var out []string
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			t.Fatalf("scan: %v", err)
		}
		parts := make([]string, len(values))
		for i, value := range values {
			parts[i] = "NULL"
			if value.Valid {
				parts[i] = value.String
			}
		}
		out = append(out, strings.Join(parts, "|"))
	}
	return out
}

func integrationRows(t *testing.T, db *bun.DB, userID string) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), `SELECT service_id, external_id, is_active, access_token, client_id
FROM user_integrations WHERE user_id = ? ORDER BY service_id`, userID)
	if err != nil {
		t.Fatalf("integrations of %s: %v", userID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var service string
		var external, token, client sql.NullString
		var active bool
		if err := rows.Scan(&service, &external, &active, &token, &client); err != nil {
			t.Fatalf("scan integration: %v", err)
		}
		out = append(out, fmt.Sprintf("%s|%s|%t|%s|%s", service, external.String, active, token.String, client.String))
	}
	return out
}

func mappingStats(t *testing.T, stats []core.MappingStats, serviceID string) core.MappingStats {
	t.Helper()
	for _, item := range stats {
		if item.ServiceID == serviceID {
			return item
		}
	}
	t.Fatalf("no stats for %s", serviceID)
	return core.MappingStats{}
}

func checkpointReport(t *testing.T, reports []core.ValidationReport, checkpoint core.Checkpoint) core.ValidationReport {
	t.Helper()
	for _, report := range reports {
		if report.Checkpoint == checkpoint {
			return report
		}
	}
	t.Fatalf("no %s report in %d reports", checkpoint, len(reports))
	return core.ValidationReport{}
}

func containsSubstring(values []string, needle string) bool {
	return slices.ContainsFunc(values, func(value string) bool {
		return strings.Contains(value, needle)
	})
}
