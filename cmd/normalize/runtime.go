package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	normalize "github.com/goliatone/go-normalize"
	"github.com/goliatone/go-normalize/adapters/gologger"
	"github.com/goliatone/go-normalize/adapters/prometheus"
	"github.com/goliatone/go-normalize/core"
	normalizedialect "github.com/goliatone/go-normalize/dialect"
	normalizemigrations "github.com/goliatone/go-normalize/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	"github.com/urfave/cli/v3"
)

const slowQueryThreshold = 2 * time.Second

type persistenceConfig struct {
	db core.DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool                { return false }
func (c persistenceConfig) GetDriver() string             { return c.db.Driver }
func (c persistenceConfig) GetServer() string             { return c.db.DSN }
func (c persistenceConfig) GetPingTimeout() time.Duration { return c.db.PingTimeoutDuration() }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-normalize" }

// runtime is everything one command invocation needs. close releases the
// database handle.
type runtime struct {
	service  *normalize.Service
	recorder *prometheus.Recorder
	logger   *slogLogger
	client   *persistence.Client
}

func (r *runtime) close() {
	if r != nil && r.client != nil {
		_ = r.client.Close()
	}
}

// loadConfig layers the YAML file over the defaults and then applies the
// database flags, which win over the file.
func loadConfig(ctx context.Context, cmd *cli.Command) (core.Config, error) {
	var loader core.RawConfigLoader
	if path := strings.TrimSpace(cmd.String("config")); path != "" {
		loader = core.NewYAMLFileConfigLoader(path)
	}
	cfg, err := core.NewCfgxConfigProvider(loader).Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, core.ConfigurationError(err)
	}
	if driver := strings.TrimSpace(cmd.String("driver")); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := strings.TrimSpace(cmd.String("dsn")); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if cmd.Bool("debug") {
		cfg.Database.Debug = true
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return core.Config{}, core.ConfigurationError(fmt.Errorf("database dsn is required"))
	}
	if err := cfg.Validate(); err != nil {
		return core.Config{}, core.ConfigurationError(err)
	}
	return cfg, nil
}

func bunDialect(driver string) (schema.Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		return pgdialect.New(), "postgres", nil
	case "pgx", "pgx/v5":
		return pgdialect.New(), "pgx", nil
	case "sqlite", "sqlite3":
		return sqlitedialect.New(), "sqlite3", nil
	default:
		return nil, "", core.ConfigurationError(fmt.Errorf("unsupported driver %q", driver))
	}
}

// openRuntime connects, applies the run ledger migrations and builds the
// service with the process logger and the Prometheus recorder.
func openRuntime(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	logger := newSlogLogger(cmd.Root().ErrWriter, cmd.Bool("debug"))

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}
	dialect, driverName, err := bunDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.Database.DSN
	if driverName == "sqlite3" {
		// Readers must wait for the whole run, which needs BEGIN EXCLUSIVE.
		if dsn, err = normalizedialect.ExclusiveDSN(dsn); err != nil {
			return nil, core.ConfigurationError(err)
		}
		cfg.Database.DSN = dsn
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, core.ConfigurationError(fmt.Errorf("open %s: %w", driverName, err))
	}
	if driverName == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{db: cfg.Database}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	rt := &runtime{client: client, logger: logger}

	db := client.DB()
	if cfg.Database.Debug {
		db.AddQueryHook(gologger.NewQueryHook(logger, slowQueryThreshold))
	}

	ledger, err := normalizemigrations.ForDialect(dialect)
	if err != nil {
		rt.close()
		return nil, core.ConfigurationError(err)
	}
	if err := normalizemigrations.Register(client, ledger); err != nil {
		rt.close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("migrate run ledger: %w", err)
	}

	rt.recorder = prometheus.NewRecorder(prometheus.DefaultConfig())
	opts := append(
		gologger.Options(cfg.ServiceName, &slogProvider{root: logger}, logger),
		normalize.WithMetricsRecorder(rt.recorder),
	)
	service, err := normalize.New(db, cfg, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.service = service
	return rt, nil
}

// flushMetrics writes the recorder registry in the node exporter textfile
// format when --metrics-file is set.
func (r *runtime) flushMetrics(cmd *cli.Command) error {
	path := strings.TrimSpace(cmd.String("metrics-file"))
	if path == "" || r.recorder == nil {
		return nil
	}
	return r.recorder.WriteTextfile(path)
}
