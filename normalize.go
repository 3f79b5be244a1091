// Package normalize splits a wide users table into a profile table, a
// service catalog and an integration junction inside one transaction, and
// reverses the split from the preserved backup.
package normalize

import (
	"fmt"

	"github.com/goliatone/go-normalize/core"
	"github.com/goliatone/go-normalize/dialect"
	sqlstore "github.com/goliatone/go-normalize/store/sql"
	"github.com/uptrace/bun"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type RunLedger = core.RunLedger
type IntegrationStore = core.IntegrationStore
type CatalogStore = core.CatalogStore
type MetricsRecorder = core.MetricsRecorder
type TransitionHook = core.TransitionHook
type TransitionEvent = core.TransitionEvent

type MigrateRequest = core.MigrateRequest
type RollbackRequest = core.RollbackRequest

type MigrationResult = core.MigrationResult
type RollbackResult = core.RollbackResult
type PreflightResult = core.PreflightResult

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithDialect          = core.WithDialect
	WithRunLedger        = core.WithRunLedger
	WithIntegrationStore = core.WithIntegrationStore
	WithCatalogStore     = core.WithCatalogStore
	WithTransitionHooks  = core.WithTransitionHooks
	WithClock            = core.WithClock
	WithIDGenerator      = core.WithIDGenerator
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// New builds a Service on db with the dialect resolved from the bun handle
// and the run ledger and downstream stores from store/sql. Options passed by
// the caller override those defaults.
func New(db *bun.DB, cfg Config, opts ...Option) (*Service, error) {
	factory, err := sqlstore.NewRepositoryFactoryFromDB(db, sqlstore.WithTables(sqlstore.TablesFromConfig(cfg)))
	if err != nil {
		return nil, err
	}
	return NewWithRepositoryFactory(db, cfg, factory, opts...)
}

func NewWithRepositoryFactory(db *bun.DB, cfg Config, factory *sqlstore.RepositoryFactory, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("normalize: database handle is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("normalize: repository factory is required")
	}
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	resolved, err := dialect.Resolve(db)
	if err != nil {
		return nil, core.ConfigurationError(err)
	}
	if _, sqlite := resolved.(dialect.SQLite); sqlite && cfg.Database.DSN != "" && !dialect.IsExclusiveDSN(cfg.Database.DSN) {
		return nil, core.ConfigurationError(fmt.Errorf("normalize: sqlite dsn must set _txlock=exclusive so readers wait for the run"))
	}
	base := []Option{
		core.WithDialect(resolved),
		core.WithRunLedger(factory.RunStore()),
		core.WithIntegrationStore(factory.IntegrationStore()),
		core.WithCatalogStore(factory.CatalogStore()),
	}
	return core.NewService(db, cfg, append(base, opts...)...)
}
