package sqlstore

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-normalize/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// Tables names the junction and catalog tables the downstream stores read.
type Tables struct {
	Integrations string
	Catalog      string
}

// TablesFromConfig takes the table names from a normalization config.
func TablesFromConfig(cfg core.Config) Tables {
	return Tables{
		Integrations: cfg.Integrations.Table,
		Catalog:      cfg.Catalog.Table,
	}
}

type FactoryOption func(*RepositoryFactory)

func WithTables(tables Tables) FactoryOption {
	return func(f *RepositoryFactory) {
		if strings.TrimSpace(tables.Integrations) != "" {
			f.tables.Integrations = strings.TrimSpace(tables.Integrations)
		}
		if strings.TrimSpace(tables.Catalog) != "" {
			f.tables.Catalog = strings.TrimSpace(tables.Catalog)
		}
	}
}

// WithCatalogCache serves catalog reads through cacheService.
func WithCatalogCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.catalogCache = cacheService
	}
}

type RepositoryFactory struct {
	db           *bun.DB
	tables       Tables
	catalogCache repositorycache.CacheService

	runStore         *RunStore
	integrationStore *IntegrationStore
	catalogStore     core.CatalogStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	defaults := core.DefaultConfig()
	factory := &RepositoryFactory{tables: TablesFromConfig(defaults)}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores resolves a *bun.DB from a persistence client (or the DB
// itself) and wires every store once.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.runStore != nil && f.integrationStore != nil && f.catalogStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) RunStore() *RunStore {
	if f == nil {
		return nil
	}
	return f.runStore
}

func (f *RepositoryFactory) IntegrationStore() *IntegrationStore {
	if f == nil {
		return nil
	}
	return f.integrationStore
}

func (f *RepositoryFactory) CatalogStore() core.CatalogStore {
	if f == nil {
		return nil
	}
	return f.catalogStore
}

func (f *RepositoryFactory) initStores() error {
	runStore, err := NewRunStore(f.db)
	if err != nil {
		return err
	}
	integrationStore, err := NewIntegrationStore(f.db, f.tables.Integrations)
	if err != nil {
		return err
	}
	catalogStore, err := NewCatalogStore(f.db, f.tables.Catalog)
	if err != nil {
		return err
	}

	f.runStore = runStore
	f.integrationStore = integrationStore
	f.catalogStore = catalogStore
	if f.catalogCache != nil {
		cached, err := NewCachedCatalogStore(catalogStore, f.tables.Catalog, f.catalogCache)
		if err != nil {
			return err
		}
		f.catalogStore = cached
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
