package normalize

import (
	"fmt"

	normalizecommand "github.com/goliatone/go-normalize/command"
	"github.com/goliatone/go-normalize/core"
	normalizequery "github.com/goliatone/go-normalize/query"
)

// FacadeService is the part of a Service the facade binds handlers to.
type FacadeService interface {
	normalizecommand.MigrationService
	normalizequery.PreflightRunner
	normalizequery.RunReader
}

type Commands struct {
	Migrate           *normalizecommand.MigrateCommand
	Rollback          *normalizecommand.RollbackCommand
	LinkIntegration   *normalizecommand.LinkIntegrationCommand
	BulkLink          *normalizecommand.BulkLinkCommand
	UnlinkIntegration *normalizecommand.UnlinkIntegrationCommand
	DeleteIntegration *normalizecommand.DeleteIntegrationCommand
	UpdateToken       *normalizecommand.UpdateTokenCommand
	SetServiceActive  *normalizecommand.SetServiceActiveCommand
}

type Queries struct {
	Preflight          *normalizequery.PreflightQuery
	RunHistory         *normalizequery.RunHistoryQuery
	LatestRun          *normalizequery.LatestRunQuery
	ActiveIntegrations *normalizequery.ActiveIntegrationsQuery
	IntegrationToken   *normalizequery.IntegrationTokenQuery
	ListServices       *normalizequery.ListServicesQuery
}

type Facade struct {
	service  FacadeService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	integrations core.IntegrationStore
	catalog      core.CatalogStore
}

// WithFacadeIntegrations overrides the integration store found on the
// service.
func WithFacadeIntegrations(store core.IntegrationStore) FacadeOption {
	return func(options *facadeOptions) {
		options.integrations = store
	}
}

func WithFacadeCatalog(store core.CatalogStore) FacadeOption {
	return func(options *facadeOptions) {
		options.catalog = store
	}
}

func NewFacade(service FacadeService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("normalize: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.integrations == nil {
		cfg.integrations = resolveIntegrationStore(service)
	}
	if cfg.catalog == nil {
		cfg.catalog = resolveCatalogStore(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Migrate:  normalizecommand.NewMigrateCommand(service),
		Rollback: normalizecommand.NewRollbackCommand(service),
	}
	facade.queries = Queries{
		Preflight:  normalizequery.NewPreflightQuery(service),
		RunHistory: normalizequery.NewRunHistoryQuery(service),
		LatestRun:  normalizequery.NewLatestRunQuery(service),
	}
	// Downstream handlers exist only when their store is wired.
	if cfg.integrations != nil {
		facade.commands.LinkIntegration = normalizecommand.NewLinkIntegrationCommand(cfg.integrations)
		facade.commands.BulkLink = normalizecommand.NewBulkLinkCommand(cfg.integrations)
		facade.commands.UnlinkIntegration = normalizecommand.NewUnlinkIntegrationCommand(cfg.integrations)
		facade.commands.DeleteIntegration = normalizecommand.NewDeleteIntegrationCommand(cfg.integrations)
		facade.commands.UpdateToken = normalizecommand.NewUpdateTokenCommand(cfg.integrations)
		facade.queries.ActiveIntegrations = normalizequery.NewActiveIntegrationsQuery(cfg.integrations)
		facade.queries.IntegrationToken = normalizequery.NewIntegrationTokenQuery(cfg.integrations)
	}
	if cfg.catalog != nil {
		facade.commands.SetServiceActive = normalizecommand.NewSetServiceActiveCommand(cfg.catalog)
		facade.queries.ListServices = normalizequery.NewListServicesQuery(cfg.catalog)
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() FacadeService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveIntegrationStore(service FacadeService) core.IntegrationStore {
	provider, ok := service.(interface {
		IntegrationStore() (core.IntegrationStore, error)
	})
	if !ok {
		return nil
	}
	store, err := provider.IntegrationStore()
	if err != nil {
		return nil
	}
	return store
}

func resolveCatalogStore(service FacadeService) core.CatalogStore {
	provider, ok := service.(interface {
		CatalogStore() (core.CatalogStore, error)
	})
	if !ok {
		return nil
	}
	store, err := provider.CatalogStore()
	if err != nil {
		return nil
	}
	return store
}
