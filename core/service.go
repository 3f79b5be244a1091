package core

import (
	"context"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// MigrateRequest asks for one forward or reconcile run.
type MigrateRequest struct {
	// DryRun runs every checkpoint and rolls back instead of committing,
	// regardless of policy.dry_run.
	DryRun bool
}

// RollbackRequest asks for the reversal of the latest committed run.
type RollbackRequest struct {
	// Confirm must be set; rollback drops the normalized tables.
	Confirm bool
}

// Service binds an Orchestrator and a RollbackEngine to one database and
// carries the stores the command and query handlers read.
type Service struct {
	db           *bun.DB
	config       Config
	options      []Option
	orchestrator *Orchestrator
	rollback     *RollbackEngine
	ledger       RunLedger
	integrations IntegrationStore
	catalog      CatalogStore
	obs          observer
}

// ServiceDependencies exposes the collaborators a Service was built with.
type ServiceDependencies struct {
	DB               *bun.DB
	Dialect          Dialect
	Logger           Logger
	MetricsRecorder  MetricsRecorder
	RunLedger        RunLedger
	IntegrationStore IntegrationStore
	CatalogStore     CatalogStore
	Hooks            *TransitionHookCoordinator
}

func NewService(db *bun.DB, cfg Config, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, ConfigurationError(fmt.Errorf("core: database handle is required"))
	}
	builder, resolved, err := buildEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := resolved.Validate(); err != nil {
		return nil, ConfigurationError(err)
	}

	shared := append(append([]Option{}, opts...), WithTransitionHooks(builder.hooks))
	orchestrator, err := NewOrchestrator(resolved, shared...)
	if err != nil {
		return nil, err
	}
	rollback, err := NewRollbackEngine(resolved, shared...)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:           db,
		config:       resolved,
		options:      shared,
		orchestrator: orchestrator,
		rollback:     rollback,
		ledger:       builder.ledger,
		integrations: builder.integrations,
		catalog:      builder.catalog,
		obs:          builder.observer(),
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		DB:               s.db,
		Dialect:          s.orchestrator.Dialect(),
		Logger:           s.obs.logger,
		MetricsRecorder:  s.obs.metrics,
		RunLedger:        s.ledger,
		IntegrationStore: s.integrations,
		CatalogStore:     s.catalog,
		Hooks:            s.orchestrator.Hooks(),
	}
}

// Hooks is shared by migrations and rollbacks started from this Service.
func (s *Service) Hooks() *TransitionHookCoordinator {
	if s == nil || s.orchestrator == nil {
		return nil
	}
	return s.orchestrator.Hooks()
}

func (s *Service) Migrate(ctx context.Context, req MigrateRequest) (MigrationResult, error) {
	if s == nil || s.orchestrator == nil {
		return MigrationResult{}, serviceDependencyError("orchestrator")
	}
	orchestrator := s.orchestrator
	if req.DryRun && !s.config.Policy.DryRun {
		cfg := s.config
		cfg.Policy.DryRun = true
		var err error
		orchestrator, err = NewOrchestrator(cfg, s.options...)
		if err != nil {
			return MigrationResult{}, err
		}
	}
	return orchestrator.Run(ctx, s.db)
}

func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (RollbackResult, error) {
	if s == nil || s.rollback == nil {
		return RollbackResult{}, serviceDependencyError("rollback engine")
	}
	if !req.Confirm {
		return RollbackResult{}, goerrors.New("rollback requires explicit confirmation", goerrors.CategoryBadInput).
			WithTextCode(ErrorConfigurationInvalid)
	}
	return s.rollback.Rollback(ctx, s.db)
}

func (s *Service) Preflight(ctx context.Context) (PreflightResult, error) {
	if s == nil || s.orchestrator == nil {
		return PreflightResult{}, serviceDependencyError("orchestrator")
	}
	return s.orchestrator.Preflight(ctx, s.db)
}

// ListRuns returns the newest ledger entries for the configured source
// table.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.ledger == nil {
		return nil, serviceDependencyError("run ledger")
	}
	return s.ledger.ListRuns(ctx, s.config.Source.Table, limit)
}

func (s *Service) LatestRun(ctx context.Context, status RunStatus) (Run, bool, error) {
	if s == nil || s.ledger == nil {
		return Run{}, false, serviceDependencyError("run ledger")
	}
	return s.ledger.LatestRun(ctx, s.config.Source.Table, status)
}

func (s *Service) IntegrationStore() (IntegrationStore, error) {
	if s == nil || s.integrations == nil {
		return nil, serviceDependencyError("integration store")
	}
	return s.integrations, nil
}

func (s *Service) CatalogStore() (CatalogStore, error) {
	if s == nil || s.catalog == nil {
		return nil, serviceDependencyError("catalog store")
	}
	return s.catalog, nil
}

func serviceDependencyError(name string) error {
	return goerrors.New("core: "+strings.TrimSpace(name)+" is not configured", goerrors.CategoryInternal).
		WithTextCode(ErrorInternal)
}
