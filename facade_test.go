package normalize

import (
	"context"
	"errors"
	"testing"

	gocmd "github.com/goliatone/go-command"
	normalizecommand "github.com/goliatone/go-normalize/command"
	"github.com/goliatone/go-normalize/core"
	normalizequery "github.com/goliatone/go-normalize/query"
)

func TestNewFacade_WiresMigrationHandlersWithoutStores(t *testing.T) {
	facade, err := NewFacade(&stubFacadeService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.Migrate == nil || commands.Rollback == nil {
		t.Fatalf("expected migration commands to be wired")
	}
	if commands.LinkIntegration != nil || commands.SetServiceActive != nil {
		t.Fatalf("expected downstream commands to stay nil without stores")
	}
	queries := facade.Queries()
	if queries.Preflight == nil || queries.RunHistory == nil || queries.LatestRun == nil {
		t.Fatalf("expected run queries to be wired")
	}
	if queries.ActiveIntegrations != nil || queries.ListServices != nil {
		t.Fatalf("expected downstream queries to stay nil without stores")
	}
}

func TestNewFacade_ResolvesStoresFromService(t *testing.T) {
	integrations := &stubFacadeIntegrations{}
	catalog := &stubFacadeCatalog{}
	svc := &stubFacadeService{integrations: integrations, catalog: catalog}

	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if facade.Commands().BulkLink == nil || facade.Queries().IntegrationToken == nil {
		t.Fatalf("expected integration handlers to be wired")
	}

	if _, err := facade.Queries().ActiveIntegrations.Query(context.Background(), normalizequery.ActiveIntegrationsMessage{UserID: "u1"}); err != nil {
		t.Fatalf("query active integrations: %v", err)
	}
	if integrations.lastUser != "u1" {
		t.Fatalf("expected delegation to service integration store, got %q", integrations.lastUser)
	}

	if err := facade.Commands().SetServiceActive.Execute(context.Background(), normalizecommand.SetServiceActiveMessage{ServiceID: "gmail"}); err != nil {
		t.Fatalf("execute set active: %v", err)
	}
	if catalog.toggled != "gmail" {
		t.Fatalf("expected delegation to service catalog store, got %q", catalog.toggled)
	}
}

func TestNewFacade_OptionsOverrideServiceStores(t *testing.T) {
	fromService := &stubFacadeIntegrations{}
	override := &stubFacadeIntegrations{}
	svc := &stubFacadeService{integrations: fromService}

	facade, err := NewFacade(svc, WithFacadeIntegrations(override), nil)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if _, err := facade.Queries().ActiveIntegrations.Query(context.Background(), normalizequery.ActiveIntegrationsMessage{UserID: "u2"}); err != nil {
		t.Fatalf("query active integrations: %v", err)
	}
	if override.lastUser != "u2" || fromService.lastUser != "" {
		t.Fatalf("expected override store to win")
	}
}

func TestFacade_MigrateCommandStoresResult(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	collector := gocmd.NewResult[core.MigrationResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().Migrate.Execute(ctx, normalizecommand.MigrateMessage{DryRun: true}); err != nil {
		t.Fatalf("execute migrate: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.RunID != "run_1" || !svc.lastDryRun {
		t.Fatalf("unexpected migrate result: %#v", result)
	}

	latest, err := facade.Queries().LatestRun.Query(context.Background(), normalizequery.LatestRunMessage{Status: core.RunStatusCommitted})
	if err != nil {
		t.Fatalf("query latest run: %v", err)
	}
	if latest.Status != core.RunStatusCommitted {
		t.Fatalf("unexpected latest run: %#v", latest)
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	if _, err := NewFacade(nil); err == nil {
		t.Fatalf("expected nil service error")
	}
}

type stubFacadeService struct {
	integrations core.IntegrationStore
	catalog      core.CatalogStore
	lastDryRun   bool
}

func (s *stubFacadeService) Migrate(_ context.Context, req core.MigrateRequest) (core.MigrationResult, error) {
	s.lastDryRun = req.DryRun
	return core.MigrationResult{RunID: "run_1", State: core.StateAborted, DryRun: req.DryRun}, nil
}

func (s *stubFacadeService) Rollback(context.Context, core.RollbackRequest) (core.RollbackResult, error) {
	return core.RollbackResult{RunID: "run_2", State: core.StateRolledBack}, nil
}

func (s *stubFacadeService) Preflight(context.Context) (core.PreflightResult, error) {
	return core.PreflightResult{Mode: core.RunModeForward}, nil
}

func (s *stubFacadeService) ListRuns(context.Context, int) ([]core.Run, error) {
	return []core.Run{{ID: "run_1"}}, nil
}

func (s *stubFacadeService) LatestRun(_ context.Context, status core.RunStatus) (core.Run, bool, error) {
	return core.Run{ID: "run_1", Status: status}, true, nil
}

func (s *stubFacadeService) IntegrationStore() (core.IntegrationStore, error) {
	if s.integrations == nil {
		return nil, errors.New("integration store is not configured")
	}
	return s.integrations, nil
}

func (s *stubFacadeService) CatalogStore() (core.CatalogStore, error) {
	if s.catalog == nil {
		return nil, errors.New("catalog store is not configured")
	}
	return s.catalog, nil
}

type stubFacadeIntegrations struct {
	core.IntegrationStore
	lastUser string
}

func (s *stubFacadeIntegrations) ListActive(_ context.Context, userID string) ([]core.IntegrationRecord, error) {
	s.lastUser = userID
	return []core.IntegrationRecord{{ID: "int_1", UserID: userID, Active: true}}, nil
}

type stubFacadeCatalog struct {
	core.CatalogStore
	toggled string
}

func (s *stubFacadeCatalog) SetServiceActive(_ context.Context, id string, _ bool) error {
	s.toggled = id
	return nil
}
