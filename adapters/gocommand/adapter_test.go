package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	normalize "github.com/goliatone/go-normalize"
	normalizecommand "github.com/goliatone/go-normalize/command"
	"github.com/goliatone/go-normalize/core"
	normalizequery "github.com/goliatone/go-normalize/query"
)

type okMessage struct{}

func (okMessage) Type() string { return "normalize.test.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "normalize.test.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "normalize.test.test" }

type queueMessage struct{}

func (queueMessage) Type() string { return "normalize.test.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("normalize.test.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

func TestRegisterFacade_DispatchesToService(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := normalize.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	adapter := NewRegistryAdapter(command.NewRegistry())
	subs, err := RegisterFacade(adapter, facade)
	if err != nil {
		t.Fatalf("register facade: %v", err)
	}
	defer subs.Unsubscribe()
	if len(subs) != 5 {
		t.Fatalf("expected migrate, rollback and three run queries without stores, got %d", len(subs))
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if err := Dispatch(context.Background(), normalizecommand.MigrateMessage{DryRun: true}); err != nil {
		t.Fatalf("dispatch migrate: %v", err)
	}
	if !svc.lastDryRun {
		t.Fatalf("expected dispatched migrate to reach the service")
	}
	runs, err := Query[normalizequery.RunHistoryMessage, []core.Run](context.Background(), normalizequery.RunHistoryMessage{Limit: 5})
	if err != nil {
		t.Fatalf("query run history: %v", err)
	}
	if len(runs) != 1 || svc.lastLimit != 5 {
		t.Fatalf("unexpected run history: %#v", runs)
	}
}

func TestRegisterFacade_RequiresFacade(t *testing.T) {
	if _, err := RegisterFacade(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected nil facade error")
	}
}

type stubFacadeService struct {
	lastDryRun bool
	lastLimit  int
}

func (s *stubFacadeService) Migrate(_ context.Context, req core.MigrateRequest) (core.MigrationResult, error) {
	s.lastDryRun = req.DryRun
	return core.MigrationResult{State: core.StateAborted, DryRun: req.DryRun}, nil
}

func (s *stubFacadeService) Rollback(context.Context, core.RollbackRequest) (core.RollbackResult, error) {
	return core.RollbackResult{State: core.StateRolledBack}, nil
}

func (s *stubFacadeService) Preflight(context.Context) (core.PreflightResult, error) {
	return core.PreflightResult{}, nil
}

func (s *stubFacadeService) ListRuns(_ context.Context, limit int) ([]core.Run, error) {
	s.lastLimit = limit
	return []core.Run{{ID: "run_1"}}, nil
}

func (s *stubFacadeService) LatestRun(context.Context, core.RunStatus) (core.Run, bool, error) {
	return core.Run{}, false, nil
}
