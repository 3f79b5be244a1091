package adapters_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
	normalize "github.com/goliatone/go-normalize"
	"github.com/goliatone/go-normalize/adapters/gocommand"
	"github.com/goliatone/go-normalize/adapters/gojob"
	"github.com/goliatone/go-normalize/adapters/gologger"
	"github.com/goliatone/go-normalize/core"
)

func TestRuntimeCompatibility_GoJobGoCommandGoLogger(t *testing.T) {
	ctx := context.Background()

	logger := &compatLogger{}
	provider := &compatProvider{logger: logger}
	_, resolved, jobProvider, jobLogger := gologger.ResolveForJob("normalize", provider, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	svc := &compatService{}
	facade, err := normalize.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	subs, err := gocommand.RegisterFacade(gocommand.NewRegistryAdapter(nil), facade)
	if err != nil {
		t.Fatalf("register facade: %v", err)
	}
	defer subs.Unsubscribe()

	queueRegistry := jobqueuecommand.NewRegistry()
	queueAdapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := queueAdapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := queueAdapter.RegisterCommand(facade.Commands().Migrate); err != nil {
		t.Fatalf("register migrate command: %v", err)
	}
	if err := queueAdapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get("normalize.command.migrate"); !ok {
		t.Fatalf("expected migrate command to be mirrored into the go-job queue registry")
	}

	memory := &compatQueue{}
	if err := gojob.NewEnqueuer(memory).EnqueueMigrate(ctx, core.MigrateRequest{DryRun: true}, "users"); err != nil {
		t.Fatalf("enqueue migrate: %v", err)
	}
	runner, err := gojob.NewRunner(svc, memory,
		gojob.WithLogger(resolved),
		gojob.WithWorkerHook(&gojob.LoggingHook{Logger: resolved}),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.ProcessNext(ctx); err != nil {
		t.Fatalf("process queued migrate: %v", err)
	}
	if svc.migrateCalls != 1 || !svc.lastDryRun {
		t.Fatalf("expected queued dry run to reach the service, got %#v", svc)
	}
	if !memory.acked {
		t.Fatalf("expected queued run to be acked")
	}
	if logger.infos == 0 {
		t.Fatalf("expected resolved provider logger to record the run")
	}
}

type compatQueue struct {
	pending []*job.ExecutionMessage
	acked   bool
}

func (q *compatQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.pending = append(q.pending, msg)
	return nil
}

func (q *compatQueue) Dequeue(context.Context) (queue.Delivery, error) {
	if len(q.pending) == 0 {
		return nil, nil
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	return &compatDelivery{queue: q, msg: next}, nil
}

type compatDelivery struct {
	queue *compatQueue
	msg   *job.ExecutionMessage
}

func (d *compatDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *compatDelivery) Ack(context.Context) error {
	d.queue.acked = true
	return nil
}

func (d *compatDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		d.queue.pending = append(d.queue.pending, d.msg)
	}
	return nil
}

type compatService struct {
	migrateCalls int
	lastDryRun   bool
}

func (s *compatService) Migrate(_ context.Context, req core.MigrateRequest) (core.MigrationResult, error) {
	s.migrateCalls++
	s.lastDryRun = req.DryRun
	return core.MigrationResult{State: core.StateAborted, DryRun: req.DryRun}, nil
}

func (s *compatService) Rollback(context.Context, core.RollbackRequest) (core.RollbackResult, error) {
	return core.RollbackResult{State: core.StateRolledBack}, nil
}

func (s *compatService) Preflight(context.Context) (core.PreflightResult, error) {
	return core.PreflightResult{}, nil
}

func (s *compatService) ListRuns(context.Context, int) ([]core.Run, error) {
	return nil, nil
}

func (s *compatService) LatestRun(context.Context, core.RunStatus) (core.Run, bool, error) {
	return core.Run{}, false, nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct {
	infos int
}

func (l *compatLogger) Trace(string, ...any)                    {}
func (l *compatLogger) Debug(string, ...any)                    {}
func (l *compatLogger) Info(string, ...any)                     { l.infos++ }
func (l *compatLogger) Warn(string, ...any)                     {}
func (l *compatLogger) Error(string, ...any)                    {}
func (l *compatLogger) Fatal(string, ...any)                    {}
func (l *compatLogger) WithContext(context.Context) glog.Logger { return l }
