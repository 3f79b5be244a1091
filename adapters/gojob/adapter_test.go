package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-normalize/core"
)

func TestEnqueuer_BuildsRunMessages(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuer(enqueuer)

	if err := adapter.EnqueueMigrate(ctx, core.MigrateRequest{DryRun: true}, "users"); err != nil {
		t.Fatalf("enqueue migrate: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDMigrate {
		t.Fatalf("expected migrate message, got %#v", enqueuer.last)
	}
	if enqueuer.last.Parameters[ParamDryRun] != true || enqueuer.last.IdempotencyKey != "users" {
		t.Fatalf("unexpected migrate message: %#v", enqueuer.last)
	}

	if err := adapter.EnqueueRollback(ctx, core.RollbackRequest{}, "users"); err == nil {
		t.Fatalf("expected unconfirmed rollback to be rejected")
	}
	if err := adapter.EnqueueRollback(ctx, core.RollbackRequest{Confirm: true}, "users"); err != nil {
		t.Fatalf("enqueue rollback: %v", err)
	}
	if enqueuer.last.JobID != JobIDRollback || enqueuer.last.Parameters[ParamConfirm] != true {
		t.Fatalf("unexpected rollback message: %#v", enqueuer.last)
	}
}

func TestRunner_AcksSuccessfulRun(t *testing.T) {
	service := &stubRunService{}
	delivery := &stubQueueDelivery{msg: NewMigrateMessage(core.MigrateRequest{DryRun: true}, "users")}
	hook := &capturingHook{}
	runner, err := NewRunner(service, &stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, WithWorkerHook(hook))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected ack")
	}
	if !service.lastDryRun {
		t.Fatalf("expected dry run flag to reach the service")
	}
	if hook.started != 1 || hook.succeeded != 1 {
		t.Fatalf("unexpected hook calls: %#v", hook)
	}
}

func TestRunner_RetriesDeadlineFailuresWithBackoff(t *testing.T) {
	deadline := goerrors.New("lock timeout", goerrors.CategoryOperation).WithTextCode(core.ErrorDeadlineExceeded)
	service := &stubRunService{migrateErr: deadline}
	msg := NewMigrateMessage(core.MigrateRequest{}, "users")
	first := &stubQueueDelivery{msg: msg}
	second := &stubQueueDelivery{msg: msg}
	third := &stubQueueDelivery{msg: msg}
	hook := &capturingHook{}
	runner, err := NewRunner(service, &stubQueueDequeuer{deliveries: []queue.Delivery{first, second, third}},
		WithWorkerHook(hook),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 90 * time.Second, DeadLetterOnMax: true}),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	for _, delivery := range []*stubQueueDelivery{first, second, third} {
		if err := runner.ProcessNext(context.Background()); !errors.Is(err, deadline) {
			t.Fatalf("expected deadline failure, got %v", err)
		}
		if delivery.acked {
			t.Fatalf("expected failed delivery not to be acked")
		}
	}
	if !first.nackOpts.Requeue || first.nackOpts.Delay != time.Second {
		t.Fatalf("unexpected first nack: %#v", first.nackOpts)
	}
	if !second.nackOpts.Requeue || second.nackOpts.Delay != 2*time.Second {
		t.Fatalf("expected doubled delay on second attempt, got %#v", second.nackOpts)
	}
	if third.nackOpts.Requeue || !third.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter after max attempts, got %#v", third.nackOpts)
	}
	if hook.retried != 2 || hook.failed != 1 || hook.lastAttempt != 3 {
		t.Fatalf("unexpected hook calls: %#v", hook)
	}
}

func TestRunner_DeadLettersNonRetryableFailures(t *testing.T) {
	failure := goerrors.New("mismatch", goerrors.CategoryValidation).WithTextCode(core.ErrorValidationMismatch)
	service := &stubRunService{rollbackErr: failure}
	delivery := &stubQueueDelivery{msg: NewRollbackMessage(core.RollbackRequest{Confirm: true}, "users")}
	runner, err := NewRunner(service, &stubQueueDequeuer{deliveries: []queue.Delivery{delivery}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.ProcessNext(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected rollback failure, got %v", err)
	}
	if !delivery.nackOpts.DeadLetter || delivery.nackOpts.Requeue {
		t.Fatalf("expected dead letter, got %#v", delivery.nackOpts)
	}
	if !service.lastConfirm {
		t.Fatalf("expected confirmation to reach the service")
	}
}

func TestRunner_RejectsUnknownJobs(t *testing.T) {
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "normalize.unknown"}}
	runner, err := NewRunner(&stubRunService{}, &stubQueueDequeuer{deliveries: []queue.Delivery{delivery}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.ProcessNext(context.Background()); err == nil {
		t.Fatalf("expected unsupported job error")
	}
	if !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected unknown job to be dead lettered")
	}
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	if _, err := NewRunner(nil, &stubQueueDequeuer{}); err == nil {
		t.Fatalf("expected missing service error")
	}
	if _, err := NewRunner(&stubRunService{}, nil); err == nil {
		t.Fatalf("expected missing dequeuer error")
	}
}

type stubRunService struct {
	migrateErr  error
	rollbackErr error
	lastDryRun  bool
	lastConfirm bool
}

func (s *stubRunService) Migrate(_ context.Context, req core.MigrateRequest) (core.MigrationResult, error) {
	s.lastDryRun = req.DryRun
	return core.MigrationResult{State: core.StateCommitted}, s.migrateErr
}

func (s *stubRunService) Rollback(_ context.Context, req core.RollbackRequest) (core.RollbackResult, error) {
	s.lastConfirm = req.Confirm
	return core.RollbackResult{State: core.StateRolledBack}, s.rollbackErr
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, errors.New("queue empty")
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	started     int
	succeeded   int
	failed      int
	retried     int
	lastAttempt int
}

func (h *capturingHook) OnStart(context.Context, worker.Event) { h.started++ }

func (h *capturingHook) OnSuccess(context.Context, worker.Event) { h.succeeded++ }

func (h *capturingHook) OnFailure(_ context.Context, event worker.Event) {
	h.failed++
	h.lastAttempt = event.Attempt
}

func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.retried++
	h.lastAttempt = event.Attempt
}
