package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-normalize/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDMigrate  = "normalize.migrate"
	JobIDRollback = "normalize.rollback"

	ParamDryRun  = "dry_run"
	ParamConfirm = "confirm"
)

// RunService is the part of core.Service a queued run needs.
type RunService interface {
	Migrate(ctx context.Context, req core.MigrateRequest) (core.MigrationResult, error)
	Rollback(ctx context.Context, req core.RollbackRequest) (core.RollbackResult, error)
}

// RetryPolicy bounds redelivery of failed runs. Only lock waits and
// deadlines are retried; every other failure is final for that message.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       30 * time.Second,
		MaxDelay:        5 * time.Minute,
		DeadLetterOnMax: true,
	}
}

// NackOptions decides how a failed attempt is handed back to the queue.
func (p RetryPolicy) NackOptions(err error, attempt int) queue.NackOptions {
	opts := queue.NackOptions{Reason: strings.TrimSpace(errorText(err))}
	if !Retryable(err) {
		opts.DeadLetter = true
		return opts
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		opts.DeadLetter = p.DeadLetterOnMax
		opts.Requeue = !p.DeadLetterOnMax
		return opts
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	opts.Requeue = true
	opts.Delay = delay
	return opts
}

// Retryable reports whether a failed run may succeed on redelivery.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return core.TextCode(err) == core.ErrorDeadlineExceeded
}

// NewMigrateMessage builds the queue message for one forward run. Runs of
// the same source table should share idempotencyKey so the queue can drop
// duplicates.
func NewMigrateMessage(req core.MigrateRequest, idempotencyKey string) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDMigrate,
		ScriptPath:     JobIDMigrate,
		Parameters:     map[string]any{ParamDryRun: req.DryRun},
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

func NewRollbackMessage(req core.RollbackRequest, idempotencyKey string) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDRollback,
		ScriptPath:     JobIDRollback,
		Parameters:     map[string]any{ParamConfirm: req.Confirm},
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

type Enqueuer struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuer(enqueuer queue.Enqueuer) *Enqueuer {
	return &Enqueuer{enqueuer: enqueuer}
}

func (e *Enqueuer) EnqueueMigrate(ctx context.Context, req core.MigrateRequest, idempotencyKey string) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return e.enqueuer.Enqueue(ctx, NewMigrateMessage(req, idempotencyKey))
}

func (e *Enqueuer) EnqueueRollback(ctx context.Context, req core.RollbackRequest, idempotencyKey string) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if !req.Confirm {
		return fmt.Errorf("gojob: rollback requires explicit confirmation")
	}
	return e.enqueuer.Enqueue(ctx, NewRollbackMessage(req, idempotencyKey))
}

type RunnerOption func(*Runner)

func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = policy
	}
}

// WithWorkerHook observes every attempt with go-job worker events.
func WithWorkerHook(hook worker.Hook) RunnerOption {
	return func(r *Runner) {
		r.hook = hook
	}
}

func WithLogger(logger glog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Runner executes queued migrate and rollback messages one at a time. The
// engine serialises runs on the source table lock, so a Runner never
// processes deliveries concurrently.
type Runner struct {
	service  RunService
	dequeuer queue.Dequeuer
	policy   RetryPolicy
	hook     worker.Hook
	logger   glog.Logger
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

func NewRunner(service RunService, dequeuer queue.Dequeuer, opts ...RunnerOption) (*Runner, error) {
	if service == nil {
		return nil, fmt.Errorf("gojob: run service is required")
	}
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	runner := &Runner{
		service:  service,
		dequeuer: dequeuer,
		policy:   DefaultRetryPolicy(),
		logger:   glog.Nop(),
		now:      time.Now,
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

// ProcessNext dequeues one delivery and settles it. The returned error is
// the run failure, after the delivery was acked or nacked.
func (r *Runner) ProcessNext(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("gojob: dequeue: %w", err)
	}
	if delivery == nil {
		return nil
	}
	return r.process(ctx, delivery)
}

func (r *Runner) process(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "empty message"})
	}
	key := attemptKey(msg)
	r.attempts[key]++
	attempt := r.attempts[key]

	startedAt := r.now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	r.emit(ctx, r.onStart, event)

	runErr := r.execute(ctx, msg)
	event.Duration = r.now().Sub(startedAt)
	if runErr == nil {
		delete(r.attempts, key)
		r.emit(ctx, r.onSuccess, event)
		r.logger.Info("queued run finished", "job_id", msg.JobID, "attempt", attempt)
		return delivery.Ack(ctx)
	}

	event.Err = runErr
	opts := r.policy.NackOptions(runErr, attempt)
	if opts.Requeue {
		event.Delay = opts.Delay
		r.emit(ctx, r.onRetry, event)
		r.logger.Warn("queued run will retry", "job_id", msg.JobID, "attempt", attempt, "delay", opts.Delay.String(), "error", runErr.Error())
	} else {
		delete(r.attempts, key)
		r.emit(ctx, r.onFailure, event)
		r.logger.Error("queued run failed", "job_id", msg.JobID, "attempt", attempt, "error", runErr.Error())
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		return fmt.Errorf("gojob: nack after %w: %v", runErr, nackErr)
	}
	return runErr
}

func (r *Runner) execute(ctx context.Context, msg *job.ExecutionMessage) error {
	switch strings.TrimSpace(msg.JobID) {
	case JobIDMigrate:
		_, err := r.service.Migrate(ctx, core.MigrateRequest{DryRun: boolParam(msg.Parameters, ParamDryRun)})
		return err
	case JobIDRollback:
		_, err := r.service.Rollback(ctx, core.RollbackRequest{Confirm: boolParam(msg.Parameters, ParamConfirm)})
		return err
	default:
		return fmt.Errorf("gojob: unsupported job %q", msg.JobID)
	}
}

func (r *Runner) onStart(ctx context.Context, event worker.Event)   { r.hook.OnStart(ctx, event) }
func (r *Runner) onSuccess(ctx context.Context, event worker.Event) { r.hook.OnSuccess(ctx, event) }
func (r *Runner) onFailure(ctx context.Context, event worker.Event) { r.hook.OnFailure(ctx, event) }
func (r *Runner) onRetry(ctx context.Context, event worker.Event)   { r.hook.OnRetry(ctx, event) }

func (r *Runner) emit(ctx context.Context, fn func(context.Context, worker.Event), event worker.Event) {
	if r.hook == nil {
		return
	}
	fn(ctx, event)
}

func attemptKey(msg *job.ExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

func boolParam(params map[string]any, key string) bool {
	switch value := params[key].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(strings.TrimSpace(value), "true")
	default:
		return false
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ worker.Hook = (*LoggingHook)(nil)

// LoggingHook writes one log line per worker event.
type LoggingHook struct {
	Logger glog.Logger
}

func (h LoggingHook) logger() glog.Logger {
	if h.Logger == nil {
		return glog.Nop()
	}
	return h.Logger
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.logger().Debug("normalize job started", eventFields(event)...)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.logger().Info("normalize job succeeded", eventFields(event)...)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.logger().Error("normalize job failed", eventFields(event)...)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.logger().Warn("normalize job retrying", eventFields(event)...)
}

func eventFields(event worker.Event) []any {
	fields := []any{"attempt", event.Attempt, "duration_ms", event.Duration.Milliseconds()}
	if event.Message != nil {
		fields = append(fields, "job_id", event.Message.JobID)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay.String())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}
