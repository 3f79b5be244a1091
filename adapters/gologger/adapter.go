package gologger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-normalize/core"
	"github.com/uptrace/bun"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Options resolves the logger pair and returns the matching engine options.
func Options(name string, provider glog.LoggerProvider, logger glog.Logger) []core.Option {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return []core.Option{
		core.WithLoggerProvider(resolvedProvider),
		core.WithLogger(resolvedLogger),
	}
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job
// adapters for the queued run executor.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

// QueryHook logs every statement bun executes. Statements are logged at
// debug level and failures at error level; sql.ErrNoRows is not a failure.
type QueryHook struct {
	logger    glog.Logger
	slowQuery time.Duration
}

var _ bun.QueryHook = (*QueryHook)(nil)

func NewQueryHook(logger glog.Logger, slowQuery time.Duration) *QueryHook {
	if logger == nil {
		logger = glog.Nop()
	}
	return &QueryHook{logger: logger, slowQuery: slowQuery}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if h == nil || event == nil {
		return
	}
	elapsed := time.Since(event.StartTime)
	logger := h.logger.WithContext(ctx)
	fields := []any{
		"operation", event.Operation(),
		"duration_ms", elapsed.Milliseconds(),
		"query", event.Query,
	}
	switch {
	case event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows):
		logger.Error("sql statement failed", append(fields, "error", event.Err.Error())...)
	case h.slowQuery > 0 && elapsed >= h.slowQuery:
		logger.Warn("slow sql statement", fields...)
	default:
		logger.Debug("sql statement", fields...)
	}
}
