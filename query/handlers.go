package query

import (
	"context"

	"github.com/goliatone/go-normalize/core"
)

type PreflightRunner interface {
	Preflight(ctx context.Context) (core.PreflightResult, error)
}

type RunReader interface {
	ListRuns(ctx context.Context, limit int) ([]core.Run, error)
	LatestRun(ctx context.Context, status core.RunStatus) (core.Run, bool, error)
}

type IntegrationReader interface {
	ListActive(ctx context.Context, userID string) ([]core.IntegrationRecord, error)
	Token(ctx context.Context, userID, serviceID string) (core.IntegrationRecord, bool, error)
}

type CatalogReader interface {
	ListServices(ctx context.Context, activeOnly bool) ([]core.ServiceDescriptor, error)
}

// PreflightQuery runs the read-only checks without touching any data.
type PreflightQuery struct {
	runner PreflightRunner
}

func NewPreflightQuery(runner PreflightRunner) *PreflightQuery {
	return &PreflightQuery{runner: runner}
}

func (q *PreflightQuery) Query(ctx context.Context, _ PreflightMessage) (core.PreflightResult, error) {
	if q == nil || q.runner == nil {
		return core.PreflightResult{}, queryDependencyError("query: preflight runner is required")
	}
	return q.runner.Preflight(ctx)
}

type RunHistoryQuery struct {
	reader RunReader
}

func NewRunHistoryQuery(reader RunReader) *RunHistoryQuery {
	return &RunHistoryQuery{reader: reader}
}

func (q *RunHistoryQuery) Query(ctx context.Context, msg RunHistoryMessage) ([]core.Run, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: run reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListRuns(ctx, msg.Limit)
}

type LatestRunQuery struct {
	reader RunReader
}

func NewLatestRunQuery(reader RunReader) *LatestRunQuery {
	return &LatestRunQuery{reader: reader}
}

func (q *LatestRunQuery) Query(ctx context.Context, msg LatestRunMessage) (core.Run, error) {
	if q == nil || q.reader == nil {
		return core.Run{}, queryDependencyError("query: run reader is required")
	}
	run, found, err := q.reader.LatestRun(ctx, msg.Status)
	if err != nil {
		return core.Run{}, err
	}
	if !found {
		return core.Run{}, core.NotFoundError("no matching run", map[string]any{"status": string(msg.Status)})
	}
	return run, nil
}

type ActiveIntegrationsQuery struct {
	reader IntegrationReader
}

func NewActiveIntegrationsQuery(reader IntegrationReader) *ActiveIntegrationsQuery {
	return &ActiveIntegrationsQuery{reader: reader}
}

func (q *ActiveIntegrationsQuery) Query(ctx context.Context, msg ActiveIntegrationsMessage) ([]core.IntegrationRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: integration reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListActive(ctx, msg.UserID)
}

type IntegrationTokenQuery struct {
	reader IntegrationReader
}

func NewIntegrationTokenQuery(reader IntegrationReader) *IntegrationTokenQuery {
	return &IntegrationTokenQuery{reader: reader}
}

func (q *IntegrationTokenQuery) Query(ctx context.Context, msg IntegrationTokenMessage) (TokenResult, error) {
	if q == nil || q.reader == nil {
		return TokenResult{}, queryDependencyError("query: integration reader is required")
	}
	if err := msg.Validate(); err != nil {
		return TokenResult{}, err
	}
	integration, valid, err := q.reader.Token(ctx, msg.UserID, msg.ServiceID)
	if err != nil {
		return TokenResult{}, err
	}
	return TokenResult{Integration: integration, Valid: valid}, nil
}

type ListServicesQuery struct {
	reader CatalogReader
}

func NewListServicesQuery(reader CatalogReader) *ListServicesQuery {
	return &ListServicesQuery{reader: reader}
}

func (q *ListServicesQuery) Query(ctx context.Context, msg ListServicesMessage) ([]core.ServiceDescriptor, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: catalog reader is required")
	}
	return q.reader.ListServices(ctx, msg.ActiveOnly)
}
