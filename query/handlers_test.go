package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-normalize/core"
)

func TestPreflightQuery_Delegates(t *testing.T) {
	runner := stubPreflightRunner{result: core.PreflightResult{Mode: core.RunModeForward, SourceRows: 3}}
	result, err := NewPreflightQuery(runner).Query(context.Background(), PreflightMessage{})
	if err != nil {
		t.Fatalf("query preflight: %v", err)
	}
	if result.Mode != core.RunModeForward || result.SourceRows != 3 {
		t.Fatalf("unexpected preflight result: %#v", result)
	}
}

func TestRunHistoryQuery_ValidatesLimit(t *testing.T) {
	reader := &stubRunReader{runs: []core.Run{{ID: "run_1"}, {ID: "run_2"}}}
	query := NewRunHistoryQuery(reader)

	if _, err := query.Query(context.Background(), RunHistoryMessage{Limit: -1}); err == nil {
		t.Fatalf("expected negative limit error")
	}
	runs, err := query.Query(context.Background(), RunHistoryMessage{Limit: 10})
	if err != nil {
		t.Fatalf("query run history: %v", err)
	}
	if len(runs) != 2 || reader.lastLimit != 10 {
		t.Fatalf("unexpected run history delegation: %d runs, limit %d", len(runs), reader.lastLimit)
	}
}

func TestLatestRunQuery_NotFound(t *testing.T) {
	reader := &stubRunReader{}
	_, err := NewLatestRunQuery(reader).Query(context.Background(), LatestRunMessage{Status: core.RunStatusCommitted})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	reader.latest = core.Run{ID: "run_9", Status: core.RunStatusCommitted}
	reader.found = true
	run, err := NewLatestRunQuery(reader).Query(context.Background(), LatestRunMessage{Status: core.RunStatusCommitted})
	if err != nil {
		t.Fatalf("query latest run: %v", err)
	}
	if run.ID != "run_9" {
		t.Fatalf("unexpected latest run: %#v", run)
	}
}

func TestIntegrationTokenQuery_ReportsValidity(t *testing.T) {
	token := "tok"
	expires := time.Now().Add(time.Hour)
	reader := stubIntegrationReader{
		record: core.IntegrationRecord{ID: "int_1", AccessToken: &token, TokenExpiresAt: &expires},
		valid:  true,
	}
	result, err := NewIntegrationTokenQuery(reader).Query(context.Background(), IntegrationTokenMessage{UserID: "u1", ServiceID: "github"})
	if err != nil {
		t.Fatalf("query token: %v", err)
	}
	if !result.Valid || result.Integration.ID != "int_1" {
		t.Fatalf("unexpected token result: %#v", result)
	}

	if _, err := NewIntegrationTokenQuery(reader).Query(context.Background(), IntegrationTokenMessage{UserID: "u1"}); err == nil {
		t.Fatalf("expected missing service id error")
	}
}

func TestActiveIntegrationsQuery_RequiresUser(t *testing.T) {
	reader := stubIntegrationReader{active: []core.IntegrationRecord{{ID: "int_1"}}}
	if _, err := NewActiveIntegrationsQuery(reader).Query(context.Background(), ActiveIntegrationsMessage{}); err == nil {
		t.Fatalf("expected missing user id error")
	}
	records, err := NewActiveIntegrationsQuery(reader).Query(context.Background(), ActiveIntegrationsMessage{UserID: "u1"})
	if err != nil {
		t.Fatalf("query active integrations: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one integration, got %d", len(records))
	}
}

func TestQueries_NilDependencies(t *testing.T) {
	if _, err := (*PreflightQuery)(nil).Query(context.Background(), PreflightMessage{}); err == nil {
		t.Fatalf("expected preflight dependency error")
	}
	if _, err := NewListServicesQuery(nil).Query(context.Background(), ListServicesMessage{}); err == nil {
		t.Fatalf("expected catalog dependency error")
	}
}

type stubPreflightRunner struct {
	result core.PreflightResult
	err    error
}

func (s stubPreflightRunner) Preflight(context.Context) (core.PreflightResult, error) {
	return s.result, s.err
}

type stubRunReader struct {
	runs      []core.Run
	latest    core.Run
	found     bool
	lastLimit int
}

func (s *stubRunReader) ListRuns(_ context.Context, limit int) ([]core.Run, error) {
	s.lastLimit = limit
	return s.runs, nil
}

func (s *stubRunReader) LatestRun(context.Context, core.RunStatus) (core.Run, bool, error) {
	return s.latest, s.found, nil
}

type stubIntegrationReader struct {
	active []core.IntegrationRecord
	record core.IntegrationRecord
	valid  bool
}

func (s stubIntegrationReader) ListActive(context.Context, string) ([]core.IntegrationRecord, error) {
	return s.active, nil
}

func (s stubIntegrationReader) Token(context.Context, string, string) (core.IntegrationRecord, bool, error) {
	return s.record, s.valid, nil
}
