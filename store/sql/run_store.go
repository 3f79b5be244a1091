package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-normalize/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultRunListLimit = 20

// RunStore is the bun-backed run ledger.
type RunStore struct {
	db   *bun.DB
	repo repository.Repository[*runRecord]
	now  func() time.Time
}

func NewRunStore(db *bun.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*runRecord](db, runHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid run repository wiring: %w", err)
		}
	}
	return &RunStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RunStore) StartRun(ctx context.Context, run core.Run) (core.Run, error) {
	if s == nil || s.repo == nil {
		return core.Run{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	if strings.TrimSpace(run.SourceTable) == "" {
		return core.Run{}, fmt.Errorf("sqlstore: run source table is required")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	created, err := s.repo.Create(ctx, newRunRecord(run, s.now()))
	if err != nil {
		return core.Run{}, err
	}
	return created.toDomain(), nil
}

func (s *RunStore) FinishRun(ctx context.Context, run core.Run) (core.Run, error) {
	if s == nil || s.repo == nil {
		return core.Run{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return core.Run{}, fmt.Errorf("sqlstore: run id is required")
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return core.Run{}, err
	}

	now := s.now()
	current.Status = string(run.Status)
	current.State = string(run.State)
	current.SourceRows = run.SourceRows
	current.ServiceCounts = copyCounts(run.ServiceCounts)
	current.Edges = copyEdges(run.Edges)
	current.Error = run.Error
	current.FinishedAt = cloneTimePointer(run.FinishedAt)
	if current.FinishedAt == nil && run.Status != core.RunStatusRunning {
		current.FinishedAt = &now
	}
	current.UpdatedAt = now

	updated, err := s.repo.Update(ctx, current, repository.UpdateByID(id))
	if err != nil {
		return core.Run{}, err
	}
	return updated.toDomain(), nil
}

// LatestRun returns the most recently started run for sourceTable. An empty
// status matches any status.
func (s *RunStore) LatestRun(ctx context.Context, sourceTable string, status core.RunStatus) (core.Run, bool, error) {
	if s == nil || s.repo == nil {
		return core.Run{}, false, fmt.Errorf("sqlstore: run store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("source_table", "=", strings.TrimSpace(sourceTable)),
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(1, 0),
	}
	if status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(status)))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.Run{}, false, err
	}
	if len(records) == 0 {
		return core.Run{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *RunStore) ListRuns(ctx context.Context, sourceTable string, limit int) ([]core.Run, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: run store is not configured")
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if table := strings.TrimSpace(sourceTable); table != "" {
		selectors = append(selectors, repository.SelectBy("source_table", "=", table))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Run, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// GetRun loads one ledger entry by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (core.Run, error) {
	if s == nil || s.repo == nil {
		return core.Run{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	record := &runRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Run{}, core.NotFoundError("run not found", map[string]any{"run_id": id})
		}
		return core.Run{}, err
	}
	return record.toDomain(), nil
}
