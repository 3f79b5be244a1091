package core

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// RollbackEngine reverses a committed run: the backup takes the live name
// again and the normalized tables are dropped.
type RollbackEngine struct {
	cfg     Config
	dialect Dialect
	ledger  RunLedger
	hooks   *TransitionHookCoordinator
	obs     observer
	clock   func() time.Time
	ids     func() string
	rewirer *ForeignKeyRewirer
}

func NewRollbackEngine(cfg Config, opts ...Option) (*RollbackEngine, error) {
	builder, resolved, err := buildEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	obs := builder.observer()
	engine := &RollbackEngine{
		cfg:     resolved,
		dialect: builder.dialect,
		ledger:  builder.ledger,
		hooks:   builder.hooks,
		obs:     obs,
		clock:   builder.clock,
		ids:     builder.idGenerator,
		rewirer: NewForeignKeyRewirer(resolved, builder.dialect),
	}
	engine.rewirer.obs = obs
	return engine, nil
}

func (e *RollbackEngine) Hooks() *TransitionHookCoordinator {
	return e.hooks
}

// Rollback restores the pre-migration layout in one locked transaction.
// Without a backup table there is nothing to restore and ErrBackupMissing is
// returned with the database untouched.
func (e *RollbackEngine) Rollback(ctx context.Context, db *bun.DB) (result RollbackResult, err error) {
	if db == nil {
		return result, normalizeError(ErrRollbackFailure, "database handle is required", nil, nil)
	}
	startedAt := time.Now()
	if overall := e.cfg.Timeouts.OverallTimeout(); overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, overall)
		defer cancel()
	}
	machine := NewStateMachineAt(StateCommitted)
	result = RollbackResult{RunID: e.ids(), State: machine.Current()}
	defer func() {
		e.obs.observeStep(ctx, startedAt, "rollback", err, map[string]any{
			"run_id":        result.RunID,
			"restored_rows": result.RestoredRows,
			"state":         string(result.State),
		})
	}()

	forward, found, err := e.committedRun(ctx)
	if err != nil {
		return result, err
	}
	run := Run{
		ID:          result.RunID,
		Mode:        RunModeRollback,
		Status:      RunStatusRunning,
		State:       StateCommitted,
		SourceTable: e.cfg.Source.Table,
		BackupTable: e.cfg.Source.BackupTable,
		StartedAt:   e.clock(),
	}
	if e.ledger != nil {
		if run, err = e.ledger.StartRun(ctx, run); err != nil {
			return result, classifyStepError(e.dialect, "record rollback start", err)
		}
	}

	err = runInSession(ctx, db, e.dialect, e.obs, func(ctx context.Context, tx bun.Tx) error {
		return e.restore(ctx, tx, machine, forward, found, &result)
	})
	if err != nil {
		err = e.failure(err)
	}
	result.State = machine.Current()

	if hookErr := e.hooks.ExecuteAfter(ctx, TransitionEvent{
		RunID:      result.RunID,
		Mode:       RunModeRollback,
		From:       StateCommitted,
		To:         result.State,
		OccurredAt: e.clock(),
	}); hookErr != nil {
		e.obs.logWarn(ctx, "terminal hooks failed", map[string]any{"run_id": result.RunID, "error": hookErr.Error()})
	}

	run.State = result.State
	run.SourceRows = result.RestoredRows
	run.Edges = result.Edges
	run.Status = RunStatusRolledBack
	if err != nil {
		run.Status = RunStatusAborted
		run.Error = err.Error()
	}
	e.finish(ctx, run, forward, found && err == nil)
	return result, err
}

func (e *RollbackEngine) restore(ctx context.Context, tx bun.Tx, machine *StateMachine, forward Run, found bool, result *RollbackResult) error {
	cfg := e.cfg
	live := cfg.Source.Table
	backup := cfg.Source.BackupTable
	statement := cfg.Timeouts.StatementTimeout()

	exists, err := e.dialect.TableExists(ctx, tx, backup)
	if err != nil {
		return classifyStepError(e.dialect, "inspect backup table", err)
	}
	if !exists {
		return normalizeError(ErrBackupMissing, fmt.Sprintf("backup table %q does not exist; nothing to roll back", backup), nil, map[string]any{
			"table": backup,
		})
	}
	liveExists, err := e.dialect.TableExists(ctx, tx, live)
	if err != nil {
		return classifyStepError(e.dialect, "inspect live table", err)
	}
	locked := []string{backup}
	if liveExists {
		locked = append([]string{live}, backup)
	}
	if err := lockTables(ctx, tx, e.dialect, sessionTimeouts(cfg), locked...); err != nil {
		return err
	}
	if err := e.verifyLayout(ctx, tx, liveExists); err != nil {
		return err
	}

	edges, err := e.originalEdges(ctx, tx, forward, found)
	if err != nil {
		return err
	}
	result.Edges = edges

	return withDeadline(ctx, statement, func(ctx context.Context) error {
		if liveExists {
			if result.ProfileRows, err = countWhere(ctx, tx, live, truePredicate); err != nil {
				return classifyStepError(e.dialect, "count profile rows", err)
			}
		}
		for _, table := range []string{cfg.Integrations.Table, cfg.Catalog.Table} {
			if err := dropTable(ctx, tx, table); err != nil {
				return classifyStepError(e.dialect, "drop "+table, err)
			}
		}
		if _, err := e.rewirer.DropAll(ctx, tx, retarget(edges, live)); err != nil {
			return err
		}

		if liveExists {
			aside := live + "__rollback"
			if err := renameTable(ctx, tx, live, aside); err != nil {
				return classifyStepError(e.dialect, "move profile aside", err)
			}
			if err := renameTable(ctx, tx, backup, live); err != nil {
				return classifyStepError(e.dialect, "restore backup", err)
			}
			if err := dropTable(ctx, tx, aside); err != nil {
				return classifyStepError(e.dialect, "drop profile", err)
			}
		} else if err := renameTable(ctx, tx, backup, live); err != nil {
			return classifyStepError(e.dialect, "restore backup", err)
		}

		rewired, err := e.rewirer.RecreateAll(ctx, tx, edges, live)
		result.SkippedEdges = rewired.Skipped
		if err != nil {
			return err
		}

		if result.RestoredRows, err = countWhere(ctx, tx, live, truePredicate); err != nil {
			return classifyStepError(e.dialect, "count restored rows", err)
		}
		if liveExists && result.RestoredRows != result.ProfileRows {
			return normalizeError(ErrRollbackFailure,
				fmt.Sprintf("restored %d rows but the profile held %d", result.RestoredRows, result.ProfileRows),
				nil,
				map[string]any{"restored_rows": result.RestoredRows, "profile_rows": result.ProfileRows},
			)
		}
		if found && forward.SourceRows > 0 && result.RestoredRows != forward.SourceRows {
			return normalizeError(ErrRollbackFailure,
				fmt.Sprintf("restored %d rows but run %s migrated %d", result.RestoredRows, forward.ID, forward.SourceRows),
				nil,
				map[string]any{"restored_rows": result.RestoredRows, "source_rows": forward.SourceRows, "run_id": forward.ID},
			)
		}

		if err := machine.Transition(StateRolledBack); err != nil {
			return normalizeError(ErrInvalidTransition, err.Error(), err, nil)
		}
		return e.hooks.ExecuteInTx(ctx, TransitionEvent{
			RunID:      result.RunID,
			Mode:       RunModeRollback,
			From:       StateCommitted,
			To:         StateRolledBack,
			DB:         tx,
			OccurredAt: e.clock(),
		})
	})
}

// verifyLayout refuses to touch anything unless the backup still holds the
// credential columns and the live table, when present, is the profile.
func (e *RollbackEngine) verifyLayout(ctx context.Context, db bun.IDB, liveExists bool) error {
	cfg := e.cfg
	mappings := cfg.EntityMappings()
	backupColumns, err := e.dialect.Columns(ctx, db, cfg.Source.BackupTable)
	if err != nil {
		return classifyStepError(e.dialect, "inspect backup columns", err)
	}
	if !hasAnyCredentialColumn(backupColumns, mappings) {
		return normalizeError(ErrRollbackFailure,
			fmt.Sprintf("backup table %q carries no credential columns; it is not a pre-migration copy", cfg.Source.BackupTable),
			nil,
			map[string]any{"table": cfg.Source.BackupTable},
		)
	}
	if !liveExists {
		return nil
	}
	liveColumns, err := e.dialect.Columns(ctx, db, cfg.Source.Table)
	if err != nil {
		return classifyStepError(e.dialect, "inspect live columns", err)
	}
	if hasAnyCredentialColumn(liveColumns, mappings) {
		return normalizeError(ErrRollbackFailure,
			fmt.Sprintf("live table %q still carries credential columns; it is not a normalized profile", cfg.Source.Table),
			nil,
			map[string]any{"table": cfg.Source.Table, "backup_table": cfg.Source.BackupTable},
		)
	}
	return nil
}

// originalEdges prefers the dependents recorded by the committed run and
// falls back to declared plus discovered ones.
func (e *RollbackEngine) originalEdges(ctx context.Context, db bun.IDB, forward Run, found bool) ([]DependencyEdge, error) {
	cfg := e.cfg
	managed := []string{cfg.Integrations.Table, cfg.Catalog.Table, cfg.Profile.StagingTable, cfg.Source.BackupTable}
	var edges []DependencyEdge
	if found && len(forward.Edges) > 0 {
		edges = forward.Edges
	} else {
		discovered, err := e.rewirer.DiscoverDependents(ctx, db, cfg.Source.Table)
		if err != nil {
			return nil, err
		}
		edges = discovered
	}
	out := make([]DependencyEdge, 0, len(edges))
	for _, edge := range dependentEdges(edges, managed...) {
		if edge.SelfReferential() {
			continue
		}
		out = append(out, edge)
	}
	return out, nil
}

func (e *RollbackEngine) committedRun(ctx context.Context) (Run, bool, error) {
	if e.ledger == nil {
		return Run{}, false, nil
	}
	run, found, err := e.ledger.LatestRun(ctx, e.cfg.Source.Table, RunStatusCommitted)
	if err != nil {
		return Run{}, false, classifyStepError(e.dialect, "read committed run", err)
	}
	return run, found, nil
}

func (e *RollbackEngine) finish(ctx context.Context, run, forward Run, markForward bool) {
	if e.ledger == nil {
		return
	}
	ctx, cancel := finishContext(ctx, e.cfg.Timeouts.StatementTimeout())
	defer cancel()

	finishedAt := e.clock()
	if markForward {
		forward.Status = RunStatusRolledBack
		forward.State = StateRolledBack
		if _, err := e.ledger.FinishRun(ctx, forward); err != nil {
			e.obs.logError(ctx, "could not mark run rolled back", map[string]any{"run_id": forward.ID, "error": err.Error()})
		}
	}
	run.FinishedAt = &finishedAt
	if _, err := e.ledger.FinishRun(ctx, run); err != nil {
		e.obs.logError(ctx, "could not record rollback outcome", map[string]any{"run_id": run.ID, "error": err.Error()})
	}
}

func (e *RollbackEngine) failure(err error) error {
	if classified(err) {
		return err
	}
	return normalizeError(ErrRollbackFailure, "rollback failed: "+err.Error(), err, nil)
}

func retarget(edges []DependencyEdge, table string) []DependencyEdge {
	out := make([]DependencyEdge, len(edges))
	for idx, edge := range edges {
		edge.ReferencedTable = table
		out[idx] = edge
	}
	return out
}
