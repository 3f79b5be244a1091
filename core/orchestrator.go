package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// errDryRun forces the migration transaction to roll back after every
// checkpoint passed.
var errDryRun = errors.New("core: dry run completed")

// Orchestrator drives one normalization run through the state machine inside
// a single locked transaction.
type Orchestrator struct {
	cfg     Config
	dialect Dialect
	ledger  RunLedger
	hooks   *TransitionHookCoordinator
	obs     observer
	clock   func() time.Time
	ids     func() string

	preflight *PreflightValidator
	schema    *SchemaBuilder
	migrator  *DataMigrator
	validator *IntegrityValidator
	rewirer   *ForeignKeyRewirer
	swapper   *TableSwapper
}

func NewOrchestrator(cfg Config, opts ...Option) (*Orchestrator, error) {
	builder, resolved, err := buildEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	obs := builder.observer()

	o := &Orchestrator{
		cfg:     resolved,
		dialect: builder.dialect,
		ledger:  builder.ledger,
		hooks:   builder.hooks,
		obs:     obs,
		clock:   builder.clock,
		ids:     builder.idGenerator,

		preflight: NewPreflightValidator(resolved, builder.dialect),
		schema:    NewSchemaBuilder(resolved, builder.dialect),
		migrator:  NewDataMigrator(resolved, builder.dialect),
		validator: NewIntegrityValidator(resolved, builder.dialect),
		rewirer:   NewForeignKeyRewirer(resolved, builder.dialect),
		swapper:   NewTableSwapper(resolved, builder.dialect),
	}
	o.preflight.obs = obs
	o.schema.obs = obs
	o.schema.clock = builder.clock
	o.migrator.obs = obs
	o.migrator.clock = builder.clock
	o.migrator.ids = builder.idGenerator
	o.validator.obs = obs
	o.rewirer.obs = obs
	o.swapper.obs = obs
	return o, nil
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) Dialect() Dialect {
	return o.dialect
}

// Hooks exposes the coordinator so callers can register transition hooks
// after construction.
func (o *Orchestrator) Hooks() *TransitionHookCoordinator {
	return o.hooks
}

// Preflight runs the read-only checks without opening a migration
// transaction.
func (o *Orchestrator) Preflight(ctx context.Context, db bun.IDB) (PreflightResult, error) {
	if db == nil {
		return PreflightResult{}, normalizeError(ErrPreflightFailure, "database handle is required", nil, nil)
	}
	var result PreflightResult
	err := withDeadline(ctx, o.cfg.Timeouts.StatementTimeout(), func(ctx context.Context) error {
		var err error
		result, err = o.preflight.Run(ctx, db)
		return err
	})
	return result, err
}

// Run executes the whole migration as one unit of work. On success the
// result reports StateCommitted; on any failure the transaction is rolled
// back, the result reports StateAborted and the error carries the taxonomy
// sentinel of the failing step.
func (o *Orchestrator) Run(ctx context.Context, db *bun.DB) (result MigrationResult, err error) {
	if db == nil {
		return result, normalizeError(ErrPreflightFailure, "database handle is required", nil, nil)
	}
	startedAt := time.Now()
	if overall := o.cfg.Timeouts.OverallTimeout(); overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, overall)
		defer cancel()
	}

	machine := NewStateMachine()
	result = MigrationResult{
		RunID:         o.ids(),
		Mode:          RunModeForward,
		State:         machine.Current(),
		DryRun:        o.cfg.Policy.DryRun,
		ServiceCounts: map[string]int{},
	}
	defer func() {
		o.obs.observeStep(ctx, startedAt, "migrate", err, map[string]any{
			"run_id":  result.RunID,
			"mode":    string(result.Mode),
			"state":   string(result.State),
			"dry_run": result.DryRun,
		})
	}()

	run, err := o.startRun(ctx, result.RunID)
	if err != nil {
		return result, err
	}

	var edges []DependencyEdge
	err = runInSession(ctx, db, o.dialect, o.obs, func(ctx context.Context, tx bun.Tx) error {
		var pipelineErr error
		edges, pipelineErr = o.pipeline(ctx, tx, machine, &result)
		return pipelineErr
	})

	previous := machine.Current()
	status := RunStatusCommitted
	switch {
	case err == nil:
		if transitionErr := machine.Transition(StateCommitted); transitionErr != nil {
			err = normalizeError(ErrInvalidTransition, transitionErr.Error(), transitionErr, nil)
		}
	case errors.Is(err, errDryRun):
		err = nil
		status = RunStatusDryRun
		_ = machine.Transition(StateAborted)
	}
	if err != nil {
		status = RunStatusAborted
		if !machine.Current().Terminal() {
			_ = machine.Transition(StateAborted)
		}
		err = classifyStepError(o.dialect, "migration", err)
	}
	result.State = machine.Current()
	result.History = machine.History()

	if hookErr := o.hooks.ExecuteAfter(ctx, TransitionEvent{
		RunID:      result.RunID,
		Mode:       result.Mode,
		From:       previous,
		To:         result.State,
		OccurredAt: o.clock(),
	}); hookErr != nil {
		o.obs.logWarn(ctx, "terminal hooks failed", map[string]any{"run_id": result.RunID, "error": hookErr.Error()})
	}

	run.Mode = result.Mode
	run.Status = status
	run.State = result.State
	run.SourceRows = result.Preflight.SourceRows
	run.ServiceCounts = result.ServiceCounts
	run.Edges = edges
	if err != nil {
		run.Error = err.Error()
	}
	o.finishRun(ctx, run)
	return result, err
}

func (o *Orchestrator) pipeline(ctx context.Context, tx bun.Tx, machine *StateMachine, result *MigrationResult) ([]DependencyEdge, error) {
	cfg := o.cfg
	statement := cfg.Timeouts.StatementTimeout()
	advance := func(to State) error {
		return o.advance(ctx, tx, machine, result, to)
	}

	if err := o.lock(ctx, tx); err != nil {
		return nil, err
	}
	if err := advance(StateLocked); err != nil {
		return nil, err
	}

	var pre PreflightResult
	if err := withDeadline(ctx, statement, func(ctx context.Context) error {
		var err error
		pre, err = o.preflight.Run(ctx, tx)
		return err
	}); err != nil {
		return nil, err
	}
	result.Preflight = pre
	result.Mode = pre.Mode
	result.Warnings = append(result.Warnings, pre.Warnings...)
	result.Reports = append(result.Reports, o.validator.Pre(ctx, pre))
	reconcile := pre.Mode == RunModeReconcile
	edges := dependentEdges(pre.Edges, cfg.Integrations.Table, cfg.Catalog.Table, cfg.Profile.StagingTable)

	if err := withDeadline(ctx, statement, func(ctx context.Context) error {
		return o.schema.Build(ctx, tx, pre)
	}); err != nil {
		return edges, err
	}
	if err := advance(StateSchemaCreated); err != nil {
		return edges, err
	}

	if !reconcile {
		if err := withDeadline(ctx, statement, func(ctx context.Context) error {
			_, err := o.migrator.MigrateProfiles(ctx, tx, cfg.Source.Table, cfg.Profile.StagingTable)
			return err
		}); err != nil {
			return edges, err
		}
	}
	for _, mapping := range cfg.EntityMappings() {
		if err := withDeadline(ctx, statement, func(ctx context.Context) error {
			inserted, err := o.migrator.MigrateMapping(ctx, tx, pre.ReadTable, mapping)
			result.ServiceCounts[mapping.ServiceID] += inserted
			return err
		}); err != nil {
			return edges, err
		}
	}
	if err := advance(StateDataMigrated); err != nil {
		return edges, err
	}

	tables := CheckpointTables{
		Source:   pre.ReadTable,
		Profile:  cfg.Profile.StagingTable,
		Catalog:  cfg.Catalog.Table,
		Junction: cfg.Integrations.Table,
	}
	if reconcile {
		tables.Profile = cfg.Source.Table
	}
	if err := withDeadline(ctx, statement, func(ctx context.Context) error {
		report, err := o.validator.Mid(ctx, tx, tables)
		result.Reports = append(result.Reports, report)
		result.Warnings = append(result.Warnings, report.Warnings...)
		return err
	}); err != nil {
		return edges, err
	}
	if err := advance(StateMidValidated); err != nil {
		return edges, err
	}

	if !reconcile {
		if err := withDeadline(ctx, statement, func(ctx context.Context) error {
			_, err := o.rewirer.DropAll(ctx, tx, edges)
			return err
		}); err != nil {
			return edges, err
		}
	}
	if err := advance(StateFKsDropped); err != nil {
		return edges, err
	}

	if !reconcile {
		if err := withDeadline(ctx, statement, func(ctx context.Context) error {
			return o.swapper.Swap(ctx, tx, machine)
		}); err != nil {
			return edges, err
		}
	}
	if err := advance(StateSwapped); err != nil {
		return edges, err
	}

	if !reconcile {
		if err := withDeadline(ctx, statement, func(ctx context.Context) error {
			rewired, err := o.rewirer.RecreateAll(ctx, tx, edges, cfg.Source.Table)
			result.SkippedEdges = append(result.SkippedEdges, rewired.Skipped...)
			for _, edge := range rewired.Skipped {
				result.Warnings = append(result.Warnings, "dependent skipped during rewiring: "+edge.String())
			}
			if err != nil {
				return err
			}
			_, err = o.rewirer.AttachProfileSelfReferences(ctx, tx, pre.Edges)
			return err
		}); err != nil {
			return edges, err
		}
	}
	if err := advance(StateFKsRecreated); err != nil {
		return edges, err
	}

	tables.Source = cfg.Source.BackupTable
	tables.Profile = cfg.Source.Table
	if err := withDeadline(ctx, statement, func(ctx context.Context) error {
		report, err := o.validator.PreCommit(ctx, tx, tables)
		result.Reports = append(result.Reports, report)
		return err
	}); err != nil {
		return edges, err
	}
	if err := advance(StatePreCommitValidated); err != nil {
		return edges, err
	}

	if cfg.Policy.DryRun {
		o.obs.logInfo(ctx, "dry run complete; rolling back", map[string]any{"run_id": result.RunID})
		return edges, errDryRun
	}
	return edges, nil
}

// lock takes the exclusive locks on the source and, when present, the
// backup. A missing source fails before any lock is attempted.
func (o *Orchestrator) lock(ctx context.Context, tx bun.Tx) error {
	source := o.cfg.Source
	exists, err := o.dialect.TableExists(ctx, tx, source.Table)
	if err != nil {
		return classifyStepError(o.dialect, "inspect source table", err)
	}
	if !exists {
		return normalizeError(ErrPreflightFailure, fmt.Sprintf("source table %q does not exist", source.Table), nil, map[string]any{
			"table": source.Table,
		})
	}
	tables := []string{source.Table}
	backup, err := o.dialect.TableExists(ctx, tx, source.BackupTable)
	if err != nil {
		return classifyStepError(o.dialect, "inspect backup table", err)
	}
	if backup {
		tables = append(tables, source.BackupTable)
	}
	return lockTables(ctx, tx, o.dialect, sessionTimeouts(o.cfg), tables...)
}

func (o *Orchestrator) advance(ctx context.Context, tx bun.Tx, machine *StateMachine, result *MigrationResult, to State) error {
	from := machine.Current()
	if err := machine.Transition(to); err != nil {
		return normalizeError(ErrInvalidTransition, err.Error(), err, map[string]any{"from": string(from), "to": string(to)})
	}
	result.State = to
	o.obs.logDebug(ctx, "state transition", map[string]any{
		"run_id": result.RunID,
		"from":   string(from),
		"to":     string(to),
	})
	event := TransitionEvent{
		RunID:      result.RunID,
		Mode:       result.Mode,
		From:       from,
		To:         to,
		DB:         tx,
		OccurredAt: o.clock(),
	}
	if err := o.hooks.ExecuteInTx(ctx, event); err != nil {
		return classifyStepError(o.dialect, "transition hook", err)
	}
	return nil
}

func (o *Orchestrator) startRun(ctx context.Context, id string) (Run, error) {
	run := Run{
		ID:          id,
		Mode:        RunModeForward,
		Status:      RunStatusRunning,
		State:       StateNotStarted,
		SourceTable: o.cfg.Source.Table,
		BackupTable: o.cfg.Source.BackupTable,
		StartedAt:   o.clock(),
	}
	if o.ledger == nil {
		return run, nil
	}
	stored, err := o.ledger.StartRun(ctx, run)
	if err != nil {
		return run, classifyStepError(o.dialect, "record run start", err)
	}
	return stored, nil
}

// finishRun records the outcome. A reconcile run inherits the dependents of
// the forward run it reconciled so a later rollback can restore them.
func (o *Orchestrator) finishRun(ctx context.Context, run Run) {
	if o.ledger == nil {
		return
	}
	ctx, cancel := finishContext(ctx, o.cfg.Timeouts.StatementTimeout())
	defer cancel()

	if run.Mode == RunModeReconcile && run.Status == RunStatusCommitted && len(run.Edges) == 0 {
		previous, found, err := o.ledger.LatestRun(ctx, run.SourceTable, RunStatusCommitted)
		if err != nil {
			o.obs.logWarn(ctx, "could not read previous run", map[string]any{"run_id": run.ID, "error": err.Error()})
		} else if found {
			run.Edges = previous.Edges
		}
	}
	finishedAt := o.clock()
	run.FinishedAt = &finishedAt
	if _, err := o.ledger.FinishRun(ctx, run); err != nil {
		o.obs.logError(ctx, "could not record run outcome", map[string]any{"run_id": run.ID, "error": err.Error()})
	}
}
