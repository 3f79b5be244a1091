package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// RewireResult reports what RecreateAll did per edge.
type RewireResult struct {
	Recreated []DependencyEdge
	Skipped   []DependencyEdge
}

// ForeignKeyRewirer detaches the dependents of the source table before the
// swap and re-attaches them to the live table after it.
type ForeignKeyRewirer struct {
	cfg     Config
	dialect Dialect
	obs     observer
}

func NewForeignKeyRewirer(cfg Config, dialect Dialect) *ForeignKeyRewirer {
	return &ForeignKeyRewirer{cfg: cfg, dialect: dialect}
}

// DiscoverDependents returns the declared dependents merged with every
// foreign key the catalog reports against table.
func (r *ForeignKeyRewirer) DiscoverDependents(ctx context.Context, db bun.IDB, table string) ([]DependencyEdge, error) {
	discovered, err := r.dialect.ForeignKeys(ctx, db, table)
	if err != nil {
		return nil, classifyStepError(r.dialect, "discover dependents", err)
	}
	declared := r.cfg.DeclaredEdges()
	for idx := range declared {
		declared[idx].ReferencedTable = table
	}
	merged, _, _ := mergeEdges(declared, discovered)
	return merged, nil
}

// DropAll removes every non self-referential constraint. A dependent that no
// longer exists is a soft no-op; other failures are collected and returned
// together.
func (r *ForeignKeyRewirer) DropAll(ctx context.Context, db bun.IDB, edges []DependencyEdge) (dropped []DependencyEdge, err error) {
	startedAt := time.Now()
	defer func() {
		r.obs.observeStep(ctx, startedAt, "fk_drop", err, map[string]any{"edges": len(edges), "dropped": len(dropped)})
	}()

	var failures error
	for _, edge := range edges {
		if edge.SelfReferential() {
			continue
		}
		if err := r.dialect.DropForeignKey(ctx, db, edge); err != nil {
			if r.gone(err) {
				r.obs.logWarn(ctx, "dependent vanished before drop", map[string]any{"edge": edge.String()})
				continue
			}
			failures = errors.Join(failures, fmt.Errorf("%s: %w", edge.String(), err))
			continue
		}
		dropped = append(dropped, edge)
	}
	if failures != nil {
		return dropped, normalizeError(ErrFKRewireFailure, "dropping dependent constraints failed", failures, map[string]any{
			"edges": edgeStrings(edges),
		})
	}
	return dropped, nil
}

// RecreateAll attaches every dependent that still exists to table. Vanished
// dependents are skipped and logged; any other failure aborts the run.
func (r *ForeignKeyRewirer) RecreateAll(ctx context.Context, db bun.IDB, edges []DependencyEdge, table string) (result RewireResult, err error) {
	startedAt := time.Now()
	defer func() {
		r.obs.observeStep(ctx, startedAt, "fk_recreate", err, map[string]any{
			"edges":     len(edges),
			"recreated": len(result.Recreated),
			"skipped":   len(result.Skipped),
		})
	}()

	for _, edge := range edges {
		if edge.SelfReferential() {
			continue
		}
		target := edge
		target.ReferencedTable = table

		exists, err := r.dialect.TableExists(ctx, db, edge.Table)
		if err != nil {
			return result, classifyStepError(r.dialect, "inspect dependent "+edge.Table, err)
		}
		if !exists {
			r.obs.logWarn(ctx, "dependent table no longer exists; skipping", map[string]any{"edge": edge.String()})
			result.Skipped = append(result.Skipped, edge)
			continue
		}
		if edge.Origin == EdgeOriginDeclared && r.dialect.BindsReferencesByName() {
			// Nothing was detached for a declaration the catalog never had, and
			// this engine cannot attach a constraint to an existing table.
			r.obs.logWarn(ctx, "declared dependent has no constraint to re-attach; skipping", map[string]any{"edge": edge.String()})
			result.Skipped = append(result.Skipped, edge)
			continue
		}
		if err := r.dialect.AddForeignKey(ctx, db, target); err != nil {
			if r.gone(err) {
				r.obs.logWarn(ctx, "dependent vanished during recreate; skipping", map[string]any{"edge": edge.String()})
				result.Skipped = append(result.Skipped, edge)
				continue
			}
			return result, r.rewireFailure(target, err)
		}
		result.Recreated = append(result.Recreated, target)
	}
	return result, nil
}

// AttachProfileSelfReferences establishes the self references the profile can
// carry. On engines that bind by name they were declared inline at create
// time and are only verified here.
func (r *ForeignKeyRewirer) AttachProfileSelfReferences(ctx context.Context, db bun.IDB, edges []DependencyEdge) ([]DependencyEdge, error) {
	self := ProfileSelfEdges(r.cfg, edges)
	for _, edge := range self {
		if err := r.dialect.AddForeignKey(ctx, db, edge); err != nil {
			return nil, r.rewireFailure(edge, err)
		}
	}
	return self, nil
}

func (r *ForeignKeyRewirer) gone(err error) bool {
	if errors.Is(err, ErrDependentGone) {
		return true
	}
	switch r.dialect.Classify(err) {
	case ErrorClassUndefinedTable:
		return true
	default:
		return false
	}
}

func (r *ForeignKeyRewirer) rewireFailure(edge DependencyEdge, err error) error {
	class := r.dialect.Classify(err)
	message := fmt.Sprintf("recreating %s failed", edge.String())
	if class == ErrorClassForeignKeyViolation {
		message += ": dependent rows reference keys missing from " + edge.ReferencedTable
	}
	return normalizeError(ErrFKRewireFailure, message, err, map[string]any{
		"edge":        edge.String(),
		"table":       edge.Table,
		"columns":     strings.Join(edge.Columns, ","),
		"error_class": string(class),
	})
}

// TableSwapper performs the rename dance inside the open transaction.
type TableSwapper struct {
	cfg     Config
	dialect Dialect
	obs     observer
}

func NewTableSwapper(cfg Config, dialect Dialect) *TableSwapper {
	return &TableSwapper{cfg: cfg, dialect: dialect}
}

// Swap renames source to backup and staging to the live name. It runs only
// once per run and only after the dependents were detached.
func (s *TableSwapper) Swap(ctx context.Context, db bun.IDB, machine *StateMachine) (err error) {
	startedAt := time.Now()
	defer func() {
		s.obs.observeStep(ctx, startedAt, "swap", err, map[string]any{
			"source":  s.cfg.Source.Table,
			"backup":  s.cfg.Source.BackupTable,
			"staging": s.cfg.Profile.StagingTable,
		})
	}()

	if machine.Reached(StateSwapped) {
		return fmt.Errorf("%w: swap already performed in this run", ErrInvalidTransition)
	}
	if machine.Current() != StateFKsDropped {
		return fmt.Errorf("%w: swap requires %s, run is at %s", ErrInvalidTransition, StateFKsDropped, machine.Current())
	}
	if err := renameTable(ctx, db, s.cfg.Source.Table, s.cfg.Source.BackupTable); err != nil {
		return classifyStepError(s.dialect, "rename source to backup", err)
	}
	if err := renameTable(ctx, db, s.cfg.Profile.StagingTable, s.cfg.Source.Table); err != nil {
		return classifyStepError(s.dialect, "rename staging to live", err)
	}
	return nil
}
