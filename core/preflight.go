package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// PreflightValidator checks the environment before any mutation and decides
// whether the run is a forward migration or a reconcile of a committed one.
type PreflightValidator struct {
	cfg     Config
	dialect Dialect
	obs     observer
}

func NewPreflightValidator(cfg Config, dialect Dialect) *PreflightValidator {
	return &PreflightValidator{cfg: cfg, dialect: dialect}
}

func (v *PreflightValidator) Run(ctx context.Context, db bun.IDB) (result PreflightResult, err error) {
	startedAt := time.Now()
	defer func() {
		v.obs.observeStep(ctx, startedAt, "preflight", err, map[string]any{
			"mode":        string(result.Mode),
			"source_rows": result.SourceRows,
			"warnings":    len(result.Warnings),
		})
	}()

	source := v.cfg.Source
	version, err := v.dialect.Version(ctx, db)
	if err != nil {
		return result, v.failure("detect engine version", err, nil)
	}
	result.Version = version
	if floor := v.dialect.MinimumVersion(); !version.AtLeast(floor.Major, floor.Minor, floor.Patch) {
		return result, v.failure(fmt.Sprintf("%s is below the supported floor %d.%d.%d", version, floor.Major, floor.Minor, floor.Patch), nil, nil)
	}

	exists, err := v.dialect.TableExists(ctx, db, source.Table)
	if err != nil {
		return result, v.failure("inspect source table", err, nil)
	}
	if !exists {
		return result, v.failure(fmt.Sprintf("source table %q does not exist", source.Table), nil, map[string]any{"table": source.Table})
	}
	liveColumns, err := v.dialect.Columns(ctx, db, source.Table)
	if err != nil {
		return result, v.failure("inspect source columns", err, nil)
	}
	result.BackupExists, err = v.dialect.TableExists(ctx, db, source.BackupTable)
	if err != nil {
		return result, v.failure("inspect backup table", err, nil)
	}

	mappings := v.cfg.EntityMappings()
	result.Mode = RunModeForward
	result.ReadTable = source.Table
	result.SourceColumns = liveColumns
	if result.BackupExists {
		if !hasAnyCredentialColumn(liveColumns, mappings) {
			result.Mode = RunModeReconcile
			result.ReadTable = source.BackupTable
			result.SourceColumns, err = v.dialect.Columns(ctx, db, source.BackupTable)
			if err != nil {
				return result, v.failure("inspect backup columns", err, nil)
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"backup table %q exists and %q no longer carries credential columns; reconciling against the backup",
				source.BackupTable, source.Table))
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"backup table name %q is already occupied; the swap will fail unless it is renamed or dropped first",
				source.BackupTable))
		}
	}

	required := append([]string{source.PrimaryKey}, v.cfg.Profile.Columns...)
	for _, mapping := range mappings {
		required = append(required, mapping.Columns()...)
	}
	if missing := missingColumns(result.SourceColumns, dedupeStrings(required)); len(missing) > 0 {
		return result, v.failure(
			fmt.Sprintf("table %q is missing columns: %s", result.ReadTable, strings.Join(missing, ", ")),
			nil,
			map[string]any{"table": result.ReadTable, "missing_columns": missing},
		)
	}

	if result.Mode == RunModeForward {
		staged, err := v.dialect.TableExists(ctx, db, v.cfg.Profile.StagingTable)
		if err != nil {
			return result, v.failure("inspect staging table", err, nil)
		}
		if staged {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"staging table %q already exists; rows already present are kept (conflict-skip)",
				v.cfg.Profile.StagingTable))
		}
	}

	if warning, ok := v.nullPolicyWarning(version); ok {
		if v.cfg.Policy.StrictFeatures {
			return result, normalizeError(ErrPreflightFailure, warning, ErrVersionIncompatible, map[string]any{
				"unique_nulls": string(v.cfg.Integrations.UniqueNulls),
				"engine":       version.String(),
			})
		}
		result.Warnings = append(result.Warnings, warning)
	}

	result.SourceRows, err = countWhere(ctx, db, result.ReadTable, truePredicate)
	if err != nil {
		return result, v.failure("count source rows", err, nil)
	}
	for _, mapping := range mappings {
		stats, err := v.mappingStats(ctx, db, result.ReadTable, mapping)
		if err != nil {
			return result, v.failure(fmt.Sprintf("evaluate mapping %q", mapping.ServiceID), err, map[string]any{"service_id": mapping.ServiceID})
		}
		result.Mappings = append(result.Mappings, stats)
		if stats.TransientOnly > 0 && !v.cfg.Policy.MigrateTransientOnly {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%d row(s) hold only a transient authorization artifact for %q and will not be migrated",
				stats.TransientOnly, mapping.ServiceID))
		}
		if stats.PartiallyEligible > 0 {
			v.obs.logInfo(ctx, "partially eligible rows", map[string]any{
				"service_id": mapping.ServiceID,
				"count":      stats.PartiallyEligible,
			})
		}
	}

	if result.Mode == RunModeForward {
		edges, warnings, err := v.dependencies(ctx, db)
		if err != nil {
			return result, err
		}
		result.Edges = edges
		result.Warnings = append(result.Warnings, warnings...)
	}

	for _, warning := range result.Warnings {
		v.obs.logWarn(ctx, "preflight warning", map[string]any{"warning": warning})
	}
	return result, nil
}

func (v *PreflightValidator) mappingStats(ctx context.Context, db bun.IDB, table string, mapping EntityMapping) (MappingStats, error) {
	stats := MappingStats{ServiceID: mapping.ServiceID}
	var err error
	if stats.Eligible, err = countWhere(ctx, db, table, durablePredicate(mapping)); err != nil {
		return stats, err
	}
	if stats.TransientOnly, err = countWhere(ctx, db, table, transientOnlyPredicate(mapping)); err != nil {
		return stats, err
	}
	if stats.PartiallyEligible, err = countWhere(ctx, db, table, partialPredicate(mapping)); err != nil {
		return stats, err
	}
	if !v.cfg.Policy.MigrateTransientOnly {
		stats.ExpectedExclusions = stats.TransientOnly
	}
	return stats, nil
}

func (v *PreflightValidator) nullPolicyWarning(version EngineVersion) (string, bool) {
	if v.cfg.Integrations.UniqueNulls != UniqueNullsNotDistinct || v.dialect.SupportsNullsNotDistinct(version) {
		return "", false
	}
	return fmt.Sprintf(
		"%s cannot express NULLS NOT DISTINCT; set integrations.unique_nulls to coalesce_index to keep NULL external identities colliding, or to distinct to accept that NULL identities never collide",
		version), true
}

// dependencies merges the declared dependents with catalog introspection.
func (v *PreflightValidator) dependencies(ctx context.Context, db bun.IDB) ([]DependencyEdge, []string, error) {
	discovered, err := v.dialect.ForeignKeys(ctx, db, v.cfg.Source.Table)
	if err != nil {
		return nil, nil, v.failure("discover dependents", err, nil)
	}
	declared := v.cfg.DeclaredEdges()
	edges, undeclared, undiscovered := mergeEdges(declared, discovered)

	var warnings []string
	if len(undeclared) > 0 {
		names := edgeStrings(undeclared)
		if v.cfg.Policy.RequireDeclaredDependents {
			return nil, nil, v.failure(
				"undeclared dependents reference the source table: "+strings.Join(names, "; "),
				nil,
				map[string]any{"undeclared": names},
			)
		}
		warnings = append(warnings, "dependents discovered but not declared: "+strings.Join(names, "; "))
	}
	if len(undiscovered) > 0 {
		warnings = append(warnings, "declared dependents not found in the catalog: "+strings.Join(edgeStrings(undiscovered), "; "))
	}
	return edges, warnings, nil
}

func (v *PreflightValidator) failure(message string, cause error, metadata map[string]any) error {
	if cause != nil {
		if class := v.dialect.Classify(cause); class != ErrorClassUnknown {
			metadata = cloneFields(metadata)
			metadata["error_class"] = string(class)
		}
		message = message + ": " + cause.Error()
	}
	return normalizeError(ErrPreflightFailure, message, cause, metadata)
}

// mergeEdges unions declared and discovered edges keyed by dependent table
// and columns. Discovered attributes win because they carry the real
// constraint name and actions.
func mergeEdges(declared, discovered []DependencyEdge) (merged, undeclared, undiscovered []DependencyEdge) {
	byKey := map[string]int{}
	for _, edge := range discovered {
		edge.Origin = EdgeOriginDiscovered
		byKey[edge.Key()] = len(merged)
		merged = append(merged, edge)
	}
	matched := map[string]bool{}
	for _, edge := range declared {
		idx, ok := byKey[edge.Key()]
		if !ok {
			edge.Origin = EdgeOriginDeclared
			merged = append(merged, edge)
			undiscovered = append(undiscovered, edge)
			continue
		}
		merged[idx].Origin = EdgeOriginBoth
		matched[edge.Key()] = true
	}
	for _, edge := range discovered {
		if !matched[edge.Key()] {
			undeclared = append(undeclared, edge)
		}
	}
	return merged, undeclared, undiscovered
}

func edgeStrings(edges []DependencyEdge) []string {
	out := make([]string, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.String())
	}
	return out
}

func hasAnyCredentialColumn(columns []ColumnInfo, mappings []EntityMapping) bool {
	for _, mapping := range mappings {
		for _, column := range mapping.CredentialColumns {
			if hasColumn(columns, column) {
				return true
			}
		}
	}
	return false
}

func hasColumn(columns []ColumnInfo, name string) bool {
	return slices.ContainsFunc(columns, func(column ColumnInfo) bool {
		return strings.EqualFold(column.Name, name)
	})
}

func findColumn(columns []ColumnInfo, name string) (ColumnInfo, bool) {
	idx := slices.IndexFunc(columns, func(column ColumnInfo) bool {
		return strings.EqualFold(column.Name, name)
	})
	if idx < 0 {
		return ColumnInfo{}, false
	}
	return columns[idx], true
}

func missingColumns(columns []ColumnInfo, required []string) []string {
	var missing []string
	for _, name := range required {
		if !hasColumn(columns, name) {
			missing = append(missing, name)
		}
	}
	return missing
}
