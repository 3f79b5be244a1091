package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/uptrace/bun"
)

// CheckpointTables names the physical tables compared at a checkpoint.
type CheckpointTables struct {
	// Source holds the credential columns: the live table before the swap,
	// the backup after it.
	Source   string
	Profile  string
	Catalog  string
	Junction string
}

// IntegrityValidator compares source and destination at the pre, mid and
// pre-commit checkpoints.
type IntegrityValidator struct {
	cfg     Config
	dialect Dialect
	obs     observer
}

func NewIntegrityValidator(cfg Config, dialect Dialect) *IntegrityValidator {
	return &IntegrityValidator{cfg: cfg, dialect: dialect}
}

// Pre folds the preflight result into a report. It never fails on its own.
func (v *IntegrityValidator) Pre(ctx context.Context, pre PreflightResult) ValidationReport {
	report := ValidationReport{
		Checkpoint: CheckpointPre,
		SourceRows: pre.SourceRows,
		Mappings:   append([]MappingStats(nil), pre.Mappings...),
		Warnings:   append([]string(nil), pre.Warnings...),
	}
	v.obs.logInfo(ctx, "checkpoint pre", map[string]any{
		"checkpoint":  string(CheckpointPre),
		"source_rows": report.SourceRows,
		"warnings":    len(report.Warnings),
	})
	return report
}

// Mid separates expected exclusions from unexpected loss per mapping. Loss
// is reported as a warning unless strict mid validation is enabled.
func (v *IntegrityValidator) Mid(ctx context.Context, db bun.IDB, tables CheckpointTables) (report ValidationReport, err error) {
	startedAt := time.Now()
	defer func() {
		v.obs.observeStep(ctx, startedAt, "validate_mid", err, map[string]any{
			"checkpoint": string(CheckpointMid),
			"mismatches": len(report.Mismatches),
			"warnings":   len(report.Warnings),
		})
	}()

	report = ValidationReport{Checkpoint: CheckpointMid}
	if err := v.counts(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.mappings(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.duplicates(ctx, db, tables, &report); err != nil {
		return report, err
	}

	if report.OK() {
		return report, nil
	}
	if v.cfg.Policy.StrictMidValidation {
		return report, normalizeError(ErrValidationMismatch,
			fmt.Sprintf("mid checkpoint found %d discrepancies", len(report.Mismatches)),
			nil,
			mismatchMetadata(report, v.cfg.sampleSize()),
		)
	}
	for _, mismatch := range report.Mismatches {
		report.Warnings = append(report.Warnings, mismatch.String())
	}
	report.Mismatches = nil
	return report, nil
}

// PreCommit is the hard gate: any discrepancy aborts the run.
func (v *IntegrityValidator) PreCommit(ctx context.Context, db bun.IDB, tables CheckpointTables) (report ValidationReport, err error) {
	startedAt := time.Now()
	defer func() {
		v.obs.observeStep(ctx, startedAt, "validate_pre_commit", err, map[string]any{
			"checkpoint": string(CheckpointPreCommit),
			"mismatches": len(report.Mismatches),
		})
	}()

	report = ValidationReport{Checkpoint: CheckpointPreCommit}
	if err := v.counts(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if report.SourceRows != report.ProfileRows {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:   MismatchRowCount,
			Count:  abs(report.SourceRows - report.ProfileRows),
			Detail: fmt.Sprintf("%s has %d rows, %s has %d", tables.Source, report.SourceRows, tables.Profile, report.ProfileRows),
		})
	}
	if err := v.profileFields(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.mappings(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.orphans(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.catalog(ctx, db, tables, &report); err != nil {
		return report, err
	}
	if err := v.duplicates(ctx, db, tables, &report); err != nil {
		return report, err
	}

	if !report.OK() {
		return report, normalizeError(ErrValidationMismatch,
			fmt.Sprintf("pre-commit checkpoint found %d discrepancies", len(report.Mismatches)),
			nil,
			mismatchMetadata(report, v.cfg.sampleSize()),
		)
	}
	return report, nil
}

func (v *IntegrityValidator) counts(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	var err error
	if report.SourceRows, err = countWhere(ctx, db, tables.Source, truePredicate); err != nil {
		return classifyStepError(v.dialect, "count source rows", err)
	}
	if report.ProfileRows, err = countWhere(ctx, db, tables.Profile, truePredicate); err != nil {
		return classifyStepError(v.dialect, "count profile rows", err)
	}
	if report.Integrations, err = countWhere(ctx, db, tables.Junction, truePredicate); err != nil {
		return classifyStepError(v.dialect, "count integrations", err)
	}
	return nil
}

// profileFields compares every profile column of every source row with its
// profile row using null-safe equality.
func (v *IntegrityValidator) profileFields(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	pk := v.cfg.Source.PrimaryKey
	missing, err := v.sampleIDs(ctx, db,
		"SELECT s.? FROM ? AS s LEFT JOIN ? AS p ON p.? = s.? WHERE p.? IS NULL",
		[]any{bun.Ident(pk), bun.Ident(tables.Source), bun.Ident(tables.Profile), bun.Ident(pk), bun.Ident(pk), bun.Ident(pk)},
	)
	if err != nil {
		return classifyStepError(v.dialect, "compare profile rows", err)
	}
	if missing.count > 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:   MismatchProfileField,
			Column: pk,
			Count:  missing.count,
			IDs:    missing.ids,
			Detail: "source rows without a profile row",
		})
	}

	for _, column := range v.cfg.Profile.Columns {
		equal := v.dialect.NullSafeEqual("s."+quoteIdent(column), "p."+quoteIdent(column))
		diff, err := v.sampleIDs(ctx, db,
			"SELECT s.? FROM ? AS s JOIN ? AS p ON p.? = s.? WHERE NOT ("+equal+")",
			[]any{bun.Ident(pk), bun.Ident(tables.Source), bun.Ident(tables.Profile), bun.Ident(pk), bun.Ident(pk)},
		)
		if err != nil {
			return classifyStepError(v.dialect, "compare profile column "+column, err)
		}
		if diff.count > 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind:   MismatchProfileField,
				Column: column,
				Count:  diff.count,
				IDs:    diff.ids,
			})
		}
	}
	return nil
}

// mappings computes completeness per mapping: every row matching the
// inclusion predicate must own a junction row for the service.
func (v *IntegrityValidator) mappings(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	pk := v.cfg.Source.PrimaryKey
	for _, mapping := range v.cfg.EntityMappings() {
		stats := MappingStats{ServiceID: mapping.ServiceID}
		var err error
		if stats.Eligible, err = countWhere(ctx, db, tables.Source, durablePredicate(mapping)); err != nil {
			return classifyStepError(v.dialect, "count eligible rows", err)
		}
		if stats.TransientOnly, err = countWhere(ctx, db, tables.Source, transientOnlyPredicate(mapping)); err != nil {
			return classifyStepError(v.dialect, "count transient-only rows", err)
		}
		if !v.cfg.Policy.MigrateTransientOnly {
			stats.ExpectedExclusions = stats.TransientOnly
		}
		if stats.Migrated, err = countWhere(ctx, db, tables.Junction, predicate{sql: "\"service_id\" = ?", args: []any{mapping.ServiceID}}); err != nil {
			return classifyStepError(v.dialect, "count migrated rows", err)
		}

		included := inclusionPredicate(mapping, v.cfg.Policy.MigrateTransientOnly)
		args := []any{bun.Ident(pk), bun.Ident(tables.Source)}
		args = append(args, included.args...)
		args = append(args, bun.Ident(tables.Junction), bun.Ident(pk), mapping.ServiceID)
		lost, err := v.sampleIDs(ctx, db,
			"SELECT s.? FROM ? AS s WHERE "+included.sql+
				" AND NOT EXISTS (SELECT 1 FROM ? AS j WHERE j.\"user_id\" = s.? AND j.\"service_id\" = ?)",
			args,
		)
		if err != nil {
			return classifyStepError(v.dialect, "check completeness for "+mapping.ServiceID, err)
		}
		stats.UnexpectedLoss = lost.count
		if lost.count > 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind:      MismatchMissingJunction,
				ServiceID: mapping.ServiceID,
				Count:     lost.count,
				IDs:       lost.ids,
				Detail:    fmt.Sprintf("%d expected exclusion(s) not counted", stats.ExpectedExclusions),
			})
		}

		if !v.cfg.Policy.MigrateTransientOnly && stats.TransientOnly > 0 {
			args := []any{bun.Ident(pk), bun.Ident(tables.Source)}
			excluded := transientOnlyPredicate(mapping)
			args = append(args, excluded.args...)
			args = append(args, bun.Ident(tables.Junction), bun.Ident(pk), mapping.ServiceID)
			migrated, err := v.sampleIDs(ctx, db,
				"SELECT s.? FROM ? AS s WHERE "+excluded.sql+
					" AND EXISTS (SELECT 1 FROM ? AS j WHERE j.\"user_id\" = s.? AND j.\"service_id\" = ?)",
				args,
			)
			if err != nil {
				return classifyStepError(v.dialect, "check exclusions for "+mapping.ServiceID, err)
			}
			if migrated.count > 0 {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"%d transient-only row(s) already own a %q integration from an earlier write", migrated.count, mapping.ServiceID))
			}
		}
		report.Mappings = append(report.Mappings, stats)
	}
	return nil
}

func (v *IntegrityValidator) orphans(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	pk := v.cfg.Source.PrimaryKey
	orphans, err := v.sampleIDs(ctx, db,
		"SELECT j.\"id\" FROM ? AS j WHERE NOT EXISTS (SELECT 1 FROM ? AS p WHERE p.? = j.\"user_id\")",
		[]any{bun.Ident(tables.Junction), bun.Ident(tables.Profile), bun.Ident(pk)},
	)
	if err != nil {
		return classifyStepError(v.dialect, "check orphaned integrations", err)
	}
	if orphans.count > 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:   MismatchOrphanJunction,
			Count:  orphans.count,
			IDs:    orphans.ids,
			Detail: "integrations whose owner has no profile row",
		})
	}
	return nil
}

func (v *IntegrityValidator) catalog(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	var present []string
	if err := db.NewRaw("SELECT \"id\" FROM ?", bun.Ident(tables.Catalog)).Scan(ctx, &present); err != nil {
		return classifyStepError(v.dialect, "read catalog", err)
	}
	expected := make([]string, 0)
	for _, descriptor := range v.cfg.ServiceDescriptors() {
		expected = append(expected, descriptor.ID)
	}
	for _, mapping := range v.cfg.EntityMappings() {
		expected = append(expected, mapping.ServiceID)
	}
	var missing []string
	for _, id := range dedupeStrings(expected) {
		if !slices.Contains(present, id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:  MismatchCatalogIncomplete,
			Count: len(missing),
			IDs:   missing,
		})
	}
	return nil
}

// duplicates counts (owner, service, external identity) groups with more
// than one row under the configured NULL policy.
func (v *IntegrityValidator) duplicates(ctx context.Context, db bun.IDB, tables CheckpointTables, report *ValidationReport) error {
	identity := "COALESCE(\"external_id\", '')"
	where := ""
	if !v.cfg.Integrations.UniqueNulls.NullsCollide() {
		identity = "\"external_id\""
		where = " WHERE \"external_id\" IS NOT NULL"
	}
	var count int
	err := db.NewRaw(
		"SELECT COUNT(*) FROM (SELECT \"user_id\", \"service_id\", "+identity+" AS ext FROM ?"+where+
			" GROUP BY \"user_id\", \"service_id\", "+identity+" HAVING COUNT(*) > 1) AS dup",
		bun.Ident(tables.Junction),
	).Scan(ctx, &count)
	if err != nil {
		return classifyStepError(v.dialect, "check duplicate integrations", err)
	}
	if count > 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Kind:   MismatchDuplicateTriple,
			Count:  count,
			Detail: "policy " + string(v.cfg.Integrations.UniqueNulls),
		})
	}
	return nil
}

type idSample struct {
	count int
	ids   []string
}

// sampleIDs counts the rows of a single-column query and keeps a bounded
// sample of their identifiers for the report.
func (v *IntegrityValidator) sampleIDs(ctx context.Context, db bun.IDB, query string, args []any) (idSample, error) {
	var sample idSample
	if err := db.NewRaw("SELECT COUNT(*) FROM ("+query+") AS q", args...).Scan(ctx, &sample.count); err != nil {
		return sample, err
	}
	if sample.count == 0 {
		return sample, nil
	}
	var rows []map[string]any
	limited := append(append([]any(nil), args...), v.cfg.sampleSize())
	if err := db.NewRaw(query+" LIMIT ?", limited...).Scan(ctx, &rows); err != nil {
		return sample, err
	}
	for _, row := range rows {
		for _, value := range row {
			if text := nullableString(value); text != nil {
				sample.ids = append(sample.ids, *text)
			}
		}
	}
	return sample, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
