package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorPreflightFailed      = "NORMALIZE_PREFLIGHT_FAILED"
	ErrorValidationMismatch   = "NORMALIZE_VALIDATION_MISMATCH"
	ErrorConstraintViolation  = "NORMALIZE_CONSTRAINT_VIOLATION"
	ErrorVersionIncompatible  = "NORMALIZE_VERSION_INCOMPATIBLE"
	ErrorFKRewireFailed       = "NORMALIZE_FK_REWIRE_FAILED"
	ErrorRollbackFailed       = "NORMALIZE_ROLLBACK_FAILED"
	ErrorBackupMissing        = "NORMALIZE_BACKUP_MISSING"
	ErrorNotFound             = "NORMALIZE_NOT_FOUND"
	ErrorBadInput             = "NORMALIZE_BAD_INPUT"
	ErrorDeadlineExceeded     = "NORMALIZE_DEADLINE_EXCEEDED"
	ErrorInternal             = "NORMALIZE_INTERNAL_ERROR"
	ErrorConfigurationInvalid = "NORMALIZE_CONFIGURATION_INVALID"
)

type errorKind struct {
	sentinel error
	category goerrors.Category
	textCode string
}

var errorKinds = []errorKind{
	{ErrPreflightFailure, goerrors.CategoryValidation, ErrorPreflightFailed},
	{ErrValidationMismatch, goerrors.CategoryValidation, ErrorValidationMismatch},
	{ErrConstraintViolation, goerrors.CategoryConflict, ErrorConstraintViolation},
	{ErrVersionIncompatible, goerrors.CategoryOperation, ErrorVersionIncompatible},
	{ErrFKRewireFailure, goerrors.CategoryOperation, ErrorFKRewireFailed},
	{ErrRollbackFailure, goerrors.CategoryOperation, ErrorRollbackFailed},
	{ErrBackupMissing, goerrors.CategoryNotFound, ErrorBackupMissing},
	{ErrInvalidTransition, goerrors.CategoryInternal, ErrorInternal},
	{ErrNotFound, goerrors.CategoryNotFound, ErrorNotFound},
}

func kindOf(sentinel error) errorKind {
	for _, kind := range errorKinds {
		if kind.sentinel == sentinel {
			return kind
		}
	}
	return errorKind{sentinel: sentinel, category: goerrors.CategoryInternal, textCode: ErrorInternal}
}

// normalizeError builds a rich error for sentinel. The result satisfies
// errors.Is for both the sentinel and cause.
func normalizeError(sentinel error, message string, cause error, metadata map[string]any) error {
	kind := kindOf(sentinel)
	source := sentinel
	if cause != nil {
		source = fmt.Errorf("%w: %w", sentinel, cause)
	}
	err := goerrors.Wrap(source, kind.category, message).
		WithTextCode(kind.textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// classified reports whether err already carries one of the taxonomy
// sentinels, so callers do not wrap it twice.
func classified(err error) bool {
	for _, kind := range errorKinds {
		if errors.Is(err, kind.sentinel) {
			return true
		}
	}
	return false
}

// classifyStepError maps a raw failure inside the pipeline onto the taxonomy
// using the dialect's driver classification.
func classifyStepError(d Dialect, step string, err error) error {
	if err == nil || classified(err) {
		return err
	}
	metadata := map[string]any{"step": step}
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped := goerrors.Wrap(err, goerrors.CategoryOperation, step+" exceeded its deadline").
			WithTextCode(ErrorDeadlineExceeded)
		wrapped.WithMetadata(metadata)
		return wrapped
	}
	class := ErrorClassUnknown
	if d != nil {
		class = d.Classify(err)
	}
	metadata["error_class"] = string(class)
	switch {
	case class.Constraint():
		return normalizeError(ErrConstraintViolation, step+": constraint violation", err, metadata)
	case class == ErrorClassFeatureNotSupported:
		return normalizeError(ErrVersionIncompatible, step+": engine does not support a required feature", err, metadata)
	case class == ErrorClassLockTimeout:
		wrapped := goerrors.Wrap(err, goerrors.CategoryOperation, step+": lock timeout").
			WithTextCode(ErrorDeadlineExceeded)
		wrapped.WithMetadata(metadata)
		return wrapped
	}
	wrapped := goerrors.Wrap(err, goerrors.CategoryInternal, step+" failed").
		WithTextCode(ErrorInternal)
	wrapped.WithMetadata(metadata)
	return wrapped
}

// ConfigurationError marks config load and validation failures.
func ConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == ErrorConfigurationInvalid {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid normalization configuration").
		WithTextCode(ErrorConfigurationInvalid)
}

// IsConfigurationError reports whether err came from configuration handling.
func IsConfigurationError(err error) bool {
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.TextCode == ErrorConfigurationInvalid
}

// NotFoundError reports a missing ledger, catalog or integration record.
func NotFoundError(message string, metadata map[string]any) error {
	return normalizeError(ErrNotFound, message, nil, metadata)
}

// TextCode extracts the NORMALIZE_* code from err, or "" if none.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return strings.TrimSpace(rich.TextCode)
	}
	return ""
}

func mismatchMetadata(report ValidationReport, sample int) map[string]any {
	items := make([]string, 0, len(report.Mismatches))
	for idx, mismatch := range report.Mismatches {
		if sample > 0 && idx >= sample {
			break
		}
		items = append(items, mismatch.String())
	}
	return map[string]any{
		"checkpoint":     string(report.Checkpoint),
		"mismatch_count": len(report.Mismatches),
		"mismatches":     items,
		"source_rows":    report.SourceRows,
		"profile_rows":   report.ProfileRows,
	}
}
