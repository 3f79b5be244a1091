package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/uptrace/bun"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// ErrorClass is the engine-neutral classification of a driver error.
type ErrorClass string

const (
	ErrorClassUnknown             ErrorClass = "unknown"
	ErrorClassUniqueViolation     ErrorClass = "unique_violation"
	ErrorClassForeignKeyViolation ErrorClass = "foreign_key_violation"
	ErrorClassNotNullViolation    ErrorClass = "not_null_violation"
	ErrorClassCheckViolation      ErrorClass = "check_violation"
	ErrorClassUndefinedTable      ErrorClass = "undefined_table"
	ErrorClassUndefinedObject     ErrorClass = "undefined_object"
	ErrorClassFeatureNotSupported ErrorClass = "feature_not_supported"
	ErrorClassLockTimeout         ErrorClass = "lock_timeout"
	ErrorClassCanceled            ErrorClass = "canceled"
)

func (c ErrorClass) Constraint() bool {
	switch c {
	case ErrorClassUniqueViolation, ErrorClassForeignKeyViolation, ErrorClassNotNullViolation, ErrorClassCheckViolation:
		return true
	default:
		return false
	}
}

// ColumnTypes are the engine column types used for the catalog and junction.
type ColumnTypes struct {
	UUID      string
	Text      string
	Bool      string
	JSON      string
	Timestamp string
}

// SessionTimeouts are the deadlines applied to a locked migration session.
type SessionTimeouts struct {
	Lock      time.Duration
	Statement time.Duration
	Idle      time.Duration
}

// Dialect isolates everything engine specific: catalog introspection,
// locking, constraint DDL and driver error classification.
type Dialect interface {
	Name() string
	Version(ctx context.Context, db bun.IDB) (EngineVersion, error)
	MinimumVersion() EngineVersion
	SupportsNullsNotDistinct(version EngineVersion) bool
	// BindsReferencesByName reports whether REFERENCES clauses resolve by
	// table name at check time (SQLite) rather than by object identity.
	BindsReferencesByName() bool
	Types() ColumnTypes
	NullSafeEqual(left, right string) string

	TableExists(ctx context.Context, db bun.IDB, table string) (bool, error)
	Columns(ctx context.Context, db bun.IDB, table string) ([]ColumnInfo, error)
	// ForeignKeys lists every foreign key whose referenced table is table.
	ForeignKeys(ctx context.Context, db bun.IDB, table string) ([]DependencyEdge, error)

	// PrepareSession runs on the pinned connection before the transaction
	// begins. The returned release func undoes it after commit or rollback.
	PrepareSession(ctx context.Context, conn bun.Conn) (func(context.Context) error, error)
	LockTable(ctx context.Context, tx bun.Tx, table string, timeouts SessionTimeouts) error

	DropForeignKey(ctx context.Context, db bun.IDB, edge DependencyEdge) error
	AddForeignKey(ctx context.Context, db bun.IDB, edge DependencyEdge) error

	Classify(err error) ErrorClass
}

// RunLedger persists one row per orchestrator or rollback invocation.
// Writes happen outside the migration transaction.
type RunLedger interface {
	StartRun(ctx context.Context, run Run) (Run, error)
	FinishRun(ctx context.Context, run Run) (Run, error)
	LatestRun(ctx context.Context, sourceTable string, status RunStatus) (Run, bool, error)
	ListRuns(ctx context.Context, sourceTable string, limit int) ([]Run, error)
}

// CatalogStore reads and toggles service descriptors in the catalog table.
type CatalogStore interface {
	GetService(ctx context.Context, id string) (ServiceDescriptor, error)
	ListServices(ctx context.Context, activeOnly bool) ([]ServiceDescriptor, error)
	SetServiceActive(ctx context.Context, id string, active bool) error
}

// IntegrationStore is the downstream surface over the junction table.
type IntegrationStore interface {
	ListActive(ctx context.Context, userID string) ([]IntegrationRecord, error)
	Get(ctx context.Context, id string) (IntegrationRecord, error)
	// Token returns the newest active integration of userID for serviceID
	// and whether its access token is usable now.
	Token(ctx context.Context, userID, serviceID string) (IntegrationRecord, bool, error)
	UpdateToken(ctx context.Context, id string, update TokenUpdate) (IntegrationRecord, error)
	Link(ctx context.Context, in LinkIntegrationInput) (IntegrationRecord, error)
	BulkLink(ctx context.Context, in []LinkIntegrationInput) ([]IntegrationRecord, error)
	Unlink(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// PreflightResult is what the preflight validator hands to the pipeline.
type PreflightResult struct {
	Version EngineVersion
	Mode    RunMode
	// ReadTable holds the credential columns: the source table on a forward
	// run, the backup when reconciling.
	ReadTable     string
	BackupExists  bool
	SourceRows    int
	SourceColumns []ColumnInfo
	Mappings      []MappingStats
	Edges         []DependencyEdge
	Warnings      []string
}

// MigrationResult summarises one orchestrator run.
type MigrationResult struct {
	RunID         string
	Mode          RunMode
	State         State
	DryRun        bool
	History       []State
	Preflight     PreflightResult
	ServiceCounts map[string]int
	Reports       []ValidationReport
	SkippedEdges  []DependencyEdge
	Warnings      []string
}

// RollbackResult summarises one post-commit reversal.
type RollbackResult struct {
	RunID        string
	State        State
	RestoredRows int
	ProfileRows  int
	Edges        []DependencyEdge
	SkippedEdges []DependencyEdge
}
