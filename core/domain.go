package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrPreflightFailure    = errors.New("core: preflight failure")
	ErrValidationMismatch  = errors.New("core: validation mismatch")
	ErrConstraintViolation = errors.New("core: constraint violation")
	ErrVersionIncompatible = errors.New("core: engine version incompatible")
	ErrFKRewireFailure     = errors.New("core: foreign key rewire failure")
	ErrRollbackFailure     = errors.New("core: rollback failure")
	ErrInvalidTransition   = errors.New("core: invalid migration state transition")
	ErrBackupMissing       = errors.New("core: backup table does not exist")
	ErrDependentGone       = errors.New("core: dependent table no longer exists")
	ErrNotFound            = errors.New("core: record not found")
)

// EntityMapping describes one source-to-junction projection. It is pure data;
// the DataMigrator and IntegrityValidator derive SQL predicates from it.
type EntityMapping struct {
	ServiceID string
	// CredentialColumns are the durable credential columns. A source row is
	// eligible when any of them is non-null.
	CredentialColumns []string
	// TransientColumns hold short-lived authorization artifacts (auth codes).
	TransientColumns []string
	// Fields maps junction credential fields to source columns.
	Fields map[string]string
	// Extras maps keys of the structured payload to source columns.
	Extras map[string]string
	// ExternalIdentity and ExternalName are engine expressions over the
	// source row. An empty ExternalIdentity stores NULL.
	ExternalIdentity string
	ExternalName     string
	// Filter is an optional extra predicate ANDed to the inclusion predicate.
	Filter string
}

const (
	FieldAccessToken    = "access_token"
	FieldRefreshToken   = "refresh_token"
	FieldTokenExpiresAt = "token_expires_at"
	FieldClientID       = "client_id"
	FieldClientSecret   = "client_secret"
)

var junctionCredentialFields = []string{
	FieldAccessToken,
	FieldRefreshToken,
	FieldTokenExpiresAt,
	FieldClientID,
	FieldClientSecret,
}

// JunctionCredentialFields lists the credential fields a mapping may project.
func JunctionCredentialFields() []string {
	return slices.Clone(junctionCredentialFields)
}

func (m EntityMapping) Validate() error {
	if strings.TrimSpace(m.ServiceID) == "" {
		return fmt.Errorf("core: mapping service id is required")
	}
	if len(m.CredentialColumns) == 0 {
		return fmt.Errorf("core: mapping %q requires at least one credential column", m.ServiceID)
	}
	for _, column := range m.Columns() {
		if !IsIdentifier(column) {
			return fmt.Errorf("core: mapping %q column %q is not a valid identifier", m.ServiceID, column)
		}
	}
	for field := range m.Fields {
		if !slices.Contains(junctionCredentialFields, field) {
			return fmt.Errorf("core: mapping %q projects unknown junction field %q", m.ServiceID, field)
		}
	}
	for key := range m.Extras {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("core: mapping %q has an empty extras key", m.ServiceID)
		}
	}
	for _, expr := range []string{m.ExternalIdentity, m.ExternalName, m.Filter} {
		if strings.ContainsAny(expr, "?;") {
			return fmt.Errorf("core: mapping %q expression %q must not contain '?' or ';'", m.ServiceID, expr)
		}
	}
	return nil
}

// Columns returns every source column the mapping reads, deduplicated in
// declaration order.
func (m EntityMapping) Columns() []string {
	out := make([]string, 0, len(m.CredentialColumns)+len(m.TransientColumns)+len(m.Fields)+len(m.Extras))
	out = append(out, m.CredentialColumns...)
	out = append(out, m.TransientColumns...)
	for _, field := range junctionCredentialFields {
		if column, ok := m.Fields[field]; ok {
			out = append(out, column)
		}
	}
	for _, key := range sortedKeys(m.Extras) {
		out = append(out, m.Extras[key])
	}
	return dedupeStrings(out)
}

// ServiceDescriptor is a catalog entry for one integration kind.
type ServiceDescriptor struct {
	ID       string
	Name     string
	Category string
	Provider string
	Active   bool
	Metadata map[string]any
}

func (d ServiceDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("core: service descriptor id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("core: service descriptor %q name is required", d.ID)
	}
	return nil
}

// IntegrationRecord is one connection between a profile and a service.
type IntegrationRecord struct {
	ID             string
	UserID         string
	ServiceID      string
	Active         bool
	ExternalID     *string
	ExternalName   *string
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	ClientID       *string
	ClientSecret   *string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenValid reports whether the access token is present and not expiring
// within skew of now. A missing expiry counts as valid.
func (r IntegrationRecord) TokenValid(now time.Time, skew time.Duration) bool {
	if r.AccessToken == nil || strings.TrimSpace(*r.AccessToken) == "" {
		return false
	}
	if r.TokenExpiresAt == nil {
		return true
	}
	return r.TokenExpiresAt.After(now.Add(skew))
}

// LinkIntegrationInput connects a profile to a service. An existing
// inactive row for the same owner, service and external identity is
// reactivated instead of duplicated.
type LinkIntegrationInput struct {
	UserID         string
	ServiceID      string
	ExternalID     *string
	ExternalName   *string
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	ClientID       *string
	ClientSecret   *string
	Metadata       map[string]any
}

func (in LinkIntegrationInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("core: integration owner id is required")
	}
	if strings.TrimSpace(in.ServiceID) == "" {
		return fmt.Errorf("core: integration service id is required")
	}
	return nil
}

// TokenUpdate replaces the token fields of one integration. Nil fields are
// left untouched.
type TokenUpdate struct {
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
}

func (u TokenUpdate) Empty() bool {
	return u.AccessToken == nil && u.RefreshToken == nil && u.TokenExpiresAt == nil
}

type EdgeOrigin string

const (
	EdgeOriginDeclared   EdgeOrigin = "declared"
	EdgeOriginDiscovered EdgeOrigin = "discovered"
	EdgeOriginBoth       EdgeOrigin = "both"
)

// DependencyEdge is a foreign key from a dependent table to the source table.
// Multi-column keys are one edge keyed by constraint name.
type DependencyEdge struct {
	Name              string     `json:"name"`
	Table             string     `json:"table"`
	Columns           []string   `json:"columns"`
	ReferencedTable   string     `json:"referenced_table"`
	ReferencedColumns []string   `json:"referenced_columns"`
	OnDelete          string     `json:"on_delete,omitempty"`
	OnUpdate          string     `json:"on_update,omitempty"`
	Origin            EdgeOrigin `json:"origin,omitempty"`
}

func (e DependencyEdge) SelfReferential() bool {
	return strings.EqualFold(e.Table, e.ReferencedTable)
}

// Key identifies the edge independent of constraint naming, which SQLite
// does not preserve.
func (e DependencyEdge) Key() string {
	return strings.ToLower(e.Table) + "(" + strings.ToLower(strings.Join(e.Columns, ",")) + ")"
}

func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s %s(%s) -> %s(%s)",
		e.Name, e.Table, strings.Join(e.Columns, ","), e.ReferencedTable, strings.Join(e.ReferencedColumns, ","))
}

type Checkpoint string

const (
	CheckpointPre       Checkpoint = "pre"
	CheckpointMid       Checkpoint = "mid"
	CheckpointPreCommit Checkpoint = "pre_commit"
)

type MismatchKind string

const (
	MismatchRowCount          MismatchKind = "row_count"
	MismatchProfileField      MismatchKind = "profile_field"
	MismatchMissingJunction   MismatchKind = "missing_integration"
	MismatchOrphanJunction    MismatchKind = "orphan_integration"
	MismatchCatalogIncomplete MismatchKind = "catalog_incomplete"
	MismatchDuplicateTriple   MismatchKind = "duplicate_triple"
)

type Mismatch struct {
	Kind      MismatchKind
	ServiceID string
	Column    string
	Count     int
	IDs       []string
	Detail    string
}

func (m Mismatch) String() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	if m.ServiceID != "" {
		b.WriteString(" service=" + m.ServiceID)
	}
	if m.Column != "" {
		b.WriteString(" column=" + m.Column)
	}
	fmt.Fprintf(&b, " count=%d", m.Count)
	if len(m.IDs) > 0 {
		b.WriteString(" ids=" + strings.Join(m.IDs, ","))
	}
	if m.Detail != "" {
		b.WriteString(" (" + m.Detail + ")")
	}
	return b.String()
}

// MappingStats are per-mapping counts gathered at a checkpoint.
type MappingStats struct {
	ServiceID          string
	Eligible           int
	TransientOnly      int
	PartiallyEligible  int
	Migrated           int
	ExpectedExclusions int
	UnexpectedLoss     int
}

// ValidationReport is produced at each checkpoint and only used to decide
// between abort and proceed.
type ValidationReport struct {
	Checkpoint   Checkpoint
	SourceRows   int
	ProfileRows  int
	Integrations int
	Mappings     []MappingStats
	Mismatches   []Mismatch
	Warnings     []string
}

func (r ValidationReport) OK() bool {
	return len(r.Mismatches) == 0
}

func (r ValidationReport) Mapping(serviceID string) (MappingStats, bool) {
	for _, stats := range r.Mappings {
		if stats.ServiceID == serviceID {
			return stats, true
		}
	}
	return MappingStats{}, false
}

type RunMode string

const (
	RunModeForward   RunMode = "forward"
	RunModeReconcile RunMode = "reconcile"
	RunModeRollback  RunMode = "rollback"
)

type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCommitted  RunStatus = "committed"
	RunStatusAborted    RunStatus = "aborted"
	RunStatusRolledBack RunStatus = "rolled_back"
	RunStatusDryRun     RunStatus = "dry_run"
)

// Run is the ledger view of one orchestrator or rollback invocation.
type Run struct {
	ID            string
	Mode          RunMode
	Status        RunStatus
	State         State
	SourceTable   string
	BackupTable   string
	SourceRows    int
	ServiceCounts map[string]int
	Edges         []DependencyEdge
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// ColumnInfo is an introspected column of a table.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// EngineVersion is the detected server or library version.
type EngineVersion struct {
	Name  string
	Raw   string
	Major int
	Minor int
	Patch int
}

func (v EngineVersion) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

func (v EngineVersion) String() string {
	if strings.TrimSpace(v.Raw) != "" {
		return v.Name + " " + v.Raw
	}
	return fmt.Sprintf("%s %d.%d.%d", v.Name, v.Major, v.Minor, v.Patch)
}
