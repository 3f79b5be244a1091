package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type UniqueNullsPolicy string

const (
	// UniqueNullsNotDistinct relies on the engine's NULLS NOT DISTINCT clause.
	UniqueNullsNotDistinct UniqueNullsPolicy = "not_distinct"
	// UniqueNullsCoalesceIndex makes NULL identities collide through an
	// expression index over COALESCE(external_id, '').
	UniqueNullsCoalesceIndex UniqueNullsPolicy = "coalesce_index"
	// UniqueNullsDistinct lets NULL identities coexist.
	UniqueNullsDistinct UniqueNullsPolicy = "distinct"
)

func (p UniqueNullsPolicy) Valid() bool {
	switch p {
	case UniqueNullsNotDistinct, UniqueNullsCoalesceIndex, UniqueNullsDistinct:
		return true
	default:
		return false
	}
}

// NullsCollide reports whether two rows that differ only by a NULL external
// identity violate uniqueness.
func (p UniqueNullsPolicy) NullsCollide() bool {
	return p != UniqueNullsDistinct
}

type SourceConfig struct {
	Table       string `koanf:"table" mapstructure:"table" yaml:"table,omitempty"`
	PrimaryKey  string `koanf:"primary_key" mapstructure:"primary_key" yaml:"primary_key,omitempty"`
	BackupTable string `koanf:"backup_table" mapstructure:"backup_table" yaml:"backup_table,omitempty"`
}

type ProfileConfig struct {
	StagingTable string   `koanf:"staging_table" mapstructure:"staging_table" yaml:"staging_table,omitempty"`
	Columns      []string `koanf:"columns" mapstructure:"columns" yaml:"columns,omitempty"`
}

type ServiceConfig struct {
	ID       string         `koanf:"id" mapstructure:"id" yaml:"id,omitempty"`
	Name     string         `koanf:"name" mapstructure:"name" yaml:"name,omitempty"`
	Category string         `koanf:"category" mapstructure:"category" yaml:"category,omitempty"`
	Provider string         `koanf:"provider" mapstructure:"provider" yaml:"provider,omitempty"`
	Active   *bool          `koanf:"active" mapstructure:"active" yaml:"active,omitempty"`
	Metadata map[string]any `koanf:"metadata" mapstructure:"metadata" yaml:"metadata,omitempty"`
}

type CatalogConfig struct {
	Table    string          `koanf:"table" mapstructure:"table" yaml:"table,omitempty"`
	Services []ServiceConfig `koanf:"services" mapstructure:"services" yaml:"services,omitempty"`
}

type IntegrationsConfig struct {
	Table       string            `koanf:"table" mapstructure:"table" yaml:"table,omitempty"`
	UniqueNulls UniqueNullsPolicy `koanf:"unique_nulls" mapstructure:"unique_nulls" yaml:"unique_nulls,omitempty"`
	BatchSize   int               `koanf:"batch_size" mapstructure:"batch_size" yaml:"batch_size,omitempty"`
}

type MappingConfig struct {
	Service           string            `koanf:"service" mapstructure:"service" yaml:"service,omitempty"`
	CredentialColumns []string          `koanf:"credential_columns" mapstructure:"credential_columns" yaml:"credential_columns,omitempty"`
	TransientColumns  []string          `koanf:"transient_columns" mapstructure:"transient_columns" yaml:"transient_columns,omitempty"`
	Fields            map[string]string `koanf:"fields" mapstructure:"fields" yaml:"fields,omitempty"`
	Extras            map[string]string `koanf:"extras" mapstructure:"extras" yaml:"extras,omitempty"`
	ExternalIdentity  string            `koanf:"external_identity" mapstructure:"external_identity" yaml:"external_identity,omitempty"`
	ExternalName      string            `koanf:"external_name" mapstructure:"external_name" yaml:"external_name,omitempty"`
	Filter            string            `koanf:"filter" mapstructure:"filter" yaml:"filter,omitempty"`
}

type DependentConfig struct {
	Name              string   `koanf:"name" mapstructure:"name" yaml:"name,omitempty"`
	Table             string   `koanf:"table" mapstructure:"table" yaml:"table,omitempty"`
	Columns           []string `koanf:"columns" mapstructure:"columns" yaml:"columns,omitempty"`
	ReferencedColumns []string `koanf:"referenced_columns" mapstructure:"referenced_columns" yaml:"referenced_columns,omitempty"`
	OnDelete          string   `koanf:"on_delete" mapstructure:"on_delete" yaml:"on_delete,omitempty"`
	OnUpdate          string   `koanf:"on_update" mapstructure:"on_update" yaml:"on_update,omitempty"`
}

type TimeoutConfig struct {
	Lock      string `koanf:"lock" mapstructure:"lock" yaml:"lock,omitempty"`
	Statement string `koanf:"statement" mapstructure:"statement" yaml:"statement,omitempty"`
	Idle      string `koanf:"idle" mapstructure:"idle" yaml:"idle,omitempty"`
	Overall   string `koanf:"overall" mapstructure:"overall" yaml:"overall,omitempty"`
}

type PolicyConfig struct {
	// MigrateTransientOnly decides whether rows holding only a transient
	// authorization artifact produce an integration. Off by default.
	MigrateTransientOnly      bool `koanf:"migrate_transient_only" mapstructure:"migrate_transient_only" yaml:"migrate_transient_only,omitempty"`
	StrictMidValidation       bool `koanf:"strict_mid_validation" mapstructure:"strict_mid_validation" yaml:"strict_mid_validation,omitempty"`
	StrictFeatures            bool `koanf:"strict_features" mapstructure:"strict_features" yaml:"strict_features,omitempty"`
	RequireDeclaredDependents bool `koanf:"require_declared_dependents" mapstructure:"require_declared_dependents" yaml:"require_declared_dependents,omitempty"`
	DryRun                    bool `koanf:"dry_run" mapstructure:"dry_run" yaml:"dry_run,omitempty"`
	MismatchSampleSize        int  `koanf:"mismatch_sample_size" mapstructure:"mismatch_sample_size" yaml:"mismatch_sample_size,omitempty"`
}

type DatabaseConfig struct {
	Driver      string `koanf:"driver" mapstructure:"driver" yaml:"driver,omitempty"`
	DSN         string `koanf:"dsn" mapstructure:"dsn" yaml:"dsn,omitempty"`
	Debug       bool   `koanf:"debug" mapstructure:"debug" yaml:"debug,omitempty"`
	PingTimeout string `koanf:"ping_timeout" mapstructure:"ping_timeout" yaml:"ping_timeout,omitempty"`
}

type Config struct {
	ServiceName  string             `koanf:"service_name" mapstructure:"service_name" yaml:"service_name,omitempty"`
	Source       SourceConfig       `koanf:"source" mapstructure:"source" yaml:"source,omitempty"`
	Profile      ProfileConfig      `koanf:"profile" mapstructure:"profile" yaml:"profile,omitempty"`
	Catalog      CatalogConfig      `koanf:"catalog" mapstructure:"catalog" yaml:"catalog,omitempty"`
	Integrations IntegrationsConfig `koanf:"integrations" mapstructure:"integrations" yaml:"integrations,omitempty"`
	Mappings     []MappingConfig    `koanf:"mappings" mapstructure:"mappings" yaml:"mappings,omitempty"`
	Dependents   []DependentConfig  `koanf:"dependents" mapstructure:"dependents" yaml:"dependents,omitempty"`
	Timeouts     TimeoutConfig      `koanf:"timeouts" mapstructure:"timeouts" yaml:"timeouts,omitempty"`
	Policy       PolicyConfig       `koanf:"policy" mapstructure:"policy" yaml:"policy,omitempty"`
	Database     DatabaseConfig     `koanf:"database" mapstructure:"database" yaml:"database,omitempty"`
}

const (
	defaultBatchSize          = 500
	defaultMismatchSampleSize = 20
)

func DefaultConfig() Config {
	return Config{
		ServiceName: "normalize",
		Source: SourceConfig{
			Table:       "users",
			PrimaryKey:  "id",
			BackupTable: "users_backup",
		},
		Profile: ProfileConfig{
			StagingTable: "user_profiles",
			Columns:      []string{"id", "email", "name", "created_at"},
		},
		Catalog: CatalogConfig{
			Table: "services",
		},
		Integrations: IntegrationsConfig{
			Table:       "user_integrations",
			UniqueNulls: UniqueNullsNotDistinct,
			BatchSize:   defaultBatchSize,
		},
		Timeouts: TimeoutConfig{
			Lock:      "10s",
			Statement: "5m",
			Idle:      "1m",
			Overall:   "30m",
		},
		Policy: PolicyConfig{
			MismatchSampleSize: defaultMismatchSampleSize,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			PingTimeout: "5s",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	tables := map[string]string{
		"source.table":          c.Source.Table,
		"source.primary_key":    c.Source.PrimaryKey,
		"source.backup_table":   c.Source.BackupTable,
		"profile.staging_table": c.Profile.StagingTable,
		"catalog.table":         c.Catalog.Table,
		"integrations.table":    c.Integrations.Table,
	}
	for _, key := range sortedKeys(tables) {
		if !IsIdentifier(tables[key]) {
			return fmt.Errorf("core: %s %q is not a valid identifier", key, tables[key])
		}
	}
	names := []string{c.Source.Table, c.Source.BackupTable, c.Profile.StagingTable, c.Catalog.Table, c.Integrations.Table}
	if len(dedupeFold(names)) != len(names) {
		return fmt.Errorf("core: source, backup, staging, catalog and integrations tables must be distinct")
	}
	if len(c.Profile.Columns) == 0 {
		return fmt.Errorf("core: profile.columns is required")
	}
	if !containsFold(c.Profile.Columns, c.Source.PrimaryKey) {
		return fmt.Errorf("core: profile.columns must include the primary key %q", c.Source.PrimaryKey)
	}
	for _, column := range c.Profile.Columns {
		if !IsIdentifier(column) {
			return fmt.Errorf("core: profile column %q is not a valid identifier", column)
		}
	}
	if !c.Integrations.UniqueNulls.Valid() {
		return fmt.Errorf("core: integrations.unique_nulls %q is invalid (want not_distinct, coalesce_index or distinct)", c.Integrations.UniqueNulls)
	}
	if c.Integrations.BatchSize < 0 {
		return fmt.Errorf("core: integrations.batch_size must not be negative")
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("core: at least one mapping is required")
	}

	catalogIDs := make([]string, 0, len(c.Catalog.Services))
	for _, descriptor := range c.ServiceDescriptors() {
		if err := descriptor.Validate(); err != nil {
			return err
		}
		if slices.Contains(catalogIDs, descriptor.ID) {
			return fmt.Errorf("core: catalog service %q is declared twice", descriptor.ID)
		}
		catalogIDs = append(catalogIDs, descriptor.ID)
	}
	seen := map[string]struct{}{}
	for _, mapping := range c.EntityMappings() {
		if err := mapping.Validate(); err != nil {
			return err
		}
		if _, dup := seen[mapping.ServiceID]; dup {
			return fmt.Errorf("core: mapping for service %q is declared twice", mapping.ServiceID)
		}
		seen[mapping.ServiceID] = struct{}{}
		if !slices.Contains(catalogIDs, mapping.ServiceID) {
			return fmt.Errorf("core: mapping service %q is missing from catalog.services", mapping.ServiceID)
		}
	}
	for _, dependent := range c.Dependents {
		if !IsIdentifier(dependent.Table) {
			return fmt.Errorf("core: dependent table %q is not a valid identifier", dependent.Table)
		}
		if len(dependent.Columns) == 0 {
			return fmt.Errorf("core: dependent %q requires columns", dependent.Table)
		}
		for _, column := range append(slices.Clone(dependent.Columns), dependent.ReferencedColumns...) {
			if !IsIdentifier(column) {
				return fmt.Errorf("core: dependent %q column %q is not a valid identifier", dependent.Table, column)
			}
		}
		if len(dependent.ReferencedColumns) > 0 && len(dependent.ReferencedColumns) != len(dependent.Columns) {
			return fmt.Errorf("core: dependent %q column count does not match referenced columns", dependent.Table)
		}
		for _, action := range []string{dependent.OnDelete, dependent.OnUpdate} {
			if _, err := NormalizeReferentialAction(action); err != nil {
				return fmt.Errorf("core: dependent %q: %w", dependent.Table, err)
			}
		}
	}
	for key, value := range map[string]string{
		"timeouts.lock":         c.Timeouts.Lock,
		"timeouts.statement":    c.Timeouts.Statement,
		"timeouts.idle":         c.Timeouts.Idle,
		"timeouts.overall":      c.Timeouts.Overall,
		"database.ping_timeout": c.Database.PingTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("core: %s: %w", key, err)
		}
	}
	if c.Policy.MismatchSampleSize < 0 {
		return fmt.Errorf("core: policy.mismatch_sample_size must not be negative")
	}
	return nil
}

// EntityMappings returns the declared mappings in order.
func (c Config) EntityMappings() []EntityMapping {
	out := make([]EntityMapping, 0, len(c.Mappings))
	for _, mapping := range c.Mappings {
		out = append(out, EntityMapping{
			ServiceID:         strings.TrimSpace(mapping.Service),
			CredentialColumns: trimAll(mapping.CredentialColumns),
			TransientColumns:  trimAll(mapping.TransientColumns),
			Fields:            trimMap(mapping.Fields),
			Extras:            trimMap(mapping.Extras),
			ExternalIdentity:  strings.TrimSpace(mapping.ExternalIdentity),
			ExternalName:      strings.TrimSpace(mapping.ExternalName),
			Filter:            strings.TrimSpace(mapping.Filter),
		})
	}
	return out
}

func (c Config) ServiceDescriptors() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(c.Catalog.Services))
	for _, service := range c.Catalog.Services {
		active := true
		if service.Active != nil {
			active = *service.Active
		}
		out = append(out, ServiceDescriptor{
			ID:       strings.TrimSpace(service.ID),
			Name:     strings.TrimSpace(service.Name),
			Category: strings.TrimSpace(service.Category),
			Provider: strings.TrimSpace(service.Provider),
			Active:   active,
			Metadata: copyAnyMap(service.Metadata),
		})
	}
	return out
}

// DeclaredEdges converts the static dependent declarations into edges
// referencing the source table.
func (c Config) DeclaredEdges() []DependencyEdge {
	out := make([]DependencyEdge, 0, len(c.Dependents))
	for _, dependent := range c.Dependents {
		referenced := trimAll(dependent.ReferencedColumns)
		if len(referenced) == 0 {
			referenced = []string{c.Source.PrimaryKey}
		}
		onDelete, _ := NormalizeReferentialAction(dependent.OnDelete)
		onUpdate, _ := NormalizeReferentialAction(dependent.OnUpdate)
		name := strings.TrimSpace(dependent.Name)
		if name == "" {
			name = defaultConstraintName(dependent.Table, dependent.Columns)
		}
		out = append(out, DependencyEdge{
			Name:              name,
			Table:             strings.TrimSpace(dependent.Table),
			Columns:           trimAll(dependent.Columns),
			ReferencedTable:   c.Source.Table,
			ReferencedColumns: referenced,
			OnDelete:          onDelete,
			OnUpdate:          onUpdate,
			Origin:            EdgeOriginDeclared,
		})
	}
	return out
}

func (t TimeoutConfig) LockTimeout() time.Duration      { return mustDuration(t.Lock) }
func (t TimeoutConfig) StatementTimeout() time.Duration { return mustDuration(t.Statement) }
func (t TimeoutConfig) IdleTimeout() time.Duration      { return mustDuration(t.Idle) }
func (t TimeoutConfig) OverallTimeout() time.Duration   { return mustDuration(t.Overall) }

func (d DatabaseConfig) PingTimeoutDuration() time.Duration {
	if timeout := mustDuration(d.PingTimeout); timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}

func (c Config) batchSize() int {
	if c.Integrations.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Integrations.BatchSize
}

func (c Config) sampleSize() int {
	if c.Policy.MismatchSampleSize <= 0 {
		return defaultMismatchSampleSize
	}
	return c.Policy.MismatchSampleSize
}

// NormalizeReferentialAction canonicalises ON DELETE / ON UPDATE actions.
// An empty action is returned as empty (engine default, NO ACTION).
func NormalizeReferentialAction(action string) (string, error) {
	normalized := strings.Join(strings.Fields(strings.ToUpper(action)), " ")
	switch normalized {
	case "", "NO ACTION", "RESTRICT", "CASCADE", "SET NULL", "SET DEFAULT":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid referential action %q", action)
	}
}

func defaultConstraintName(table string, columns []string) string {
	return "fk_" + strings.ToLower(strings.TrimSpace(table)) + "_" + strings.ToLower(strings.Join(trimAll(columns), "_"))
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return parsed, nil
}

func mustDuration(value string) time.Duration {
	parsed, err := parseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}
