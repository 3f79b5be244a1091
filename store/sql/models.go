package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-normalize/core"
	"github.com/uptrace/bun"
)

type runRecord struct {
	bun.BaseModel `bun:"table:normalization_runs,alias:nr"`

	ID            string                `bun:"id,pk"`
	Mode          string                `bun:"mode,notnull"`
	Status        string                `bun:"status,notnull"`
	State         string                `bun:"state,notnull"`
	SourceTable   string                `bun:"source_table,notnull"`
	BackupTable   string                `bun:"backup_table,notnull"`
	SourceRows    int                   `bun:"source_rows,notnull"`
	ServiceCounts map[string]int        `bun:"service_counts,type:jsonb,notnull"`
	Edges         []core.DependencyEdge `bun:"edges,type:jsonb,notnull"`
	Error         string                `bun:"error"`
	StartedAt     time.Time             `bun:"started_at,nullzero,notnull,default:current_timestamp"`
	FinishedAt    *time.Time            `bun:"finished_at,nullzero"`
	UpdatedAt     time.Time             `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type integrationRecord struct {
	bun.BaseModel `bun:"table:user_integrations,alias:ui"`

	ID             string         `bun:"id,pk"`
	UserID         string         `bun:"user_id,notnull"`
	ServiceID      string         `bun:"service_id,notnull"`
	Active         bool           `bun:"is_active,notnull"`
	ExternalID     *string        `bun:"external_id"`
	ExternalName   *string        `bun:"external_name"`
	AccessToken    *string        `bun:"access_token"`
	RefreshToken   *string        `bun:"refresh_token"`
	TokenExpiresAt *time.Time     `bun:"token_expires_at"`
	ClientID       *string        `bun:"client_id"`
	ClientSecret   *string        `bun:"client_secret"`
	Metadata       map[string]any `bun:"metadata,type:jsonb"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type catalogRecord struct {
	bun.BaseModel `bun:"table:services,alias:svc"`

	ID        string         `bun:"id,pk"`
	Name      string         `bun:"name,notnull"`
	Category  *string        `bun:"category"`
	Provider  *string        `bun:"provider"`
	Active    bool           `bun:"is_active,notnull"`
	Metadata  map[string]any `bun:"metadata,type:jsonb"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newRunRecord(run core.Run, now time.Time) *runRecord {
	started := run.StartedAt.UTC()
	if run.StartedAt.IsZero() {
		started = now
	}
	record := &runRecord{
		ID:            strings.TrimSpace(run.ID),
		Mode:          string(run.Mode),
		Status:        string(run.Status),
		State:         string(run.State),
		SourceTable:   strings.TrimSpace(run.SourceTable),
		BackupTable:   strings.TrimSpace(run.BackupTable),
		SourceRows:    run.SourceRows,
		ServiceCounts: copyCounts(run.ServiceCounts),
		Edges:         copyEdges(run.Edges),
		Error:         run.Error,
		StartedAt:     started,
		FinishedAt:    cloneTimePointer(run.FinishedAt),
		UpdatedAt:     now,
	}
	if record.Status == "" {
		record.Status = string(core.RunStatusRunning)
	}
	if record.State == "" {
		record.State = string(core.StateNotStarted)
	}
	return record
}

func (r *runRecord) toDomain() core.Run {
	if r == nil {
		return core.Run{}
	}
	return core.Run{
		ID:            r.ID,
		Mode:          core.RunMode(r.Mode),
		Status:        core.RunStatus(r.Status),
		State:         core.State(r.State),
		SourceTable:   r.SourceTable,
		BackupTable:   r.BackupTable,
		SourceRows:    r.SourceRows,
		ServiceCounts: copyCounts(r.ServiceCounts),
		Edges:         copyEdges(r.Edges),
		Error:         r.Error,
		StartedAt:     r.StartedAt.UTC(),
		FinishedAt:    cloneTimePointer(r.FinishedAt),
	}
}

func newIntegrationRecord(in core.LinkIntegrationInput, id string, now time.Time) *integrationRecord {
	return &integrationRecord{
		ID:             id,
		UserID:         strings.TrimSpace(in.UserID),
		ServiceID:      strings.TrimSpace(in.ServiceID),
		Active:         true,
		ExternalID:     in.ExternalID,
		ExternalName:   in.ExternalName,
		AccessToken:    in.AccessToken,
		RefreshToken:   in.RefreshToken,
		TokenExpiresAt: cloneTimePointer(in.TokenExpiresAt),
		ClientID:       in.ClientID,
		ClientSecret:   in.ClientSecret,
		Metadata:       copyAnyMap(in.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *integrationRecord) toDomain() core.IntegrationRecord {
	if r == nil {
		return core.IntegrationRecord{}
	}
	return core.IntegrationRecord{
		ID:             r.ID,
		UserID:         r.UserID,
		ServiceID:      r.ServiceID,
		Active:         r.Active,
		ExternalID:     r.ExternalID,
		ExternalName:   r.ExternalName,
		AccessToken:    r.AccessToken,
		RefreshToken:   r.RefreshToken,
		TokenExpiresAt: cloneTimePointer(r.TokenExpiresAt),
		ClientID:       r.ClientID,
		ClientSecret:   r.ClientSecret,
		Metadata:       copyAnyMap(r.Metadata),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r *catalogRecord) toDomain() core.ServiceDescriptor {
	if r == nil {
		return core.ServiceDescriptor{}
	}
	descriptor := core.ServiceDescriptor{
		ID:       r.ID,
		Name:     r.Name,
		Active:   r.Active,
		Metadata: copyAnyMap(r.Metadata),
	}
	if r.Category != nil {
		descriptor.Category = *r.Category
	}
	if r.Provider != nil {
		descriptor.Provider = *r.Provider
	}
	return descriptor
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyEdges(in []core.DependencyEdge) []core.DependencyEdge {
	out := make([]core.DependencyEdge, 0, len(in))
	for _, edge := range in {
		edge.Columns = append([]string(nil), edge.Columns...)
		edge.ReferencedColumns = append([]string(nil), edge.ReferencedColumns...)
		out = append(out, edge)
	}
	return out
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
