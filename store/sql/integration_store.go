package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-normalize/core"
	"github.com/goliatone/go-normalize/dialect"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultTokenSkew = 30 * time.Second

// IntegrationStore reads and writes the junction table produced by a
// committed normalization run.
type IntegrationStore struct {
	db    *bun.DB
	table string
	skew  time.Duration
	now   func() time.Time
	ids   func() string

	classify func(error) core.ErrorClass
}

func NewIntegrationStore(db *bun.DB, table string) (*IntegrationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = core.DefaultConfig().Integrations.Table
	}
	if !core.IsIdentifier(table) {
		return nil, fmt.Errorf("sqlstore: invalid integrations table %q", table)
	}
	resolved, err := dialect.Resolve(db)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return &IntegrationStore{
		db:       db,
		table:    table,
		skew:     defaultTokenSkew,
		now:      func() time.Time { return time.Now().UTC() },
		ids:      uuid.NewString,
		classify: resolved.Classify,
	}, nil
}

// WithTokenSkew sets how long before expiry a token stops counting as valid.
func (s *IntegrationStore) WithTokenSkew(skew time.Duration) *IntegrationStore {
	if s != nil && skew >= 0 {
		s.skew = skew
	}
	return s
}

func (s *IntegrationStore) Table() string {
	if s == nil {
		return ""
	}
	return s.table
}

func (s *IntegrationStore) selectQuery(db bun.IDB, model any) *bun.SelectQuery {
	return db.NewSelect().Model(model).ModelTableExpr("? AS ui", bun.Ident(s.table))
}

func (s *IntegrationStore) ListActive(ctx context.Context, userID string) ([]core.IntegrationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("sqlstore: user id is required")
	}
	var records []integrationRecord
	err := s.selectQuery(s.db, &records).
		Where("ui.user_id = ?", userID).
		Where("ui.is_active = ?", true).
		OrderExpr("ui.service_id ASC, ui.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.IntegrationRecord, 0, len(records))
	for idx := range records {
		out = append(out, records[idx].toDomain())
	}
	return out, nil
}

func (s *IntegrationStore) Get(ctx context.Context, id string) (core.IntegrationRecord, error) {
	if s == nil || s.db == nil {
		return core.IntegrationRecord{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	record, err := s.get(ctx, s.db, id)
	if err != nil {
		return core.IntegrationRecord{}, err
	}
	return record.toDomain(), nil
}

func (s *IntegrationStore) get(ctx context.Context, db bun.IDB, id string) (*integrationRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("sqlstore: integration id is required")
	}
	record := &integrationRecord{}
	err := s.selectQuery(db, record).
		Where("ui.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, core.NotFoundError("integration not found", map[string]any{"integration_id": id})
		}
		return nil, err
	}
	return record, nil
}

func (s *IntegrationStore) Token(ctx context.Context, userID, serviceID string) (core.IntegrationRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.IntegrationRecord{}, false, fmt.Errorf("sqlstore: integration store is not configured")
	}
	userID = strings.TrimSpace(userID)
	serviceID = strings.TrimSpace(serviceID)
	if userID == "" || serviceID == "" {
		return core.IntegrationRecord{}, false, fmt.Errorf("sqlstore: user id and service id are required")
	}
	record := &integrationRecord{}
	err := s.selectQuery(s.db, record).
		Where("ui.user_id = ?", userID).
		Where("ui.service_id = ?", serviceID).
		Where("ui.is_active = ?", true).
		OrderExpr("ui.updated_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.IntegrationRecord{}, false, core.NotFoundError("no active integration", map[string]any{
				"user_id":    userID,
				"service_id": serviceID,
			})
		}
		return core.IntegrationRecord{}, false, err
	}
	integration := record.toDomain()
	return integration, integration.TokenValid(s.now(), s.skew), nil
}

func (s *IntegrationStore) UpdateToken(ctx context.Context, id string, update core.TokenUpdate) (core.IntegrationRecord, error) {
	if s == nil || s.db == nil {
		return core.IntegrationRecord{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	if update.Empty() {
		return core.IntegrationRecord{}, fmt.Errorf("sqlstore: token update has no fields")
	}
	id = strings.TrimSpace(id)

	var out core.IntegrationRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		query := tx.NewUpdate().
			TableExpr("?", bun.Ident(s.table)).
			Set("updated_at = ?", now).
			Where("id = ?", id)
		if update.AccessToken != nil {
			query.Set("access_token = ?", *update.AccessToken)
			record.AccessToken = update.AccessToken
		}
		if update.RefreshToken != nil {
			query.Set("refresh_token = ?", *update.RefreshToken)
			record.RefreshToken = update.RefreshToken
		}
		if update.TokenExpiresAt != nil {
			expiresAt := update.TokenExpiresAt.UTC()
			query.Set("token_expires_at = ?", expiresAt)
			record.TokenExpiresAt = &expiresAt
		}
		if _, err := query.Exec(ctx); err != nil {
			return err
		}
		record.UpdatedAt = now
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.IntegrationRecord{}, err
	}
	return out, nil
}

func (s *IntegrationStore) Link(ctx context.Context, in core.LinkIntegrationInput) (core.IntegrationRecord, error) {
	if s == nil || s.db == nil {
		return core.IntegrationRecord{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	var out core.IntegrationRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		linked, err := s.linkTx(ctx, tx, in)
		if err != nil {
			return err
		}
		out = linked
		return nil
	})
	if err != nil {
		return core.IntegrationRecord{}, err
	}
	return out, nil
}

// BulkLink links every input in one transaction; any failure links none.
func (s *IntegrationStore) BulkLink(ctx context.Context, inputs []core.LinkIntegrationInput) ([]core.IntegrationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	out := make([]core.IntegrationRecord, 0, len(inputs))
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for idx, in := range inputs {
			linked, err := s.linkTx(ctx, tx, in)
			if err != nil {
				return fmt.Errorf("sqlstore: link %d (%s/%s): %w", idx, in.UserID, in.ServiceID, err)
			}
			out = append(out, linked)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *IntegrationStore) linkTx(ctx context.Context, tx bun.Tx, in core.LinkIntegrationInput) (core.IntegrationRecord, error) {
	if err := in.Validate(); err != nil {
		return core.IntegrationRecord{}, err
	}
	now := s.now()
	existing, err := s.findTriple(ctx, tx, in)
	if err != nil {
		return core.IntegrationRecord{}, err
	}
	if existing == nil {
		record := newIntegrationRecord(in, s.ids(), now)
		_, insertErr := tx.NewInsert().
			Model(record).
			ModelTableExpr("?", bun.Ident(s.table)).
			Exec(ctx)
		if insertErr == nil {
			return record.toDomain(), nil
		}
		if !s.isUniqueViolation(insertErr) {
			return core.IntegrationRecord{}, insertErr
		}
		existing, err = s.findTriple(ctx, tx, in)
		if err != nil {
			return core.IntegrationRecord{}, err
		}
		if existing == nil {
			return core.IntegrationRecord{}, insertErr
		}
	}

	refreshed := newIntegrationRecord(in, existing.ID, now)
	refreshed.CreatedAt = existing.CreatedAt
	_, err = tx.NewUpdate().
		TableExpr("?", bun.Ident(s.table)).
		Set("is_active = ?", true).
		Set("external_name = ?", refreshed.ExternalName).
		Set("access_token = ?", refreshed.AccessToken).
		Set("refresh_token = ?", refreshed.RefreshToken).
		Set("token_expires_at = ?", refreshed.TokenExpiresAt).
		Set("client_id = ?", refreshed.ClientID).
		Set("client_secret = ?", refreshed.ClientSecret).
		Set("metadata = ?", refreshed.Metadata).
		Set("updated_at = ?", now).
		Where("id = ?", existing.ID).
		Exec(ctx)
	if err != nil {
		return core.IntegrationRecord{}, err
	}
	return refreshed.toDomain(), nil
}

// findTriple loads the row for (owner, service, external identity), treating
// NULL identities as equal.
func (s *IntegrationStore) findTriple(ctx context.Context, db bun.IDB, in core.LinkIntegrationInput) (*integrationRecord, error) {
	record := &integrationRecord{}
	query := s.selectQuery(db, record).
		Where("ui.user_id = ?", strings.TrimSpace(in.UserID)).
		Where("ui.service_id = ?", strings.TrimSpace(in.ServiceID))
	if in.ExternalID == nil {
		query.Where("ui.external_id IS NULL")
	} else {
		query.Where("ui.external_id = ?", *in.ExternalID)
	}
	err := query.OrderExpr("ui.created_at ASC").Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Unlink deactivates the integration but keeps its row and credentials.
func (s *IntegrationStore) Unlink(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: integration store is not configured")
	}
	res, err := s.db.NewUpdate().
		TableExpr("?", bun.Ident(s.table)).
		Set("is_active = ?", false).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (s *IntegrationStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: integration store is not configured")
	}
	res, err := s.db.NewDelete().
		TableExpr("?", bun.Ident(s.table)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.NotFoundError("integration not found", map[string]any{"integration_id": id})
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation trusts the driver error code, never the message text.
func (s *IntegrationStore) isUniqueViolation(err error) bool {
	return s.classify(err) == core.ErrorClassUniqueViolation
}
