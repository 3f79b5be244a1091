package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-normalize/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

const catalogCacheKeyPrefix = "go-normalize::catalog::v1"

// CatalogStore reads the service catalog table.
type CatalogStore struct {
	db    *bun.DB
	table string
}

func NewCatalogStore(db *bun.DB, table string) (*CatalogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = core.DefaultConfig().Catalog.Table
	}
	if !core.IsIdentifier(table) {
		return nil, fmt.Errorf("sqlstore: invalid catalog table %q", table)
	}
	return &CatalogStore{db: db, table: table}, nil
}

func (s *CatalogStore) Table() string {
	if s == nil {
		return ""
	}
	return s.table
}

func (s *CatalogStore) GetService(ctx context.Context, id string) (core.ServiceDescriptor, error) {
	if s == nil || s.db == nil {
		return core.ServiceDescriptor{}, fmt.Errorf("sqlstore: catalog store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.ServiceDescriptor{}, fmt.Errorf("sqlstore: service id is required")
	}
	record := &catalogRecord{}
	err := s.db.NewSelect().
		Model(record).
		ModelTableExpr("? AS svc", bun.Ident(s.table)).
		Where("svc.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.ServiceDescriptor{}, core.NotFoundError("service not found", map[string]any{"service_id": id})
		}
		return core.ServiceDescriptor{}, err
	}
	return record.toDomain(), nil
}

func (s *CatalogStore) ListServices(ctx context.Context, activeOnly bool) ([]core.ServiceDescriptor, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: catalog store is not configured")
	}
	var records []catalogRecord
	query := s.db.NewSelect().
		Model(&records).
		ModelTableExpr("? AS svc", bun.Ident(s.table)).
		OrderExpr("svc.id ASC")
	if activeOnly {
		query.Where("svc.is_active = ?", true)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.ServiceDescriptor, 0, len(records))
	for idx := range records {
		out = append(out, records[idx].toDomain())
	}
	return out, nil
}

func (s *CatalogStore) SetServiceActive(ctx context.Context, id string, active bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: catalog store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		TableExpr("?", bun.Ident(s.table)).
		Set("is_active = ?", active).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.NotFoundError("service not found", map[string]any{"service_id": id})
	}
	return nil
}

// CachedCatalogStore serves descriptor reads from a go-repository-cache
// service and invalidates on writes.
type CachedCatalogStore struct {
	base  core.CatalogStore
	table string
	cache repositorycache.CacheService
}

func NewCachedCatalogStore(base core.CatalogStore, table string, cacheService repositorycache.CacheService) (*CachedCatalogStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base catalog store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: catalog cache service is required")
	}
	return &CachedCatalogStore{base: base, table: strings.TrimSpace(table), cache: cacheService}, nil
}

// CatalogCacheKey returns go-normalize::catalog::v1::<table>::<segment> with
// each segment URL-path escaped.
func CatalogCacheKey(table, segment string) string {
	return strings.Join([]string{
		catalogCacheKeyPrefix,
		url.PathEscape(strings.ToLower(strings.TrimSpace(table))),
		url.PathEscape(strings.TrimSpace(segment)),
	}, "::")
}

func (s *CachedCatalogStore) GetService(ctx context.Context, id string) (core.ServiceDescriptor, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ServiceDescriptor{}, fmt.Errorf("sqlstore: cached catalog store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.ServiceDescriptor{}, fmt.Errorf("sqlstore: service id is required")
	}
	descriptor, err := repositorycache.GetOrFetch(ctx, s.cache, CatalogCacheKey(s.table, "service:"+id),
		func(ctx context.Context) (core.ServiceDescriptor, error) {
			return s.base.GetService(ctx, id)
		})
	if err != nil {
		return core.ServiceDescriptor{}, err
	}
	descriptor.Metadata = copyAnyMap(descriptor.Metadata)
	return descriptor, nil
}

func (s *CachedCatalogStore) ListServices(ctx context.Context, activeOnly bool) ([]core.ServiceDescriptor, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached catalog store is not configured")
	}
	descriptors, err := repositorycache.GetOrFetch(ctx, s.cache, CatalogCacheKey(s.table, listSegment(activeOnly)),
		func(ctx context.Context) ([]core.ServiceDescriptor, error) {
			return s.base.ListServices(ctx, activeOnly)
		})
	if err != nil {
		return nil, err
	}
	out := make([]core.ServiceDescriptor, 0, len(descriptors))
	for _, descriptor := range descriptors {
		descriptor.Metadata = copyAnyMap(descriptor.Metadata)
		out = append(out, descriptor)
	}
	return out, nil
}

func (s *CachedCatalogStore) SetServiceActive(ctx context.Context, id string, active bool) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached catalog store is not configured")
	}
	if err := s.base.SetServiceActive(ctx, id, active); err != nil {
		return err
	}
	return s.Invalidate(ctx, id)
}

// Invalidate drops the cached descriptor for id and both list views.
func (s *CachedCatalogStore) Invalidate(ctx context.Context, id string) error {
	keys := []string{
		CatalogCacheKey(s.table, "service:"+strings.TrimSpace(id)),
		CatalogCacheKey(s.table, listSegment(true)),
		CatalogCacheKey(s.table, listSegment(false)),
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func listSegment(activeOnly bool) string {
	if activeOnly {
		return "list:active"
	}
	return "list:all"
}
