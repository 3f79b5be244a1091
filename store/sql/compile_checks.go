package sqlstore

import "github.com/goliatone/go-normalize/core"

var (
	_ core.RunLedger        = (*RunStore)(nil)
	_ core.IntegrationStore = (*IntegrationStore)(nil)
	_ core.CatalogStore     = (*CatalogStore)(nil)
	_ core.CatalogStore     = (*CachedCatalogStore)(nil)
)
