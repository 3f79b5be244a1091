package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-normalize/core"
)

var (
	_ gocmd.Querier[PreflightMessage, core.PreflightResult]              = (*PreflightQuery)(nil)
	_ gocmd.Querier[RunHistoryMessage, []core.Run]                       = (*RunHistoryQuery)(nil)
	_ gocmd.Querier[LatestRunMessage, core.Run]                          = (*LatestRunQuery)(nil)
	_ gocmd.Querier[ActiveIntegrationsMessage, []core.IntegrationRecord] = (*ActiveIntegrationsQuery)(nil)
	_ gocmd.Querier[IntegrationTokenMessage, TokenResult]                = (*IntegrationTokenQuery)(nil)
	_ gocmd.Querier[ListServicesMessage, []core.ServiceDescriptor]       = (*ListServicesQuery)(nil)

	_ PreflightRunner   = (*core.Service)(nil)
	_ RunReader         = (*core.Service)(nil)
	_ IntegrationReader = (core.IntegrationStore)(nil)
	_ CatalogReader     = (core.CatalogStore)(nil)
)
