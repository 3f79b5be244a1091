package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-normalize/core"
)

var (
	_ gocmd.Commander[MigrateMessage]           = (*MigrateCommand)(nil)
	_ gocmd.Commander[RollbackMessage]          = (*RollbackCommand)(nil)
	_ gocmd.Commander[LinkIntegrationMessage]   = (*LinkIntegrationCommand)(nil)
	_ gocmd.Commander[BulkLinkMessage]          = (*BulkLinkCommand)(nil)
	_ gocmd.Commander[UnlinkIntegrationMessage] = (*UnlinkIntegrationCommand)(nil)
	_ gocmd.Commander[DeleteIntegrationMessage] = (*DeleteIntegrationCommand)(nil)
	_ gocmd.Commander[UpdateTokenMessage]       = (*UpdateTokenCommand)(nil)
	_ gocmd.Commander[SetServiceActiveMessage]  = (*SetServiceActiveCommand)(nil)

	_ MigrationService   = (*core.Service)(nil)
	_ IntegrationMutator = (core.IntegrationStore)(nil)
	_ CatalogMutator     = (core.CatalogStore)(nil)
)
