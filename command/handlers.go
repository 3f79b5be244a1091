package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-normalize/core"
)

type MigrationService interface {
	Migrate(ctx context.Context, req core.MigrateRequest) (core.MigrationResult, error)
	Rollback(ctx context.Context, req core.RollbackRequest) (core.RollbackResult, error)
}

type IntegrationMutator interface {
	Link(ctx context.Context, in core.LinkIntegrationInput) (core.IntegrationRecord, error)
	BulkLink(ctx context.Context, in []core.LinkIntegrationInput) ([]core.IntegrationRecord, error)
	Unlink(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	UpdateToken(ctx context.Context, id string, update core.TokenUpdate) (core.IntegrationRecord, error)
}

type CatalogMutator interface {
	SetServiceActive(ctx context.Context, id string, active bool) error
}

// MigrateCommand runs the normalization. The MigrationResult is stored in
// the context result collector even when the run aborts, so callers can
// inspect the reached state.
type MigrateCommand struct {
	service MigrationService
}

func NewMigrateCommand(service MigrationService) *MigrateCommand {
	return &MigrateCommand{service: service}
}

func (c *MigrateCommand) Execute(ctx context.Context, msg MigrateMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: migration service is required")
	}
	out, err := c.service.Migrate(ctx, core.MigrateRequest{DryRun: msg.DryRun})
	storeResult(ctx, out)
	return err
}

type RollbackCommand struct {
	service MigrationService
}

func NewRollbackCommand(service MigrationService) *RollbackCommand {
	return &RollbackCommand{service: service}
}

func (c *RollbackCommand) Execute(ctx context.Context, msg RollbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: migration service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Rollback(ctx, core.RollbackRequest{Confirm: msg.Confirm})
	storeResult(ctx, out)
	return err
}

type LinkIntegrationCommand struct {
	store IntegrationMutator
}

func NewLinkIntegrationCommand(store IntegrationMutator) *LinkIntegrationCommand {
	return &LinkIntegrationCommand{store: store}
}

func (c *LinkIntegrationCommand) Execute(ctx context.Context, msg LinkIntegrationMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: integration store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.store.Link(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type BulkLinkCommand struct {
	store IntegrationMutator
}

func NewBulkLinkCommand(store IntegrationMutator) *BulkLinkCommand {
	return &BulkLinkCommand{store: store}
}

func (c *BulkLinkCommand) Execute(ctx context.Context, msg BulkLinkMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: integration store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.store.BulkLink(ctx, msg.Inputs)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UnlinkIntegrationCommand struct {
	store IntegrationMutator
}

func NewUnlinkIntegrationCommand(store IntegrationMutator) *UnlinkIntegrationCommand {
	return &UnlinkIntegrationCommand{store: store}
}

func (c *UnlinkIntegrationCommand) Execute(ctx context.Context, msg UnlinkIntegrationMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: integration store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.store.Unlink(ctx, msg.IntegrationID)
}

type DeleteIntegrationCommand struct {
	store IntegrationMutator
}

func NewDeleteIntegrationCommand(store IntegrationMutator) *DeleteIntegrationCommand {
	return &DeleteIntegrationCommand{store: store}
}

func (c *DeleteIntegrationCommand) Execute(ctx context.Context, msg DeleteIntegrationMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: integration store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.store.Delete(ctx, msg.IntegrationID)
}

type UpdateTokenCommand struct {
	store IntegrationMutator
}

func NewUpdateTokenCommand(store IntegrationMutator) *UpdateTokenCommand {
	return &UpdateTokenCommand{store: store}
}

func (c *UpdateTokenCommand) Execute(ctx context.Context, msg UpdateTokenMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: integration store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.store.UpdateToken(ctx, msg.IntegrationID, msg.Update)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SetServiceActiveCommand struct {
	catalog CatalogMutator
}

func NewSetServiceActiveCommand(catalog CatalogMutator) *SetServiceActiveCommand {
	return &SetServiceActiveCommand{catalog: catalog}
}

func (c *SetServiceActiveCommand) Execute(ctx context.Context, msg SetServiceActiveMessage) error {
	if c == nil || c.catalog == nil {
		return commandDependencyError("command: catalog store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.catalog.SetServiceActive(ctx, msg.ServiceID, msg.Active)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
