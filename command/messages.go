package command

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-normalize/core"
)

const (
	TypeMigrate           = "normalize.command.migrate"
	TypeRollback          = "normalize.command.rollback"
	TypeLinkIntegration   = "normalize.command.integration.link"
	TypeBulkLink          = "normalize.command.integration.bulk_link"
	TypeUnlinkIntegration = "normalize.command.integration.unlink"
	TypeDeleteIntegration = "normalize.command.integration.delete"
	TypeUpdateIntegration = "normalize.command.integration.update_token"
	TypeSetServiceActive  = "normalize.command.catalog.set_active"
)

type MigrateMessage struct {
	DryRun bool
}

func (MigrateMessage) Type() string { return TypeMigrate }

func (MigrateMessage) Validate() error { return nil }

type RollbackMessage struct {
	Confirm bool
}

func (RollbackMessage) Type() string { return TypeRollback }

func (m RollbackMessage) Validate() error {
	if !m.Confirm {
		return commandValidationError("confirm", "rollback must be confirmed")
	}
	return nil
}

type LinkIntegrationMessage struct {
	Input core.LinkIntegrationInput
}

func (LinkIntegrationMessage) Type() string { return TypeLinkIntegration }

func (m LinkIntegrationMessage) Validate() error {
	return commandWrapValidation(m.Input.Validate(), "command: invalid integration link")
}

type BulkLinkMessage struct {
	Inputs []core.LinkIntegrationInput
}

func (BulkLinkMessage) Type() string { return TypeBulkLink }

func (m BulkLinkMessage) Validate() error {
	if len(m.Inputs) == 0 {
		return commandValidationError("inputs", "at least one integration is required")
	}
	for idx, in := range m.Inputs {
		if err := in.Validate(); err != nil {
			return commandWrapValidation(err, fmt.Sprintf("command: invalid integration link at %d", idx))
		}
	}
	return nil
}

type UnlinkIntegrationMessage struct {
	IntegrationID string
}

func (UnlinkIntegrationMessage) Type() string { return TypeUnlinkIntegration }

func (m UnlinkIntegrationMessage) Validate() error {
	return requireIntegrationID(m.IntegrationID)
}

type DeleteIntegrationMessage struct {
	IntegrationID string
}

func (DeleteIntegrationMessage) Type() string { return TypeDeleteIntegration }

func (m DeleteIntegrationMessage) Validate() error {
	return requireIntegrationID(m.IntegrationID)
}

type UpdateTokenMessage struct {
	IntegrationID string
	Update        core.TokenUpdate
}

func (UpdateTokenMessage) Type() string { return TypeUpdateIntegration }

func (m UpdateTokenMessage) Validate() error {
	if err := requireIntegrationID(m.IntegrationID); err != nil {
		return err
	}
	if m.Update.Empty() {
		return commandValidationError("update", "at least one token field is required")
	}
	return nil
}

type SetServiceActiveMessage struct {
	ServiceID string
	Active    bool
}

func (SetServiceActiveMessage) Type() string { return TypeSetServiceActive }

func (m SetServiceActiveMessage) Validate() error {
	if strings.TrimSpace(m.ServiceID) == "" {
		return commandValidationError("service_id", "service id is required")
	}
	return nil
}

func requireIntegrationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return commandValidationError("integration_id", "integration id is required")
	}
	return nil
}
