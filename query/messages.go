package query

import (
	"strings"

	"github.com/goliatone/go-normalize/core"
)

const (
	TypePreflight          = "normalize.query.preflight"
	TypeRunHistory         = "normalize.query.runs.list"
	TypeLatestRun          = "normalize.query.runs.latest"
	TypeActiveIntegrations = "normalize.query.integrations.active"
	TypeIntegrationToken   = "normalize.query.integrations.token"
	TypeListServices       = "normalize.query.catalog.list"

	maxRunHistoryLimit = 500
)

type PreflightMessage struct{}

func (PreflightMessage) Type() string { return TypePreflight }

func (PreflightMessage) Validate() error { return nil }

type RunHistoryMessage struct {
	Limit int
}

func (RunHistoryMessage) Type() string { return TypeRunHistory }

func (m RunHistoryMessage) Validate() error {
	if m.Limit < 0 || m.Limit > maxRunHistoryLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	return nil
}

type LatestRunMessage struct {
	// Status filters by run status; empty matches any.
	Status core.RunStatus
}

func (LatestRunMessage) Type() string { return TypeLatestRun }

func (LatestRunMessage) Validate() error { return nil }

type ActiveIntegrationsMessage struct {
	UserID string
}

func (ActiveIntegrationsMessage) Type() string { return TypeActiveIntegrations }

func (m ActiveIntegrationsMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return queryValidationError("user_id", "user id is required")
	}
	return nil
}

type IntegrationTokenMessage struct {
	UserID    string
	ServiceID string
}

func (IntegrationTokenMessage) Type() string { return TypeIntegrationToken }

func (m IntegrationTokenMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return queryValidationError("user_id", "user id is required")
	}
	if strings.TrimSpace(m.ServiceID) == "" {
		return queryValidationError("service_id", "service id is required")
	}
	return nil
}

// TokenResult is the newest active integration and whether its access token
// is usable now.
type TokenResult struct {
	Integration core.IntegrationRecord
	Valid       bool
}

type ListServicesMessage struct {
	ActiveOnly bool
}

func (ListServicesMessage) Type() string { return TypeListServices }

func (ListServicesMessage) Validate() error { return nil }
