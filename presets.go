package normalize

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-normalize/core"
)

// CredentialPreset describes a service whose credentials follow the
// <prefix>_<field> column convention of the wide table.
type CredentialPreset struct {
	ServiceID string
	Name      string
	Category  string
	Provider  string
	// Prefix defaults to ServiceID.
	Prefix string
	// ExternalIdentity is an expression over the source row. Empty stores
	// NULL.
	ExternalIdentity string
	ExternalName     string
	// Transient names the short-lived authorization artifact column
	// suffixes, for example "auth_code".
	Transient []string
	// Extras maps payload keys to column suffixes.
	Extras map[string]string
}

// Pack expands the preset into a MappingPack with one service and one
// mapping. Access and refresh tokens mark a row as eligible.
func (p CredentialPreset) Pack() (MappingPack, error) {
	id := strings.TrimSpace(p.ServiceID)
	if id == "" {
		return MappingPack{}, fmt.Errorf("normalize: preset service id is required")
	}
	prefix := strings.TrimSpace(p.Prefix)
	if prefix == "" {
		prefix = id
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = id
	}
	column := func(suffix string) string {
		return prefix + "_" + suffix
	}

	fields := map[string]string{}
	for _, field := range core.JunctionCredentialFields() {
		fields[field] = column(field)
	}
	transient := make([]string, 0, len(p.Transient))
	for _, suffix := range p.Transient {
		transient = append(transient, column(strings.TrimSpace(suffix)))
	}
	var extras map[string]string
	if len(p.Extras) > 0 {
		extras = make(map[string]string, len(p.Extras))
		for key, suffix := range p.Extras {
			extras[key] = column(strings.TrimSpace(suffix))
		}
	}

	return MappingPack{
		Name: "preset:" + id,
		Services: []core.ServiceConfig{{
			ID:       id,
			Name:     name,
			Category: p.Category,
			Provider: p.Provider,
		}},
		Mappings: []core.MappingConfig{{
			Service:           id,
			CredentialColumns: []string{column(core.FieldAccessToken), column(core.FieldRefreshToken)},
			TransientColumns:  transient,
			Fields:            fields,
			Extras:            extras,
			ExternalIdentity:  p.ExternalIdentity,
			ExternalName:      p.ExternalName,
		}},
	}, nil
}

func GmailPreset() CredentialPreset {
	return CredentialPreset{
		ServiceID:        "gmail",
		Name:             "Gmail",
		Category:         "email",
		Provider:         "google",
		ExternalIdentity: "email",
		Transient:        []string{"auth_code"},
	}
}

func CalendarPreset() CredentialPreset {
	return CredentialPreset{
		ServiceID:        "calendar",
		Name:             "Google Calendar",
		Category:         "calendar",
		Provider:         "google",
		ExternalIdentity: "email",
		Transient:        []string{"auth_code"},
	}
}

func GitHubPreset() CredentialPreset {
	return CredentialPreset{
		ServiceID:        "github",
		Name:             "GitHub",
		Category:         "vcs",
		Provider:         "github",
		ExternalIdentity: "github_user_id",
		ExternalName:     "github_login",
	}
}

func SlackPreset() CredentialPreset {
	return CredentialPreset{
		ServiceID:        "slack",
		Name:             "Slack",
		Category:         "chat",
		Provider:         "slack",
		ExternalIdentity: "slack_user_id",
		ExternalName:     "slack_team_name",
		Extras:           map[string]string{"team_id": "team_id", "bot_token": "bot_token"},
	}
}

// RegisterPresets registers the pack of every preset on hooks.
func RegisterPresets(hooks *ExtensionHooks, presets ...CredentialPreset) error {
	if hooks == nil {
		return fmt.Errorf("normalize: extension hooks are nil")
	}
	for _, preset := range presets {
		pack, err := preset.Pack()
		if err != nil {
			return err
		}
		if err := hooks.RegisterMappingPack(pack); err != nil {
			return err
		}
	}
	return nil
}
