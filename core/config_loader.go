package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLFileConfigLoader reads the raw configuration layer from a YAML file.
// Environment references (${VAR}) are expanded before decoding so secrets
// such as the database DSN can stay out of the file.
type YAMLFileConfigLoader struct {
	Path      string
	ExpandEnv bool
}

func NewYAMLFileConfigLoader(path string) YAMLFileConfigLoader {
	return YAMLFileConfigLoader{Path: path, ExpandEnv: true}
}

func (l YAMLFileConfigLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	return decodeYAMLConfig(content, l.ExpandEnv)
}

func decodeYAMLConfig(content []byte, expandEnv bool) (map[string]any, error) {
	text := string(content)
	if expandEnv {
		text = os.ExpandEnv(text)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("core: decode config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
