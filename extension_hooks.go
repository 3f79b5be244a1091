package normalize

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-normalize/core"
)

// MappingPack contributes catalog services and their source mappings.
type MappingPack struct {
	Name     string
	Services []core.ServiceConfig
	Mappings []core.MappingConfig
}

// DependentPack contributes declared foreign-key dependents of the source
// table.
type DependentPack struct {
	Name       string
	Dependents []core.DependentConfig
}

type CommandQueryBundleFactory func(facade *Facade) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	mappingPacks   map[string]MappingPack
	dependentPacks map[string]DependentPack
	bundles        map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		mappingPacks:   map[string]MappingPack{},
		dependentPacks: map[string]DependentPack{},
		bundles:        map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterMappingPack(pack MappingPack) error {
	if h == nil {
		return fmt.Errorf("normalize: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("normalize: mapping pack name is required")
	}
	if len(pack.Mappings) == 0 {
		return fmt.Errorf("normalize: mapping pack %q has no mappings", name)
	}

	normalized := MappingPack{
		Name:     name,
		Services: append([]core.ServiceConfig(nil), pack.Services...),
		Mappings: append([]core.MappingConfig(nil), pack.Mappings...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.mappingPacks[name]; exists {
		return fmt.Errorf("normalize: mapping pack %q already registered", name)
	}
	h.mappingPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterDependentPack(pack DependentPack) error {
	if h == nil {
		return fmt.Errorf("normalize: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("normalize: dependent pack name is required")
	}
	if len(pack.Dependents) == 0 {
		return fmt.Errorf("normalize: dependent pack %q has no dependents", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.dependentPacks[name]; exists {
		return fmt.Errorf("normalize: dependent pack %q already registered", name)
	}
	h.dependentPacks[name] = DependentPack{
		Name:       name,
		Dependents: append([]core.DependentConfig(nil), pack.Dependents...),
	}
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("normalize: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("normalize: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("normalize: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("normalize: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyToConfig appends every registered pack to cfg in pack name order.
// A service, mapping or dependent already present in cfg is an error; packs
// never override explicit configuration.
func (h *ExtensionHooks) ApplyToConfig(cfg core.Config) (core.Config, error) {
	if h == nil {
		return cfg, nil
	}
	out := cfg
	out.Catalog.Services = append([]core.ServiceConfig(nil), cfg.Catalog.Services...)
	out.Mappings = append([]core.MappingConfig(nil), cfg.Mappings...)
	out.Dependents = append([]core.DependentConfig(nil), cfg.Dependents...)

	services := map[string]struct{}{}
	for _, service := range out.Catalog.Services {
		services[strings.TrimSpace(service.ID)] = struct{}{}
	}
	mapped := map[string]struct{}{}
	for _, mapping := range out.Mappings {
		mapped[strings.TrimSpace(mapping.Service)] = struct{}{}
	}
	dependents := map[string]struct{}{}
	for _, dependent := range out.Dependents {
		dependents[dependentKey(dependent)] = struct{}{}
	}

	for _, pack := range h.MappingPacks() {
		for _, service := range pack.Services {
			id := strings.TrimSpace(service.ID)
			if _, exists := services[id]; exists {
				return cfg, fmt.Errorf("normalize: mapping pack %q redeclares service %q", pack.Name, id)
			}
			services[id] = struct{}{}
			out.Catalog.Services = append(out.Catalog.Services, service)
		}
		for _, mapping := range pack.Mappings {
			id := strings.TrimSpace(mapping.Service)
			if _, exists := mapped[id]; exists {
				return cfg, fmt.Errorf("normalize: mapping pack %q redeclares mapping %q", pack.Name, id)
			}
			mapped[id] = struct{}{}
			out.Mappings = append(out.Mappings, mapping)
		}
	}
	for _, pack := range h.DependentPacks() {
		for _, dependent := range pack.Dependents {
			key := dependentKey(dependent)
			if _, exists := dependents[key]; exists {
				return cfg, fmt.Errorf("normalize: dependent pack %q redeclares %s", pack.Name, key)
			}
			dependents[key] = struct{}{}
			out.Dependents = append(out.Dependents, dependent)
		}
	}
	return out, nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("normalize: facade is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) MappingPacks() []MappingPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.mappingPacks))
	for name := range h.mappingPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]MappingPack, 0, len(names))
	for _, name := range names {
		pack := h.mappingPacks[name]
		out = append(out, MappingPack{
			Name:     pack.Name,
			Services: append([]core.ServiceConfig(nil), pack.Services...),
			Mappings: append([]core.MappingConfig(nil), pack.Mappings...),
		})
	}
	return out
}

func (h *ExtensionHooks) DependentPacks() []DependentPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.dependentPacks))
	for name := range h.dependentPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DependentPack, 0, len(names))
	for _, name := range names {
		pack := h.dependentPacks[name]
		out = append(out, DependentPack{
			Name:       pack.Name,
			Dependents: append([]core.DependentConfig(nil), pack.Dependents...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dependentKey(dependent core.DependentConfig) string {
	return strings.ToLower(strings.TrimSpace(dependent.Table)) + "(" +
		strings.ToLower(strings.Join(dependent.Columns, ",")) + ")"
}
