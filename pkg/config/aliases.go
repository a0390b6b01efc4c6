package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps short names such as "quality" to provider models and
// lists the models each provider accepts. All methods are nil-safe.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads exactly the aliases in path.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := &ModelAliases{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if out.Aliases == nil {
		out.Aliases = map[string]string{}
	}
	if out.Providers == nil {
		out.Providers = map[string][]string{}
	}
	return out, nil
}

// LoadAliasesWithFallback layers the first models.yaml found (config
// directory, then fallbackPath) over DefaultAliases.
func LoadAliasesWithFallback(fallbackPath string) (*ModelAliases, error) {
	var candidates []string
	if dir, err := configHome(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "models.yaml"))
	}
	if fallbackPath != "" {
		candidates = append(candidates, fallbackPath)
	}

	base := DefaultAliases()
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		user, err := LoadAliases(path)
		if err != nil {
			return nil, err
		}
		base.merge(user)
		break
	}
	return base, nil
}

func (a *ModelAliases) merge(other *ModelAliases) {
	for alias, model := range other.Aliases {
		a.Aliases[alias] = model
	}
	for provider, models := range other.Providers {
		a.Providers[provider] = append([]string(nil), models...)
	}
}

// Resolve maps an alias to its model. Anything else comes back unchanged.
func (a *ModelAliases) Resolve(name string) string {
	if model, ok := a.lookup(name); ok {
		return model
	}
	return name
}

// IsAlias reports whether name is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	_, ok := a.lookup(name)
	return ok
}

func (a *ModelAliases) lookup(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	model, ok := a.Aliases[name]
	return model, ok
}

// ValidateModel checks that model is listed for adapter. Without provider
// lists there is nothing to check against.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}
	models, ok := a.Providers[adapter]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapter)
	}
	if !contains(models, model) {
		return fmt.Errorf("model %q not in %s provider list", model, adapter)
	}
	return nil
}

// ListAliases returns a copy of the alias map.
func (a *ModelAliases) ListAliases() map[string]string {
	out := map[string]string{}
	if a == nil {
		return out
	}
	for k, v := range a.Aliases {
		out[k] = v
	}
	return out
}

// ListProviders returns provider names in order.
func (a *ModelAliases) ListProviders() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (a *ModelAliases) GetProviderModels(provider string) []string {
	if a == nil {
		return nil
	}
	return a.Providers[provider]
}

// ResolvePolicy returns a copy of p with every model alias resolved.
func (a *ModelAliases) ResolvePolicy(p *Policy) *Policy {
	if p == nil {
		return nil
	}
	out := *p
	out.Reasoner.Model = a.Resolve(p.Reasoner.Model)
	out.Proposers = make([]RouteTarget, len(p.Proposers))
	for i, target := range p.Proposers {
		target.Model = a.Resolve(target.Model)
		out.Proposers[i] = target
	}
	return &out
}

// ValidatePolicy checks every model the policy names.
func (a *ModelAliases) ValidatePolicy(p *Policy) []error {
	if a == nil || p == nil {
		return nil
	}

	var errs []error
	if p.Reasoner.Adapter != "" {
		if err := a.ValidateModel(p.Reasoner.Adapter, a.Resolve(p.Reasoner.Model)); err != nil {
			errs = append(errs, fmt.Errorf("reasoner: %w", err))
		}
	}
	for i, target := range p.Proposers {
		if err := a.ValidateModel(target.Adapter, a.Resolve(target.Model)); err != nil {
			errs = append(errs, fmt.Errorf("proposers[%d]: %w", i, err))
		}
	}
	return errs
}

// DefaultAliases matches the models the built-in adapters accept.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"quality":  "claude-sonnet-4-20250514",
			"deep":     "claude-opus-4-20250514",
			"fast":     "gpt-4.1-mini",
			"balanced": "gpt-4.1",
			"flash":    "gemini-2.5-flash",
			"pro":      "gemini-2.5-pro",
			"cheap":    "deepseek-chat",
			"reason":   "deepseek-reasoner",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-4.1", "gpt-4.1-mini", "gpt-5.2-instant"},
			"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-reasoner"},
		},
	}
}
