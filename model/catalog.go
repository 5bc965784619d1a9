package model

import (
	"fmt"
	"sort"
	"strings"
)

// Provider identifies a model provider. The identifiers double as config
// keys, so the type is a plain string alias.
type Provider = string

// Provider identifiers used by the catalog and the config.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Catalog maps the model names a run request may carry to their provider.
// The run manager validates the requested llm_model against it before any
// work is scheduled; an unknown model rejects the run up front instead of
// failing mid-flight on the first planner call.
type Catalog struct {
	providerByModel map[string]string
	aliases         map[string]string
}

// DefaultCatalog lists the models the three wired providers serve, plus
// short aliases for the common ones.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		providerByModel: map[string]string{
			// OpenAI
			"gpt-4o":            ProviderOpenAI,
			"gpt-4o-2024-08-06": ProviderOpenAI,
			"gpt-4o-mini":       ProviderOpenAI,
			"gpt-4-turbo":       ProviderOpenAI,
			"gpt-3.5-turbo":     ProviderOpenAI,
			"o3-mini":           ProviderOpenAI,

			// Anthropic
			"claude-3-5-sonnet-20241022": ProviderAnthropic,
			"claude-3-5-haiku-20241022":  ProviderAnthropic,
			"claude-3-opus-20240229":     ProviderAnthropic,
			"claude-3-haiku-20240307":    ProviderAnthropic,

			// Gemini
			"gemini-1.5-pro":   ProviderGemini,
			"gemini-1.5-flash": ProviderGemini,
			"gemini-2.0-flash": ProviderGemini,
		},
		aliases: map[string]string{
			"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
			"claude-3-opus":     "claude-3-opus-20240229",
			"claude-3-haiku":    "claude-3-haiku-20240307",
		},
	}
	return c
}

// Resolve canonicalizes a model name through the alias table.
func (c *Catalog) Resolve(name string) string {
	if canonical, ok := c.aliases[strings.TrimSpace(name)]; ok {
		return canonical
	}
	return strings.TrimSpace(name)
}

// Validate checks that name identifies a known model and returns its
// provider. An empty name is valid and means "use the configured default".
func (c *Catalog) Validate(name string) (provider string, err error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	resolved := c.Resolve(name)
	if p, ok := c.providerByModel[resolved]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown llm_model %q (known: %s)", name, strings.Join(c.Models(), ", "))
}

// Models returns the sorted canonical model names.
func (c *Catalog) Models() []string {
	out := make([]string, 0, len(c.providerByModel))
	for name := range c.providerByModel {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds or overrides a model → provider entry. Used by config to
// admit self-hosted or newer models without a code change.
func (c *Catalog) Register(name, provider string) {
	c.providerByModel[name] = provider
}
