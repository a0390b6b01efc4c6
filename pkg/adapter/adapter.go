// Package adapter wraps LLM provider SDKs behind a single Generate call.
package adapter

import (
	"context"
	"fmt"
	"sort"
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns its text response.
	Generate(ctx context.Context, model string, prompt string) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a single model completion.
type Response struct {
	Content string `json:"content"`
	Adapter string `json:"adapter"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Keys holds provider API keys.
type Keys struct {
	Anthropic string
	OpenAI    string
	Google    string
	DeepSeek  string
}

// Build constructs every adapter whose key is present. Missing keys are
// skipped rather than treated as errors.
func Build(keys Keys) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)
	if keys.Anthropic != "" {
		a, err := NewAnthropicAdapter(keys.Anthropic)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	if keys.OpenAI != "" {
		a, err := NewOpenAIAdapter(keys.OpenAI)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	if keys.Google != "" {
		a, err := NewGoogleAdapter(keys.Google)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	if keys.DeepSeek != "" {
		a, err := NewDeepSeekAdapter(keys.DeepSeek)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	return adapters, nil
}

// Lookup returns the named adapter or an error listing what is available.
func Lookup(adapters map[string]Adapter, name string) (Adapter, error) {
	if a, ok := adapters[name]; ok && a != nil {
		return a, nil
	}
	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("adapter %q not configured (available: %v)", name, names)
}
