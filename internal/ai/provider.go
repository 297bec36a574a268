// Package ai routes normalized chat-completion requests to external AI
// backends. A static Directory describes the available providers; the
// Orchestrator selects one per request, translates the request into the
// provider's wire shape, and normalizes the response. The streaming relay
// forwards token fragments as they arrive.
package ai

import (
	"os"
	"sort"
)

// Dialect identifies a provider's wire format family.
type Dialect int

const (
	// DialectOpenAI is the chat-completions shape (message array with roles,
	// SSE token streaming). OpenAI and DeepSeek speak it.
	DialectOpenAI Dialect = iota
	// DialectGemini is the content-parts shape with remapped roles and no
	// native token streaming.
	DialectGemini
)

// SupportsStreaming reports whether the dialect has native token streaming.
func (d Dialect) SupportsStreaming() bool {
	return d == DialectOpenAI
}

// Provider describes one AI backend. Descriptors are immutable after process
// start; the credential decides whether the provider qualifies for selection.
type Provider struct {
	Name     string
	Endpoint string
	APIKey   string
	Models   []string
	Priority int // lower is preferred
	Dialect  Dialect
}

// HasKey reports whether the provider has a credential configured.
func (p *Provider) HasKey() bool {
	return p.APIKey != ""
}

// SupportsModel reports whether the provider serves the given model.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Directory is the static table of provider descriptors, owned by the
// composition root and passed by reference to the Orchestrator.
type Directory struct {
	providers []Provider
}

// NewDirectory creates a Directory from the given descriptors. The slice is
// copied; the Directory never changes after construction.
func NewDirectory(providers []Provider) *Directory {
	d := &Directory{providers: make([]Provider, len(providers))}
	copy(d.providers, providers)
	return d
}

// DefaultDirectory builds the standard provider table with credentials read
// from the environment.
func DefaultDirectory() *Directory {
	return NewDirectory([]Provider{
		{
			Name:     "OpenAI",
			Endpoint: "https://api.openai.com/v1/chat/completions",
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			Models:   []string{"gpt-4", "gpt-3.5-turbo"},
			Priority: 1,
			Dialect:  DialectOpenAI,
		},
		{
			Name:     "DeepSeek",
			Endpoint: "https://api.deepseek.com/v1/chat/completions",
			APIKey:   os.Getenv("DEEPSEEK_API_KEY"),
			Models:   []string{"deepseek-chat", "deepseek-coder"},
			Priority: 2,
			Dialect:  DialectOpenAI,
		},
		{
			Name:     "Google Gemini",
			Endpoint: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent",
			APIKey:   os.Getenv("GEMINI_API_KEY"),
			Models:   []string{"gemini-pro"},
			Priority: 3,
			Dialect:  DialectGemini,
		},
	})
}

// Select returns the qualified provider with the lowest priority value for
// the requested model. A provider qualifies when it has a credential and
// serves the model. Selection is static per request: the caller never
// re-selects mid-flight, and a failed call is not retried against a
// lower-priority provider.
func (d *Directory) Select(model string) (*Provider, bool) {
	var best *Provider
	for i := range d.providers {
		p := &d.providers[i]
		if !p.HasKey() || !p.SupportsModel(model) {
			continue
		}
		if best == nil || p.Priority < best.Priority {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	// Copy so callers cannot mutate the directory entry.
	out := *best
	return &out, true
}

// AvailableModels returns the sorted set of models served by at least one
// qualified provider.
func (d *Directory) AvailableModels() []string {
	seen := make(map[string]struct{})
	for i := range d.providers {
		p := &d.providers[i]
		if !p.HasKey() {
			continue
		}
		for _, m := range p.Models {
			seen[m] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
