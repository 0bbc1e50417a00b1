package resolve

import (
	"testing"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/provider/anthropic"
	"github.com/calderahq/caldera/provider/openaicompat"
)

func TestNewSelectsAdapter(t *testing.T) {
	p := New(Config{Provider: "anthropic", APIKey: "k", Model: "claude-sonnet-4"})
	if _, ok := p.(*anthropic.Provider); !ok {
		t.Errorf("anthropic config built %T", p)
	}

	p = New(Config{Provider: "groq", APIKey: "k", Model: "llama3"})
	oc, ok := p.(*openaicompat.Provider)
	if !ok {
		t.Fatalf("groq config built %T", p)
	}
	if oc.Name() != "groq" {
		t.Errorf("name = %q", oc.Name())
	}

	// Unknown vendors get the OpenAI-compatible adapter too.
	p = New(Config{Provider: "vllm-local", BaseURL: "http://localhost:8000/v1"})
	if _, ok := p.(*openaicompat.Provider); !ok {
		t.Errorf("unknown vendor built %T", p)
	}
}

func TestDefaultBaseURL(t *testing.T) {
	cases := map[string]string{
		"groq":     "https://api.groq.com/openai/v1",
		"deepseek": "https://api.deepseek.com/v1",
		"ollama":   "http://localhost:11434/v1",
		"openai":   "https://api.openai.com/v1",
		"unknown":  "https://api.openai.com/v1",
	}
	for provider, want := range cases {
		if got := defaultBaseURL(provider); got != want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry([]Config{
		{Provider: "openai", APIKey: "k1", Model: "gpt-4o"},
		{Provider: "anthropic", APIKey: "k2", Model: "claude-sonnet-4"},
	})

	p, err := r.Resolve("anthropic")
	if err != nil || p.Name() != "anthropic" {
		t.Errorf("Resolve(anthropic) = %v, %v", p, err)
	}

	// Unknown and empty names fall back to openai.
	p, err = r.Resolve("nonexistent")
	if err != nil || p.Name() != "openai" {
		t.Errorf("Resolve(nonexistent) = %v, %v", p, err)
	}
	p, err = r.Resolve("")
	if err != nil || p.Name() != "openai" {
		t.Errorf("Resolve(\"\") = %v, %v", p, err)
	}

	if got := r.Names(); len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("Names() = %v", got)
	}
}

func TestRegistryFallbackWithoutOpenAI(t *testing.T) {
	r := NewRegistry([]Config{
		{Provider: "mistral", APIKey: "k", Model: "mistral-large"},
		{Provider: "groq", APIKey: "k", Model: "llama3"},
	})

	// First registered name in sort order wins.
	p, err := r.Resolve("nonexistent")
	if err != nil || p.Name() != "groq" {
		t.Errorf("fallback = %v, %v", p, err)
	}
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Resolve("openai"); caldera.KindOf(err) != caldera.KindBadRequest {
		t.Errorf("empty registry: %v", err)
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry([]Config{{Provider: "openai", APIKey: "old", Model: "gpt-4o"}})
	replacement := openaicompat.NewProvider("new", "gpt-4o-mini", "https://api.openai.com/v1")
	r.Register(replacement)

	p, err := r.Resolve("openai")
	if err != nil || p != caldera.LLMProvider(replacement) {
		t.Errorf("Resolve after replace = %v, %v", p, err)
	}
	if len(r.Names()) != 1 {
		t.Errorf("Names() = %v", r.Names())
	}
}
