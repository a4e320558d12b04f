package providers

import (
	"context"
	"testing"
)

func TestFactoryReturnsConfiguredProviders(t *testing.T) {
	configs := map[string]Config{
		ProviderAnthropic: {APIKey: "key-a"},
		ProviderOpenAI:    {APIKey: "key-b"},
		ProviderGoogle:    {APIKey: "key-c"},
		ProviderXAI:       {APIKey: "key-d"},
	}
	factory := NewProviderFactory(configs)

	for name := range configs {
		provider, err := factory.GetProvider(name)
		if err != nil {
			t.Fatalf("GetProvider(%s): %v", name, err)
		}
		if provider.Name() != name {
			t.Errorf("expected provider name %q, got %q", name, provider.Name())
		}
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	factory := NewProviderFactory(map[string]Config{})
	if _, err := factory.GetProvider("llama-local"); err == nil {
		t.Error("expected error for unconfigured provider")
	}

	// Configured but unrecognized names are also rejected.
	factory = NewProviderFactory(map[string]Config{"llama-local": {APIKey: "k"}})
	if _, err := factory.GetProvider("llama-local"); err == nil {
		t.Error("expected error for unknown provider name")
	}
}

func TestDescribeRequiresAPIKey(t *testing.T) {
	providers := []Provider{
		NewAnthropicProvider(Config{}),
		NewOpenAIProvider(Config{}),
		NewGoogleProvider(Config{}),
		NewXAIProvider(Config{}),
	}
	for _, p := range providers {
		if _, err := p.Describe(context.Background(), "func main() {}", 100); err == nil {
			t.Errorf("%s: expected error without API key", p.Name())
		}
	}
}

func TestCapturingProviderRecordsCalls(t *testing.T) {
	p := NewCapturingProvider("test", "a description", nil)

	if _, err := p.Describe(context.Background(), "first chunk", 120); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if _, err := p.Describe(context.Background(), "second chunk", 120); err != nil {
		t.Fatalf("Describe: %v", err)
	}

	texts := p.CapturedTexts()
	if len(texts) != 2 || texts[0] != "first chunk" {
		t.Errorf("unexpected captured texts %v", texts)
	}
	if p.CapturedMaxLength() != 120 {
		t.Errorf("expected max length 120, got %d", p.CapturedMaxLength())
	}
}
