// Package providers contains implementations of the interchangeable LLM
// backends used to generate natural-language descriptions of code chunks.
package providers

import (
	"context"
	"time"
)

const (
	// Provider constants
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderXAI       = "xai"

	// Default settings
	DefaultTimeout        = 30 * time.Second
	DefaultMaxInputLength = 8000
)

// Provider defines the interface for the text-generation backends.
type Provider interface {
	// Describe takes a source-code chunk and returns a short natural-language
	// description of what it does.
	Describe(ctx context.Context, text string, maxLength int) (string, error)

	// Name returns the provider name
	Name() string
}

// Config holds common configuration for providers
type Config struct {
	APIKey  string
	ModelID string
}

// describePrompt is the instruction sent to every backend; keeping it in one
// place keeps descriptions comparable across providers.
const describePrompt = "Describe what the following code does in plain language, " +
	"focusing on its purpose and behavior. The description should be no more " +
	"than %d characters:\n\n%s"
