package providers

import (
	"context"
	"sync"
)

// TestProvider is a simple implementation of Provider for testing
type TestProvider struct {
	name         string
	returnError  error
	returnString string
}

// NewTestProvider creates a new TestProvider
func NewTestProvider(name string, returnString string, returnError error) *TestProvider {
	return &TestProvider{
		name:         name,
		returnString: returnString,
		returnError:  returnError,
	}
}

// Name returns the provider name
func (p *TestProvider) Name() string {
	return p.name
}

// Describe returns the configured string or error
func (p *TestProvider) Describe(_ context.Context, _ string, _ int) (string, error) {
	return p.returnString, p.returnError
}

// CapturingProvider is a provider that records its inputs for testing
type CapturingProvider struct {
	name         string
	returnError  error
	returnString string

	mu            sync.Mutex
	capturedTexts []string
	capturedMax   int
}

// NewCapturingProvider creates a new CapturingProvider
func NewCapturingProvider(name, returnString string, returnError error) *CapturingProvider {
	return &CapturingProvider{
		name:         name,
		returnString: returnString,
		returnError:  returnError,
	}
}

// Name returns the provider name
func (p *CapturingProvider) Name() string {
	return p.name
}

// Describe captures inputs and returns the configured response
func (p *CapturingProvider) Describe(_ context.Context, text string, maxLength int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capturedTexts = append(p.capturedTexts, text)
	p.capturedMax = maxLength
	return p.returnString, p.returnError
}

// CapturedTexts returns every text passed to Describe
func (p *CapturingProvider) CapturedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.capturedTexts...)
}

// CapturedMaxLength returns the last maxLength passed to Describe
func (p *CapturingProvider) CapturedMaxLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturedMax
}
