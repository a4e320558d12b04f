package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	xaiAPIURL = "https://api.x.ai/v1/chat/completions"
)

// XAIProvider implements the Provider interface for X.AI's Grok models
type XAIProvider struct {
	Config
	httpClient *http.Client
}

// XAIMessage represents a message in X.AI's chat format
type XAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// XAIRequest represents a request to X.AI's API
type XAIRequest struct {
	Model     string       `json:"model"`
	Messages  []XAIMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

// XAIResponse represents a response from X.AI's API
type XAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewXAIProvider creates a new instance of the X.AI provider
func NewXAIProvider(config Config) *XAIProvider {
	return &XAIProvider{
		Config: config,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Name returns the provider name
func (p *XAIProvider) Name() string {
	return ProviderXAI
}

// Describe implements the Provider interface for X.AI
func (p *XAIProvider) Describe(ctx context.Context, text string, maxLength int) (string, error) {
	if p.APIKey == "" {
		return "", fmt.Errorf("X.AI API key not provided")
	}

	model := p.ModelID
	if model == "" {
		model = "grok-beta"
	}

	reqBody := XAIRequest{
		Model: model,
		Messages: []XAIMessage{
			{
				Role:    "user",
				Content: fmt.Sprintf(describePrompt, maxLength, text),
			},
		},
		MaxTokens: 1024,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %v", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		xaiAPIURL,
		strings.NewReader(string(reqJSON)),
	)
	if err != nil {
		return "", fmt.Errorf("error creating request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.APIKey))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request to X.AI API: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %v", err)
	}

	var xaiResponse XAIResponse
	if err := json.Unmarshal(respBody, &xaiResponse); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %v", err)
	}

	if xaiResponse.Error != nil {
		return "", fmt.Errorf("X.AI API error: %s: %s",
			xaiResponse.Error.Type, xaiResponse.Error.Message)
	}

	if len(xaiResponse.Choices) == 0 || xaiResponse.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty response from X.AI API")
	}

	description := xaiResponse.Choices[0].Message.Content
	if len(description) > maxLength {
		description = description[:maxLength]
	}

	return description, nil
}
