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
	googleAPIURL = "https://generativelanguage.googleapis.com/v1beta/models"
)

// GoogleProvider implements the Provider interface for Google's Gemini models
type GoogleProvider struct {
	Config
	httpClient *http.Client
}

// GooglePart is one text part of a Gemini message
type GooglePart struct {
	Text string `json:"text"`
}

// GoogleContent represents content in Google's Gemini API format
type GoogleContent struct {
	Parts []GooglePart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

// GoogleRequest represents a request to Google's Gemini API
type GoogleRequest struct {
	Contents         []GoogleContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

// GoogleResponse represents a response from Google's Gemini API
type GoogleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []GooglePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGoogleProvider creates a new instance of the Google provider
func NewGoogleProvider(config Config) *GoogleProvider {
	return &GoogleProvider{
		Config: config,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Name returns the provider name
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

// Describe implements the Provider interface for Google
func (p *GoogleProvider) Describe(ctx context.Context, text string, maxLength int) (string, error) {
	if p.APIKey == "" {
		return "", fmt.Errorf("Google API key not provided")
	}

	model := p.ModelID
	if model == "" {
		model = "gemini-pro"
	}

	reqBody := GoogleRequest{
		Contents: []GoogleContent{
			{
				Parts: []GooglePart{
					{Text: fmt.Sprintf(describePrompt, maxLength, text)},
				},
				Role: "user",
			},
		},
	}
	reqBody.GenerationConfig.MaxOutputTokens = 1024

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %v", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", googleAPIURL, model, p.APIKey)
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		strings.NewReader(string(reqJSON)),
	)
	if err != nil {
		return "", fmt.Errorf("error creating request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request to Google API: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %v", err)
	}

	var googleResponse GoogleResponse
	if err := json.Unmarshal(respBody, &googleResponse); err != nil {
		return "", fmt.Errorf("error unmarshaling response: %v", err)
	}

	if googleResponse.Error != nil {
		return "", fmt.Errorf("Google API error: %s: %s",
			googleResponse.Error.Status, googleResponse.Error.Message)
	}

	if len(googleResponse.Candidates) == 0 ||
		len(googleResponse.Candidates[0].Content.Parts) == 0 ||
		googleResponse.Candidates[0].Content.Parts[0].Text == "" {
		return "", fmt.Errorf("empty response from Google API")
	}

	description := googleResponse.Candidates[0].Content.Parts[0].Text
	if len(description) > maxLength {
		description = description[:maxLength]
	}

	return description, nil
}
