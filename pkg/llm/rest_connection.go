package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// RESTConfig contains configuration options for the REST connection.
type RESTConfig struct {
	// BaseURL is the root of the generateContent-style API.
	BaseURL string `json:"base_url"`
	// Model is the model identifier appended to the generate path.
	Model string `json:"model"`
	// APIKey authenticates the request; falls back to REASONING_API_KEY.
	APIKey string `json:"-"`
	// Temperature controls sampling, if the provider supports it.
	Temperature *float32 `json:"temperature,omitempty"`
	// Timeout bounds each HTTP call.
	Timeout time.Duration `json:"timeout"`
}

// DefaultRESTConfig returns a default configuration for the REST connection.
func DefaultRESTConfig() *RESTConfig {
	return &RESTConfig{
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.0-flash",
		Timeout: 30 * time.Second,
	}
}

// RESTConnection implements Generator against a generateContent-style REST
// endpoint (the shape used by the Google Generative Language API).
type RESTConnection struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewRESTConnection creates a new REST connection with the given
// configuration. A nil config uses defaults; a missing API key falls back
// to the REASONING_API_KEY environment variable.
func NewRESTConnection(config *RESTConfig) *RESTConnection {
	if config == nil {
		config = DefaultRESTConfig()
	}
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("REASONING_API_KEY")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTConnection{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		model:   config.Model,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewRESTConnectionFromEnv creates a REST connection using environment
// variables. Supports REASONING_API_BASE, REASONING_MODEL and
// REASONING_API_KEY.
func NewRESTConnectionFromEnv() *RESTConnection {
	config := DefaultRESTConfig()
	if base := os.Getenv("REASONING_API_BASE"); base != "" {
		config.BaseURL = base
	}
	if model := os.Getenv("REASONING_MODEL"); model != "" {
		config.Model = model
	}
	return NewRESTConnection(config)
}

// Model returns the configured model identifier.
func (c *RESTConnection) Model() string {
	return c.model
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt to the reasoning service and returns the first
// candidate's text.
func (c *RESTConnection) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoning service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("reasoning service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("reasoning service error %d: %s", genResp.Error.Code, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("reasoning service returned no candidates")
	}

	var sb strings.Builder
	for _, p := range genResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// Ensure RESTConnection implements Generator.
var _ Generator = (*RESTConnection)(nil)
