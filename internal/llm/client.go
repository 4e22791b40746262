// Package llm phrases reminders through an external language-model service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/habitmind/habitmind/internal/core"
)

// Client calls the phrase endpoint
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// Config for the LLM client
type Config struct {
	Endpoint string // Phrase endpoint URL; empty disables the client
	APIKey   string // Optional bearer token
	Timeout  time.Duration
}

// DefaultConfig reads the endpoint and key from the environment
func DefaultConfig() Config {
	return Config{
		Endpoint: os.Getenv("HABITMIND_LLM_ENDPOINT"),
		APIKey:   os.Getenv("HABITMIND_LLM_API_KEY"),
		Timeout:  30 * time.Second,
	}
}

// NewClient creates an LLM client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// IsConfigured reports whether an endpoint is set; callers fall back to a
// template phrase otherwise
func (c *Client) IsConfigured() bool {
	return c.endpoint != ""
}

// Request is the phrase request structure
type Request struct {
	Prompt string `json:"prompt"`
}

// Response is the phrase response structure
type Response struct {
	Text string `json:"text"`
}

// Phrase asks the service to phrase a prompt
func (c *Client) Phrase(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", core.ErrLLMUnavailable
	}

	body, err := json.Marshal(Request{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", core.ErrLLMUnavailable, resp.StatusCode, raw)
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return parsed.Text, nil
}
