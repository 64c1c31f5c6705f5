// Package llm is a thin HTTP client for the external LLM gateway. The
// gateway's provider, retries, and model selection are opaque to the
// orchestration core; all it sees is prompt in, text out.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
)

type Client struct {
	baseURL  string
	provider string
	httpc    *http.Client
}

type generateRequest struct {
	SystemPrompt string         `json:"system_prompt"`
	UserPrompt   string         `json:"user_prompt"`
	Provider     string         `json:"provider,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type generateResponse struct {
	Provider   string `json:"provider"`
	OutputText string `json:"output_text"`
}

func NewClient(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.GatewayURL, "/"),
		provider: cfg.Provider,
		httpc:    &http.Client{Timeout: timeout},
	}
}

// Generate asks the gateway for a completion and returns the output text.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Provider:     c.provider,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("call llm gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm gateway returned %s", resp.Status)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return out.OutputText, nil
}
