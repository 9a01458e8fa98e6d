package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VLLMConfig contains configuration for vLLM server.
type VLLMConfig struct {
	BaseURL string // e.g., "http://localhost:8000" (vLLM default)
	Model   string // e.g., "Qwen/Qwen2.5-VL-3B-Instruct"
	APIKey  string // Optional API key
	Timeout time.Duration
}

// DefaultVLLMConfig returns default configuration for local vLLM.
func DefaultVLLMConfig() VLLMConfig {
	return VLLMConfig{
		BaseURL: "http://localhost:8000",
		Model:   "Qwen/Qwen2.5-VL-3B-Instruct",
		Timeout: 30 * time.Second,
	}
}

// VLLMClient is a client for vLLM server (OpenAI-compatible API).
type VLLMClient struct {
	config     VLLMConfig
	httpClient *http.Client
}

// NewVLLMClient creates a new vLLM client.
func NewVLLMClient(config VLLMConfig) *VLLMClient {
	return &VLLMClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type vllmChatRequest struct {
	Model       string        `json:"model"`
	Messages    []vllmMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type vllmMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type vllmChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify asks the model for a verdict, sending images inline or by URL.
func (c *VLLMClient) Classify(ctx context.Context, r Request) (*Verdict, error) {
	parts := []contentPart{{Type: "text", Text: prompt(r)}}
	for _, img := range r.Images {
		switch {
		case len(img.Data) > 0:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI()}})
		case img.URL != "":
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.URL}})
		}
	}
	reqBody := vllmChatRequest{
		Model:     c.config.Model,
		Messages:  []vllmMessage{{Role: "user", Content: parts}},
		MaxTokens: 128,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call vLLM API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vLLM API error (status %d): %s", resp.StatusCode, string(body))
	}

	var vllmResp vllmChatResponse
	if err := json.Unmarshal(body, &vllmResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if vllmResp.Error != nil {
		return nil, fmt.Errorf("vLLM error: %s", vllmResp.Error.Message)
	}
	if len(vllmResp.Choices) == 0 {
		return nil, errors.New("no response choices from vLLM")
	}
	v := parseVerdict(vllmResp.Choices[0].Message.Content, vllmResp.Model)
	return &v, nil
}

// Ping checks if vLLM server is running.
func (c *VLLMClient) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vLLM not reachable at %s: %w", c.config.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vLLM returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *VLLMClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}
