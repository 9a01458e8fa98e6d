package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaConfig contains configuration for Ollama client.
type OllamaConfig struct {
	BaseURL string // e.g., "http://localhost:11434"
	Model   string // e.g., "llava:7b", "qwen2.5vl:7b"
	Timeout time.Duration
}

// DefaultOllamaConfig returns default configuration for local Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL: "http://localhost:11434",
		Model:   "qwen2.5vl:7b",
		Timeout: 60 * time.Second,
	}
}

// OllamaClient is a client for Ollama API (self-hosted).
type OllamaClient struct {
	config     OllamaConfig
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	return &OllamaClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// Classify asks the model for a verdict. Ollama only accepts inline
// images, so URL-only images are skipped.
func (c *OllamaClient) Classify(ctx context.Context, r Request) (*Verdict, error) {
	msg := ollamaMessage{Role: "user", Content: prompt(r)}
	for _, img := range r.Images {
		if len(img.Data) > 0 {
			msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(img.Data))
		}
	}
	reqBody := ollamaRequest{
		Model:    c.config.Model,
		Messages: []ollamaMessage{msg},
		Options:  &ollamaOptions{Temperature: 0, NumPredict: 100},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/chat"), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if ollamaResp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", ollamaResp.Error)
	}
	v := parseVerdict(ollamaResp.Message.Content, ollamaResp.Model)
	return &v, nil
}

// Ping checks if Ollama is running.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/tags"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", c.config.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) url(path string) string {
	return strings.TrimSuffix(c.config.BaseURL, "/") + path
}
