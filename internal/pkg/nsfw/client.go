// Package nsfw talks to an image classification service that scores how
// likely an image is unwanted content, over HTTP or gRPC.
package nsfw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// DetectionResult is one prediction.
type DetectionResult struct {
	IsNSFW      bool
	NSFWScore   float64 // 0.0 to 1.0
	NormalScore float64
	Label       string
	Confidence  float64
	ProcessedAt time.Time
}

// IsSafe reports whether the image was not flagged.
func (r *DetectionResult) IsSafe() bool {
	return !r.IsNSFW
}

// Flagged applies a score threshold on top of the service's own label.
func (r *DetectionResult) Flagged(threshold float64) bool {
	return r.IsNSFW || r.NSFWScore >= threshold
}

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Threshold float64
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8080",
		Timeout:   30 * time.Second,
		Threshold: 0.5,
	}
}

// Client calls the HTTP prediction API.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(config Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Threshold returns the configured flagging threshold.
func (c *Client) Threshold() float64 {
	return c.config.Threshold
}

type apiResponse struct {
	IsNSFW      bool    `json:"is_nsfw"`
	NSFWScore   float64 `json:"nsfw_score"`
	NormalScore float64 `json:"normal_score"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
}

// DetectFromBytes uploads the image as multipart form data.
func (c *Client) DetectFromBytes(ctx context.Context, imageData []byte) (*DetectionResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return c.predict(ctx, "/predict", body, writer.FormDataContentType())
}

// DetectFromURL lets the service fetch a public image itself.
func (c *Client) DetectFromURL(ctx context.Context, imageURL string) (*DetectionResult, error) {
	payload, err := json.Marshal(struct {
		URL string `json:"url"`
	}{URL: imageURL})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.predict(ctx, "/predict/url", bytes.NewReader(payload), "application/json")
}

func (c *Client) predict(ctx context.Context, path string, body io.Reader, contentType string) (*DetectionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call NSFW API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NSFW API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &DetectionResult{
		IsNSFW:      apiResp.IsNSFW,
		NSFWScore:   apiResp.NSFWScore,
		NormalScore: apiResp.NormalScore,
		Label:       apiResp.Label,
		Confidence:  apiResp.Confidence,
		ProcessedAt: time.Now(),
	}, nil
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.config.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("NSFW API not reachable at %s: %w", c.config.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSFW API returned status %d", resp.StatusCode)
	}
	return nil
}
