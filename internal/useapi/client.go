// Package useapi is a thin client for the UseAPI-style generation provider:
// video, narration (TTS) and image generation, plus the per-account credits
// endpoint used by the pool's health resync.
package useapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRateLimited is returned when the provider answers 429. Callers record
// it against the rate limiter so the adaptive backoff engages.
var ErrRateLimited = errors.New("useapi: rate limited")

// Client talks to the generation provider. A bearer token is attached per
// request so one client can serve every account in the pool.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds configuration for the provider client.
type ClientConfig struct {
	// BaseURL is the provider API root (e.g. "https://api.useapi.net/v1").
	BaseURL string

	// Timeout is the per-request timeout (default: 120s — video generation
	// is slow).
	Timeout time.Duration
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// VideoRequest describes one video generation call.
type VideoRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Duration    int     `json:"duration"`
	AspectRatio string  `json:"aspect_ratio"`
	Seed        int64   `json:"seed,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// VideoResult is the provider's response to a video generation call.
type VideoResult struct {
	AssetID     string  `json:"asset_id"`
	URL         string  `json:"url"`
	DurationSec float64 `json:"duration_sec"`
	CreditsUsed float64 `json:"credits_used"`
}

// TTSRequest describes one narration generation call.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Model string `json:"model,omitempty"`
}

// TTSResult is the provider's response to a narration call.
type TTSResult struct {
	AssetID     string  `json:"asset_id"`
	URL         string  `json:"url"`
	DurationSec float64 `json:"duration_sec"`
	CreditsUsed float64 `json:"credits_used"`
}

// ImageRequest describes one image (thumbnail) generation call.
type ImageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Model       string `json:"model,omitempty"`
}

// ImageResult is the provider's response to an image call.
type ImageResult struct {
	AssetID     string  `json:"asset_id"`
	URL         string  `json:"url"`
	CreditsUsed float64 `json:"credits_used"`
}

// creditsResponse is the provider's account balance payload.
type creditsResponse struct {
	AccountID string  `json:"account_id"`
	Credits   float64 `json:"credits"`
}

// GenerateVideo submits a video generation request under the given token.
func (c *Client) GenerateVideo(ctx context.Context, token string, req VideoRequest) (*VideoResult, error) {
	var out VideoResult
	if err := c.post(ctx, token, "/video/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateTTS submits a narration request under the given token.
func (c *Client) GenerateTTS(ctx context.Context, token string, req TTSRequest) (*TTSResult, error) {
	var out TTSResult
	if err := c.post(ctx, token, "/tts/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateImage submits an image request under the given token.
func (c *Client) GenerateImage(ctx context.Context, token string, req ImageRequest) (*ImageResult, error) {
	var out ImageResult
	if err := c.post(ctx, token, "/image/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Credits fetches the remaining balance for an account.
func (c *Client) Credits(ctx context.Context, token, accountID string) (float64, error) {
	var out creditsResponse
	if err := c.get(ctx, token, "/accounts/"+accountID+"/credits", &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (c *Client) post(ctx context.Context, token, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("useapi request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("useapi %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
