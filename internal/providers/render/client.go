// Package render implements media generation against an avatar video API.
// Generation is asynchronous on the provider side: a job is submitted, then
// polled until the media is ready.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
)

// Client talks to the video generation API.
type Client struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	pollEvery time.Duration
	maxPolls  int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithPollInterval sets how often a submitted generation is checked.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollEvery = interval
		}
	}
}

// WithMaxPolls caps how many status checks one generation gets before it is
// treated as timed out.
func WithMaxPolls(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPolls = n
		}
	}
}

// NewClient returns a generation client for the given API.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 60 * time.Second},
		pollEvery: 10 * time.Second,
		maxPolls:  20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate submits a generation job and blocks until the media is ready or
// the context ends.
func (c *Client) Generate(ctx context.Context, spec providers.GenerationSpec) (providers.MediaRef, error) {
	generationID, err := c.submit(ctx, spec)
	if err != nil {
		return providers.MediaRef{}, err
	}
	return c.awaitResult(ctx, generationID)
}

func (c *Client) submit(ctx context.Context, spec providers.GenerationSpec) (string, error) {
	payload := map[string]any{
		"script":       spec.Script,
		"caption":      spec.Caption,
		"avatar_id":    spec.AvatarID,
		"voice_id":     spec.VoiceID,
		"aspect_ratio": "9:16",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("encode generation request: %w", err))
	}

	url := fmt.Sprintf("%s/v1/generations", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", faults.ClassifyErr("render submit", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := faults.ClassifyStatus("render submit", resp.StatusCode); err != nil {
		return "", err
	}

	var result struct {
		GenerationID string `json:"generation_id"`
		ID           string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Retryable(fmt.Errorf("decode generation response: %w", err))
	}
	if result.GenerationID == "" {
		result.GenerationID = result.ID
	}
	if result.GenerationID == "" {
		return "", faults.Retryable(fmt.Errorf("render submit: no generation id in response"))
	}
	return result.GenerationID, nil
}

func (c *Client) awaitResult(ctx context.Context, generationID string) (providers.MediaRef, error) {
	url := fmt.Sprintf("%s/v1/generations/%s", c.baseURL, generationID)

	for poll := 0; poll < c.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return providers.MediaRef{}, ctx.Err()
		case <-time.After(c.pollEvery):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return providers.MediaRef{}, faults.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return providers.MediaRef{}, faults.ClassifyErr("render status", err)
		}

		var status struct {
			Status   string `json:"status"`
			VideoURL string `json:"video_url"`
			Output   struct {
				URL string `json:"url"`
			} `json:"output"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		_ = resp.Body.Close()

		if err := faults.ClassifyStatus("render status", resp.StatusCode); err != nil {
			return providers.MediaRef{}, err
		}
		if decodeErr != nil {
			return providers.MediaRef{}, faults.Retryable(fmt.Errorf("decode generation status: %w", decodeErr))
		}

		switch status.Status {
		case "completed", "ready":
			mediaURL := status.VideoURL
			if mediaURL == "" {
				mediaURL = status.Output.URL
			}
			if mediaURL == "" {
				return providers.MediaRef{}, faults.Retryable(fmt.Errorf("generation %s completed without a media url", generationID))
			}
			return providers.MediaRef{GenerationID: generationID, URL: mediaURL}, nil
		case "failed", "error":
			return providers.MediaRef{}, faults.Retryable(fmt.Errorf("generation %s ended with status %s", generationID, status.Status))
		}
	}

	return providers.MediaRef{}, faults.Retryable(fmt.Errorf("generation %s still running after %d checks", generationID, c.maxPolls))
}
