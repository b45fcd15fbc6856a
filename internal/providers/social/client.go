// Package social implements post scheduling against a social distribution
// API. Posts are booked for a future publish time and later checked for
// their delivery state.
package social

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

// Client talks to the scheduling API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
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

// NewClient returns a scheduling client for the given API.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SchedulePost books one post on one platform and returns the provider's
// submission id.
func (c *Client) SchedulePost(ctx context.Context, platform string, media providers.MediaRef, caption string, at time.Time) (string, error) {
	payload := map[string]any{
		"platforms":     []string{platform},
		"media_urls":    []string{media.URL},
		"caption":       caption,
		"schedule_time": at.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("encode post request: %w", err))
	}

	url := fmt.Sprintf("%s/v2/posts", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", faults.ClassifyErr("schedule post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := faults.ClassifyStatus("schedule post", resp.StatusCode); err != nil {
		return "", err
	}

	var result struct {
		PostSubmissionID string `json:"post_submission_id"`
		ID               string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Retryable(fmt.Errorf("decode post response: %w", err))
	}
	if result.PostSubmissionID == "" {
		result.PostSubmissionID = result.ID
	}
	if result.PostSubmissionID == "" {
		return "", faults.Retryable(fmt.Errorf("schedule post: no submission id in response"))
	}
	return result.PostSubmissionID, nil
}

// PostStatus reports the delivery state of a booked post.
func (c *Client) PostStatus(ctx context.Context, externalPostID string) (string, error) {
	url := fmt.Sprintf("%s/v2/posts/%s", c.baseURL, externalPostID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", faults.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", faults.ClassifyErr("post status", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := faults.ClassifyStatus("post status", resp.StatusCode); err != nil {
		return "", err
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Retryable(fmt.Errorf("decode post status: %w", err))
	}

	switch result.Status {
	case "published", "posted", "live":
		return providers.DeliveryPublished, nil
	case "failed", "error", "rejected":
		return providers.DeliveryFailed, nil
	default:
		return providers.DeliveryScheduled, nil
	}
}
