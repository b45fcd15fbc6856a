// Package apify implements content discovery on top of Apify actor runs.
// One Discover call starts an actor, waits for the run to finish and fetches
// the dataset it produced.
package apify

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

const defaultBaseURL = "https://api.apify.com/v2"

// Actor IDs per platform.
const (
	tiktokActor    = "clockworks~free-tiktok-scraper"
	instagramActor = "apify~instagram-hashtag-scraper"
	youtubeActor   = "streamers~youtube-scraper"
)

// Client talks to the Apify REST API.
type Client struct {
	baseURL   string
	token     string
	client    *http.Client
	pollEvery time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithPollInterval sets how often a running actor is checked.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollEvery = interval
		}
	}
}

// NewClient returns a discovery client using the given API token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		token:     token,
		client:    &http.Client{Timeout: 60 * time.Second},
		pollEvery: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover runs the platform's scraper actor and returns the normalized
// candidates it found.
func (c *Client) Discover(ctx context.Context, criteria providers.DiscoveryCriteria) ([]providers.RawCandidate, error) {
	actor, input, err := actorInput(criteria)
	if err != nil {
		return nil, err
	}

	runID, err := c.startRun(ctx, actor, input)
	if err != nil {
		return nil, err
	}
	datasetID, err := c.waitForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	items, err := c.datasetItems(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	candidates := make([]providers.RawCandidate, 0, len(items))
	for _, item := range items {
		if cand, ok := normalize(criteria.Platform, item); ok {
			candidates = append(candidates, cand)
		}
	}
	return candidates, nil
}

func actorInput(criteria providers.DiscoveryCriteria) (string, map[string]any, error) {
	limit := criteria.Limit
	if limit <= 0 {
		limit = 10
	}
	switch criteria.Platform {
	case "tiktok":
		return tiktokActor, map[string]any{
			"searchQueries":       []string{criteria.Query},
			"searchSection":       "videos",
			"resultsPerPage":      limit,
			"maxProfilesPerQuery": 5,
		}, nil
	case "instagram":
		return instagramActor, map[string]any{
			"hashtags":     []string{criteria.Query},
			"resultsLimit": limit,
		}, nil
	case "youtube":
		return youtubeActor, map[string]any{
			"searchKeywords": criteria.Query,
			"maxResults":     limit,
		}, nil
	default:
		return "", nil, faults.Permanent(fmt.Errorf("no scraper actor for platform %q", criteria.Platform))
	}
}

func (c *Client) startRun(ctx context.Context, actor string, input map[string]any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("encode actor input: %w", err))
	}

	url := fmt.Sprintf("%s/acts/%s/runs", c.baseURL, actor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(err)
	}
	// Token goes in the header, never the URL, so transport errors cannot
	// echo it.
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", faults.ClassifyErr("apify start run", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := faults.ClassifyStatus("apify start run", resp.StatusCode); err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Retryable(fmt.Errorf("decode run response: %w", err))
	}
	if result.Data.ID == "" {
		return "", faults.Retryable(fmt.Errorf("apify start run: no run id in response"))
	}
	return result.Data.ID, nil
}

// waitForRun polls the run until it reaches a terminal status and returns
// the dataset id holding its output.
func (c *Client) waitForRun(ctx context.Context, runID string) (string, error) {
	url := fmt.Sprintf("%s/actor-runs/%s", c.baseURL, runID)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollEvery):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", faults.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		resp, err := c.client.Do(req)
		if err != nil {
			return "", faults.ClassifyErr("apify run status", err)
		}

		var status struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		_ = resp.Body.Close()

		if err := faults.ClassifyStatus("apify run status", resp.StatusCode); err != nil {
			return "", err
		}
		if decodeErr != nil {
			return "", faults.Retryable(fmt.Errorf("decode run status: %w", decodeErr))
		}

		switch status.Data.Status {
		case "SUCCEEDED":
			return status.Data.DefaultDatasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", faults.Retryable(fmt.Errorf("actor run %s ended with status %s", runID, status.Data.Status))
		}
	}
}

func (c *Client) datasetItems(ctx context.Context, datasetID string) ([]map[string]any, error) {
	url := fmt.Sprintf("%s/datasets/%s/items", c.baseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.ClassifyErr("apify dataset items", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := faults.ClassifyStatus("apify dataset items", resp.StatusCode); err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, faults.Retryable(fmt.Errorf("decode dataset items: %w", err))
	}
	return items, nil
}

// normalize maps an actor's output item to a candidate. Field names differ
// per actor, so each falls back through the known variants.
func normalize(platform string, item map[string]any) (providers.RawCandidate, bool) {
	var cand providers.RawCandidate
	cand.Platform = platform

	switch platform {
	case "tiktok":
		cand.URL = str(item, "webVideoUrl", "url")
		cand.Description = str(item, "text", "desc")
		cand.Likes = num(item, "diggCount", "likes")
		cand.Shares = num(item, "shareCount", "shares")
		cand.Views = num(item, "playCount", "views")
		if meta, ok := item["authorMeta"].(map[string]any); ok {
			cand.Author = str(meta, "name")
		} else {
			cand.Author = str(item, "author")
		}
	case "instagram":
		cand.URL = str(item, "url")
		cand.Description = str(item, "caption", "text")
		cand.Likes = num(item, "likesCount", "likes")
		cand.Shares = num(item, "sharesCount", "shares")
		cand.Views = num(item, "videoViewCount", "views")
		cand.Author = str(item, "ownerUsername", "author")
	case "youtube":
		cand.URL = str(item, "url")
		cand.Description = str(item, "title", "description")
		cand.Likes = num(item, "likes")
		cand.Shares = num(item, "shares")
		cand.Views = num(item, "viewCount", "views")
		cand.Author = str(item, "channelName", "author")
	default:
		return providers.RawCandidate{}, false
	}

	if cand.URL == "" {
		return providers.RawCandidate{}, false
	}
	cand.SourceRef = cand.URL
	return cand, true
}

func str(item map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := item[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func num(item map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := item[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}
