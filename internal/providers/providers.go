// Package providers defines the contracts for the external collaborators the
// pipeline drives: content discovery, analysis, media generation and post
// scheduling. Adapters perform single calls and classify failures at the
// boundary; retries, rate limits and concurrency caps belong to the executor.
package providers

import (
	"context"
	"time"
)

// RawCandidate is one piece of source material returned by discovery.
type RawCandidate struct {
	SourceRef   string `json:"source_ref"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Platform    string `json:"platform"`
	Likes       int    `json:"likes"`
	Shares      int    `json:"shares"`
	Views       int    `json:"views"`
}

// EngagementScore is the ratio of interactions to views, used to rank
// candidates within one discovery batch.
func (c RawCandidate) EngagementScore() float64 {
	views := c.Views
	if views < 1 {
		views = 1
	}
	return float64(c.Likes+c.Shares) / float64(views)
}

// DiscoveryCriteria selects what one discovery call should look for.
type DiscoveryCriteria struct {
	Platform string
	Query    string
	Limit    int
}

// Analysis is the structured result of analyzing one candidate.
type Analysis struct {
	Topic      string  `json:"topic"`
	Hook       string  `json:"hook"`
	Audience   string  `json:"audience"`
	Emotion    string  `json:"emotion"`
	Structure  string  `json:"structure"`
	Script     string  `json:"script"`
	Caption    string  `json:"caption"`
	ViralScore float64 `json:"viral_score"`
}

// GenerationSpec is the input to media generation.
type GenerationSpec struct {
	Script   string
	Caption  string
	AvatarID string
	VoiceID  string
}

// MediaRef points at a finished piece of generated media.
type MediaRef struct {
	GenerationID string `json:"generation_id"`
	URL          string `json:"url"`
}

// Delivery states reported by the scheduling collaborator for a post.
const (
	DeliveryScheduled = "scheduled"
	DeliveryPublished = "published"
	DeliveryFailed    = "failed"
)

// Scraper discovers candidate content on one platform per call.
type Scraper interface {
	Discover(ctx context.Context, criteria DiscoveryCriteria) ([]RawCandidate, error)
}

// Analyzer turns a raw candidate into a structured analysis.
type Analyzer interface {
	Analyze(ctx context.Context, candidate RawCandidate) (Analysis, error)
}

// Generator produces media from an analyzed item. Implementations block
// until the media is ready or the context ends.
type Generator interface {
	Generate(ctx context.Context, spec GenerationSpec) (MediaRef, error)
}

// Scheduler books posts with the distribution platform and reports their
// delivery state.
type Scheduler interface {
	SchedulePost(ctx context.Context, platform string, media MediaRef, caption string, at time.Time) (string, error)
	PostStatus(ctx context.Context, externalPostID string) (string, error)
}
