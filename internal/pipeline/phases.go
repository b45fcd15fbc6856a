package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tidecaster/internal/executor"
	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
	"tidecaster/internal/store"
	"tidecaster/pkg/logging"
)

func (c *Controller) runAnalysis(ctx context.Context) error {
	if c.analyzer == nil {
		c.logger.Warn("Analyzer not configured, skipping analysis")
		return nil
	}
	return c.drainPhase(ctx, RunnerAnalysis, store.PhaseDiscovered, c.batchSize, c.analyzeItem)
}

func (c *Controller) analyzeItem(ctx context.Context, item store.Item) (map[string]any, int, error) {
	cand := providers.RawCandidate{
		SourceRef:   item.SourceRef,
		URL:         payloadString(item.Payload, "url"),
		Description: payloadString(item.Payload, "description"),
		Author:      payloadString(item.Payload, "author"),
		Platform:    payloadString(item.Payload, "platform"),
		Likes:       payloadInt(item.Payload, "likes"),
		Shares:      payloadInt(item.Payload, "shares"),
		Views:       payloadInt(item.Payload, "views"),
	}
	analysis, attempts, err := executor.SubmitCounted(ctx, c.exec, ProviderAnalyzer, "analyze",
		func(ctx context.Context) (providers.Analysis, error) {
			return c.analyzer.Analyze(ctx, cand)
		})
	if err != nil {
		return nil, attempts, err
	}
	return map[string]any{
		"topic":       analysis.Topic,
		"hook":        analysis.Hook,
		"audience":    analysis.Audience,
		"emotion":     analysis.Emotion,
		"structure":   analysis.Structure,
		"script":      analysis.Script,
		"caption":     analysis.Caption,
		"viral_score": analysis.ViralScore,
	}, attempts, nil
}

func (c *Controller) runGeneration(ctx context.Context) error {
	if c.generator == nil {
		c.logger.Warn("Generator not configured, skipping generation")
		return nil
	}
	return c.drainPhase(ctx, RunnerGeneration, store.PhaseAnalyzed, c.batchSize, c.generateItem)
}

func (c *Controller) generateItem(ctx context.Context, item store.Item) (map[string]any, int, error) {
	script := payloadString(item.Payload, "script")
	if script == "" {
		return nil, 0, faults.Permanent(fmt.Errorf("item has no script to render"))
	}
	spec := providers.GenerationSpec{
		Script:   script,
		Caption:  payloadString(item.Payload, "caption"),
		AvatarID: c.avatarID,
		VoiceID:  c.voiceID,
	}
	media, attempts, err := executor.SubmitCounted(ctx, c.exec, ProviderRender, "generate",
		func(ctx context.Context) (providers.MediaRef, error) {
			return c.generator.Generate(ctx, spec)
		})
	if err != nil {
		return nil, attempts, err
	}
	return map[string]any{
		"generation_id": media.GenerationID,
		"video_url":     media.URL,
	}, attempts, nil
}

// runScheduling claims generated items and books their deliveries. The
// batch is capped at the posting plan's capacity so scheduled times stay
// inside the spread horizon; each claimed item takes the next plan slot.
func (c *Controller) runScheduling(ctx context.Context) error {
	if c.scheduler == nil {
		c.logger.Warn("Scheduler not configured, skipping scheduling")
		return nil
	}
	batch := c.batchSize
	if capacity := c.plan.Capacity(); capacity < batch {
		batch = capacity
	}
	now := time.Now()
	var seq atomic.Int64
	handle := func(ctx context.Context, item store.Item) (map[string]any, int, error) {
		slot := int(seq.Add(1) - 1)
		return c.scheduleItem(ctx, item, c.plan.TimeFor(now, slot))
	}
	return c.drainPhase(ctx, RunnerScheduling, store.PhaseGenerated, batch, handle)
}

// scheduleItem creates one pending post per platform, dispatches every
// unconfirmed post and confirms each accepted booking. The post rows are
// the dispatch ledger: a re-run skips platforms that already confirmed, so
// a mid-batch abort never books the same delivery twice.
func (c *Controller) scheduleItem(ctx context.Context, item store.Item, at time.Time) (map[string]any, int, error) {
	media := providers.MediaRef{
		GenerationID: payloadString(item.Payload, "generation_id"),
		URL:          payloadString(item.Payload, "video_url"),
	}
	if media.URL == "" {
		return nil, 0, faults.Permanent(fmt.Errorf("item has no media url"))
	}
	caption := payloadString(item.Payload, "caption")
	if caption == "" {
		caption = payloadString(item.Payload, "description")
	}

	reqs := make([]store.PostRequest, 0, len(c.platforms))
	for _, platform := range c.platforms {
		reqs = append(reqs, store.PostRequest{Platform: platform, ScheduledTime: at})
	}
	if err := c.store.CreatePosts(ctx, item.ID, reqs); err != nil {
		return nil, 0, err
	}
	posts, err := c.store.ListPostsByItem(ctx, item.ID)
	if err != nil {
		return nil, 0, err
	}
	if len(posts) == 0 {
		return nil, 0, faults.Permanent(fmt.Errorf("no platforms configured for delivery"))
	}

	confirmed, attemptsTotal := 0, 0
	var lastErr error
	for _, post := range posts {
		if post.Status == store.PostConfirmed {
			confirmed++
			continue
		}
		externalID, attempts, err := executor.SubmitCounted(ctx, c.exec, ProviderScheduler, "schedule_post",
			func(ctx context.Context) (string, error) {
				return c.scheduler.SchedulePost(ctx, post.Platform, media, caption, post.ScheduledTime)
			})
		attemptsTotal += attempts
		if err != nil {
			if faults.IsUnavailable(err) {
				return nil, attemptsTotal, err
			}
			if ferr := c.store.FailPost(ctx, item.ID, post.Platform, err.Error()); ferr != nil {
				c.logger.WithError(ferr).WithFields(logging.Fields{
					"item_id":  item.ID,
					"platform": post.Platform,
				}).Warn("Could not record post failure")
			}
			lastErr = err
			continue
		}
		if cerr := c.store.ConfirmPost(ctx, item.ID, post.Platform, externalID); cerr != nil {
			c.logger.WithError(cerr).WithFields(logging.Fields{
				"item_id":  item.ID,
				"platform": post.Platform,
			}).Error("Could not confirm post")
			continue
		}
		confirmed++
	}

	if confirmed == 0 {
		if lastErr == nil {
			return nil, attemptsTotal, faults.Permanent(fmt.Errorf("no delivery was confirmed"))
		}
		return nil, attemptsTotal, lastErr
	}
	return map[string]any{
		"scheduled_time":      posts[0].ScheduledTime.UTC().Format(time.RFC3339),
		"platforms_confirmed": confirmed,
		"platforms_failed":    len(posts) - confirmed,
	}, attemptsTotal, nil
}
