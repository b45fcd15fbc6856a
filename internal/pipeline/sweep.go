package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tidecaster/internal/executor"
	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
	"tidecaster/internal/store"
	"tidecaster/pkg/logging"
)

// runSweep checks scheduled items against the delivery provider and marks
// them posted once everything they booked has gone out.
func (c *Controller) runSweep(ctx context.Context) error {
	if c.scheduler == nil {
		c.logger.Warn("Scheduler not configured, skipping publish sweep")
		return nil
	}
	return c.drainPhase(ctx, RunnerSweep, store.PhaseScheduled, c.batchSize, c.confirmItem)
}

// confirmItem advances a scheduled item to posted once every confirmed
// post past its delivery time reports published. Items with undelivered
// posts stay scheduled for the next sweep; a platform reporting a failed
// delivery fails the whole item since posts are immutable once confirmed.
func (c *Controller) confirmItem(ctx context.Context, item store.Item) (map[string]any, int, error) {
	posts, err := c.store.ListPostsByItem(ctx, item.ID)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now().UTC()
	published, pending, attemptsTotal := 0, 0, 0
	var undelivered []string
	for _, post := range posts {
		if post.Status != store.PostConfirmed {
			continue
		}
		if post.ScheduledTime.After(now) {
			pending++
			continue
		}
		externalID := post.ExternalPostID.String
		state, attempts, err := executor.SubmitCounted(ctx, c.exec, ProviderScheduler, "post_status",
			func(ctx context.Context) (string, error) {
				return c.scheduler.PostStatus(ctx, externalID)
			})
		attemptsTotal += attempts
		if err != nil {
			if faults.IsUnavailable(err) {
				return nil, attemptsTotal, err
			}
			c.logger.WithError(err).WithFields(logging.Fields{
				"item_id":  item.ID,
				"platform": post.Platform,
			}).Warn("Could not check delivery status")
			pending++
			continue
		}
		switch state {
		case providers.DeliveryPublished:
			published++
		case providers.DeliveryFailed:
			undelivered = append(undelivered, post.Platform)
		default:
			pending++
		}
	}

	if len(undelivered) > 0 {
		return nil, attemptsTotal, faults.Permanent(fmt.Errorf("delivery failed on %s", strings.Join(undelivered, ", ")))
	}
	if published == 0 && pending == 0 {
		return nil, attemptsTotal, faults.Permanent(fmt.Errorf("item has no confirmed posts"))
	}
	if pending > 0 {
		return nil, attemptsTotal, errNotReady
	}
	return map[string]any{
		"posted_at":           now.Format(time.RFC3339),
		"published_platforms": published,
	}, attemptsTotal, nil
}
