package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tidecaster/internal/faults"
	"tidecaster/internal/store"
	"tidecaster/pkg/logging"
)

// errNotReady tells the runner to release the claim and leave the item in
// its current phase for a later cycle.
var errNotReady = errors.New("item not ready")

// phaseHandler performs one item's phase work. It returns the payload delta
// to record on advance and the attempt count consumed by the failing
// provider call when it errors.
type phaseHandler func(ctx context.Context, item store.Item) (map[string]any, int, error)

// drainPhase claims up to batchSize items resting in from and hands each to
// handle under bounded parallelism. An Unavailable error stops further
// claims for this run; in-flight items finish.
func (c *Controller) drainPhase(ctx context.Context, runner string, from store.Phase, batchSize int, handle phaseHandler) error {
	items, err := c.store.ListByPhase(ctx, from, batchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	workerID := runner + "-" + shortID()

	var aborted atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, item := range items {
		if aborted.Load() {
			break
		}
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			c.processItem(gctx, runner, workerID, from, item, handle, &aborted)
			return nil
		})
	}
	_ = g.Wait()

	if aborted.Load() {
		c.logger.WithFields(logging.Fields{"runner": runner, "phase": string(from)}).
			Warn("Runner stopped early, provider unavailable")
	}
	return nil
}

func (c *Controller) processItem(ctx context.Context, runner, workerID string, from store.Phase, item store.Item, handle phaseHandler, aborted *atomic.Bool) {
	log := c.logger.WithFields(logging.Fields{
		"item_id": item.ID,
		"ref":     item.SourceRef,
		"phase":   string(from),
		"worker":  workerID,
	})

	ok, err := c.store.TryLock(ctx, item.ID, workerID, from, c.lease)
	if err != nil {
		log.WithError(err).Warn("Could not claim item")
		return
	}
	if !ok {
		// Another worker holds the claim or the item moved on.
		return
	}
	defer c.trackClaim(runner)()

	delta, attempts, err := handle(ctx, item)
	if err != nil {
		switch {
		case errors.Is(err, errNotReady):
			if uerr := c.store.Unlock(ctx, item.ID, workerID); uerr != nil {
				log.WithError(uerr).Warn("Could not release claim")
			}
		case faults.IsUnavailable(err):
			aborted.Store(true)
			if uerr := c.store.Unlock(ctx, item.ID, workerID); uerr != nil {
				log.WithError(uerr).Warn("Could not release claim")
			}
			log.WithError(err).Warn("Provider unavailable, item left for next run")
		default:
			if merr := c.store.MarkFailed(ctx, item.ID, workerID, from, faults.Class(err), err.Error(), attempts); merr != nil {
				if errors.Is(merr, store.ErrStaleTransition) {
					// The lease expired mid-work and someone else took over.
					log.Warn("Claim lost before failure recorded, discarding result")
					return
				}
				log.WithError(merr).Error("Could not record item failure")
				return
			}
			c.countFailed(runner, faults.Class(err))
			log.WithError(err).WithFields(logging.Fields{
				"class":    faults.Class(err),
				"attempts": attempts,
			}).Warn("Item failed")
		}
		return
	}

	next, hasNext := from.Next()
	if !hasNext {
		log.Error("Phase has no successor")
		return
	}
	if err := c.store.Advance(ctx, item.ID, workerID, from, next, delta); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			// The lease expired mid-work and someone else took over.
			log.Warn("Claim lost before advance, discarding result")
			return
		}
		log.WithError(err).Error("Could not advance item")
		return
	}
	c.countAdvanced(runner)
	log.WithField("to", string(next)).Info("Item advanced")
}

func shortID() string {
	return uuid.NewString()[:8]
}

// payloadString reads a string field from an item payload, tolerating
// missing keys and non-string values.
func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadInt reads a numeric field from an item payload. Values decoded
// from JSON arrive as float64.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
