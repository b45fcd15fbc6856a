package pipeline

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"tidecaster/internal/executor"
	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
	"tidecaster/pkg/logging"
)

// Source ref normalization modes.
const (
	NormalizeExact     = "exact"
	NormalizeCanonical = "canonical"
)

// NormalizeRef canonicalizes a source reference so the same content found
// twice maps to one item. Exact mode keeps the reference as-is; canonical
// mode lowercases the host and drops the scheme, query string, fragment
// and trailing slashes, since platforms decorate shared URLs with tracking
// parameters.
func NormalizeRef(ref, mode string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || mode != NormalizeCanonical {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return ref
	}
	return strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
}

// runDiscovery queries every configured platform for every query, ranks the
// candidates by engagement and records them as discovered items. Duplicate
// source refs collapse onto the existing item.
func (c *Controller) runDiscovery(ctx context.Context) error {
	if c.scraper == nil {
		c.logger.Warn("Scraper not configured, skipping discovery")
		return nil
	}

	var (
		mu         sync.Mutex
		candidates []providers.RawCandidate
		aborted    atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, platform := range c.platforms {
		for _, query := range c.queries {
			if aborted.Load() {
				break
			}
			criteria := providers.DiscoveryCriteria{
				Platform: platform,
				Query:    query,
				Limit:    c.discoveryLimit,
			}
			g.Go(func() error {
				if aborted.Load() {
					return nil
				}
				found, _, err := executor.SubmitCounted(gctx, c.exec, ProviderScraper, "discover",
					func(ctx context.Context) ([]providers.RawCandidate, error) {
						return c.scraper.Discover(ctx, criteria)
					})
				if err != nil {
					if faults.IsUnavailable(err) {
						aborted.Store(true)
					}
					c.logger.WithError(err).WithFields(logging.Fields{
						"platform": criteria.Platform,
						"query":    criteria.Query,
					}).Warn("Discovery query failed")
					return nil
				}
				mu.Lock()
				candidates = append(candidates, found...)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	// Highest engagement first, so later phases reach the strongest
	// candidates before any batch cap cuts the run short.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EngagementScore() > candidates[j].EngagementScore()
	})

	created, duplicates := 0, 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref := cand.SourceRef
		if ref == "" {
			ref = cand.URL
		}
		ref = NormalizeRef(ref, c.normalize)
		if ref == "" {
			continue
		}
		_, isNew, err := c.store.CreateOrGet(ctx, ref, candidatePayload(cand))
		if err != nil {
			c.logger.WithError(err).WithField("ref", ref).Warn("Could not record candidate")
			continue
		}
		if isNew {
			created++
			c.countDiscovered(cand.Platform)
		} else {
			duplicates++
		}
	}

	c.logger.WithFields(logging.Fields{
		"candidates": len(candidates),
		"created":    created,
		"duplicates": duplicates,
	}).Info("Discovery finished")
	return nil
}

func candidatePayload(cand providers.RawCandidate) map[string]any {
	return map[string]any{
		"url":              cand.URL,
		"description":      cand.Description,
		"author":           cand.Author,
		"platform":         cand.Platform,
		"likes":            cand.Likes,
		"shares":           cand.Shares,
		"views":            cand.Views,
		"engagement_score": cand.EngagementScore(),
	}
}
