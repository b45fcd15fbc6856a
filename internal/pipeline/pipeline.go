// Package pipeline moves content items through discovery, analysis,
// generation and scheduling. Each runner claims items in one rest phase,
// drives the matching provider through the executor and advances or fails
// the item based on the outcome; the Controller sequences the runners.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tidecaster/internal/executor"
	"tidecaster/internal/providers"
	"tidecaster/internal/store"
	"tidecaster/pkg/logging"
	"tidecaster/pkg/monitoring"
)

// Registry names the pipeline submits provider calls under. The executor
// must have a policy registered for each configured provider.
const (
	ProviderScraper   = "apify"
	ProviderAnalyzer  = "gemini"
	ProviderRender    = "render"
	ProviderScheduler = "social"
)

// Runner names accepted by RunPhase.
const (
	RunnerDiscovery  = "discovery"
	RunnerAnalysis   = "analysis"
	RunnerGeneration = "generation"
	RunnerScheduling = "scheduling"
	RunnerSweep      = "sweep"
)

// Store is the persistence surface the pipeline drives.
type Store interface {
	CreateOrGet(ctx context.Context, sourceRef string, payload map[string]any) (store.Item, bool, error)
	ListByPhase(ctx context.Context, phase store.Phase, limit int) ([]store.Item, error)
	TryLock(ctx context.Context, itemID, workerID string, expectedPhase store.Phase, lease time.Duration) (bool, error)
	Advance(ctx context.Context, itemID, workerID string, from, to store.Phase, payloadDelta map[string]any) error
	MarkFailed(ctx context.Context, itemID, workerID string, phase store.Phase, class, reason string, attempts int) error
	Unlock(ctx context.Context, itemID, workerID string) error
	CreatePosts(ctx context.Context, itemID string, reqs []store.PostRequest) error
	ConfirmPost(ctx context.Context, itemID, platform, externalPostID string) error
	FailPost(ctx context.Context, itemID, platform, reason string) error
	ListPostsByItem(ctx context.Context, itemID string) ([]store.PlatformPost, error)
	PhaseCounts(ctx context.Context) (map[store.Phase]int, error)
	ErrorClassCounts(ctx context.Context) (map[string]int, error)
}

// Config carries the controller's dependencies and tuning. Providers left
// nil have their runner skipped; zero tuning values fall back to defaults.
type Config struct {
	Store     Store
	Executor  *executor.Executor
	Scraper   providers.Scraper
	Analyzer  providers.Analyzer
	Generator providers.Generator
	Scheduler providers.Scheduler
	Logger    logging.Logger
	Metrics   *monitoring.MetricsCollector

	Interval       time.Duration // delay between continuous runs
	Lease          time.Duration // claim lease per item
	Parallelism    int           // concurrent items per runner
	BatchSize      int           // items claimed per runner per run
	Queries        []string      // discovery search queries
	Platforms      []string      // platforms discovered from and posted to
	DiscoveryLimit int           // candidates per platform and query
	Normalize      string        // source ref normalization mode
	Plan           PostingPlan
	AvatarID       string
	VoiceID        string
}

// Controller owns the runners and their shared dependencies.
type Controller struct {
	store     Store
	exec      *executor.Executor
	scraper   providers.Scraper
	analyzer  providers.Analyzer
	generator providers.Generator
	scheduler providers.Scheduler
	logger    logging.Logger

	interval       time.Duration
	lease          time.Duration
	parallelism    int
	batchSize      int
	queries        []string
	platforms      []string
	discoveryLimit int
	normalize      string
	plan           PostingPlan
	avatarID       string
	voiceID        string

	discovered *prometheus.CounterVec
	advanced   *prometheus.CounterVec
	failed     *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController wires a controller from cfg, applying defaults for unset
// tuning values.
func NewController(cfg Config) *Controller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 3
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	discoveryLimit := cfg.DiscoveryLimit
	if discoveryLimit <= 0 {
		discoveryLimit = 10
	}
	platforms := cfg.Platforms
	if len(platforms) == 0 {
		platforms = []string{"tiktok", "instagram", "youtube"}
	}
	normalize := cfg.Normalize
	if normalize == "" {
		normalize = NormalizeExact
	}
	c := &Controller{
		store:          cfg.Store,
		exec:           cfg.Executor,
		scraper:        cfg.Scraper,
		analyzer:       cfg.Analyzer,
		generator:      cfg.Generator,
		scheduler:      cfg.Scheduler,
		logger:         cfg.Logger,
		interval:       interval,
		lease:          lease,
		parallelism:    parallelism,
		batchSize:      batchSize,
		queries:        cfg.Queries,
		platforms:      platforms,
		discoveryLimit: discoveryLimit,
		normalize:      normalize,
		plan:           cfg.Plan.withDefaults(),
		avatarID:       cfg.AvatarID,
		voiceID:        cfg.VoiceID,
	}
	if cfg.Metrics != nil {
		c.discovered = cfg.Metrics.NewCounter(
			"items_discovered_total",
			"New items recorded by discovery",
			[]string{"platform"},
		)
		c.advanced = cfg.Metrics.NewCounter(
			"items_advanced_total",
			"Items advanced out of a phase",
			[]string{"runner"},
		)
		c.failed = cfg.Metrics.NewCounter(
			"items_failed_total",
			"Items parked in failed",
			[]string{"runner", "class"},
		)
		c.inFlight = cfg.Metrics.NewGauge(
			"items_in_flight",
			"Items currently claimed by a runner",
			[]string{"runner"},
		)
	}
	return c
}

func (c *Controller) countDiscovered(platform string) {
	if c.discovered != nil {
		c.discovered.WithLabelValues(platform).Inc()
	}
}

func (c *Controller) countAdvanced(runner string) {
	if c.advanced != nil {
		c.advanced.WithLabelValues(runner).Inc()
	}
}

func (c *Controller) countFailed(runner, class string) {
	if c.failed != nil {
		c.failed.WithLabelValues(runner, class).Inc()
	}
}

// trackClaim marks an item in flight for the runner and returns the
// matching release.
func (c *Controller) trackClaim(runner string) func() {
	if c.inFlight == nil {
		return func() {}
	}
	gauge := c.inFlight.WithLabelValues(runner)
	gauge.Inc()
	return gauge.Dec
}

// RunOnce executes every runner in pipeline order, each draining its
// eligible items before the next starts. Runner failures are collected
// rather than short-circuiting so one stalled stage never blocks the rest.
func (c *Controller) RunOnce(ctx context.Context) error {
	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{RunnerDiscovery, c.runDiscovery},
		{RunnerAnalysis, c.runAnalysis},
		{RunnerGeneration, c.runGeneration},
		{RunnerScheduling, c.runScheduling},
		{RunnerSweep, c.runSweep},
	}
	var errs []error
	for _, stage := range stages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := stage.run(ctx); err != nil {
			c.logger.WithError(err).WithField("runner", stage.name).Error("Runner failed")
			errs = append(errs, fmt.Errorf("%s: %w", stage.name, err))
		}
	}
	return errors.Join(errs...)
}

// RunPhase executes exactly one named runner.
func (c *Controller) RunPhase(ctx context.Context, name string) error {
	switch name {
	case RunnerDiscovery:
		return c.runDiscovery(ctx)
	case RunnerAnalysis:
		return c.runAnalysis(ctx)
	case RunnerGeneration:
		return c.runGeneration(ctx)
	case RunnerScheduling:
		return c.runScheduling(ctx)
	case RunnerSweep:
		return c.runSweep(ctx)
	default:
		return fmt.Errorf("unknown runner %q (valid: %s, %s, %s, %s, %s)", name,
			RunnerDiscovery, RunnerAnalysis, RunnerGeneration, RunnerScheduling, RunnerSweep)
	}
}

// Start launches the continuous loop: an immediate run, then one run per
// interval until the context ends or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.WithField("interval", c.interval.String()).Info("Pipeline loop started")
		for {
			c.runGuarded(ctx)
			select {
			case <-ctx.Done():
				c.logger.Info("Pipeline loop stopped")
				return
			case <-time.After(c.interval):
			}
		}
	}()
}

// Stop cancels the continuous loop and waits for the current run to finish.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) runGuarded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("Pipeline run panicked")
		}
	}()
	start := time.Now()
	if err := c.RunOnce(ctx); err != nil {
		c.logger.WithError(err).Error("Pipeline run finished with errors")
		return
	}
	c.logger.WithField("duration", time.Since(start).String()).Info("Pipeline run finished")
}

// Status is a point-in-time aggregate of pipeline progress.
type Status struct {
	Phases map[store.Phase]int `json:"phases"`
	Errors map[string]int      `json:"errors"`
}

// Status reads phase and error-class counts from the store.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	phases, err := c.store.PhaseCounts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("phase counts: %w", err)
	}
	classes, err := c.store.ErrorClassCounts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("error class counts: %w", err)
	}
	return Status{Phases: phases, Errors: classes}, nil
}
