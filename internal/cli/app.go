package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	appconfig "tidecaster/internal/config"
	"tidecaster/internal/executor"
	"tidecaster/internal/pipeline"
	"tidecaster/internal/projection"
	"tidecaster/internal/providers"
	"tidecaster/internal/providers/apify"
	"tidecaster/internal/providers/gemini"
	"tidecaster/internal/providers/render"
	"tidecaster/internal/providers/social"
	"tidecaster/internal/store"
	"tidecaster/pkg/config"
	"tidecaster/pkg/database"
	"tidecaster/pkg/logging"
	"tidecaster/pkg/monitoring"
	"tidecaster/pkg/version"
)

// app holds everything a pipeline command needs after bootstrap.
type app struct {
	cfg        appconfig.Config
	logger     logging.Logger
	db         database.PostgresConn
	store      *store.Store
	exec       *executor.Executor
	calls      *projection.CallLog
	logs       *projection.LogBuffer
	configured map[string]bool
	controller *pipeline.Controller
	health     *monitoring.HealthChecker
	metrics    *monitoring.MetricsCollector
}

// newApp wires the full pipeline from environment configuration. Providers
// without credentials stay nil so their runners warn and skip.
func newApp() (*app, error) {
	logger := logging.NewLoggerWithService("tidecaster")
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	config.LoadEnv(logger)
	cfg := appconfig.LoadConfig()
	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting tidecaster")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	if err := store.EnsureSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	st := store.NewStore(db)

	healthChecker := monitoring.NewHealthChecker("tidecaster", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("tidecaster", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
	}))

	calls := projection.NewCallLog(256)
	logs := projection.NewLogBuffer(512)
	logger.AddHook(logs)

	exec := executor.New(logger,
		executor.WithReporter(calls),
		executor.WithMetrics(metricsCollector),
	)
	exec.Register(pipeline.ProviderScraper, cfg.ScraperLimits)
	exec.Register(pipeline.ProviderAnalyzer, cfg.AnalyzerLimits)
	exec.Register(pipeline.ProviderRender, cfg.RenderLimits)
	exec.Register(pipeline.ProviderScheduler, cfg.SchedulerLimits)

	configured := map[string]bool{
		pipeline.ProviderScraper:   cfg.ScraperConfigured(),
		pipeline.ProviderAnalyzer:  cfg.AnalyzerConfigured(),
		pipeline.ProviderRender:    cfg.RenderConfigured(),
		pipeline.ProviderScheduler: cfg.SchedulerConfigured(),
	}
	for name, ok := range configured {
		healthChecker.AddCheck("provider_"+name, monitoring.ProviderHealthCheck(name, ok))
	}

	var scraper providers.Scraper
	if cfg.ScraperConfigured() {
		scraper = apify.NewClient(cfg.ApifyToken)
	} else {
		logger.Warn("APIFY_API_TOKEN not set - discovery disabled")
	}

	var analyzer providers.Analyzer
	if cfg.AnalyzerConfigured() {
		a, err := gemini.NewAnalyzer(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Gemini analyzer - analysis disabled")
		} else {
			analyzer = a
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set - analysis disabled")
	}

	var generator providers.Generator
	if cfg.RenderConfigured() {
		generator = render.NewClient(cfg.RenderBaseURL, cfg.RenderAPIKey)
	} else {
		logger.Warn("RENDER_API_KEY not set - generation disabled")
	}

	var scheduler providers.Scheduler
	if cfg.SchedulerConfigured() {
		scheduler = social.NewClient(cfg.SchedulerBaseURL, cfg.SchedulerAPIKey)
	} else {
		logger.Warn("SCHEDULER_API_KEY not set - scheduling disabled")
	}

	controller := pipeline.NewController(pipeline.Config{
		Store:          st,
		Executor:       exec,
		Scraper:        scraper,
		Analyzer:       analyzer,
		Generator:      generator,
		Scheduler:      scheduler,
		Logger:         logger,
		Metrics:        metricsCollector,
		Interval:       cfg.PipelineInterval,
		Lease:          cfg.LeaseDuration,
		Parallelism:    cfg.RunnerParallelism,
		BatchSize:      cfg.PhaseBatchSize,
		Queries:        cfg.DiscoveryQueries,
		Platforms:      cfg.Platforms,
		DiscoveryLimit: cfg.DiscoveryLimit,
		Normalize:      cfg.DedupNormalize,
		Plan: pipeline.PostingPlan{
			PostsPerDay: cfg.PostsPerDay,
			Hours:       cfg.ScheduleHours,
			SpreadDays:  cfg.SpreadDays,
		},
		AvatarID: cfg.AvatarID,
		VoiceID:  cfg.VoiceID,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      st,
		exec:       exec,
		calls:      calls,
		logs:       logs,
		configured: configured,
		controller: controller,
		health:     healthChecker,
		metrics:    metricsCollector,
	}, nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
