package config

import (
	"strconv"
	"strings"
	"time"

	"tidecaster/internal/executor"
	"tidecaster/pkg/config"
)

// Config stores environment configuration for tidecaster.
type Config struct {
	Port        string
	DatabaseURL string

	// Provider credentials and endpoints.
	ApifyToken       string
	GeminiAPIKey     string
	GeminiModel      string
	RenderBaseURL    string
	RenderAPIKey     string
	SchedulerBaseURL string
	SchedulerAPIKey  string

	// Per-provider execution limits.
	ScraperLimits   executor.Limits
	AnalyzerLimits  executor.Limits
	RenderLimits    executor.Limits
	SchedulerLimits executor.Limits

	// Pipeline behavior.
	PipelineInterval  time.Duration
	LeaseDuration     time.Duration
	RunnerParallelism int
	PhaseBatchSize    int
	DiscoveryQueries  []string
	DiscoveryLimit    int
	DedupNormalize    string

	// Distribution.
	Platforms     []string
	PostsPerDay   int
	ScheduleHours []int
	SpreadDays    int
	AvatarID      string
	VoiceID       string
}

// ScraperConfigured reports whether the discovery provider has credentials.
func (c Config) ScraperConfigured() bool { return c.ApifyToken != "" }

// AnalyzerConfigured reports whether the analysis provider has credentials.
func (c Config) AnalyzerConfigured() bool { return c.GeminiAPIKey != "" }

// RenderConfigured reports whether the generation provider has credentials.
func (c Config) RenderConfigured() bool { return c.RenderAPIKey != "" }

// SchedulerConfigured reports whether the scheduling provider has credentials.
func (c Config) SchedulerConfigured() bool { return c.SchedulerAPIKey != "" }

// LoadConfig loads the tidecaster configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:        config.GetEnv("PORT", "18090"),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),

		ApifyToken:       config.GetEnv("APIFY_API_TOKEN", ""),
		GeminiAPIKey:     config.GetEnv("GEMINI_API_KEY", ""),
		GeminiModel:      config.GetEnv("GEMINI_MODEL", ""),
		RenderBaseURL:    config.GetEnv("RENDER_BASE_URL", "https://api.higgsfield.ai"),
		RenderAPIKey:     config.GetEnv("RENDER_API_KEY", ""),
		SchedulerBaseURL: config.GetEnv("SCHEDULER_BASE_URL", "https://api.blotato.com"),
		SchedulerAPIKey:  config.GetEnv("SCHEDULER_API_KEY", ""),

		ScraperLimits:   loadLimits("SCRAPER"),
		AnalyzerLimits:  loadLimits("ANALYZER"),
		RenderLimits:    loadLimits("RENDER"),
		SchedulerLimits: loadLimits("SCHEDULER"),

		PipelineInterval:  config.GetEnvDuration("PIPELINE_INTERVAL", 24*time.Hour),
		LeaseDuration:     config.GetEnvDuration("LEASE_DURATION", 10*time.Minute),
		RunnerParallelism: config.GetEnvInt("RUNNER_PARALLELISM", 3),
		PhaseBatchSize:    config.GetEnvInt("PHASE_BATCH_SIZE", 20),
		DiscoveryQueries:  parseList(config.GetEnv("DISCOVERY_QUERIES", "make money online,sales tips,business automation,AI tools,entrepreneur mindset")),
		DiscoveryLimit:    config.GetEnvInt("DISCOVERY_LIMIT", 10),
		DedupNormalize:    config.GetEnv("DEDUP_NORMALIZE", "exact"),

		Platforms:     parseList(config.GetEnv("PLATFORMS", "tiktok,instagram,youtube")),
		PostsPerDay:   config.GetEnvInt("POSTS_PER_DAY", 3),
		ScheduleHours: parseHours(config.GetEnv("SCHEDULE_HOURS", "9,13,18")),
		SpreadDays:    config.GetEnvInt("SPREAD_DAYS", 7),
		AvatarID:      config.GetEnv("AVATAR_ID", ""),
		VoiceID:       config.GetEnv("VOICE_ID", ""),
	}
}

func loadLimits(prefix string) executor.Limits {
	def := executor.DefaultLimits()
	return executor.Limits{
		MaxConcurrent:  config.GetEnvInt(prefix+"_MAX_CONCURRENT", def.MaxConcurrent),
		CallsPerMinute: config.GetEnvInt(prefix+"_CALLS_PER_MINUTE", def.CallsPerMinute),
		MaxRetries:     config.GetEnvInt(prefix+"_MAX_RETRIES", def.MaxRetries),
		BackoffBase:    config.GetEnvDuration(prefix+"_BACKOFF_BASE", def.BackoffBase),
		BackoffCap:     config.GetEnvDuration(prefix+"_BACKOFF_CAP", def.BackoffCap),
	}
}

func parseList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func parseHours(s string) []int {
	var hours []int
	for _, item := range parseList(s) {
		hour, err := strconv.Atoi(item)
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		hours = append(hours, hour)
	}
	if len(hours) == 0 {
		hours = []int{9, 13, 18}
	}
	return hours
}
