package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Global singleton for backwards compatibility with envs package
var globalConfig *Config

// Config holds all environment backed configuration for model-gateway.
type Config struct {
	// HTTP Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9091"`
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`
	RedisURL    string `env:"REDIS_URL,notEmpty"`

	// Admin surface
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// Provider secrets
	ProviderSecret string `env:"MODEL_PROVIDER_SECRET" envDefault:"jan-model-provider-secret-2024"`

	// Routing
	DefaultStrategy           string  `env:"ROUTING_DEFAULT_STRATEGY" envDefault:"priority"`
	MaxProviders              int     `env:"ROUTING_MAX_PROVIDERS" envDefault:"3"`
	RouteLocks                string  `env:"ROUTING_LOCKS"` // JSON: [{"pattern":"...","providers":["..."]}]
	BalancedCostWeight        float64 `env:"ROUTING_BALANCED_COST_WEIGHT" envDefault:"0.4"`
	BalancedLatencyWeight     float64 `env:"ROUTING_BALANCED_LATENCY_WEIGHT" envDefault:"0.4"`
	BalancedReliabilityWeight float64 `env:"ROUTING_BALANCED_RELIABILITY_WEIGHT" envDefault:"0.2"`

	// Failover execution
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"120s"`

	// Circuit breaker
	FailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitCooldown  time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"5m"`

	// Cache tier
	CatalogTTL           time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"5m"`
	CatalogStaleTTL      time.Duration `env:"CATALOG_CACHE_STALE_TTL" envDefault:"30m"`
	RevalidateInterval   time.Duration `env:"CACHE_REVALIDATE_INTERVAL" envDefault:"30s"`
	RefreshCheckInterval time.Duration `env:"CACHE_REFRESH_CHECK_INTERVAL" envDefault:"15s"`
	LocalCacheSize       int           `env:"LOCAL_CACHE_SIZE" envDefault:"1024"`

	// Model Sync
	ModelSyncEnabled         bool `env:"MODEL_SYNC_ENABLED" envDefault:"true"`
	ModelSyncIntervalMinutes int  `env:"MODEL_SYNC_INTERVAL_MINUTES" envDefault:"60"`
	AutoEnableSyncedModels   bool `env:"AUTO_ENABLE_SYNCED_MODELS" envDefault:"false"`

	// Health monitor
	MonitorEnabled          bool          `env:"HEALTH_MONITOR_ENABLED" envDefault:"true"`
	CriticalProbeInterval   time.Duration `env:"HEALTH_CRITICAL_INTERVAL" envDefault:"30s"`
	PopularProbeInterval    time.Duration `env:"HEALTH_POPULAR_INTERVAL" envDefault:"2m"`
	StandardProbeInterval   time.Duration `env:"HEALTH_STANDARD_INTERVAL" envDefault:"10m"`
	ProbeTimeout            time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"10s"`
	ProbeBatchSize          int           `env:"HEALTH_PROBE_BATCH_SIZE" envDefault:"5"`
	ProbeBatchDelay         time.Duration `env:"HEALTH_PROBE_BATCH_DELAY" envDefault:"500ms"`
	CriticalVolumeThreshold int64         `env:"HEALTH_CRITICAL_VOLUME" envDefault:"1000"`
	PopularVolumeThreshold  int64         `env:"HEALTH_POPULAR_VOLUME" envDefault:"100"`
	SnapshotPublishInterval time.Duration `env:"HEALTH_SNAPSHOT_PUBLISH_INTERVAL" envDefault:"30s"`

	// Provider bootstrap (optional default upstream registered at startup)
	BootstrapProviderName   string `env:"BOOTSTRAP_PROVIDER_NAME"`
	BootstrapProviderKind   string `env:"BOOTSTRAP_PROVIDER_KIND" envDefault:"openai"`
	BootstrapProviderURL    string `env:"BOOTSTRAP_PROVIDER_URL"`
	BootstrapProviderAPIKey string `env:"BOOTSTRAP_PROVIDER_API_KEY"`

	// Observability / Logging
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	OTLPEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPHeaders      string        `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	ServiceName      string        `env:"SERVICE_NAME" envDefault:"model-gateway"`
	ServiceNamespace string        `env:"SERVICE_NAMESPACE" envDefault:"jan"`
	Environment      string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"console"`

	// Features
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"true"`

	// Internal
	EnvReloadedAt time.Time
}

// Load parses environment variables into Config and performs minimal validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.BootstrapProviderURL != "" {
		if _, err := url.ParseRequestURI(cfg.BootstrapProviderURL); err != nil {
			return nil, fmt.Errorf("invalid BOOTSTRAP_PROVIDER_URL: %w", err)
		}
	}

	switch cfg.DefaultStrategy {
	case "priority", "cost", "latency", "balanced":
	default:
		return nil, fmt.Errorf("unsupported ROUTING_DEFAULT_STRATEGY %q", cfg.DefaultStrategy)
	}

	if cfg.MaxProviders <= 0 {
		return nil, fmt.Errorf("ROUTING_MAX_PROVIDERS must be positive, got %d", cfg.MaxProviders)
	}

	if cfg.CatalogStaleTTL < cfg.CatalogTTL {
		return nil, fmt.Errorf("CATALOG_CACHE_STALE_TTL (%s) must be >= CATALOG_CACHE_TTL (%s)", cfg.CatalogStaleTTL, cfg.CatalogTTL)
	}

	weightSum := cfg.BalancedCostWeight + cfg.BalancedLatencyWeight + cfg.BalancedReliabilityWeight
	if weightSum <= 0 {
		return nil, fmt.Errorf("balanced strategy weights must sum to a positive value, got %f", weightSum)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.EnvReloadedAt = time.Now()

	// Update global singleton for backwards compatibility
	globalConfig = cfg

	return cfg, nil
}

// GetGlobal returns the global config instance for backwards compatibility.
// Deprecated: Use dependency injection with Load() instead.
func GetGlobal() *Config {
	return globalConfig
}

var Version = "dev"

func IsDev() bool {
	return strings.HasPrefix(Version, "dev")
}
