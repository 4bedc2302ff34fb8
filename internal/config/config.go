// Package config holds process configuration and per-run configuration.
//
// Configuration is assembled from three explicit layers: compiled-in
// defaults, the persisted YAML file, and per-request overrides. Layers are
// merged by pure functions with right-wins precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration.
type Config struct {
	// Store settings
	Store StoreConfig `yaml:"store"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// HTTP control surface
	Server ServerConfig `yaml:"server"`

	// External collaborators
	Providers ProvidersConfig `yaml:"providers"`

	// Circuit breaker thresholds per service; "default" applies when a
	// service has no entry of its own.
	Breakers map[string]BreakerConfig `yaml:"breakers"`

	// Retry budgets per service
	Retry RetryConfig `yaml:"retry"`

	// Daily API quota limits
	Quota QuotaConfig `yaml:"quota"`

	// Scheduler / coordinator behavior
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Defaults applied to every pipeline run before per-request overrides
	Run RunConfig `yaml:"run"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig configures the TTL cache.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // memory, redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ProvidersConfig configures external collaborator clients.
type ProvidersConfig struct {
	Search      ServiceConfig `yaml:"search"`
	KeywordData ServiceConfig `yaml:"keyword_data"`
	Company     ServiceConfig `yaml:"company"`
	Video       ServiceConfig `yaml:"video"`
	Scraper     ServiceConfig `yaml:"scraper"`
	LLM         LLMConfig     `yaml:"llm"`
}

// ServiceConfig configures a single HTTP collaborator.
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// Requests per second admitted to the provider; zero disables pacing.
	RateLimit float64 `yaml:"rate_limit"`
}

// LLMConfig configures the LLM collaborator.
type LLMConfig struct {
	Provider  string        `yaml:"provider"` // openai, gemini
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxChars  int           `yaml:"max_chars"` // input truncation budget
	MaxTokens int           `yaml:"max_tokens"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	CoolDown         time.Duration `yaml:"cool_down"`
	MaxCoolDown      time.Duration `yaml:"max_cool_down"`
}

// RetryConfig configures the retry helper defaults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// QuotaConfig configures daily quota limits.
type QuotaConfig struct {
	// Units per day keyed by service name.
	DailyLimits map[string]int `yaml:"daily_limits"`
	// IANA time zone anchoring the daily reset, keyed by service name.
	ResetZones map[string]string `yaml:"reset_zones"`
}

// SchedulerConfig configures the scheduler and batch coordinator.
type SchedulerConfig struct {
	// Hour of day (UTC) at which scheduled runs start.
	DailyHourUTC int `yaml:"daily_hour_utc"`
	// Projects driven by the scheduler rather than webhooks.
	Projects []string `yaml:"projects"`
	// Interval between watchdog sweeps.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// Interval between channel-resolver passes.
	ResolverInterval time.Duration `yaml:"resolver_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "data/landscape.db"},
		Cache: CacheConfig{Backend: "memory"},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Providers: ProvidersConfig{
			Search:      ServiceConfig{Timeout: 60 * time.Second, RateLimit: 5},
			KeywordData: ServiceConfig{Timeout: 30 * time.Second, RateLimit: 5},
			Company:     ServiceConfig{Timeout: 30 * time.Second, RateLimit: 10},
			Video:       ServiceConfig{Timeout: 30 * time.Second, RateLimit: 10},
			Scraper:     ServiceConfig{Timeout: 120 * time.Second, RateLimit: 20},
			LLM: LLMConfig{
				Provider:  "openai",
				Model:     "gpt-4o-mini",
				Timeout:   120 * time.Second,
				MaxChars:  24000,
				MaxTokens: 2048,
			},
		},
		Breakers: map[string]BreakerConfig{
			"default": {
				FailureThreshold: 5,
				Window:           60 * time.Second,
				CoolDown:         120 * time.Second,
				MaxCoolDown:      30 * time.Minute,
			},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Quota: QuotaConfig{
			DailyLimits: map[string]int{"video": 10000},
			ResetZones:  map[string]string{"video": "America/Los_Angeles"},
		},
		Scheduler: SchedulerConfig{
			DailyHourUTC:     4,
			WatchdogInterval: time.Minute,
			ResolverInterval: 30 * time.Second,
		},
		Run:     DefaultRunConfig(),
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML config file at path, applies it over the defaults,
// then applies environment overrides for secrets. A missing file is not an
// error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv pulls API keys from the environment. Keys in the file win only
// when the environment variable is unset.
func (c *Config) applyEnv() {
	if v := os.Getenv("LANDSCAPE_SEARCH_API_KEY"); v != "" {
		c.Providers.Search.APIKey = v
	}
	if v := os.Getenv("LANDSCAPE_KEYWORD_API_KEY"); v != "" {
		c.Providers.KeywordData.APIKey = v
	}
	if v := os.Getenv("LANDSCAPE_COMPANY_API_KEY"); v != "" {
		c.Providers.Company.APIKey = v
	}
	if v := os.Getenv("LANDSCAPE_VIDEO_API_KEY"); v != "" {
		c.Providers.Video.APIKey = v
	}
	if v := os.Getenv("LANDSCAPE_SCRAPER_API_KEY"); v != "" {
		c.Providers.Scraper.APIKey = v
	}
	if v := os.Getenv("LANDSCAPE_LLM_API_KEY"); v != "" {
		c.Providers.LLM.APIKey = v
	}
}

// BreakerFor returns the breaker thresholds for a service, falling back to
// the "default" entry.
func (c *Config) BreakerFor(service string) BreakerConfig {
	if bc, ok := c.Breakers[service]; ok {
		return bc
	}
	if bc, ok := c.Breakers["default"]; ok {
		return bc
	}
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		CoolDown:         120 * time.Second,
		MaxCoolDown:      30 * time.Minute,
	}
}
