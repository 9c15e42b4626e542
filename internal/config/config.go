package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fundscrape/fund-acquisition/internal/ingest"
)

// AcquisitionConfig tunes the orchestrator.
type AcquisitionConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	BatchInterval   time.Duration `mapstructure:"batch_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// FetcherConfig selects and tunes the transport beneath the adapters.
type FetcherConfig struct {
	Kind                 string        `mapstructure:"kind"` // "http" or "colly"
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	UserAgent            string        `mapstructure:"user_agent"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	AllowPrivateNetworks bool          `mapstructure:"allow_private_networks"`
}

// Config holds all configuration for the acquisition service.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	Store       string `mapstructure:"store"` // "postgres" or "memory"
	AdminSecret string `mapstructure:"admin_secret"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	SourcesFile string `mapstructure:"sources_file"`

	CORSOrigins []string `mapstructure:"cors_origins"`

	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8081")
	v.SetDefault("database_url", "")
	v.SetDefault("store", "postgres")
	v.SetDefault("admin_secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("sources_file", "")
	v.SetDefault("cors_origins", []string{"http://localhost:4200"})

	v.SetDefault("acquisition.batch_size", 20)
	v.SetDefault("acquisition.concurrency", 4)
	v.SetDefault("acquisition.batch_interval", "2s")
	v.SetDefault("acquisition.fetch_timeout", "15s")
	v.SetDefault("acquisition.max_retries", 3)
	v.SetDefault("acquisition.retry_backoff", "500ms")
	v.SetDefault("acquisition.max_retry_backoff", "10s")

	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.rate_limit_rps", 2)
	v.SetDefault("fetcher.user_agent", "")
	v.SetDefault("fetcher.request_timeout", "30s")
	v.SetDefault("fetcher.allow_private_networks", false)
}

// Load reads configuration from defaults, an optional config file and the
// environment. Environment variables take precedence over the file.
//
// Nested keys map to FUNDSCRAPE_ variables, e.g.
// FUNDSCRAPE_ACQUISITION_BATCH_SIZE. The deployment variables DATABASE_URL,
// PORT, ADMIN_SECRET, JWT_SECRET and CORS_ORIGINS are also read without the
// prefix.
//
// An empty path searches for config.yaml in . and $HOME/.fundscrape.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FUNDSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"database_url": "DATABASE_URL",
		"port":         "PORT",
		"admin_secret": "ADMIN_SECRET",
		"jwt_secret":   "JWT_SECRET",
		"cors_origins": "CORS_ORIGINS",
	} {
		if err := v.BindEnv(key, "FUNDSCRAPE_"+env, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fundscrape")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.Fetcher.Kind = strings.ToLower(strings.TrimSpace(cfg.Fetcher.Kind))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Port == "" {
		problems = append(problems, "port is empty")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store %q", c.Store))
	}
	switch c.Fetcher.Kind {
	case "http", "colly":
	default:
		problems = append(problems, fmt.Sprintf("unknown fetcher kind %q", c.Fetcher.Kind))
	}
	if c.Fetcher.RateLimitRPS < 0 {
		problems = append(problems, "fetcher.rate_limit_rps must not be negative")
	}

	a := c.Acquisition
	if a.BatchSize <= 0 {
		problems = append(problems, "acquisition.batch_size must be positive")
	}
	if a.Concurrency <= 0 {
		problems = append(problems, "acquisition.concurrency must be positive")
	}
	if a.MaxRetries < 0 {
		problems = append(problems, "acquisition.max_retries must not be negative")
	}
	if a.BatchInterval < 0 || a.RetryBackoff < 0 {
		problems = append(problems, "acquisition intervals must not be negative")
	}
	if a.FetchTimeout <= 0 {
		problems = append(problems, "acquisition.fetch_timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OrchestratorConfig converts the acquisition settings.
func (c *Config) OrchestratorConfig() ingest.OrchestratorConfig {
	a := c.Acquisition
	return ingest.OrchestratorConfig{
		BatchSize:       a.BatchSize,
		Concurrency:     a.Concurrency,
		BatchInterval:   a.BatchInterval,
		FetchTimeout:    a.FetchTimeout,
		MaxRetries:      a.MaxRetries,
		RetryBackoff:    a.RetryBackoff,
		MaxRetryBackoff: a.MaxRetryBackoff,
	}
}

// FetchConfig converts the fetcher settings. Per-source overrides are
// applied later by ingest.SourceConfig.FetchConfig.
func (c *Config) FetchConfig() ingest.FetchConfig {
	return ingest.FetchConfig{
		UserAgent:            c.Fetcher.UserAgent,
		RateLimitRPS:         c.Fetcher.RateLimitRPS,
		RequestTimeout:       c.Fetcher.RequestTimeout,
		AllowPrivateNetworks: c.Fetcher.AllowPrivateNetworks,
	}
}
