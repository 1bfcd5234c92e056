package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	CTGov      CTGovConfig      `yaml:"ctgov" mapstructure:"ctgov"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	MarketData MarketDataConfig `yaml:"marketdata" mapstructure:"marketdata"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CTGovConfig holds ClinicalTrials.gov API settings.
type CTGovConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	PageSize      int     `yaml:"page_size" mapstructure:"page_size"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MarketDataConfig holds stock quote API settings.
type MarketDataConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Workers int    `yaml:"workers" mapstructure:"workers"`
}

// StorageConfig configures the cloud artifact store.
type StorageConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	MakePublic      bool   `yaml:"make_public" mapstructure:"make_public"`
	SignedURLDays   int    `yaml:"signed_url_days" mapstructure:"signed_url_days"`
}

// PipelineConfig configures run behavior.
type PipelineConfig struct {
	MaxTrials      int    `yaml:"max_trials" mapstructure:"max_trials"`
	YearsBack      int    `yaml:"years_back" mapstructure:"years_back"`
	EnrichWorkers  int    `yaml:"enrich_workers" mapstructure:"enrich_workers"`
	FinanceWorkers int    `yaml:"finance_workers" mapstructure:"finance_workers"`
	OutputDir      string `yaml:"output_dir" mapstructure:"output_dir"`
}

// CacheConfig configures the on-disk response cache.
type CacheConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	FetchTTLDays   int    `yaml:"fetch_ttl_days" mapstructure:"fetch_ttl_days"`
	EnrichTTLDays  int    `yaml:"enrich_ttl_days" mapstructure:"enrich_ttl_days"`
	FinanceTTLDays int    `yaml:"finance_ttl_days" mapstructure:"finance_ttl_days"`
	QuoteTTLDays   int    `yaml:"quote_ttl_days" mapstructure:"quote_ttl_days"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRIALSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ctgov.base_url", "https://clinicaltrials.gov/api/v2")
	v.SetDefault("ctgov.page_size", 100)
	v.SetDefault("ctgov.rate_per_second", 2.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("marketdata.base_url", "https://query1.finance.yahoo.com/v7/finance")
	v.SetDefault("marketdata.workers", 20)
	v.SetDefault("storage.signed_url_days", 7)
	v.SetDefault("storage.make_public", true)
	v.SetDefault("pipeline.max_trials", 100)
	v.SetDefault("pipeline.years_back", 10)
	v.SetDefault("pipeline.enrich_workers", 5)
	v.SetDefault("pipeline.finance_workers", 20)
	v.SetDefault("pipeline.output_dir", ".")
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.fetch_ttl_days", 7)
	v.SetDefault("cache.enrich_ttl_days", 30)
	v.SetDefault("cache.finance_ttl_days", 30)
	v.SetDefault("cache.quote_ttl_days", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that required settings for the given mode are present.
// Mode is "run" for one-shot pipeline runs and "serve" for the HTTP server.
func (c *Config) Validate(mode string) error {
	var missing []string

	check := func(mode string) {
		if c.Pipeline.MaxTrials < 1 {
			missing = append(missing, "pipeline.max_trials must be >= 1")
		}
		if c.Pipeline.EnrichWorkers < 1 || c.Pipeline.EnrichWorkers > 50 {
			missing = append(missing, "pipeline.enrich_workers must be between 1 and 50")
		}
		if c.CTGov.PageSize < 1 || c.CTGov.PageSize > 1000 {
			missing = append(missing, "ctgov.page_size must be between 1 and 1000")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	}

	switch mode {
	case "run", "serve":
		check(mode)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
