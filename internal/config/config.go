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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Chain      ChainFileConfig  `yaml:"chain" mapstructure:"chain"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ChainFileConfig points at the provider chain definition file.
type ChainFileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// BatchConfig configures batch admission and shutdown.
type BatchConfig struct {
	Size        int `yaml:"size" mapstructure:"size"`
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
	GraceSecs   int `yaml:"grace_secs" mapstructure:"grace_secs"`
}

// RetryConfig configures the per-provider retry controller.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	InitialBackoffMS   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	WindowSize           int     `yaml:"window_size" mapstructure:"window_size"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinSamples           int     `yaml:"min_samples" mapstructure:"min_samples"`
	CooldownSecs         int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	CooldownMultiplier   float64 `yaml:"cooldown_multiplier" mapstructure:"cooldown_multiplier"`
	MaxCooldownSecs      int     `yaml:"max_cooldown_secs" mapstructure:"max_cooldown_secs"`
}

// BudgetConfig holds per-class daily spend caps in USD. A class absent from
// the map (or with a non-positive cap) is uncapped.
type BudgetConfig struct {
	DailyCapsUSD map[string]float64 `yaml:"daily_caps_usd" mapstructure:"daily_caps_usd"`
	WarnFraction float64            `yaml:"warn_fraction" mapstructure:"warn_fraction"`
}

// DeliveryConfig configures the downstream consumer sink.
type DeliveryConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	AuthToken   string `yaml:"auth_token" mapstructure:"auth_token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures snapshot alerting thresholds.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WarnFraction         float64 `yaml:"warn_fraction" mapstructure:"warn_fraction"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the configuration for the given command mode. Modes with a
// wider surface require more of the config to be present.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "run", "serve":
		if c.Chain.Path == "" {
			problems = append(problems, "chain.path is required")
		}
		if c.Delivery.WebhookURL == "" {
			problems = append(problems, "delivery.webhook_url is required")
		}
		if c.Batch.Size < 1 || c.Batch.Size > 500 {
			problems = append(problems, "batch.size must be between 1 and 500")
		}
		if c.Batch.MaxParallel < 1 || c.Batch.MaxParallel > 50 {
			problems = append(problems, "batch.max_parallel must be between 1 and 50")
		}
		if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
			problems = append(problems, "retry.max_attempts must be between 1 and 10")
		}
		if c.Breaker.FailureRateThreshold <= 0 || c.Breaker.FailureRateThreshold > 1 {
			problems = append(problems, "breaker.failure_rate_threshold must be in (0, 1]")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "status", "costs":
		// Store checks above are enough.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "research.db")
	v.SetDefault("chain.path", "providers.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.size", 25)
	v.SetDefault("batch.max_parallel", 4)
	v.SetDefault("batch.grace_secs", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.attempt_timeout_secs", 60)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 15000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("breaker.window_size", 10)
	v.SetDefault("breaker.failure_rate_threshold", 0.5)
	v.SetDefault("breaker.min_samples", 5)
	v.SetDefault("breaker.cooldown_secs", 30)
	v.SetDefault("breaker.cooldown_multiplier", 2.0)
	v.SetDefault("breaker.max_cooldown_secs", 300)
	v.SetDefault("budget.daily_caps_usd", map[string]float64{"deep_research": 40.00})
	v.SetDefault("budget.warn_fraction", 0.8)
	v.SetDefault("delivery.timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.warn_fraction", 0.8)

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
