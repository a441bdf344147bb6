package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint" mapstructure:"endpoint"`
	Query     QueryConfig     `yaml:"query" mapstructure:"query"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Pacing    PacingConfig    `yaml:"pacing" mapstructure:"pacing"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" mapstructure:"bootstrap"`
	Collect   CollectConfig   `yaml:"collect" mapstructure:"collect"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// EndpointConfig describes the upstream price service.
type EndpointConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	PricesPath     string  `yaml:"prices_path" mapstructure:"prices_path"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// QueryConfig holds the default search parameters sent with every
// price request.
type QueryConfig struct {
	Horas     int     `yaml:"horas" mapstructure:"horas"`
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `yaml:"longitude" mapstructure:"longitude"`
	Raio      int     `yaml:"raio" mapstructure:"raio"`
	Ordenar   string  `yaml:"ordenar" mapstructure:"ordenar"`
}

// RetryConfig tunes the retry policy for upstream requests.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffSecs float64 `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
	MaxBackoffSecs  float64 `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	JitterLow       float64 `yaml:"jitter_low" mapstructure:"jitter_low"`
	JitterHigh      float64 `yaml:"jitter_high" mapstructure:"jitter_high"`
}

// PacingConfig controls the courtesy pauses between requests.
type PacingConfig struct {
	PauseMinSecs float64 `yaml:"pause_min_secs" mapstructure:"pause_min_secs"`
	PauseMaxSecs float64 `yaml:"pause_max_secs" mapstructure:"pause_max_secs"`
	AssetPauseMS int     `yaml:"asset_pause_ms" mapstructure:"asset_pause_ms"`
}

// BootstrapConfig tunes session bootstrap and token discovery.
type BootstrapConfig struct {
	MaxScripts int `yaml:"max_scripts" mapstructure:"max_scripts"`
}

// CollectConfig configures a collection run.
type CollectConfig struct {
	OutDir       string   `yaml:"out_dir" mapstructure:"out_dir"`
	Source       string   `yaml:"source" mapstructure:"source"`
	Fuels        []string `yaml:"fuels" mapstructure:"fuels"`
	MaxPages     int      `yaml:"max_pages" mapstructure:"max_pages"`
	ProfilesFile string   `yaml:"profiles_file" mapstructure:"profiles_file"`
}

// StoreConfig configures the warehouse backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the query API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging. Dir, when set, adds a timestamped
// log file next to the console output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Dir    string `yaml:"dir" mapstructure:"dir"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRECO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("endpoint.base_url", "https://precodahora.ba.gov.br")
	v.SetDefault("endpoint.prices_path", "/precos/")
	v.SetDefault("endpoint.timeout_secs", 30)
	v.SetDefault("endpoint.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("endpoint.requests_per_sec", 1.0)
	v.SetDefault("query.horas", 72)
	v.SetDefault("query.latitude", -12.97111)
	v.SetDefault("query.longitude", -38.51083)
	v.SetDefault("query.raio", 100)
	v.SetDefault("query.ordenar", "preco.asc")
	v.SetDefault("retry.max_attempts", 6)
	v.SetDefault("retry.base_backoff_secs", 2.0)
	v.SetDefault("retry.max_backoff_secs", 60.0)
	v.SetDefault("retry.jitter_low", 0.25)
	v.SetDefault("retry.jitter_high", 0.75)
	v.SetDefault("pacing.pause_min_secs", 1.2)
	v.SetDefault("pacing.pause_max_secs", 2.4)
	v.SetDefault("pacing.asset_pause_ms", 100)
	v.SetDefault("bootstrap.max_scripts", 25)
	v.SetDefault("collect.out_dir", "./raw_out")
	v.SetDefault("collect.source", "precodahora")
	v.SetDefault("collect.fuels", []string{"GASOLINA", "ETANOL", "GNV", "DIESEL"})
	v.SetDefault("collect.max_pages", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "./preco.db")
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

// Validate checks that the configuration is usable for the given mode
// ("collect", "load", "serve"). Problems are collected so the user sees
// everything wrong in one pass.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "collect":
		if c.Endpoint.BaseURL == "" {
			problems = append(problems, "endpoint.base_url is required")
		}
		if c.Collect.OutDir == "" {
			problems = append(problems, "collect.out_dir is required")
		}
		if c.Retry.MaxAttempts < 1 {
			problems = append(problems, "retry.max_attempts must be >= 1")
		}
		if c.Retry.BaseBackoffSecs <= 0 || c.Retry.MaxBackoffSecs < c.Retry.BaseBackoffSecs {
			problems = append(problems, "retry backoff must satisfy 0 < base_backoff_secs <= max_backoff_secs")
		}
		if c.Retry.JitterLow < 0 || c.Retry.JitterHigh < c.Retry.JitterLow {
			problems = append(problems, "retry jitter must satisfy 0 <= jitter_low <= jitter_high")
		}
		if c.Pacing.PauseMinSecs < 0 || c.Pacing.PauseMaxSecs < c.Pacing.PauseMinSecs {
			problems = append(problems, "pacing pause must satisfy 0 <= pause_min_secs <= pause_max_secs")
		}
		if c.Bootstrap.MaxScripts < 1 {
			problems = append(problems, "bootstrap.max_scripts must be >= 1")
		}
	case "load":
		if err := c.validateStore(); err != nil {
			problems = append(problems, err.Error())
		}
		if c.Collect.OutDir == "" {
			problems = append(problems, "collect.out_dir is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if err := c.validateStore(); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("store.database_url is required")
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

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return eris.Wrap(err, "config: create log dir")
		}
		name := fmt.Sprintf("preco_%s.log", time.Now().UTC().Format("20060102_150405"))
		zapCfg.OutputPaths = append(zapCfg.OutputPaths, filepath.Join(cfg.Dir, name))
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
