package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Import  ImportConfig  `yaml:"import" mapstructure:"import"`
	CRS     CRSConfig     `yaml:"crs" mapstructure:"crs"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the storage backends: the Postgres feature
// store and the SQLite session store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SessionPath string `yaml:"session_path" mapstructure:"session_path"`
}

// ImportConfig holds the orchestrator defaults. Every field can be
// overridden per run from the command line.
type ImportConfig struct {
	BatchSize          int           `yaml:"batch_size" mapstructure:"batch_size"`
	TargetSRID         string        `yaml:"target_srid" mapstructure:"target_srid"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	CheckpointInterval int           `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	WriteTimeout       time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	TransformWorkers   int           `yaml:"transform_workers" mapstructure:"transform_workers"`
	FailFast           bool          `yaml:"fail_fast" mapstructure:"fail_fast"`
	MaxRecordBytes     int           `yaml:"max_record_bytes" mapstructure:"max_record_bytes"`
}

// CRSConfig configures the coordinate system registry.
type CRSConfig struct {
	// DefinitionFiles are extra yaml files of coordinate system
	// definitions loaded on top of the built-in registry.
	DefinitionFiles []string `yaml:"definition_files" mapstructure:"definition_files"`

	// AllowFallback opts in to the identity transform fallback.
	AllowFallback bool `yaml:"allow_fallback" mapstructure:"allow_fallback"`
}

// MetricsConfig configures the event emitter.
type MetricsConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	Buffer       int     `yaml:"buffer" mapstructure:"buffer"`
	MaxPerSecond float64 `yaml:"max_per_second" mapstructure:"max_per_second"`
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
	v.SetEnvPrefix("GEOIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.session_path", "geoimport.db")
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("import.target_srid", "EPSG:4326")
	v.SetDefault("import.max_retries", 3)
	v.SetDefault("import.retry_delay", "1s")
	v.SetDefault("import.checkpoint_interval", 500)
	v.SetDefault("import.write_timeout", "30s")
	v.SetDefault("import.transform_workers", 4)
	v.SetDefault("import.fail_fast", true)
	v.SetDefault("import.max_record_bytes", 4<<20)
	v.SetDefault("crs.allow_fallback", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.buffer", 256)
	v.SetDefault("metrics.max_per_second", 50.0)
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
