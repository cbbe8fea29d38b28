package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Integrity IntegrityConfig
	Retention RetentionConfig
	Sweep     SweepConfig
	Probes    ProbesConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds the SQLite configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// IntegrityConfig holds the validator and healer policy parameters.
// Weights maps a violation kind to the health-score penalty it carries.
type IntegrityConfig struct {
	Weights              map[string]int `mapstructure:"weights"`
	SeverityThreshold    int            `mapstructure:"severity_threshold"`
	UnsafeDeleteFraction float64        `mapstructure:"unsafe_delete_fraction"`
	ArchiveOnRecovery    bool           `mapstructure:"archive_on_recovery"`
}

// RetentionConfig holds the purge windows for checkpoints and recovery contexts.
type RetentionConfig struct {
	CheckpointTTL      time.Duration `mapstructure:"checkpoint_ttl"`
	RecoveryContextTTL time.Duration `mapstructure:"recovery_context_ttl"`
}

// SweepConfig holds the periodic health sweep configuration
type SweepConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Staleness        time.Duration `mapstructure:"staleness"`
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
	SpawnReplacement bool          `mapstructure:"spawn_replacement"`
}

// ProbesConfig holds the external dependency liveness probe configuration
type ProbesConfig struct {
	Completion  CompletionProbeConfig  `mapstructure:"completion"`
	ToolService ToolServiceProbeConfig `mapstructure:"tool_service"`
}

// CompletionProbeConfig points at the OpenAI-compatible completion service.
type CompletionProbeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ToolServiceProbeConfig points at the MCP tool-execution service.
type ToolServiceProbeConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// Load loads the configuration from config.yaml, or from the file named
// by CONFIG_PATH when set. Every policy parameter has a default so the
// engine runs with an empty config file.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine: defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "chatmend.db")
	v.SetDefault("log.level", "info")

	v.SetDefault("integrity.weights", map[string]int{
		"orphaned_tool_message":   25,
		"malformed_tool_call_id":  15,
		"dangling_tool_response":  25,
		"missing_tool_response":   30,
		"duplicate_tool_response": 20,
		"out_of_order_message":    10,
	})
	v.SetDefault("integrity.severity_threshold", 20)
	v.SetDefault("integrity.unsafe_delete_fraction", 0.5)
	v.SetDefault("integrity.archive_on_recovery", true)

	v.SetDefault("retention.checkpoint_ttl", 7*24*time.Hour)
	v.SetDefault("retention.recovery_context_ttl", 24*time.Hour)

	v.SetDefault("sweep.interval", 30*time.Minute)
	v.SetDefault("sweep.staleness", 6*time.Hour)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("sweep.spawn_replacement", true)

	v.SetDefault("probes.completion.timeout", 5*time.Second)
	v.SetDefault("probes.tool_service.timeout", 5*time.Second)
}
