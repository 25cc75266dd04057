// Package config loads the flowcore settings. Layers, lowest precedence
// first: struct defaults, the JSON settings file and FLOWCORE_* environment
// variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/flowcore/internal/functions"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FLOWCORE_"

// Config holds all flowcore settings.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Store     StoreConfig     `koanf:"store"`
	EventBus  EventBusConfig  `koanf:"eventbus"`
	Backend   BackendConfig   `koanf:"backend"`
	Functions FunctionsConfig `koanf:"functions"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type EngineConfig struct {
	// MaxForkConcurrency caps concurrently running branches. Zero is unlimited.
	MaxForkConcurrency int           `koanf:"max_fork_concurrency" validate:"min=0"`
	PoolSize           int           `koanf:"pool_size" validate:"min=1"`
	DefaultTimeout     time.Duration `koanf:"default_timeout" validate:"min=0"`
	ExpressionLanguage string        `koanf:"expression_language" validate:"oneof=jq cel expr"`
	PublishLifecycle   bool          `koanf:"publish_lifecycle"`
}

type StoreConfig struct {
	Driver            string `koanf:"driver" validate:"oneof=memory libsql"`
	DBPath            string `koanf:"db_path" validate:"required_if=Driver libsql"`
	DocumentCacheSize int    `koanf:"document_cache_size" validate:"min=0"`
}

type EventBusConfig struct {
	Driver     string `koanf:"driver" validate:"oneof=memory redis"`
	RedisAddr  string `koanf:"redis_addr" validate:"required_if=Driver redis"`
	Channel    string `koanf:"channel" validate:"required"`
	BufferSize int    `koanf:"buffer_size" validate:"min=1"`
}

type BackendConfig struct {
	WorkDir        string `koanf:"work_dir"`
	MaxOutputBytes int64  `koanf:"max_output_bytes" validate:"min=0"`
	MemoryMB       int64  `koanf:"memory_mb" validate:"min=0"`
	CPUQuota       int    `koanf:"cpu_quota" validate:"min=0,max=100"`
	AllowNetwork   bool   `koanf:"allow_network"`
}

type FunctionsConfig struct {
	HTTPTimeout      time.Duration               `koanf:"http_timeout" validate:"min=0"`
	BreakerThreshold int                         `koanf:"breaker_threshold" validate:"min=1"`
	BreakerCooldown  time.Duration               `koanf:"breaker_cooldown" validate:"min=0"`
	MCPServers       []functions.MCPServerConfig `koanf:"mcp_servers" validate:"dive"`
	// Builtins registers the crypto.* and fs.* functions.
	Builtins         bool                        `koanf:"builtins"`
	// FSRoots confines the fs.* functions. Empty allows any path.
	FSRoots          []string                    `koanf:"fs_roots"`
}

type SchedulerConfig struct {
	Interval time.Duration `koanf:"interval" validate:"min=0"`
}

// SecretsConfig enables the secret vault. It stays disabled while
// Passphrase is empty; set it through FLOWCORE_SECRETS_PASSPHRASE.
type SecretsConfig struct {
	Passphrase string `koanf:"passphrase"`
	Salt       string `koanf:"salt" validate:"required_with=Passphrase"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	MetricsAddr string `koanf:"metrics_addr" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// Default returns the built-in settings.
func Default() *Config {
	breaker := functions.DefaultBreakerConfig()
	return &Config{
		Engine: EngineConfig{
			PoolSize:           10,
			ExpressionLanguage: "jq",
		},
		Store: StoreConfig{
			Driver:            "libsql",
			DBPath:            filepath.Join(Dir(), "flowcore.db"),
			DocumentCacheSize: 1024,
		},
		EventBus: EventBusConfig{
			Driver:     "memory",
			Channel:    "flowcore.events",
			BufferSize: 64,
		},
		Backend: BackendConfig{
			MaxOutputBytes: 10 * 1024 * 1024,
		},
		Functions: FunctionsConfig{
			HTTPTimeout:      30 * time.Second,
			BreakerThreshold: breaker.Threshold,
			BreakerCooldown:  breaker.Cooldown,
			Builtins:         true,
		},
		Scheduler: SchedulerConfig{Interval: time.Second},
		Secrets:   SecretsConfig{Salt: "flowcore"},
		Telemetry: TelemetryConfig{MetricsAddr: ":9464"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Dir is the flowcore home directory, ~/.flowcore.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

// SettingsPath is the default JSON settings file.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}
