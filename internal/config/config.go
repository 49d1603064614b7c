package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/yuu2811/EDINET-sub000/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Edinet    EdinetConfig    `mapstructure:"edinet"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// EdinetConfig covers access to the EDINET disclosure API.
type EdinetConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	ListTimeout    time.Duration `mapstructure:"list_timeout"`
	ArchiveTimeout time.Duration `mapstructure:"archive_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	RunAtStart   bool          `mapstructure:"run_at_start"`
}

// PollerConfig selects which disclosures the pipeline ingests.
type PollerConfig struct {
	DocTypeCodes []string `mapstructure:"doc_type_codes"`
}

// RetryConfig bounds the re-enrichment pass.
type RetryConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	ItemTimeout  time.Duration `mapstructure:"item_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ServerConfig tunes the HTTP/SSE surface.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	TriggerCooldown   time.Duration `mapstructure:"trigger_cooldown"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Days int `mapstructure:"days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDINETWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "edinetwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("edinet.base_url", "https://api.edinet-fsa.go.jp/api/v2")
	v.SetDefault("edinet.list_timeout", "10s")
	v.SetDefault("edinet.archive_timeout", "30s")
	v.SetDefault("edinet.max_attempts", 3)
	v.SetDefault("edinet.backoff_base", "2s")
	v.SetDefault("edinet.backoff_cap", "30s")
	v.SetDefault("edinet.user_agent", "edinetwatcher/1.0")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_at_start", true)

	// 350: 大量保有報告書, 360: 変更報告書, 370: 訂正報告書
	v.SetDefault("poller.doc_type_codes", []string{"350", "360", "370"})

	v.SetDefault("retry.batch_size", 5)
	v.SetDefault("retry.item_timeout", "10s")
	v.SetDefault("retry.batch_timeout", "30s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.keepalive_interval", "30s")
	v.SetDefault("server.subscriber_buffer", 64)
	v.SetDefault("server.trigger_cooldown", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.days", 30)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Edinet.BaseURL == "" {
		return fmt.Errorf("edinet.base_url is required")
	}
	if c.Edinet.MaxAttempts <= 0 {
		return fmt.Errorf("edinet.max_attempts must be greater than zero")
	}
	if len(c.Poller.DocTypeCodes) == 0 {
		return fmt.Errorf("poller.doc_type_codes must not be empty")
	}
	if c.Retry.BatchSize <= 0 {
		return fmt.Errorf("retry.batch_size must be greater than zero")
	}
	if c.Retry.ItemTimeout <= 0 || c.Retry.BatchTimeout <= 0 {
		return fmt.Errorf("retry timeouts must be greater than zero")
	}
	if c.Retry.ItemTimeout > c.Retry.BatchTimeout {
		return fmt.Errorf("retry.item_timeout cannot exceed retry.batch_timeout")
	}
	if c.Server.TriggerCooldown <= 0 {
		return fmt.Errorf("server.trigger_cooldown must be greater than zero")
	}
	if c.Export.Days <= 0 {
		return fmt.Errorf("export.days must be greater than zero")
	}
	return nil
}

// InterestingTypes returns the doc type code set as a lookup map.
func (c *Config) InterestingTypes() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Poller.DocTypeCodes))
	for _, code := range c.Poller.DocTypeCodes {
		set[strings.TrimSpace(code)] = struct{}{}
	}
	return set
}
