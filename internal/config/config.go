package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"funding-rate-alerts/internal/logging"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Commands  CommandsConfig  `mapstructure:"commands"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Display   DisplayConfig   `mapstructure:"display"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig encapsulates Redis connectivity.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SchedulerConfig governs poll and refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

// PolicyConfig decides which symbols are tracked and which one gets full alerting.
type PolicyConfig struct {
	PrimarySymbol string   `mapstructure:"primary_symbol"`
	Symbols       []string `mapstructure:"symbols"`
}

// ExchangeConfig covers the Bybit REST API.
type ExchangeConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	QuoteSuffix       string        `mapstructure:"quote_suffix"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	ExtremeThreshold float64        `mapstructure:"extreme_threshold"`
	MinChange        float64        `mapstructure:"min_change"`
	MaxPerHour       int            `mapstructure:"max_per_hour"`
	StartupMessage   bool           `mapstructure:"startup_message"`
	Retry            RetryConfig    `mapstructure:"retry"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
	Kafka            KafkaConfig    `mapstructure:"kafka"`
}

// RetryConfig bounds delivery attempts.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	TopicID  int64         `mapstructure:"topic_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig routes alerts to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// CommandsConfig controls the Telegram command listener.
type CommandsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotUsername string        `mapstructure:"bot_username"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	TopN        int           `mapstructure:"top_n"`
}

// HTTPConfig controls the HTTP query surface.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DisplayConfig holds presentation settings.
type DisplayConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Error is a configuration problem. The process must not start with one.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FUNDINGWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindSecrets(v)

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

// bindSecrets maps the plain variable names the bot has always used.
func bindSecrets(v *viper.Viper) {
	_ = v.BindEnv("alerting.telegram.bot_token", "FUNDINGWATCHER_ALERTING_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("alerting.telegram.chat_id", "FUNDINGWATCHER_ALERTING_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID")
	_ = v.BindEnv("alerting.telegram.topic_id", "FUNDINGWATCHER_ALERTING_TELEGRAM_TOPIC_ID", "TELEGRAM_TOPIC_ID")
	_ = v.BindEnv("database.dsn", "FUNDINGWATCHER_DATABASE_DSN", "DATABASE_URL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundingwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "funding:")

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66756e64))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.refresh_schedule", "@every 24h")

	v.SetDefault("policy.primary_symbol", "BTCUSDT")

	v.SetDefault("exchange.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.requests_per_second", 10.0)
	v.SetDefault("exchange.quote_suffix", "USDT")
	v.SetDefault("exchange.user_agent", "fundingwatcher/1.0")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.min_change", 0.0)
	v.SetDefault("alerting.max_per_hour", 200)
	v.SetDefault("alerting.startup_message", true)
	v.SetDefault("alerting.retry.attempts", 3)
	v.SetDefault("alerting.retry.delay", "500ms")
	v.SetDefault("alerting.telegram.enabled", true)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "funding-alerts")

	v.SetDefault("commands.enabled", true)
	v.SetDefault("commands.poll_timeout", "30s")
	v.SetDefault("commands.top_n", 10)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("display.timezone", "Asia/Kolkata")

	v.SetDefault("export.max_data_points", 10000)
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

// Validate performs sanity checks; any failure is a *Error.
func (c *Config) Validate() error {
	if c.Alerting.ExtremeThreshold <= 0 {
		return &Error{Field: "alerting.extreme_threshold", Reason: "must be configured and greater than zero"}
	}
	if c.Alerting.MinChange < 0 {
		return &Error{Field: "alerting.min_change", Reason: "cannot be negative"}
	}
	if c.Alerting.MaxPerHour < 0 {
		return &Error{Field: "alerting.max_per_hour", Reason: "cannot be negative"}
	}
	if c.Alerting.Retry.Attempts <= 0 {
		return &Error{Field: "alerting.retry.attempts", Reason: "must be greater than zero"}
	}
	if c.Scheduler.Interval <= 0 {
		return &Error{Field: "scheduler.interval", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(c.Scheduler.RefreshSchedule) == "" {
		return &Error{Field: "scheduler.refresh_schedule", Reason: "must be set"}
	}
	if strings.TrimSpace(c.Policy.PrimarySymbol) == "" {
		return &Error{Field: "policy.primary_symbol", Reason: "must be set"}
	}
	if c.Export.MaxDataPoints <= 0 {
		return &Error{Field: "export.max_data_points", Reason: "must be greater than zero"}
	}
	if _, err := time.LoadLocation(c.Display.Timezone); err != nil {
		return &Error{Field: "display.timezone", Reason: err.Error()}
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return &Error{Field: "database.dsn", Reason: "required for postgres storage"}
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return &Error{Field: "redis.addr", Reason: "required for redis storage"}
		}
	case DriverMemory:
	default:
		return &Error{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
	}

	tg := c.Alerting.Telegram
	if tg.Enabled || c.Commands.Enabled {
		if tg.BotToken == "" {
			return &Error{Field: "alerting.telegram.bot_token", Reason: "必须配置"}
		}
		if tg.ChatID == "" {
			return &Error{Field: "alerting.telegram.chat_id", Reason: "必须配置"}
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return &Error{Field: "alerting.kafka.brokers", Reason: "required when kafka is enabled"}
		}
		if c.Alerting.Kafka.Topic == "" {
			return &Error{Field: "alerting.kafka.topic", Reason: "required when kafka is enabled"}
		}
	}
	return nil
}

// Location returns the display timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Display.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
