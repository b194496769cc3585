package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
storage:
  driver: memory
alerting:
  extreme_threshold: 0.005
  telegram:
    bot_token: "123:abc"
    chat_id: "-100200"
policy:
  symbols: "BTCUSDT,ETHUSDT"
scheduler:
  interval: 15m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 0.005, cfg.Alerting.ExtremeThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "@every 24h", cfg.Scheduler.RefreshSchedule)
	assert.Equal(t, "BTCUSDT", cfg.Policy.PrimarySymbol)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Policy.Symbols)
	assert.Equal(t, 3, cfg.Alerting.Retry.Attempts)
	assert.Equal(t, 200, cfg.Alerting.MaxPerHour)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FUNDINGWATCHER_ALERTING_EXTREME_THRESHOLD", "0.01")
	t.Setenv("TELEGRAM_CHAT_ID", "-999")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.Alerting.ExtremeThreshold)
	assert.Equal(t, "-999", cfg.Alerting.Telegram.ChatID)
}

func TestLoadRequiresThreshold(t *testing.T) {
	body := `
storage:
  driver: memory
alerting:
  telegram:
    bot_token: "123:abc"
    chat_id: "-100200"
`
	_, err := Load(writeConfig(t, body))
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "alerting.extreme_threshold", cfgErr.Field)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   StorageConfig{Driver: DriverMemory},
			Scheduler: SchedulerConfig{Interval: time.Minute, RefreshSchedule: "@every 24h"},
			Policy:    PolicyConfig{PrimarySymbol: "BTCUSDT"},
			Alerting: AlertingConfig{
				ExtremeThreshold: 0.005,
				Retry:            RetryConfig{Attempts: 3},
				Telegram:         TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"},
			},
			Display: DisplayConfig{Timezone: "UTC"},
			Export:  ExportConfig{MaxDataPoints: 10},
		}
	}

	cases := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative threshold", func(c *Config) { c.Alerting.ExtremeThreshold = -1 }, "alerting.extreme_threshold"},
		{"bad timezone", func(c *Config) { c.Display.Timezone = "Mars/Olympus" }, "display.timezone"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"telegram without token", func(c *Config) { c.Alerting.Telegram.BotToken = "" }, "alerting.telegram.bot_token"},
		{"kafka without brokers", func(c *Config) { c.Alerting.Kafka = KafkaConfig{Enabled: true, Topic: "x"} }, "alerting.kafka.brokers"},
		{"no primary", func(c *Config) { c.Policy.PrimarySymbol = " " }, "policy.primary_symbol"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mod(&cfg)
			err := cfg.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
