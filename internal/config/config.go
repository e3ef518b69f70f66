package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"guildlicense-bot/internal/license"
)

const envPrefix = "LICENSEBOT"

type Config struct {
	License  LicenseConfig  `mapstructure:"license"`
	Store    StoreConfig    `mapstructure:"store"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

type LicenseConfig struct {
	ExemptTenant   int64         `mapstructure:"exempt_tenant"`
	ExemptChannels []int64       `mapstructure:"exempt_channels"`
	ValidityWindow time.Duration `mapstructure:"validity_window" validate:"gt=0"`
	FixedExpiry    string        `mapstructure:"fixed_expiry"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"  validate:"gte=1m"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"       validate:"required,oneof=bbolt postgres"`
	Path        string        `mapstructure:"path"         validate:"required_if=Driver bbolt"`
	PostgresURL string        `mapstructure:"postgres_url" validate:"required_if=Driver postgres,omitempty,url"`
	Timeout     time.Duration `mapstructure:"timeout"      validate:"gt=0"`
}

type TelegramConfig struct {
	Token     string `mapstructure:"token"`
	OwnerID   int64  `mapstructure:"owner_id"    validate:"required_with=Token"`
	LogChatID int64  `mapstructure:"log_chat_id"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"   validate:"oneof=development production"`
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Load reads the YAML file at path (or ./configs/licensebot.yaml when path
// is empty), applies LICENSEBOT_* environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("licensebot")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}
	vip.SetConfigType("yaml")
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	vip.SetDefault("license.exempt_tenant", 0)
	vip.SetDefault("license.exempt_channels", []int64{})
	vip.SetDefault("license.validity_window", license.DefaultValidityWindow)
	vip.SetDefault("license.fixed_expiry", "")
	vip.SetDefault("license.sweep_interval", license.DefaultSweepInterval)
	vip.SetDefault("store.driver", "bbolt")
	vip.SetDefault("store.path", "./data/licensebot.db")
	vip.SetDefault("store.postgres_url", "")
	vip.SetDefault("store.timeout", license.DefaultStoreTimeout)
	vip.SetDefault("telegram.token", "")
	vip.SetDefault("telegram.owner_id", 0)
	vip.SetDefault("telegram.log_chat_id", 0)
	vip.SetDefault("http.addr", ":8080")
	vip.SetDefault("log.env", "development")
	vip.SetDefault("log.level", "info")

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := cfg.License.ParseFixedExpiry(); err != nil {
		return nil, fmt.Errorf("config validation failed: license.fixed_expiry: %w", err)
	}
	return &cfg, nil
}

// ParseFixedExpiry accepts RFC 3339 or a zone-less "2006-01-02T15:04:05",
// which is read as UTC. An empty value yields the zero time.
func (c LicenseConfig) ParseFixedExpiry() (time.Time, error) {
	s := strings.TrimSpace(c.FixedExpiry)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}

// ManagerConfig translates the license section for license.NewManager.
func (c *Config) ManagerConfig() license.Config {
	fixed, _ := c.License.ParseFixedExpiry()
	return license.Config{
		Exemptions: license.Exemptions{
			Tenant:   c.License.ExemptTenant,
			Channels: append([]int64(nil), c.License.ExemptChannels...),
		},
		ValidityWindow: c.License.ValidityWindow,
		FixedExpiry:    fixed,
		StoreTimeout:   c.Store.Timeout,
	}
}
