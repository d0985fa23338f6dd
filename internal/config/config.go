package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port                   string `envconfig:"PORT" default:"8080"`
	GRPCPort               string `envconfig:"GRPC_PORT" default:"9090"`
	AllowedOrigin          string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseDriver         string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL            string `envconfig:"DATABASE_URL"`
	RedisAddr              string `envconfig:"REDIS_ADDR"`
	RedisPassword          string `envconfig:"REDIS_PASSWORD"`
	RedisDB                int    `envconfig:"REDIS_DB" default:"0"`
	AuthSecret             string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes  int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	TaxRate                string `envconfig:"TAX_RATE" default:"0.17"`
	Currency               string `envconfig:"CURRENCY" default:"PKR"`
	BusinessTimezone       string `envconfig:"BUSINESS_TIMEZONE" default:"Asia/Karachi"`
	SummaryCacheTTLSeconds int    `envconfig:"SUMMARY_CACHE_TTL_SECONDS" default:"10"`
	PublishTimeoutSeconds  int    `envconfig:"PUBLISH_TIMEOUT_SECONDS" default:"3"`
	DashboardTopic         string `envconfig:"DASHBOARD_TOPIC" default:"dashboard"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string `envconfig:"LOG_FORMAT" default:"json"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if strings.TrimSpace(cfg.TaxRate) == "" {
		cfg.TaxRate = "0.17"
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.SummaryCacheTTLSeconds < 1 {
		cfg.SummaryCacheTTLSeconds = 10
	}
	if cfg.PublishTimeoutSeconds < 1 {
		cfg.PublishTimeoutSeconds = 3
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) GRPCAddress() string {
	if c.GRPCPort == "" {
		return ""
	}
	return fmt.Sprintf(":%s", c.GRPCPort)
}

// Location resolves BusinessTimezone, the zone that defines a calendar day
// for order numbers and daily summaries. Unknown zones fall back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}
