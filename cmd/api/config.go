package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries everything the API binary needs. Values come from the
// environment; COURIERPAY_DATABASE_URL and COURIERPAY_JWT_SECRET are the only
// required ones.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	GatewayBaseURL  string        `mapstructure:"gateway_base_url"`
	GatewayAPIKey   string        `mapstructure:"gateway_api_key"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	PlatformFeeRate string        `mapstructure:"platform_fee_rate"`
	HoldPeriod      time.Duration `mapstructure:"hold_period"`
	ReleaseInterval time.Duration `mapstructure:"release_interval"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("courierpay")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("gateway_base_url", "https://api.gateway.example")
	v.SetDefault("gateway_api_key", "")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("platform_fee_rate", "0.015")
	v.SetDefault("hold_period", 72*time.Hour)
	v.SetDefault("release_interval", time.Minute)
	v.SetDefault("outbox_interval", time.Second)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: COURIERPAY_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: COURIERPAY_JWT_SECRET is required")
	}
	return cfg, nil
}
