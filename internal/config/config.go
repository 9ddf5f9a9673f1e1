// Package config содержит логику чтения конфигурации сервиса parcelpay.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/parcelpay/internal/gateway"
)

const defaultGatewayBaseURL = "https://api.razorpay.com"

// Config содержит параметры конфигурации сервиса parcelpay.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	RedisAddress         string        `env:"REDIS_ADDRESS"`
	AuthSecret           string        `env:"AUTH_SECRET"`
	GatewayBaseURL       string        `env:"GATEWAY_BASE_URL"`
	GatewayKeyID         string        `env:"GATEWAY_KEY_ID"`
	GatewayKeySecret     string        `env:"GATEWAY_KEY_SECRET"`
	GatewayWebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET"`
	GatewayCurrency      string        `env:"GATEWAY_CURRENCY" envDefault:"INR"`
	PaymentSweepInterval time.Duration `env:"PAYMENT_SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for payment locks")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signed auth cookies")
	flag.StringVar(&cfg.GatewayBaseURL, "g", defaultGatewayBaseURL, "payment gateway base URL")
	flag.DurationVar(&cfg.PaymentSweepInterval, "i", 0, "pending payment sweep interval, 0 disables")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.RedisAddress != "" {
		cfg.RedisAddress = envCfg.RedisAddress
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.GatewayBaseURL != "" {
		cfg.GatewayBaseURL = envCfg.GatewayBaseURL
	}
	if envCfg.PaymentSweepInterval != 0 {
		cfg.PaymentSweepInterval = envCfg.PaymentSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.GatewayBaseURL == "" {
		cfg.GatewayBaseURL = defaultGatewayBaseURL
	}
	if cfg.PaymentSweepInterval < 0 {
		return nil, fmt.Errorf("payment sweep interval must not be negative: %s", cfg.PaymentSweepInterval)
	}

	return cfg, nil
}

// GatewayMode выбирает режим шлюза: live при наличии ключей, иначе mock.
func (c *Config) GatewayMode() gateway.Mode {
	if c.GatewayKeyID != "" && c.GatewayKeySecret != "" {
		return gateway.ModeLive
	}
	return gateway.ModeMock
}

// Gateway возвращает параметры клиента платёжного шлюза.
func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		Mode:          c.GatewayMode(),
		BaseURL:       c.GatewayBaseURL,
		KeyID:         c.GatewayKeyID,
		KeySecret:     c.GatewayKeySecret,
		WebhookSecret: c.GatewayWebhookSecret,
		Currency:      c.GatewayCurrency,
	}
}
