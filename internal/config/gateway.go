package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	GatewayMyFatoorah = "myfatoorah"
	GatewayMock       = "mock"
)

// GatewayConfig is the environment baseline for the payment gateway.
// Persisted integration settings may override BaseURL and APIKey per call.
type GatewayConfig struct {
	Provider string        `env:"PAYMENT_GATEWAY" envDefault:"myfatoorah"`
	BaseURL  string        `env:"MYFATOORAH_BASE_URL" envDefault:"https://apitest.myfatoorah.com"`
	APIKey   string        `env:"MYFATOORAH_API_KEY"`
	Timeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	// MockOutcome drives the deterministic adapter: paid, failed, pending or initiate_error.
	MockOutcome string `env:"MOCK_GATEWAY_OUTCOME" envDefault:"paid"`
}

func LoadGateway() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := env.Parse(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("parse gateway config: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.MockOutcome = strings.ToLower(strings.TrimSpace(cfg.MockOutcome))

	switch cfg.Provider {
	case GatewayMyFatoorah, GatewayMock:
	default:
		return GatewayConfig{}, fmt.Errorf("unsupported payment gateway %q", cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg, nil
}
