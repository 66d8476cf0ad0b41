package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymentPolicy holds the business knobs of the purchase flow.
type PaymentPolicy struct {
	Currency            string        `mapstructure:"currency"`
	PriceTolerance      float64       `mapstructure:"priceTolerance"`
	FulfillmentWindow   time.Duration `mapstructure:"fulfillmentWindow"`
	DownloadURLTemplate string        `mapstructure:"downloadUrlTemplate"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	PollMinAge          time.Duration `mapstructure:"pollMinAge"`
}

func DefaultPaymentPolicy() PaymentPolicy {
	return PaymentPolicy{
		Currency:            "SAR",
		PriceTolerance:      0.01,
		FulfillmentWindow:   30 * 24 * time.Hour,
		DownloadURLTemplate: "/api/resources/{resourceId}/download",
		PollInterval:        time.Minute,
		PollMinAge:          2 * time.Minute,
	}
}

func (p PaymentPolicy) Tolerance() decimal.Decimal {
	return decimal.NewFromFloat(p.PriceTolerance)
}

func (p PaymentPolicy) DownloadURL(resourceID string) string {
	return strings.ReplaceAll(p.DownloadURLTemplate, "{resourceId}", resourceID)
}

type PolicyHolder struct {
	current atomic.Value // holds PaymentPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p PaymentPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()

	if cfg.PaymentPolicyFile != "" {
		v.SetConfigFile(cfg.PaymentPolicyFile)
	} else {
		v.SetConfigName("payment")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/payflow")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPaymentPolicy()
	v.SetDefault("payment.currency", defaults.Currency)
	v.SetDefault("payment.priceTolerance", defaults.PriceTolerance)
	v.SetDefault("payment.fulfillmentWindow", defaults.FulfillmentWindow)
	v.SetDefault("payment.downloadUrlTemplate", defaults.DownloadURLTemplate)
	v.SetDefault("payment.pollInterval", defaults.PollInterval)
	v.SetDefault("payment.pollMinAge", defaults.PollMinAge)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	var policy PaymentPolicy
	if err := v.UnmarshalKey("payment", &policy); err != nil {
		return nil, err
	}
	if err := validatePaymentPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !watch {
		return holder, nil
	}

	log = log.Named("config.policy")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PaymentPolicy
		if err := v.UnmarshalKey("payment", &updated); err != nil {
			log.Warn("payment policy reload failed", zap.Error(err))
			return
		}
		if err := validatePaymentPolicy(updated); err != nil {
			log.Warn("invalid payment policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("payment policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() PaymentPolicy {
	return h.current.Load().(PaymentPolicy)
}

func validatePaymentPolicy(p PaymentPolicy) error {
	if strings.TrimSpace(p.Currency) == "" {
		return errors.New("payment.currency cannot be empty")
	}
	if p.PriceTolerance < 0 {
		return errors.New("payment.priceTolerance cannot be negative")
	}
	if p.FulfillmentWindow <= 0 {
		return errors.New("payment.fulfillmentWindow must be positive")
	}
	if !strings.Contains(p.DownloadURLTemplate, "{resourceId}") {
		return errors.New("payment.downloadUrlTemplate must contain {resourceId}")
	}
	if p.PollInterval <= 0 {
		return errors.New("payment.pollInterval must be positive")
	}
	return nil
}
