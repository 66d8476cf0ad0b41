package scheduler

import (
	"errors"
	"time"

	"github.com/smallbiznis/payflow/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls the pending-purchase poller.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// MinAge is used only when no payment policy is wired.
	MinAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  2 * time.Minute,
		MinAge:      2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MinAge <= 0 {
		c.MinAge = defaults.MinAge
	}
	return c
}

// ProvideConfig prefers explicit SCHEDULER_* settings over the payment policy.
func ProvideConfig(cfg config.Config, policy *config.PolicyHolder) Config {
	out := Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		JobTimeout:  cfg.Scheduler.JobTimeout,
	}
	if policy != nil {
		current := policy.Get()
		if out.RunInterval <= 0 {
			out.RunInterval = current.PollInterval
		}
		out.MinAge = current.PollMinAge
	}
	return out.withDefaults()
}
