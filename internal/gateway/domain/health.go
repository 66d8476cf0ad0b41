package domain

import "context"

// HealthChecker proves the configured gateway accepts the current credentials.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
