package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Ledger is the durable store of purchases. Every mutation only moves a
// purchase forward: PENDING -> COMPLETED | FAILED.
type Ledger interface {
	// Create opens a PENDING purchase. It fails with ErrDuplicatePurchase when
	// the user already holds a COMPLETED purchase of the resource.
	Create(ctx context.Context, input CreateInput) (*Purchase, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Purchase, error)
	FindByGatewayReference(ctx context.Context, ref string) (*Purchase, error)
	// AttachGatewayReference sets the reference once. A second call fails with
	// ErrAlreadyAttached.
	AttachGatewayReference(ctx context.Context, id snowflake.ID, ref string) error
	// TransitionTerminal applies the transition only when the purchase is still
	// PENDING. An already terminal purchase yields applied=false and no error.
	TransitionTerminal(ctx context.Context, input TransitionInput) (bool, error)
	HasCompleted(ctx context.Context, userID, resourceID string) (bool, error)
	// ListPendingWithReference returns PENDING purchases with a gateway
	// reference created before olderThan. Never-polled purchases come first,
	// then the least recently polled, then the oldest.
	ListPendingWithReference(ctx context.Context, olderThan time.Time, limit int) ([]*Purchase, error)
	// MarkPolled stamps the poll time on purchases that are still PENDING.
	MarkPolled(ctx context.Context, ids []snowflake.ID, at time.Time) error
}

// ValidateTransition checks the shape of a terminal transition.
func ValidateTransition(input TransitionInput) error {
	switch input.Status {
	case StatusCompleted:
		if input.Fulfillment == nil || input.Fulfillment.DownloadURL == "" || input.Fulfillment.ExpiresAt.IsZero() {
			return ErrInvalidTransition
		}
	case StatusFailed:
		if input.Fulfillment != nil {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidTransition
	}
	if input.PurchaseID == 0 {
		return ErrInvalidTransition
	}
	return nil
}
