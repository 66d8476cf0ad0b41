package guard

import (
	"errors"
	"strings"
	"time"

	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
)

var (
	ErrPurchaseNotPending = errors.New("purchase_not_pending")
	ErrMissingReference   = errors.New("purchase_missing_gateway_reference")
	ErrPurchaseTooRecent  = errors.New("purchase_too_recent")
)

// EnsurePurchaseCanBePolled keeps the poller away from purchases the
// callback path is still expected to settle.
func EnsurePurchaseCanBePolled(status purchasedomain.Status, reference string, createdAt, now time.Time, minAge time.Duration) error {
	if status != purchasedomain.StatusPending {
		return ErrPurchaseNotPending
	}
	if strings.TrimSpace(reference) == "" {
		return ErrMissingReference
	}
	if now.Sub(createdAt) < minAge {
		return ErrPurchaseTooRecent
	}
	return nil
}
