package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
)

var (
	// ErrLedgerUnavailable is the only reconciliation error surfaced to the
	// gateway; everything else is acknowledged and routed to diagnostics.
	ErrLedgerUnavailable      = errors.New("ledger_unavailable")
	ErrUnresolvedNotification = errors.New("unresolved_notification")
)

const (
	ChannelCallback = "callback"
	ChannelError    = "error"
	ChannelPoller   = "poller"
)

type Action string

const (
	ActionCompleted           Action = "completed"
	ActionFailed              Action = "failed"
	ActionPending             Action = "pending"
	ActionNoop                Action = "noop"
	ActionUnresolved          Action = "unresolved"
	ActionVerificationFailed  Action = "verification_failed"
	ActionDuplicateCompletion Action = "duplicate_completion"
)

// SuccessNotification is what the gateway posts on the success path. The
// claimed status is recorded but never trusted.
type SuccessNotification struct {
	GatewayReference string
	CorrelationToken string
	ClaimedStatus    string
	Payload          map[string]any
}

type ErrorNotification struct {
	GatewayReference string
	CorrelationToken string
	Reason           string
	Payload          map[string]any
}

type Outcome struct {
	PurchaseID *snowflake.ID
	Status     purchasedomain.Status
	Action     Action
	// Applied is true only for the call that moved the purchase out of PENDING.
	Applied bool
}

type Service interface {
	HandleSuccessNotification(ctx context.Context, n SuccessNotification) (*Outcome, error)
	HandleErrorNotification(ctx context.Context, n ErrorNotification) (*Outcome, error)
	// VerifyPurchase runs the success-path logic for a purchase already in hand.
	VerifyPurchase(ctx context.Context, purchase *purchasedomain.Purchase) (*Outcome, error)
}
