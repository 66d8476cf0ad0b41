package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	ReasonInitiationFailed   = "initiation failed"
	ReasonPaymentFailed      = "payment failed"
	ReasonDuplicateCompleted = "duplicate purchase: refund required"
)

// Fulfillment is granted exactly once, on the transition into COMPLETED.
type Fulfillment struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Purchase is one buy attempt and its lifecycle. UserID and ResourceID refer
// to the user directory and resource catalog.
type Purchase struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID           string          `json:"user_id" gorm:"type:text;not null"`
	ResourceID       string          `json:"resource_id" gorm:"type:text;not null"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Currency         string          `json:"currency" gorm:"type:text;not null"`
	PaymentMethod    string          `json:"payment_method" gorm:"type:text;not null"`
	GatewayReference *string         `json:"gateway_reference,omitempty"`
	Status           Status          `json:"status" gorm:"type:text;not null"`
	Fulfillment      *Fulfillment    `json:"fulfillment,omitempty" gorm:"-"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

// Reference returns the gateway reference or an empty string.
func (p *Purchase) Reference() string {
	if p == nil || p.GatewayReference == nil {
		return ""
	}
	return *p.GatewayReference
}

type CreateInput struct {
	UserID        string
	ResourceID    string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
}

type TransitionInput struct {
	PurchaseID  snowflake.ID
	Status      Status
	Fulfillment *Fulfillment
	Reason      string
}

type RequestPurchaseInput struct {
	UserID        string
	ResourceID    string
	Amount        decimal.Decimal
	PaymentMethod string
}

type RequestPurchaseResult struct {
	PurchaseID       snowflake.ID
	RedirectURL      string
	GatewayReference string
}
