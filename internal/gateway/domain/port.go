package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "Paid"
	StatusFailed  PaymentStatus = "Failed"
	StatusPending PaymentStatus = "Pending"
)

// Credentials is the per-call snapshot of gateway endpoint and key.
type Credentials struct {
	BaseURL string
	APIKey  string
}

type InitiateRequest struct {
	// CorrelationID is the internal purchase id; the gateway echoes it back.
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	ResourceID    string
	ItemName      string
	PaymentMethod string
	CallbackURL   string
	ErrorURL      string
	Language      string
}

type InitiateResult struct {
	Success          bool
	GatewayReference string
	RedirectURL      string
	Message          string
}

type StatusResult struct {
	Status PaymentStatus
	Raw    json.RawMessage
}

//go:generate mockgen -source=port.go -destination=./mocks/mock_port.go -package=mocks

// Port is what the purchase and reconciliation services consume.
type Port interface {
	Provider() string
	InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, gatewayReference string) (*StatusResult, error)
}

// Adapter is one concrete gateway. Credentials are passed on every call.
type Adapter interface {
	InitiatePayment(ctx context.Context, creds Credentials, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, creds Credentials, gatewayReference string) (*StatusResult, error)
	Ping(ctx context.Context, creds Credentials) error
}

type AdapterConfig struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	MockOutcome string
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// CredentialResolver yields a fresh snapshot each time it is called.
type CredentialResolver interface {
	ResolveGateway(ctx context.Context) (Credentials, error)
}
