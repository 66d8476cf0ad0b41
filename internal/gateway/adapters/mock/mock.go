package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/smallbiznis/payflow/internal/gateway/domain"
)

const (
	Provider = "mock"

	OutcomePaid          = "paid"
	OutcomeFailed        = "failed"
	OutcomePending       = "pending"
	OutcomeInitiateError = "initiate_error"

	referencePrefix = "MOCK-"
	redirectBase    = "https://mock-gateway.local/pay/"
)

var referenceNamespace = uuid.MustParse("0b6c3a52-6f7e-4b8e-9a53-3d1f0c7d2a11")

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	adapter, err := NewAdapter(cfg.MockOutcome)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// Adapter simulates the gateway without network access. The configured
// outcome applies to every reference unless overridden with SetStatus.
type Adapter struct {
	outcome string

	mu        sync.Mutex
	overrides map[string]domain.PaymentStatus
}

func NewAdapter(outcome string) (*Adapter, error) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	if outcome == "" {
		outcome = OutcomePaid
	}
	switch outcome {
	case OutcomePaid, OutcomeFailed, OutcomePending, OutcomeInitiateError:
	default:
		return nil, fmt.Errorf("unknown mock gateway outcome %q", outcome)
	}
	return &Adapter{outcome: outcome, overrides: map[string]domain.PaymentStatus{}}, nil
}

// Reference derives the gateway reference the adapter assigns to a correlation id.
func Reference(correlationID string) string {
	return referencePrefix + uuid.NewSHA1(referenceNamespace, []byte(correlationID)).String()
}

// SetStatus pins the status QueryStatus reports for ref.
func (a *Adapter) SetStatus(ref string, status domain.PaymentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[ref] = status
}

func (a *Adapter) InitiatePayment(ctx context.Context, creds domain.Credentials, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	if a.outcome == OutcomeInitiateError {
		return nil, fmt.Errorf("%w: simulated initiation failure", domain.ErrGatewayUnavailable)
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ref := Reference(correlationID)
	return &domain.InitiateResult{
		Success:          true,
		GatewayReference: ref,
		RedirectURL:      redirectBase + ref,
		Message:          "mock invoice created",
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, creds domain.Credentials, gatewayReference string) (*domain.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	gatewayReference = strings.TrimSpace(gatewayReference)
	if gatewayReference == "" {
		return nil, domain.ErrInvalidReference
	}

	status := a.statusFor(gatewayReference)
	raw, err := json.Marshal(map[string]string{
		"InvoiceId":     gatewayReference,
		"InvoiceStatus": string(status),
	})
	if err != nil {
		return nil, err
	}
	return &domain.StatusResult{Status: status, Raw: raw}, nil
}

func (a *Adapter) Ping(ctx context.Context, creds domain.Credentials) error {
	return ctx.Err()
}

func (a *Adapter) statusFor(ref string) domain.PaymentStatus {
	a.mu.Lock()
	status, ok := a.overrides[ref]
	a.mu.Unlock()
	if ok {
		return status
	}
	switch a.outcome {
	case OutcomeFailed:
		return domain.StatusFailed
	case OutcomePending:
		return domain.StatusPending
	default:
		return domain.StatusPaid
	}
}
