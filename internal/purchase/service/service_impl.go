package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/payflow/internal/catalog/domain"
	"github.com/smallbiznis/payflow/internal/config"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	CallbackPath = "/payments/callback"
	ErrorPath    = "/payments/error"

	// ledgerWriteTimeout bounds the writes that follow the gateway call. They
	// run detached from the caller so a dropped client cannot strand a
	// purchase the gateway already knows about.
	ledgerWriteTimeout = 10 * time.Second
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Policy   *config.PolicyHolder
	Ledger   domain.Ledger
	Gateway  gatewaydomain.Port
	Catalog  catalogdomain.Repository
	Identity identitydomain.Service
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *metrics.Metrics    `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	baseURL  string
	policy   *config.PolicyHolder
	ledger   domain.Ledger
	gateway  gatewaydomain.Port
	catalog  catalogdomain.Repository
	identity identitydomain.Service
	auditSvc auditdomain.Service
	metrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("purchase.service"),
		baseURL:  strings.TrimRight(p.Cfg.PublicBaseURL, "/"),
		policy:   p.Policy,
		ledger:   p.Ledger,
		gateway:  p.Gateway,
		catalog:  p.Catalog,
		identity: p.Identity,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) RequestPurchase(ctx context.Context, input domain.RequestPurchaseInput) (*domain.RequestPurchaseResult, error) {
	res, err := s.requestPurchase(ctx, input)
	s.metrics.RecordPurchaseRequest(ctx, outcomeFor(err))
	return res, err
}

func (s *Service) requestPurchase(ctx context.Context, input domain.RequestPurchaseInput) (*domain.RequestPurchaseResult, error) {
	userID := strings.TrimSpace(input.UserID)
	resourceID := strings.TrimSpace(input.ResourceID)
	method := strings.TrimSpace(input.PaymentMethod)
	if userID == "" || resourceID == "" || method == "" {
		return nil, fmt.Errorf("%w: resourceId, amount and paymentMethod are required", domain.ErrInvalidRequest)
	}
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", domain.ErrInvalidRequest)
	}

	user, err := s.identity.ActiveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, identitydomain.ErrUserNotFound) || errors.Is(err, identitydomain.ErrUserInactive) {
			return nil, fmt.Errorf("%w: user not found or inactive", domain.ErrInvalidRequest)
		}
		return nil, err
	}

	resource, err := s.catalog.FindResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrResourceNotFound) {
			return nil, fmt.Errorf("%w: resource not found", domain.ErrInvalidRequest)
		}
		return nil, err
	}
	if !resource.IsPublished {
		return nil, fmt.Errorf("%w: resource not available", domain.ErrInvalidRequest)
	}
	if resource.IsFree {
		return nil, fmt.Errorf("%w: cannot purchase free resources", domain.ErrInvalidRequest)
	}

	policy := s.policy.Get()
	if input.Amount.Sub(resource.Price).Abs().GreaterThan(policy.Tolerance()) {
		return nil, fmt.Errorf("%w: invalid amount", domain.ErrInvalidRequest)
	}

	completed, err := s.ledger.HasCompleted(ctx, user.ID, resource.ID)
	if err != nil {
		return nil, err
	}
	if completed {
		return nil, domain.ErrDuplicatePurchase
	}

	purchase, err := s.ledger.Create(ctx, domain.CreateInput{
		UserID:        user.ID,
		ResourceID:    resource.ID,
		Amount:        input.Amount,
		Currency:      policy.Currency,
		PaymentMethod: method,
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With(
		zap.String("purchase_id", purchase.ID.String()),
		zap.String("resource_id", resource.ID),
		zap.String("user_id", user.ID),
	)

	result, err := s.gateway.InitiatePayment(ctx, gatewaydomain.InitiateRequest{
		CorrelationID: purchase.ID.String(),
		Amount:        purchase.Amount,
		Currency:      purchase.Currency,
		CustomerID:    user.ID,
		CustomerName:  user.DisplayName(),
		CustomerEmail: user.Email,
		ResourceID:    resource.ID,
		ItemName:      resource.Title,
		PaymentMethod: method,
		CallbackURL:   s.notificationURL(CallbackPath, purchase.ID),
		ErrorURL:      s.notificationURL(ErrorPath, purchase.ID),
		Language:      "en",
	})
	if err == nil && (result == nil || !result.Success || strings.TrimSpace(result.GatewayReference) == "") {
		message := "gateway did not accept the payment"
		if result != nil && result.Message != "" {
			message = result.Message
		}
		err = errors.New(message)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if err != nil {
		s.failInitiation(writeCtx, log, purchase, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayError, err)
	}

	ref := strings.TrimSpace(result.GatewayReference)
	if err := s.ledger.AttachGatewayReference(writeCtx, purchase.ID, ref); err != nil {
		log.Error("failed to attach gateway reference", zap.String("gateway_reference", ref), zap.Error(err))
		s.diagnose(writeCtx, log, auditdomain.RecordInput{
			Kind:             auditdomain.KindGatewayError,
			Severity:         auditdomain.SeverityError,
			PurchaseID:       &purchase.ID,
			GatewayReference: ref,
			Message:          "gateway reference could not be attached",
			Metadata: map[string]any{
				"error":    err.Error(),
				"provider": s.gateway.Provider(),
			},
		})
		return nil, err
	}

	log.Info("payment initiated", zap.String("gateway_reference", ref))
	return &domain.RequestPurchaseResult{
		PurchaseID:       purchase.ID,
		RedirectURL:      result.RedirectURL,
		GatewayReference: ref,
	}, nil
}

func (s *Service) GetPurchase(ctx context.Context, userID string, id snowflake.ID) (*domain.Purchase, error) {
	purchase, err := s.ledger.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchase.UserID != strings.TrimSpace(userID) {
		return nil, domain.ErrNotFound
	}
	return purchase, nil
}

// failInitiation closes the purchase synchronously; initiation failures
// never wait for a callback.
func (s *Service) failInitiation(ctx context.Context, log *zap.Logger, purchase *domain.Purchase, cause error) {
	log.Warn("payment initiation failed", zap.Error(cause))

	applied, err := s.ledger.TransitionTerminal(ctx, domain.TransitionInput{
		PurchaseID: purchase.ID,
		Status:     domain.StatusFailed,
		Reason:     domain.ReasonInitiationFailed,
	})
	if err != nil {
		log.Error("failed to mark purchase failed after initiation error", zap.Error(err))
	} else if !applied {
		log.Warn("purchase was already terminal when initiation failed")
	}

	id := purchase.ID
	s.diagnose(ctx, log, auditdomain.RecordInput{
		Kind:       auditdomain.KindGatewayError,
		Severity:   auditdomain.SeverityWarning,
		PurchaseID: &id,
		Message:    "payment initiation failed",
		Metadata: map[string]any{
			"error":    cause.Error(),
			"provider": s.gateway.Provider(),
		},
	})
}

func (s *Service) diagnose(ctx context.Context, log *zap.Logger, input auditdomain.RecordInput) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, input); err != nil {
		log.Error("failed to record diagnostic", zap.String("kind", string(input.Kind)), zap.Error(err))
	}
}

func (s *Service) notificationURL(path string, id snowflake.ID) string {
	q := url.Values{}
	q.Set("purchaseId", id.String())
	return s.baseURL + path + "?" + q.Encode()
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "initiated"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrDuplicatePurchase):
		return "duplicate"
	case errors.Is(err, domain.ErrGatewayError):
		return "gateway_error"
	default:
		return "error"
	}
}
