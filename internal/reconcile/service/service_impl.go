package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	"github.com/smallbiznis/payflow/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type purchaseLocker interface {
	Acquire(ctx context.Context, purchaseID string) (func(), bool)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Policy    *config.PolicyHolder
	Ledger    purchasedomain.Ledger
	Gateway   gatewaydomain.Port
	Publisher fulfillment.Publisher   `optional:"true"`
	AuditSvc  auditdomain.Service     `optional:"true"`
	Lock      *ratelimit.PurchaseLock `optional:"true"`
	Metrics   *metrics.Metrics        `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	policy    *config.PolicyHolder
	ledger    purchasedomain.Ledger
	gateway   gatewaydomain.Port
	publisher fulfillment.Publisher
	auditSvc  auditdomain.Service
	lock      purchaseLocker
	metrics   *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:       p.Log.Named("reconcile.service"),
		clock:     p.Clock,
		policy:    p.Policy,
		ledger:    p.Ledger,
		gateway:   p.Gateway,
		publisher: p.Publisher,
		auditSvc:  p.AuditSvc,
		lock:      p.Lock,
		metrics:   p.Metrics,
	}
}

func (s *Service) HandleSuccessNotification(ctx context.Context, n domain.SuccessNotification) (*domain.Outcome, error) {
	out, err := s.handleSuccess(ctx, n)
	s.recordMetric(ctx, domain.ChannelCallback, out, err)
	return out, err
}

func (s *Service) handleSuccess(ctx context.Context, n domain.SuccessNotification) (*domain.Outcome, error) {
	ref := strings.TrimSpace(n.GatewayReference)
	token := strings.TrimSpace(n.CorrelationToken)

	purchase, err := s.locate(ctx, ref, token)
	if err != nil {
		if errors.Is(err, domain.ErrUnresolvedNotification) {
			s.unresolved(ctx, domain.ChannelCallback, ref, token, n.Payload)
			return &domain.Outcome{Action: domain.ActionUnresolved}, nil
		}
		return nil, err
	}

	s.log.Info("payment notification received",
		zap.String("purchase_id", purchase.ID.String()),
		zap.String("gateway_reference", purchase.Reference()),
		zap.String("claimed_status", strings.TrimSpace(n.ClaimedStatus)),
	)
	return s.verify(ctx, purchase, domain.ChannelCallback)
}

func (s *Service) HandleErrorNotification(ctx context.Context, n domain.ErrorNotification) (*domain.Outcome, error) {
	out, err := s.handleError(ctx, n)
	s.recordMetric(ctx, domain.ChannelError, out, err)
	return out, err
}

// handleError trusts a declared failure: no verification round-trip.
func (s *Service) handleError(ctx context.Context, n domain.ErrorNotification) (*domain.Outcome, error) {
	ref := strings.TrimSpace(n.GatewayReference)
	token := strings.TrimSpace(n.CorrelationToken)

	purchase, err := s.locate(ctx, ref, token)
	if err != nil {
		if errors.Is(err, domain.ErrUnresolvedNotification) {
			s.unresolved(ctx, domain.ChannelError, ref, token, n.Payload)
			return &domain.Outcome{Action: domain.ActionUnresolved}, nil
		}
		return nil, err
	}

	reason := strings.TrimSpace(n.Reason)
	if reason == "" {
		reason = purchasedomain.ReasonPaymentFailed
	}
	s.log.Info("payment error notification received",
		zap.String("purchase_id", purchase.ID.String()),
		zap.String("gateway_reference", purchase.Reference()),
		zap.String("reason", reason),
	)
	return s.fail(ctx, purchase.ID, reason)
}

func (s *Service) VerifyPurchase(ctx context.Context, purchase *purchasedomain.Purchase) (*domain.Outcome, error) {
	if purchase == nil {
		return nil, fmt.Errorf("%w: nil purchase", purchasedomain.ErrInvalidRequest)
	}
	out, err := s.verify(ctx, purchase, domain.ChannelPoller)
	s.recordMetric(ctx, domain.ChannelPoller, out, err)
	return out, err
}

// verify asks the gateway for the settled status and applies it. The claimed
// status of a notification never reaches this point.
func (s *Service) verify(ctx context.Context, purchase *purchasedomain.Purchase, channel string) (*domain.Outcome, error) {
	release, _ := s.lock.Acquire(ctx, purchase.ID.String())
	defer release()

	current, err := s.ledger.FindByID(ctx, purchase.ID)
	if err != nil {
		return nil, ledgerErr(err)
	}
	if current.Status.Terminal() {
		return settledOutcome(current), nil
	}

	id := current.ID
	log := s.log.With(zap.String("purchase_id", id.String()), zap.String("channel", channel))

	ref := current.Reference()
	if ref == "" {
		s.verificationFailed(ctx, current, channel, errors.New("purchase has no gateway reference"))
		return &domain.Outcome{PurchaseID: &id, Status: current.Status, Action: domain.ActionVerificationFailed}, nil
	}

	result, err := s.gateway.QueryStatus(ctx, ref)
	if err != nil {
		s.verificationFailed(ctx, current, channel, err)
		return &domain.Outcome{PurchaseID: &id, Status: current.Status, Action: domain.ActionVerificationFailed}, nil
	}

	switch result.Status {
	case gatewaydomain.StatusPaid:
		return s.complete(ctx, current)
	case gatewaydomain.StatusFailed:
		return s.fail(ctx, id, purchasedomain.ReasonPaymentFailed)
	default:
		log.Info("payment still pending at gateway", zap.String("gateway_reference", ref))
		return &domain.Outcome{PurchaseID: &id, Status: purchasedomain.StatusPending, Action: domain.ActionPending}, nil
	}
}

func (s *Service) complete(ctx context.Context, purchase *purchasedomain.Purchase) (*domain.Outcome, error) {
	policy := s.policy.Get()
	grant := &purchasedomain.Fulfillment{
		DownloadURL: policy.DownloadURL(purchase.ResourceID),
		ExpiresAt:   s.clock.Now().UTC().Add(policy.FulfillmentWindow),
	}

	id := purchase.ID
	applied, err := s.ledger.TransitionTerminal(ctx, purchasedomain.TransitionInput{
		PurchaseID:  id,
		Status:      purchasedomain.StatusCompleted,
		Fulfillment: grant,
	})
	if errors.Is(err, purchasedomain.ErrDuplicateCompletion) {
		return s.duplicateCompletion(ctx, purchase)
	}
	if err != nil {
		return nil, ledgerErr(err)
	}
	if !applied {
		return s.settled(ctx, id)
	}

	s.log.Info("purchase completed",
		zap.String("purchase_id", id.String()),
		zap.String("user_id", purchase.UserID),
		zap.String("resource_id", purchase.ResourceID),
		zap.Time("download_expires_at", grant.ExpiresAt),
	)
	s.publish(ctx, fulfillment.Signal{
		PurchaseID:  id,
		UserID:      purchase.UserID,
		ResourceID:  purchase.ResourceID,
		DownloadURL: grant.DownloadURL,
		ExpiresAt:   grant.ExpiresAt,
	})
	return &domain.Outcome{PurchaseID: &id, Status: purchasedomain.StatusCompleted, Action: domain.ActionCompleted, Applied: true}, nil
}

func (s *Service) fail(ctx context.Context, id snowflake.ID, reason string) (*domain.Outcome, error) {
	applied, err := s.ledger.TransitionTerminal(ctx, purchasedomain.TransitionInput{
		PurchaseID: id,
		Status:     purchasedomain.StatusFailed,
		Reason:     reason,
	})
	if err != nil {
		return nil, ledgerErr(err)
	}
	if !applied {
		return s.settled(ctx, id)
	}

	s.log.Info("purchase failed", zap.String("purchase_id", id.String()), zap.String("reason", reason))
	return &domain.Outcome{PurchaseID: &id, Status: purchasedomain.StatusFailed, Action: domain.ActionFailed, Applied: true}, nil
}

// duplicateCompletion closes a paid purchase whose pair already holds a
// COMPLETED purchase. The payment has to be refunded by an operator.
func (s *Service) duplicateCompletion(ctx context.Context, purchase *purchasedomain.Purchase) (*domain.Outcome, error) {
	id := purchase.ID
	s.log.Error("paid purchase duplicates a completed one",
		zap.String("purchase_id", id.String()),
		zap.String("user_id", purchase.UserID),
		zap.String("resource_id", purchase.ResourceID),
	)

	applied, err := s.ledger.TransitionTerminal(ctx, purchasedomain.TransitionInput{
		PurchaseID: id,
		Status:     purchasedomain.StatusFailed,
		Reason:     purchasedomain.ReasonDuplicateCompleted,
	})
	if err != nil {
		return nil, ledgerErr(err)
	}
	if !applied {
		return s.settled(ctx, id)
	}

	s.diagnose(ctx, auditdomain.RecordInput{
		Kind:             auditdomain.KindDuplicateCompletion,
		Severity:         auditdomain.SeverityError,
		PurchaseID:       &id,
		GatewayReference: purchase.Reference(),
		Message:          "paid purchase duplicates a completed purchase, refund required",
		Metadata: map[string]any{
			"user_id":     purchase.UserID,
			"resource_id": purchase.ResourceID,
		},
	})
	return &domain.Outcome{PurchaseID: &id, Status: purchasedomain.StatusFailed, Action: domain.ActionDuplicateCompletion, Applied: true}, nil
}

func (s *Service) settled(ctx context.Context, id snowflake.ID) (*domain.Outcome, error) {
	current, err := s.ledger.FindByID(ctx, id)
	if err != nil {
		return nil, ledgerErr(err)
	}
	return settledOutcome(current), nil
}

func settledOutcome(p *purchasedomain.Purchase) *domain.Outcome {
	id := p.ID
	return &domain.Outcome{PurchaseID: &id, Status: p.Status, Action: domain.ActionNoop}
}

// locate finds the purchase by gateway reference. The correlation token is
// used only when the notification carries no reference at all.
func (s *Service) locate(ctx context.Context, ref, token string) (*purchasedomain.Purchase, error) {
	var (
		purchase *purchasedomain.Purchase
		err      error
	)
	switch {
	case ref != "":
		purchase, err = s.ledger.FindByGatewayReference(ctx, ref)
	case token != "":
		id, parseErr := snowflake.ParseString(token)
		if parseErr != nil {
			return nil, domain.ErrUnresolvedNotification
		}
		purchase, err = s.ledger.FindByID(ctx, id)
	default:
		return nil, domain.ErrUnresolvedNotification
	}
	if err != nil {
		if errors.Is(err, purchasedomain.ErrNotFound) {
			return nil, domain.ErrUnresolvedNotification
		}
		return nil, ledgerErr(err)
	}
	return purchase, nil
}

func (s *Service) unresolved(ctx context.Context, channel, ref, token string, payload map[string]any) {
	s.log.Warn("unresolved payment notification",
		zap.String("channel", channel),
		zap.String("gateway_reference", ref),
		zap.String("correlation_token", token),
	)
	s.diagnose(ctx, auditdomain.RecordInput{
		Kind:             auditdomain.KindUnresolvedNotification,
		Severity:         auditdomain.SeverityWarning,
		GatewayReference: ref,
		Message:          "notification does not match any purchase",
		Metadata: map[string]any{
			"channel":           channel,
			"correlation_token": token,
			"payload":           payload,
		},
	})
}

func (s *Service) verificationFailed(ctx context.Context, purchase *purchasedomain.Purchase, channel string, cause error) {
	id := purchase.ID
	s.log.Warn("payment verification failed",
		zap.String("purchase_id", id.String()),
		zap.String("channel", channel),
		zap.Error(cause),
	)
	s.diagnose(ctx, auditdomain.RecordInput{
		Kind:             auditdomain.KindVerificationFailed,
		Severity:         auditdomain.SeverityWarning,
		PurchaseID:       &id,
		GatewayReference: purchase.Reference(),
		Message:          "gateway status enquiry failed, purchase left pending",
		Metadata: map[string]any{
			"channel":  channel,
			"error":    cause.Error(),
			"provider": s.gateway.Provider(),
		},
	})
}

func (s *Service) diagnose(ctx context.Context, input auditdomain.RecordInput) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, input); err != nil {
		s.log.Error("failed to record diagnostic", zap.String("kind", string(input.Kind)), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, signal fulfillment.Signal) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, signal); err != nil {
		s.log.Warn("fulfillment delivery failed",
			zap.String("purchase_id", signal.PurchaseID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) recordMetric(ctx context.Context, channel string, out *domain.Outcome, err error) {
	outcome := "error"
	if err == nil && out != nil {
		outcome = string(out.Action)
	}
	s.metrics.RecordNotification(ctx, channel, outcome)
}

func ledgerErr(err error) error {
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}
