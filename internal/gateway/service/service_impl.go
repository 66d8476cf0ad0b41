package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/gateway/adapters"
	"github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opInitiate    = "initiate"
	opQueryStatus = "query_status"
	opPing        = "ping"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.GatewayConfig
	Registry *adapters.Registry
	Resolver domain.CredentialResolver `optional:"true"`
	Metrics  *metrics.Metrics          `optional:"true"`
}

// Service is the Port the purchase and reconciliation services use. It owns
// one adapter and resolves credentials on every call.
type Service struct {
	log      *zap.Logger
	provider string
	adapter  domain.Adapter
	resolver domain.CredentialResolver
	fallback domain.Credentials
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewService(p Params) (*Service, error) {
	timeout := p.Cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	adapter, err := p.Registry.NewAdapter(p.Cfg.Provider, domain.AdapterConfig{
		Timeout:     timeout,
		MockOutcome: p.Cfg.MockOutcome,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway %q: %w", p.Cfg.Provider, err)
	}

	svc := &Service{
		log:      p.Log.Named("gateway." + p.Cfg.Provider),
		provider: p.Cfg.Provider,
		adapter:  adapter,
		resolver: p.Resolver,
		fallback: domain.Credentials{BaseURL: p.Cfg.BaseURL, APIKey: p.Cfg.APIKey},
		timeout:  timeout,
		metrics:  p.Metrics,
		tracer:   otel.Tracer("payflow/gateway"),
	}
	svc.log.Info("payment gateway configured",
		zap.String("base_url", p.Cfg.BaseURL),
		zap.Duration("timeout", timeout),
	)
	return svc, nil
}

func (s *Service) Provider() string {
	return s.provider
}

func (s *Service) InitiatePayment(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.InitiatePayment", trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("gateway.provider", s.provider),
			attribute.String("purchase.id", req.CorrelationID),
		)...,
	))
	defer span.End()

	creds, err := s.credentials(ctx)
	if err != nil {
		s.finish(ctx, span, opInitiate, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.adapter.InitiatePayment(callCtx, creds, req)
	err = normalizeError(callCtx, err)
	if err == nil && res != nil && !res.Success {
		s.finish(ctx, span, opInitiate, domain.ErrGatewayRejected)
		s.log.Warn("gateway rejected payment initiation",
			zap.String("purchase_id", req.CorrelationID),
			zap.String("message", res.Message),
		)
		return res, nil
	}
	s.finish(ctx, span, opInitiate, err)
	if err != nil {
		s.log.Warn("gateway initiation failed",
			zap.String("purchase_id", req.CorrelationID),
			zap.Error(err),
		)
		return nil, err
	}
	if res == nil {
		return nil, domain.ErrInvalidResponse
	}
	return res, nil
}

func (s *Service) QueryStatus(ctx context.Context, gatewayReference string) (*domain.StatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.QueryStatus", trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("gateway.provider", s.provider),
			attribute.String("gateway.reference", gatewayReference),
		)...,
	))
	defer span.End()

	creds, err := s.credentials(ctx)
	if err != nil {
		s.finish(ctx, span, opQueryStatus, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.adapter.QueryStatus(callCtx, creds, gatewayReference)
	err = normalizeError(callCtx, err)
	if err == nil && res == nil {
		err = domain.ErrInvalidResponse
	}
	s.finish(ctx, span, opQueryStatus, err)
	if err != nil {
		s.log.Warn("gateway status enquiry failed",
			zap.String("gateway_reference", gatewayReference),
			zap.Error(err),
		)
		return nil, err
	}
	span.SetAttributes(attribute.String("gateway.status", string(res.Status)))
	return res, nil
}

func (s *Service) Ping(ctx context.Context) error {
	creds, err := s.credentials(ctx)
	if err != nil {
		s.finish(ctx, nil, opPing, err)
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = normalizeError(callCtx, s.adapter.Ping(callCtx, creds))
	s.finish(ctx, nil, opPing, err)
	return err
}

// credentials takes an immutable snapshot for the duration of one call.
func (s *Service) credentials(ctx context.Context) (domain.Credentials, error) {
	creds := s.fallback
	if s.resolver != nil {
		resolved, err := s.resolver.ResolveGateway(ctx)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("resolve gateway credentials: %w", err)
		}
		creds = resolved
	}
	creds.BaseURL = strings.TrimSpace(creds.BaseURL)
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	return creds, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, operation string, err error) {
	outcome := outcomeFor(err)
	s.metrics.RecordGatewayCall(ctx, s.provider, operation, outcome)
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("gateway.outcome", outcome))
	if safe := tracing.SafeError(err); safe != nil {
		span.SetStatus(codes.Error, safe.Error())
	}
}

func normalizeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrGatewayTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	return err
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, domain.ErrMissingCredentials):
		return "missing_credentials"
	default:
		return "error"
	}
}
