package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/audit/masking"
	"github.com/smallbiznis/payflow/internal/clock"
	obsctx "github.com/smallbiznis/payflow/internal/observability/context"
	"github.com/smallbiznis/payflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, input domain.RecordInput) error {
	if !input.Kind.Valid() {
		return domain.ErrInvalidKind
	}
	severity := input.Severity
	if severity == "" {
		severity = domain.SeverityWarning
	}

	payload := map[string]any{}
	for key, value := range masking.MaskJSON(input.Metadata) {
		payload[key] = value
	}
	if requestID := obsctx.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if actorType, actorID := obsctx.ActorFromContext(ctx); actorType != "" {
		payload["actor_type"] = actorType
		if actorID != "" {
			payload["actor_id"] = actorID
		}
	}
	metadata, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	entry := domain.Diagnostic{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:       input.Kind,
		Severity:   severity,
		PurchaseID: input.PurchaseID,
		Message:    strings.TrimSpace(input.Message),
		Metadata:   datatypes.JSON(metadata),
		CreatedAt:  now,
	}
	if ref := strings.TrimSpace(input.GatewayReference); ref != "" {
		entry.GatewayReference = &ref
	}

	fields := []zap.Field{
		zap.String("diagnostic_id", entry.ID),
		zap.String("kind", string(entry.Kind)),
		zap.String("message", entry.Message),
	}
	if entry.PurchaseID != nil {
		fields = append(fields, zap.String("purchase_id", entry.PurchaseID.String()))
	}
	if entry.GatewayReference != nil {
		fields = append(fields, zap.String("gateway_reference", *entry.GatewayReference))
	}
	switch severity {
	case domain.SeverityError:
		s.log.Error("diagnostic recorded", fields...)
	case domain.SeverityInfo:
		s.log.Info("diagnostic recorded", fields...)
	default:
		s.log.Warn("diagnostic recorded", fields...)
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Error("failed to write diagnostic", zap.String("kind", string(entry.Kind)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	kind := domain.Kind(strings.TrimSpace(req.Kind))
	if kind != "" && !kind.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidKind
	}

	var after string
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		if _, err := ulid.ParseStrict(cursor.ID); err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		after = cursor.ID
	}

	pageSize := pagination.ClampPageSize(req.PageSize, defaultPageSize, maxPageSize)
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Kind:  kind,
		After: after,
		Limit: pageSize,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *domain.Diagnostic) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID,
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})

	out := make([]domain.Diagnostic, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, *item)
	}
	return domain.ListResponse{PageInfo: pageInfo, Diagnostics: out}, nil
}
