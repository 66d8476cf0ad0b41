package service

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/audit/masking"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Cfg        config.Config
	GatewayCfg config.GatewayConfig
	AuditSvc   auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	sealer   *sealer
	env      map[string]string
	auditSvc auditdomain.Service
}

func NewService(p Params) (*Service, error) {
	s, err := newSealer(p.Cfg.SettingsEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("settings encryption key: %w", err)
	}
	log := p.Log.Named("settings.service")
	if s == nil {
		log.Warn("SETTINGS_ENCRYPTION_KEY is empty, secret settings cannot be stored")
	}

	return &Service{
		db:     p.DB,
		log:    log,
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		sealer: s,
		env: map[string]string{
			domain.KeyMyFatoorahAPIKey:  p.GatewayCfg.APIKey,
			domain.KeyMyFatoorahBaseURL: p.GatewayCfg.BaseURL,
		},
		auditSvc: p.AuditSvc,
	}, nil
}

func (s *Service) List(ctx context.Context) ([]domain.SettingView, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.SettingView, 0, len(items))
	for _, item := range items {
		view := domain.SettingView{
			Key:         item.Key,
			Value:       item.Value,
			IsSecret:    item.IsSecret,
			Category:    item.Category,
			Description: item.Description,
			UpdatedAt:   item.UpdatedAt,
		}
		if item.IsSecret && item.Value != nil && *item.Value != "" {
			masked := masking.Masked
			view.Value = &masked
		}
		resp = append(resp, view)
	}
	return resp, nil
}

func (s *Service) Upsert(ctx context.Context, items []domain.UpsertItem) error {
	if len(items) == 0 {
		return domain.ErrInvalidKey
	}

	normalized := make([]domain.UpsertItem, 0, len(items))
	for _, item := range items {
		key, err := normalizeKey(item.Key)
		if err != nil {
			return err
		}
		item.Key = key
		normalized = append(normalized, item)
	}

	changed := make(map[string]any, len(normalized))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range normalized {
			existing, err := s.repo.FindByKey(ctx, tx, item.Key)
			if err != nil {
				return err
			}

			setting, err := s.merge(existing, item)
			if err != nil {
				return fmt.Errorf("setting %s: %w", item.Key, err)
			}
			if err := s.repo.Upsert(ctx, tx, setting); err != nil {
				return err
			}
			changed[item.Key] = describeChange(item)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("integration settings updated", zap.Int("count", len(normalized)))
	if s.auditSvc != nil {
		_ = s.auditSvc.Record(ctx, auditdomain.RecordInput{
			Kind:     auditdomain.KindSettingsChanged,
			Severity: auditdomain.SeverityInfo,
			Message:  "integration settings updated",
			Metadata: map[string]any{"settings": changed},
		})
	}
	return nil
}

func (s *Service) Resolve(ctx context.Context, key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}

	fallback := s.envValue(key)
	setting, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		s.log.Warn("failed to read setting override, using environment value",
			zap.String("key", key),
			zap.Error(err),
		)
		return fallback, nil
	}
	if setting == nil || setting.Value == nil || strings.TrimSpace(*setting.Value) == "" {
		return fallback, nil
	}
	if !setting.IsSecret {
		return strings.TrimSpace(*setting.Value), nil
	}

	value, err := s.sealer.open(*setting.Value, key)
	if err != nil {
		s.log.Error("failed to decrypt setting override, using environment value",
			zap.String("key", key),
			zap.Error(err),
		)
		return fallback, nil
	}
	return strings.TrimSpace(value), nil
}

// ResolveGateway snapshots the gateway credentials for one call.
func (s *Service) ResolveGateway(ctx context.Context) (gatewaydomain.Credentials, error) {
	baseURL, err := s.Resolve(ctx, domain.KeyMyFatoorahBaseURL)
	if err != nil {
		return gatewaydomain.Credentials{}, err
	}
	apiKey, err := s.Resolve(ctx, domain.KeyMyFatoorahAPIKey)
	if err != nil {
		return gatewaydomain.Credentials{}, err
	}
	return gatewaydomain.Credentials{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
	}, nil
}

func (s *Service) merge(existing *domain.Setting, item domain.UpsertItem) (*domain.Setting, error) {
	now := s.clock.Now().UTC()
	setting := &domain.Setting{
		Key:         item.Key,
		IsSecret:    item.IsSecret,
		Category:    trimPointer(item.Category),
		Description: trimPointer(item.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		setting.ID = existing.ID
		setting.CreatedAt = existing.CreatedAt
	} else {
		setting.ID = s.genID.Generate()
	}

	keep := item.Value == nil || *item.Value == masking.Masked
	if keep {
		if existing == nil {
			return setting, nil
		}
		setting.Value = existing.Value
		if existing.IsSecret == item.IsSecret || existing.Value == nil {
			return setting, nil
		}
		// Secret flag flipped without a new value: re-encode the stored one.
		plain := *existing.Value
		if existing.IsSecret {
			opened, err := s.sealer.open(plain, item.Key)
			if err != nil {
				return nil, err
			}
			setting.Value = &opened
			return setting, nil
		}
		sealed, err := s.sealer.seal(plain, item.Key)
		if err != nil {
			return nil, err
		}
		setting.Value = &sealed
		return setting, nil
	}

	value := strings.TrimSpace(*item.Value)
	if value == "" || !item.IsSecret {
		setting.Value = &value
		return setting, nil
	}
	sealed, err := s.sealer.seal(value, item.Key)
	if err != nil {
		return nil, err
	}
	setting.Value = &sealed
	return setting, nil
}

func (s *Service) envValue(key string) string {
	if value, ok := s.env[key]; ok && value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(key))
}

func describeChange(item domain.UpsertItem) string {
	switch {
	case item.Value == nil || *item.Value == masking.Masked:
		return "metadata"
	case strings.TrimSpace(*item.Value) == "":
		return "cleared"
	case item.IsSecret:
		return masking.Masked
	default:
		return masking.MaskSecret(*item.Value)
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return "", domain.ErrInvalidKey
	}
	for i, r := range key {
		switch {
		case r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return "", domain.ErrInvalidKey
		}
	}
	return key, nil
}

func trimPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
