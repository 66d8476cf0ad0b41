package repository

import (
	"context"

	"github.com/smallbiznis/payflow/internal/settings/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Setting, error) {
	var settings []domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT id, key, value, is_secret, category, description, created_at, updated_at
		 FROM integration_settings
		 ORDER BY category, key`,
	).Scan(&settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Setting, error) {
	var item domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT id, key, value, is_secret, category, description, created_at, updated_at
		 FROM integration_settings
		 WHERE key = ?
		 LIMIT 1`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, setting *domain.Setting) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_settings (
			id, key, value, is_secret, category, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value,
			is_secret = EXCLUDED.is_secret,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`,
		setting.ID,
		setting.Key,
		setting.Value,
		setting.IsSecret,
		setting.Category,
		setting.Description,
		setting.CreatedAt,
		setting.UpdatedAt,
	).Error
}
