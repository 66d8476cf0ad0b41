package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/payflow/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) FindResource(ctx context.Context, id string) (*domain.Resource, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrResourceNotFound
	}
	var items []domain.Resource
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, title, price, is_free, is_published
		 FROM resources
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrResourceNotFound
	}
	return &items[0], nil
}
