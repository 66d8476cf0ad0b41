package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/payflow/internal/identity/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) FindUser(ctx context.Context, id string) (*domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrUserNotFound
	}
	var items []domain.User
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, email, name, role, is_active
		 FROM users
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrUserNotFound
	}
	return &items[0], nil
}
