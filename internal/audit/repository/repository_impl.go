package repository

import (
	"context"

	"github.com/smallbiznis/payflow/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Diagnostic) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO diagnostics (
			id, kind, severity, purchase_id, gateway_reference, message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Kind,
		entry.Severity,
		entry.PurchaseID,
		entry.GatewayReference,
		entry.Message,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

// List pages newest first. ULIDs sort by creation time, so the id alone is the cursor.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Diagnostic, error) {
	var items []*domain.Diagnostic
	stmt := db.WithContext(ctx).Model(&domain.Diagnostic{})

	if filter.Kind != "" {
		stmt = stmt.Where("kind = ?", filter.Kind)
	}
	if filter.After != "" {
		stmt = stmt.Where("id < ?", filter.After)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
