package seed

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"gorm.io/gorm"
)

const (
	DefaultAdminID    = "admin"
	DefaultAdminEmail = "admin@payflow.local"
	DefaultBuyerID    = "buyer"
	DefaultBuyerEmail = "buyer@payflow.local"
	DefaultResourceID = "sample-resource"

	defaultAdminName     = "Payflow Admin"
	defaultBuyerName     = "Sample Buyer"
	defaultResourceTitle = "Sample Resource"
)

var defaultResourcePrice = decimal.NewFromInt(800)

type userRow struct {
	ID        string    `gorm:"primaryKey"`
	Email     string
	Name      string
	Role      string
	IsActive  bool
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type resourceRow struct {
	ID          string          `gorm:"primaryKey"`
	Title       string
	Price       decimal.Decimal `gorm:"type:numeric"`
	IsFree      bool
	IsPublished bool
	AuthorID    *string
	CreatedAt   time.Time
}

func (resourceRow) TableName() string { return "resources" }

// EnsureDevData seeds an admin, a buyer and one published resource for local
// runs. Existing rows are left untouched.
func EnsureDevData(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUserTx(ctx, tx, userRow{
			ID:       DefaultAdminID,
			Email:    DefaultAdminEmail,
			Name:     defaultAdminName,
			Role:     identitydomain.RoleAdmin,
			IsActive: true,
		}); err != nil {
			return err
		}
		if err := ensureUserTx(ctx, tx, userRow{
			ID:       DefaultBuyerID,
			Email:    DefaultBuyerEmail,
			Name:     defaultBuyerName,
			Role:     identitydomain.RoleUser,
			IsActive: true,
		}); err != nil {
			return err
		}
		return ensureResourceTx(ctx, tx)
	})
}

func ensureUserTx(ctx context.Context, tx *gorm.DB, user userRow) error {
	var existing userRow
	err := tx.WithContext(ctx).Where("id = ?", user.ID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	user.CreatedAt = time.Now().UTC()
	return tx.WithContext(ctx).Create(&user).Error
}

func ensureResourceTx(ctx context.Context, tx *gorm.DB) error {
	var existing resourceRow
	err := tx.WithContext(ctx).Where("id = ?", DefaultResourceID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	author := DefaultAdminID
	resource := resourceRow{
		ID:          DefaultResourceID,
		Title:       defaultResourceTitle,
		Price:       defaultResourcePrice,
		IsFree:      false,
		IsPublished: true,
		AuthorID:    &author,
		CreatedAt:   time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(&resource).Error
}
