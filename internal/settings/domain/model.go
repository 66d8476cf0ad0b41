package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	KeyMyFatoorahAPIKey  = "MYFATOORAH_API_KEY"
	KeyMyFatoorahBaseURL = "MYFATOORAH_BASE_URL"

	CategoryPayments = "payments"
)

// Setting is a persisted override of an environment value. Secret values
// are stored as an encrypted envelope.
type Setting struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Key         string       `json:"key" gorm:"type:text;not null;uniqueIndex"`
	Value       *string      `json:"value,omitempty" gorm:"type:text"`
	IsSecret    bool         `json:"is_secret" gorm:"not null;default:false"`
	Category    *string      `json:"category,omitempty" gorm:"type:text"`
	Description *string      `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Setting) TableName() string { return "integration_settings" }

// SettingView is the admin-facing shape; secret values are masked.
type SettingView struct {
	Key         string    `json:"key"`
	Value       *string   `json:"value"`
	IsSecret    bool      `json:"isSecret"`
	Category    *string   `json:"category"`
	Description *string   `json:"description"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UpsertItem leaves the stored value untouched when Value is nil or still
// carries the mask placeholder.
type UpsertItem struct {
	Key         string  `json:"key"`
	Value       *string `json:"value"`
	IsSecret    bool    `json:"isSecret"`
	Category    *string `json:"category"`
	Description *string `json:"description"`
}

type Repository interface {
	List(ctx context.Context, db *gorm.DB) ([]Setting, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*Setting, error)
	Upsert(ctx context.Context, db *gorm.DB, setting *Setting) error
}

type Service interface {
	List(ctx context.Context) ([]SettingView, error)
	Upsert(ctx context.Context, items []UpsertItem) error
	// Resolve returns the persisted override when non-empty, else the
	// environment value.
	Resolve(ctx context.Context, key string) (string, error)
}

var (
	ErrInvalidKey           = errors.New("invalid_setting_key")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrDecryptFailed        = errors.New("setting_decrypt_failed")
)
