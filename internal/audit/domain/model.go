package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindUnresolvedNotification Kind = "unresolved_notification"
	KindDuplicateCompletion    Kind = "duplicate_completion"
	KindVerificationFailed     Kind = "verification_failed"
	KindGatewayError           Kind = "gateway_error"
	KindSettingsChanged        Kind = "settings_changed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindUnresolvedNotification, KindDuplicateCompletion, KindVerificationFailed,
		KindGatewayError, KindSettingsChanged:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is an operator-facing record of an anomaly the engine
// acknowledged but could not resolve on its own.
type Diagnostic struct {
	ID               string         `json:"id" gorm:"primaryKey;type:text"`
	Kind             Kind           `json:"kind" gorm:"type:text;not null"`
	Severity         Severity       `json:"severity" gorm:"type:text;not null"`
	PurchaseID       *snowflake.ID  `json:"purchase_id,omitempty"`
	GatewayReference *string        `json:"gateway_reference,omitempty"`
	Message          string         `json:"message" gorm:"type:text;not null"`
	Metadata         datatypes.JSON `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at" gorm:"not null"`
}

func (Diagnostic) TableName() string { return "diagnostics" }

type RecordInput struct {
	Kind             Kind
	Severity         Severity
	PurchaseID       *snowflake.ID
	GatewayReference string
	Message          string
	Metadata         map[string]any
}

type ListRequest struct {
	pagination.Pagination
	Kind string `form:"kind"`
}

type ListResponse struct {
	pagination.PageInfo
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type ListFilter struct {
	Kind  Kind
	After string
	Limit int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Diagnostic) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Diagnostic, error)
}

type Service interface {
	Record(ctx context.Context, input RecordInput) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidKind      = errors.New("invalid_kind")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
