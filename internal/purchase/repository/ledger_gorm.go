package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/pkg/db"
	"gorm.io/gorm"
)

const purchaseColumns = `id, user_id, resource_id, amount, currency, payment_method, gateway_reference,
	status, download_url, download_expires_at, failure_reason, created_at, updated_at`

type purchaseRow struct {
	ID                snowflake.ID
	UserID            string
	ResourceID        string
	Amount            decimal.Decimal
	Currency          string
	PaymentMethod     string
	GatewayReference  *string
	Status            string
	DownloadURL       *string
	DownloadExpiresAt *time.Time
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r purchaseRow) toDomain() *domain.Purchase {
	p := &domain.Purchase{
		ID:               r.ID,
		UserID:           r.UserID,
		ResourceID:       r.ResourceID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		PaymentMethod:    r.PaymentMethod,
		GatewayReference: r.GatewayReference,
		Status:           domain.Status(r.Status),
		FailureReason:    r.FailureReason,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.DownloadURL != nil && r.DownloadExpiresAt != nil {
		p.Fulfillment = &domain.Fulfillment{
			DownloadURL: *r.DownloadURL,
			ExpiresAt:   r.DownloadExpiresAt.UTC(),
		}
	}
	return p
}

type gormLedger struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

// NewGormLedger returns a Ledger whose transitions are single conditional
// UPDATE statements.
func NewGormLedger(conn *gorm.DB, genID *snowflake.Node, clk clock.Clock) domain.Ledger {
	return &gormLedger{db: conn, genID: genID, clock: clk}
}

func (l *gormLedger) Create(ctx context.Context, input domain.CreateInput) (*domain.Purchase, error) {
	now := l.clock.Now().UTC()
	row := purchaseRow{
		ID:            l.genID.Generate(),
		UserID:        strings.TrimSpace(input.UserID),
		ResourceID:    strings.TrimSpace(input.ResourceID),
		Amount:        input.Amount,
		Currency:      input.Currency,
		PaymentMethod: input.PaymentMethod,
		Status:        string(domain.StatusPending),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completed, err := hasCompleted(ctx, tx, row.UserID, row.ResourceID)
		if err != nil {
			return err
		}
		if completed {
			return domain.ErrDuplicatePurchase
		}
		return tx.Exec(
			`INSERT INTO purchases (
				id, user_id, resource_id, amount, currency, payment_method,
				status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID,
			row.UserID,
			row.ResourceID,
			row.Amount,
			row.Currency,
			row.PaymentMethod,
			row.Status,
			row.CreatedAt,
			row.UpdatedAt,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (l *gormLedger) FindByID(ctx context.Context, id snowflake.ID) (*domain.Purchase, error) {
	return l.findOne(ctx, `WHERE id = ?`, id)
}

func (l *gormLedger) FindByGatewayReference(ctx context.Context, ref string) (*domain.Purchase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.ErrNotFound
	}
	return l.findOne(ctx, `WHERE gateway_reference = ?`, ref)
}

func (l *gormLedger) findOne(ctx context.Context, where string, args ...any) (*domain.Purchase, error) {
	var rows []purchaseRow
	err := l.db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+` FROM purchases `+where+` LIMIT 1`,
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	return rows[0].toDomain(), nil
}

func (l *gormLedger) AttachGatewayReference(ctx context.Context, id snowflake.ID, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.ErrInvalidRequest
	}
	res := l.db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET gateway_reference = ?, updated_at = ?
		 WHERE id = ? AND gateway_reference IS NULL`,
		ref,
		l.clock.Now().UTC(),
		id,
	)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return fmt.Errorf("%w: reference %s belongs to another purchase", domain.ErrAlreadyAttached, ref)
		}
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := l.FindByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrAlreadyAttached
}

func (l *gormLedger) TransitionTerminal(ctx context.Context, input domain.TransitionInput) (bool, error) {
	if err := domain.ValidateTransition(input); err != nil {
		return false, err
	}

	now := l.clock.Now().UTC()
	var res *gorm.DB
	switch input.Status {
	case domain.StatusCompleted:
		res = l.db.WithContext(ctx).Exec(
			`UPDATE purchases
			 SET status = ?, download_url = ?, download_expires_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(domain.StatusCompleted),
			input.Fulfillment.DownloadURL,
			input.Fulfillment.ExpiresAt.UTC(),
			now,
			input.PurchaseID,
			string(domain.StatusPending),
		)
	default:
		res = l.db.WithContext(ctx).Exec(
			`UPDATE purchases
			 SET status = ?, failure_reason = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(domain.StatusFailed),
			input.Reason,
			now,
			input.PurchaseID,
			string(domain.StatusPending),
		)
	}
	if res.Error != nil {
		if input.Status == domain.StatusCompleted && db.IsDuplicateKeyErr(res.Error) {
			return false, domain.ErrDuplicateCompletion
		}
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := l.FindByID(ctx, input.PurchaseID); err != nil {
		return false, err
	}
	return false, nil
}

func (l *gormLedger) HasCompleted(ctx context.Context, userID, resourceID string) (bool, error) {
	return hasCompleted(ctx, l.db, userID, resourceID)
}

func hasCompleted(ctx context.Context, tx *gorm.DB, userID, resourceID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM purchases
		 WHERE user_id = ? AND resource_id = ? AND status = ?`,
		userID,
		resourceID,
		string(domain.StatusCompleted),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (l *gormLedger) ListPendingWithReference(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []purchaseRow
	err := l.db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE status = ? AND gateway_reference IS NOT NULL AND created_at < ?
		 ORDER BY CASE WHEN last_polled_at IS NULL THEN 0 ELSE 1 END, last_polled_at ASC, created_at ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusPending),
		olderThan.UTC(),
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Purchase, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (l *gormLedger) MarkPolled(ctx context.Context, ids []snowflake.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Exec(
		`UPDATE purchases SET last_polled_at = ? WHERE id IN ? AND status = ?`,
		at.UTC(),
		ids,
		string(domain.StatusPending),
	).Error
}

var _ domain.Ledger = (*gormLedger)(nil)
