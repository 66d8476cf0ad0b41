package fulfillment

import (
	"context"
	"errors"

	catalogdomain "github.com/smallbiznis/payflow/internal/catalog/domain"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/providers/pdf"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"go.uber.org/fx"
)

var ErrReceiptUnavailable = errors.New("receipt_unavailable")

type ReceiptParams struct {
	fx.In

	PDF     pdf.Provider
	Users   identitydomain.Repository
	Catalog catalogdomain.Repository
}

type Receipts struct {
	pdf     pdf.Provider
	users   identitydomain.Repository
	catalog catalogdomain.Repository
}

func NewReceipts(p ReceiptParams) *Receipts {
	return &Receipts{pdf: p.PDF, users: p.Users, catalog: p.Catalog}
}

// Render builds the PDF receipt of a COMPLETED purchase.
func (r *Receipts) Render(ctx context.Context, purchase *purchasedomain.Purchase) ([]byte, error) {
	if purchase == nil || purchase.Status != purchasedomain.StatusCompleted || purchase.Fulfillment == nil {
		return nil, ErrReceiptUnavailable
	}

	data := pdf.ReceiptData{
		PurchaseID:       purchase.ID.String(),
		ResourceTitle:    purchase.ResourceID,
		Amount:           purchase.Amount.StringFixed(2),
		Currency:         purchase.Currency,
		PaymentMethod:    purchase.PaymentMethod,
		GatewayReference: purchase.Reference(),
		DatePaid:         purchase.UpdatedAt.UTC().Format("2006-01-02"),
		DownloadURL:      purchase.Fulfillment.DownloadURL,
		ExpiresAt:        purchase.Fulfillment.ExpiresAt.UTC().Format("2006-01-02"),
	}
	if user, err := r.users.FindUser(ctx, purchase.UserID); err == nil {
		data.BuyerName = user.DisplayName()
		data.BuyerEmail = user.Email
	}
	if resource, err := r.catalog.FindResource(ctx, purchase.ResourceID); err == nil && resource.Title != "" {
		data.ResourceTitle = resource.Title
	}

	return r.pdf.GenerateReceipt(ctx, data)
}
