package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/payflow/internal/catalog/domain"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/providers/pdf"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubUsers map[string]*identitydomain.User

func (s stubUsers) FindUser(_ context.Context, id string) (*identitydomain.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, identitydomain.ErrUserNotFound
}

type stubCatalog map[string]*catalogdomain.Resource

func (s stubCatalog) FindResource(_ context.Context, id string) (*catalogdomain.Resource, error) {
	if r, ok := s[id]; ok {
		return r, nil
	}
	return nil, catalogdomain.ErrResourceNotFound
}

type sentMail struct {
	to       []string
	template string
	data     map[string]any
}

type recordingEmail struct {
	sent []sentMail
	err  error
}

func (r *recordingEmail) Send(context.Context, []string, string, string) error { return r.err }

func (r *recordingEmail) SendTemplate(_ context.Context, to []string, name string, data map[string]any) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMail{to: to, template: name, data: data})
	return nil
}

type capturingPDF struct {
	got pdf.ReceiptData
}

func (c *capturingPDF) GenerateReceipt(_ context.Context, data pdf.ReceiptData) ([]byte, error) {
	c.got = data
	return []byte("%PDF-1.3"), nil
}

func testSignal() Signal {
	return Signal{
		PurchaseID:  snowflake.ID(42),
		UserID:      "u-1",
		ResourceID:  "r-1",
		DownloadURL: "/api/resources/r-1/download",
		ExpiresAt:   time.Date(2026, 11, 17, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublishEmailsBuyer(t *testing.T) {
	mail := &recordingEmail{}
	pub := NewPublisher(Params{
		Log:     zap.NewNop(),
		Email:   mail,
		Users:   stubUsers{"u-1": {ID: "u-1", Email: "sara@example.test", Name: "Sara"}},
		Catalog: stubCatalog{"r-1": {ID: "r-1", Title: "Algebra notes"}},
	})

	require.NoError(t, pub.Publish(context.Background(), testSignal()))
	require.Len(t, mail.sent, 1)
	assert.Equal(t, []string{"sara@example.test"}, mail.sent[0].to)
	assert.Equal(t, templatePurchaseCompleted, mail.sent[0].template)
	assert.Equal(t, "Algebra notes", mail.sent[0].data["resource"])
	assert.Equal(t, "42", mail.sent[0].data["purchase_id"])
}

func TestPublishSurfacesDeliveryErrors(t *testing.T) {
	pub := NewPublisher(Params{
		Log:     zap.NewNop(),
		Email:   &recordingEmail{err: errors.New("smtp down")},
		Users:   stubUsers{"u-1": {ID: "u-1", Email: "sara@example.test"}},
		Catalog: stubCatalog{},
	})
	require.Error(t, pub.Publish(context.Background(), testSignal()))

	pub = NewPublisher(Params{Log: zap.NewNop(), Email: &recordingEmail{}, Users: stubUsers{}, Catalog: stubCatalog{}})
	require.ErrorIs(t, pub.Publish(context.Background(), testSignal()), identitydomain.ErrUserNotFound)
}

func TestReceiptRender(t *testing.T) {
	gen := &capturingPDF{}
	receipts := NewReceipts(ReceiptParams{
		PDF:     gen,
		Users:   stubUsers{"u-1": {ID: "u-1", Email: "sara@example.test", Name: "Sara"}},
		Catalog: stubCatalog{"r-1": {ID: "r-1", Title: "Algebra notes"}},
	})
	ref := "INV-7"
	purchase := &purchasedomain.Purchase{
		ID:               snowflake.ID(7),
		UserID:           "u-1",
		ResourceID:       "r-1",
		Amount:           decimal.RequireFromString("10"),
		Currency:         "SAR",
		PaymentMethod:    "myfatoorah",
		GatewayReference: &ref,
		Status:           purchasedomain.StatusCompleted,
		Fulfillment: &purchasedomain.Fulfillment{
			DownloadURL: "/dl/r-1",
			ExpiresAt:   time.Date(2026, 11, 17, 0, 0, 0, 0, time.UTC),
		},
		UpdatedAt: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}

	out, err := receipts.Render(context.Background(), purchase)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.3"), out)
	assert.Equal(t, "10.00", gen.got.Amount)
	assert.Equal(t, "Algebra notes", gen.got.ResourceTitle)
	assert.Equal(t, "Sara", gen.got.BuyerName)
	assert.Equal(t, "2026-10-18", gen.got.DatePaid)
	assert.Equal(t, "INV-7", gen.got.GatewayReference)

	purchase.Status = purchasedomain.StatusPending
	_, err = receipts.Render(context.Background(), purchase)
	require.ErrorIs(t, err, ErrReceiptUnavailable)
}
