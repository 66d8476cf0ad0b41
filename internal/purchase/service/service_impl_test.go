package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/audit/audittest"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/payflow/internal/catalog/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/gateway/domain/mocks"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/migration/migrationtest"
	"github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/internal/purchase/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCatalog map[string]*catalogdomain.Resource

func (f fakeCatalog) FindResource(_ context.Context, id string) (*catalogdomain.Resource, error) {
	r, ok := f[id]
	if !ok {
		return nil, catalogdomain.ErrResourceNotFound
	}
	return r, nil
}

type fakeIdentity map[string]*identitydomain.User

func (f fakeIdentity) Authenticate(context.Context, string) (*identitydomain.User, error) {
	return nil, identitydomain.ErrInvalidToken
}

func (f fakeIdentity) ActiveUser(_ context.Context, id string) (*identitydomain.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, identitydomain.ErrUserNotFound
	}
	if !u.IsActive {
		return nil, identitydomain.ErrUserInactive
	}
	return u, nil
}

type countingLedger struct {
	domain.Ledger
	creates int64
}

func (c *countingLedger) Create(ctx context.Context, input domain.CreateInput) (*domain.Purchase, error) {
	atomic.AddInt64(&c.creates, 1)
	return c.Ledger.Create(ctx, input)
}

type fixture struct {
	svc     domain.Service
	ledger  *countingLedger
	gateway *mocks.MockPort
	audit   *audittest.Recorder
	clock   *clock.FakeClock
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLedger(t, repository.NewMemoryLedger)
}

func newFixtureWithLedger(t *testing.T, newLedger func(*snowflake.Node, clock.Clock) domain.Ledger) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	ledger := &countingLedger{Ledger: newLedger(node, clk)}
	gateway := mocks.NewMockPort(ctrl)
	gateway.EXPECT().Provider().Return("mock").AnyTimes()
	recorder := audittest.NewRecorder()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	svc := NewService(Params{
		Log:     logger,
		Cfg:     config.Config{PublicBaseURL: "https://shop.example/"},
		Policy:  config.NewStaticPolicyHolder(config.DefaultPaymentPolicy()),
		Ledger:  ledger,
		Gateway: gateway,
		Catalog: fakeCatalog{
			"res-1": {ID: "res-1", Title: "Market report", Price: decimal.NewFromInt(800), IsPublished: true},
			"free":  {ID: "free", Title: "Free guide", Price: decimal.Zero, IsFree: true, IsPublished: true},
			"draft": {ID: "draft", Title: "Draft", Price: decimal.NewFromInt(10)},
		},
		Identity: fakeIdentity{
			"user-1":   {ID: "user-1", Email: "buyer@example.com", IsActive: true},
			"inactive": {ID: "inactive", Email: "gone@example.com"},
		},
		AuditSvc: recorder,
	})
	return &fixture{svc: svc, ledger: ledger, gateway: gateway, audit: recorder, clock: clk, logs: logs}
}

func buyInput(amount string) domain.RequestPurchaseInput {
	return domain.RequestPurchaseInput{
		UserID:        "user-1",
		ResourceID:    "res-1",
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: "myfatoorah",
	}
}

func TestRequestPurchaseSuccess(t *testing.T) {
	f := newFixture(t)

	var sent gatewaydomain.InitiateRequest
	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req gatewaydomain.InitiateRequest) (*gatewaydomain.InitiateResult, error) {
			sent = req
			return &gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-1", RedirectURL: "https://pay.example/INV-1"}, nil
		})

	res, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.NoError(t, err)
	assert.Equal(t, "INV-1", res.GatewayReference)
	assert.Equal(t, "https://pay.example/INV-1", res.RedirectURL)

	assert.Equal(t, res.PurchaseID.String(), sent.CorrelationID)
	assert.Equal(t, "https://shop.example/payments/callback?purchaseId="+res.PurchaseID.String(), sent.CallbackURL)
	assert.Equal(t, "https://shop.example/payments/error?purchaseId="+res.PurchaseID.String(), sent.ErrorURL)
	assert.Equal(t, "SAR", sent.Currency)
	assert.Equal(t, "buyer@example.com", sent.CustomerName)
	assert.Equal(t, "Market report", sent.ItemName)

	p, err := f.svc.GetPurchase(context.Background(), "user-1", res.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, "INV-1", p.Reference())
	assert.Nil(t, p.Fulfillment)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(800)))
}

func TestRequestPurchaseWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		Return(&gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-2"}, nil)

	_, err := f.svc.RequestPurchase(context.Background(), buyInput("799.99"))
	require.NoError(t, err)
}

func TestRequestPurchaseValidation(t *testing.T) {
	tests := []struct {
		name  string
		input domain.RequestPurchaseInput
	}{
		{"price outside tolerance", buyInput("800.02")},
		{"price far below", buyInput("1")},
		{"zero amount", buyInput("0")},
		{"missing method", domain.RequestPurchaseInput{UserID: "user-1", ResourceID: "res-1", Amount: decimal.NewFromInt(800)}},
		{"unknown resource", domain.RequestPurchaseInput{UserID: "user-1", ResourceID: "nope", Amount: decimal.NewFromInt(800), PaymentMethod: "card"}},
		{"free resource", domain.RequestPurchaseInput{UserID: "user-1", ResourceID: "free", Amount: decimal.NewFromInt(1), PaymentMethod: "card"}},
		{"unpublished resource", domain.RequestPurchaseInput{UserID: "user-1", ResourceID: "draft", Amount: decimal.NewFromInt(10), PaymentMethod: "card"}},
		{"inactive user", domain.RequestPurchaseInput{UserID: "inactive", ResourceID: "res-1", Amount: decimal.NewFromInt(800), PaymentMethod: "card"}},
		{"unknown user", domain.RequestPurchaseInput{UserID: "ghost", ResourceID: "res-1", Amount: decimal.NewFromInt(800), PaymentMethod: "card"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.RequestPurchase(context.Background(), tt.input)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.Zero(t, atomic.LoadInt64(&f.ledger.creates), "no ledger record may be created")
		})
	}
}

func TestRequestPurchaseDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.ledger.Create(ctx, domain.CreateInput{UserID: "user-1", ResourceID: "res-1", Amount: decimal.NewFromInt(800), Currency: "SAR", PaymentMethod: "card"})
	require.NoError(t, err)
	applied, err := f.ledger.TransitionTerminal(ctx, domain.TransitionInput{
		PurchaseID:  p.ID,
		Status:      domain.StatusCompleted,
		Fulfillment: &domain.Fulfillment{DownloadURL: "/api/resources/res-1/download", ExpiresAt: f.clock.Now().Add(time.Hour)},
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = f.svc.RequestPurchase(ctx, buyInput("800"))
	assert.ErrorIs(t, err, domain.ErrDuplicatePurchase)
	assert.EqualValues(t, 1, atomic.LoadInt64(&f.ledger.creates))
}

func TestRequestPurchaseGatewayFailureMarksFailed(t *testing.T) {
	tests := []struct {
		name   string
		result *gatewaydomain.InitiateResult
		err    error
	}{
		{name: "timeout", err: gatewaydomain.ErrGatewayTimeout},
		{name: "network", err: errors.New("connection refused")},
		{name: "not accepted", result: &gatewaydomain.InitiateResult{Success: false, Message: "invalid data"}},
		{name: "missing reference", result: &gatewaydomain.InitiateResult{Success: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(tt.result, tt.err)

			_, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
			require.ErrorIs(t, err, domain.ErrGatewayError)

			completed, err := f.ledger.HasCompleted(context.Background(), "user-1", "res-1")
			require.NoError(t, err)
			assert.False(t, completed)
			assert.Equal(t, []auditdomain.Kind{auditdomain.KindGatewayError}, f.audit.Kinds())

			entry := f.audit.Entries()[0]
			require.NotNil(t, entry.PurchaseID)
			p, err := f.svc.GetPurchase(context.Background(), "user-1", *entry.PurchaseID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, p.Status)
			require.NotNil(t, p.FailureReason)
			assert.Equal(t, domain.ReasonInitiationFailed, *p.FailureReason)
			assert.Empty(t, p.Reference())
		})
	}
}

func TestRetryAfterFailedInitiationCreatesNewPurchase(t *testing.T) {
	f := newFixture(t)
	gomock.InOrder(
		f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(nil, gatewaydomain.ErrGatewayUnavailable),
		f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
			Return(&gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-3"}, nil),
	)

	_, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.ErrorIs(t, err, domain.ErrGatewayError)

	res, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.NoError(t, err)
	assert.Equal(t, "INV-3", res.GatewayReference)
	assert.EqualValues(t, 2, atomic.LoadInt64(&f.ledger.creates))
}

func TestGetPurchaseHidesOtherUsersPurchases(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		Return(&gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-4"}, nil)

	res, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.NoError(t, err)

	_, err = f.svc.GetPurchase(context.Background(), "someone-else", res.PurchaseID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func gormLedgerFor(t *testing.T) func(*snowflake.Node, clock.Clock) domain.Ledger {
	conn := migrationtest.OpenSQLite(t, "purchase_service")
	return func(node *snowflake.Node, clk clock.Clock) domain.Ledger {
		return repository.NewGormLedger(conn, node, clk)
	}
}

func TestRequestPurchaseAttachesReferenceAfterClientDisconnect(t *testing.T) {
	f := newFixtureWithLedger(t, gormLedgerFor(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, gatewaydomain.InitiateRequest) (*gatewaydomain.InitiateResult, error) {
			cancel()
			return &gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-1", RedirectURL: "https://pay.example/INV-1"}, nil
		})

	res, err := f.svc.RequestPurchase(ctx, buyInput("800"))
	require.NoError(t, err)
	assert.Equal(t, "INV-1", res.GatewayReference)

	p, err := f.ledger.FindByGatewayReference(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, res.PurchaseID, p.ID)
	assert.Equal(t, domain.StatusPending, p.Status)
}

func TestRequestPurchaseMarksFailedAfterClientDisconnect(t *testing.T) {
	f := newFixtureWithLedger(t, gormLedgerFor(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ gatewaydomain.InitiateRequest) (*gatewaydomain.InitiateResult, error) {
			cancel()
			return nil, ctx.Err()
		})

	_, err := f.svc.RequestPurchase(ctx, buyInput("800"))
	require.ErrorIs(t, err, domain.ErrGatewayError)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].PurchaseID)
	p, err := f.ledger.FindByID(context.Background(), *entries[0].PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, domain.ReasonInitiationFailed, *p.FailureReason)
}

type failingAttachLedger struct {
	domain.Ledger
}

func (failingAttachLedger) AttachGatewayReference(context.Context, snowflake.ID, string) error {
	return errors.New("database is locked")
}

func TestRequestPurchaseRecordsReferenceWhenAttachFails(t *testing.T) {
	f := newFixtureWithLedger(t, func(node *snowflake.Node, clk clock.Clock) domain.Ledger {
		return failingAttachLedger{Ledger: repository.NewMemoryLedger(node, clk)}
	})
	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
		Return(&gatewaydomain.InitiateResult{Success: true, GatewayReference: "INV-9"}, nil)

	_, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.Error(t, err)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, auditdomain.KindGatewayError, entries[0].Kind)
	assert.Equal(t, "INV-9", entries[0].GatewayReference)
	require.NotNil(t, entries[0].PurchaseID)
}

func TestRequestPurchaseLogsDiagnosticFailures(t *testing.T) {
	f := newFixture(t)
	f.audit.FailWith(errors.New("diagnostics table missing"))
	f.gateway.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(nil, gatewaydomain.ErrGatewayUnavailable)

	_, err := f.svc.RequestPurchase(context.Background(), buyInput("800"))
	require.ErrorIs(t, err, domain.ErrGatewayError)

	entries := f.logs.FilterMessage("failed to record diagnostic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, string(auditdomain.KindGatewayError), entries[0].ContextMap()["kind"])
}
