package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/audit/audittest"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/smallbiznis/payflow/internal/gateway/domain/mocks"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/internal/purchase/repository"
	"github.com/smallbiznis/payflow/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu      sync.Mutex
	signals []fulfillment.Signal
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, signal fulfillment.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
	return r.err
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

type harness struct {
	svc    domain.Service
	ledger purchasedomain.Ledger
	port   *mocks.MockPort
	audit  *audittest.Recorder
	pub    *recordingPublisher
	clk    *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	port.EXPECT().Provider().Return("mock").AnyTimes()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	ledger := repository.NewMemoryLedger(node, clk)
	rec := audittest.NewRecorder()
	pub := &recordingPublisher{}

	svc := NewService(Params{
		Log:       zap.NewNop(),
		Clock:     clk,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPaymentPolicy()),
		Ledger:    ledger,
		Gateway:   port,
		Publisher: pub,
		AuditSvc:  rec,
	})
	return &harness{svc: svc, ledger: ledger, port: port, audit: rec, pub: pub, clk: clk}
}

func (h *harness) pending(t *testing.T, userID, resourceID, ref string) *purchasedomain.Purchase {
	t.Helper()
	ctx := context.Background()
	p, err := h.ledger.Create(ctx, purchasedomain.CreateInput{
		UserID:        userID,
		ResourceID:    resourceID,
		Amount:        decimal.NewFromInt(800),
		Currency:      "SAR",
		PaymentMethod: "myfatoorah",
	})
	require.NoError(t, err)
	if ref != "" {
		require.NoError(t, h.ledger.AttachGatewayReference(ctx, p.ID, ref))
	}
	return p
}

func (h *harness) reload(t *testing.T, id snowflake.ID) *purchasedomain.Purchase {
	t.Helper()
	p, err := h.ledger.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func verified(status gatewaydomain.PaymentStatus) *gatewaydomain.StatusResult {
	return &gatewaydomain.StatusResult{Status: status}
}

func TestSuccessNotificationDeliveredTwice(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-1")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-1").Return(verified(gatewaydomain.StatusPaid), nil).Times(1)

	n := domain.SuccessNotification{GatewayReference: "INV-1", ClaimedStatus: "Paid"}
	out, err := h.svc.HandleSuccessNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, out.Action)
	assert.True(t, out.Applied)

	first := h.reload(t, p.ID)
	require.Equal(t, purchasedomain.StatusCompleted, first.Status)
	require.NotNil(t, first.Fulfillment)
	assert.Equal(t, "/api/resources/r-1/download", first.Fulfillment.DownloadURL)
	assert.Equal(t, h.clk.Now().Add(720*time.Hour), first.Fulfillment.ExpiresAt)

	h.clk.Advance(time.Hour)
	out, err = h.svc.HandleSuccessNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, out.Action)
	assert.False(t, out.Applied)
	assert.Equal(t, purchasedomain.StatusCompleted, out.Status)

	second := h.reload(t, p.ID)
	assert.Equal(t, first.Fulfillment, second.Fulfillment)
	assert.Equal(t, 1, h.pub.count())
	assert.Empty(t, h.audit.Kinds())
}

func TestSuccessNotificationClaimNotTrusted(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-2")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-2").Return(verified(gatewaydomain.StatusPending), nil)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{
		GatewayReference: "INV-2",
		ClaimedStatus:    "Paid",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, out.Action)
	assert.Equal(t, purchasedomain.StatusPending, h.reload(t, p.ID).Status)
	assert.Zero(t, h.pub.count())
}

func TestSuccessNotificationVerifiedFailed(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-3")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-3").Return(verified(gatewaydomain.StatusFailed), nil)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-3"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, out.Action)

	got := h.reload(t, p.ID)
	assert.Equal(t, purchasedomain.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, purchasedomain.ReasonPaymentFailed, *got.FailureReason)
	assert.Nil(t, got.Fulfillment)
}

func TestSuccessNotificationVerificationError(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-4")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-4").Return(nil, gatewaydomain.ErrMissingCredentials)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{
		GatewayReference: "INV-4",
		ClaimedStatus:    "Paid",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionVerificationFailed, out.Action)
	assert.Equal(t, purchasedomain.StatusPending, h.reload(t, p.ID).Status)
	assert.Equal(t, []auditdomain.Kind{auditdomain.KindVerificationFailed}, h.audit.Kinds())
}

func TestSuccessNotificationUnknownReference(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-5")

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{
		GatewayReference: "INV-404",
		CorrelationToken: p.ID.String(),
		ClaimedStatus:    "Paid",
		Payload:          map[string]any{"InvoiceId": "INV-404"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnresolved, out.Action)
	assert.Nil(t, out.PurchaseID)
	assert.Equal(t, purchasedomain.StatusPending, h.reload(t, p.ID).Status)

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, auditdomain.KindUnresolvedNotification, entries[0].Kind)
	assert.Equal(t, "INV-404", entries[0].GatewayReference)
}

func TestSuccessNotificationFallsBackToCorrelationToken(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-6")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-6").Return(verified(gatewaydomain.StatusPaid), nil)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{
		CorrelationToken: p.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, out.Action)
	require.NotNil(t, out.PurchaseID)
	assert.Equal(t, p.ID, *out.PurchaseID)
}

func TestSuccessNotificationWithoutIdentifiers(t *testing.T) {
	h := newHarness(t)

	for _, n := range []domain.SuccessNotification{
		{},
		{CorrelationToken: "not-a-snowflake"},
		{CorrelationToken: "12345"},
	} {
		out, err := h.svc.HandleSuccessNotification(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionUnresolved, out.Action)
	}
	assert.Len(t, h.audit.Kinds(), 3)
}

func TestInitiationTimeoutThenLateCallback(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "")
	applied, err := h.ledger.TransitionTerminal(context.Background(), purchasedomain.TransitionInput{
		PurchaseID: p.ID,
		Status:     purchasedomain.StatusFailed,
		Reason:     purchasedomain.ReasonInitiationFailed,
	})
	require.NoError(t, err)
	require.True(t, applied)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{
		GatewayReference: "INV-LATE",
		ClaimedStatus:    "Paid",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnresolved, out.Action)
	assert.Equal(t, purchasedomain.StatusFailed, h.reload(t, p.ID).Status)
	assert.Equal(t, []auditdomain.Kind{auditdomain.KindUnresolvedNotification}, h.audit.Kinds())
}

func TestErrorNotificationSkipsVerification(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-7")
	// No QueryStatus expectation: any verification call fails the test.

	out, err := h.svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{
		GatewayReference: "INV-7",
		Reason:           "card declined",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, out.Action)
	assert.True(t, out.Applied)

	got := h.reload(t, p.ID)
	assert.Equal(t, purchasedomain.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "card declined", *got.FailureReason)
}

func TestErrorNotificationDefaults(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-8")

	out, err := h.svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{CorrelationToken: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, out.Action)
	assert.Equal(t, purchasedomain.ReasonPaymentFailed, *h.reload(t, p.ID).FailureReason)

	out, err = h.svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{GatewayReference: "INV-8", Reason: "late"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, out.Action)
	assert.Equal(t, purchasedomain.ReasonPaymentFailed, *h.reload(t, p.ID).FailureReason)

	out, err = h.svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{GatewayReference: "INV-missing"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnresolved, out.Action)
}

func TestErrorNotificationCannotRegressCompleted(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-9")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-9").Return(verified(gatewaydomain.StatusPaid), nil)

	_, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-9"})
	require.NoError(t, err)

	out, err := h.svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{GatewayReference: "INV-9", Reason: "late error"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, out.Action)
	assert.Equal(t, purchasedomain.StatusCompleted, out.Status)

	got := h.reload(t, p.ID)
	assert.Equal(t, purchasedomain.StatusCompleted, got.Status)
	assert.Nil(t, got.FailureReason)
}

func TestConcurrentDuplicateNotificationsFulfillOnce(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-10")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-10").Return(verified(gatewaydomain.StatusPaid), nil).AnyTimes()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-10"})
			if err != nil {
				t.Error(err)
				return
			}
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, h.pub.count())
	assert.Equal(t, purchasedomain.StatusCompleted, h.reload(t, p.ID).Status)
}

func TestDuplicateCompletionIsFailedForRefund(t *testing.T) {
	h := newHarness(t)
	first := h.pending(t, "u-1", "r-1", "INV-11")
	second := h.pending(t, "u-1", "r-1", "INV-12")
	h.port.EXPECT().QueryStatus(gomock.Any(), gomock.Any()).Return(verified(gatewaydomain.StatusPaid), nil).Times(2)

	_, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-11"})
	require.NoError(t, err)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-12"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDuplicateCompletion, out.Action)

	assert.Equal(t, purchasedomain.StatusCompleted, h.reload(t, first.ID).Status)
	got := h.reload(t, second.ID)
	assert.Equal(t, purchasedomain.StatusFailed, got.Status)
	assert.Equal(t, purchasedomain.ReasonDuplicateCompleted, *got.FailureReason)
	assert.Equal(t, []auditdomain.Kind{auditdomain.KindDuplicateCompletion}, h.audit.Kinds())
	assert.Equal(t, 1, h.pub.count())
}

func TestPublishFailureKeepsTransition(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("smtp down")
	p := h.pending(t, "u-1", "r-1", "INV-13")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-13").Return(verified(gatewaydomain.StatusPaid), nil)

	out, err := h.svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-13"})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, purchasedomain.StatusCompleted, h.reload(t, p.ID).Status)
}

func TestVerifyPurchaseForPoller(t *testing.T) {
	h := newHarness(t)
	p := h.pending(t, "u-1", "r-1", "INV-14")
	h.port.EXPECT().QueryStatus(gomock.Any(), "INV-14").Return(verified(gatewaydomain.StatusPaid), nil)

	out, err := h.svc.VerifyPurchase(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, out.Action)

	_, err = h.svc.VerifyPurchase(context.Background(), nil)
	require.ErrorIs(t, err, purchasedomain.ErrInvalidRequest)
}

type brokenLedger struct {
	purchasedomain.Ledger
}

func (brokenLedger) FindByGatewayReference(context.Context, string) (*purchasedomain.Purchase, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestLedgerUnavailableIsSurfaced(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	svc := NewService(Params{
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(time.Now()),
		Policy:  config.NewStaticPolicyHolder(config.DefaultPaymentPolicy()),
		Ledger:  brokenLedger{},
		Gateway: port,
	})

	_, err := svc.HandleSuccessNotification(context.Background(), domain.SuccessNotification{GatewayReference: "INV-1"})
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	_, err = svc.HandleErrorNotification(context.Background(), domain.ErrorNotification{GatewayReference: "INV-1"})
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}
