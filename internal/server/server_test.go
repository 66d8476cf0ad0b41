package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/authorization"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/migration/migrationtest"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/payflow/internal/reconcile/domain"
	settingsdomain "github.com/smallbiznis/payflow/internal/settings/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIdentity struct {
	users map[string]*identitydomain.User
}

func (f *fakeIdentity) Authenticate(_ context.Context, token string) (*identitydomain.User, error) {
	user, ok := f.users[token]
	if !ok {
		return nil, identitydomain.ErrInvalidToken
	}
	return user, nil
}

func (f *fakeIdentity) ActiveUser(_ context.Context, id string) (*identitydomain.User, error) {
	for _, user := range f.users {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, identitydomain.ErrUserNotFound
}

type fakePurchases struct {
	requests  []purchasedomain.RequestPurchaseInput
	result    *purchasedomain.RequestPurchaseResult
	err       error
	purchases map[snowflake.ID]*purchasedomain.Purchase
}

func (f *fakePurchases) RequestPurchase(_ context.Context, input purchasedomain.RequestPurchaseInput) (*purchasedomain.RequestPurchaseResult, error) {
	f.requests = append(f.requests, input)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakePurchases) GetPurchase(_ context.Context, userID string, id snowflake.ID) (*purchasedomain.Purchase, error) {
	purchase, ok := f.purchases[id]
	if !ok || purchase.UserID != userID {
		return nil, purchasedomain.ErrNotFound
	}
	return purchase, nil
}

type fakeReconciler struct {
	successes []reconciledomain.SuccessNotification
	failures  []reconciledomain.ErrorNotification
	err       error
}

func (f *fakeReconciler) HandleSuccessNotification(_ context.Context, n reconciledomain.SuccessNotification) (*reconciledomain.Outcome, error) {
	f.successes = append(f.successes, n)
	if f.err != nil {
		return nil, f.err
	}
	return &reconciledomain.Outcome{Action: reconciledomain.ActionCompleted, Applied: true, Status: purchasedomain.StatusCompleted}, nil
}

func (f *fakeReconciler) HandleErrorNotification(_ context.Context, n reconciledomain.ErrorNotification) (*reconciledomain.Outcome, error) {
	f.failures = append(f.failures, n)
	if f.err != nil {
		return nil, f.err
	}
	return &reconciledomain.Outcome{Action: reconciledomain.ActionFailed, Applied: true, Status: purchasedomain.StatusFailed}, nil
}

func (f *fakeReconciler) VerifyPurchase(_ context.Context, _ *purchasedomain.Purchase) (*reconciledomain.Outcome, error) {
	return &reconciledomain.Outcome{Action: reconciledomain.ActionNoop}, nil
}

type fakeSettings struct {
	views    []settingsdomain.SettingView
	upserted []settingsdomain.UpsertItem
}

func (f *fakeSettings) List(context.Context) ([]settingsdomain.SettingView, error) {
	return f.views, nil
}

func (f *fakeSettings) Upsert(_ context.Context, items []settingsdomain.UpsertItem) error {
	for _, item := range items {
		if item.Key == "" {
			return settingsdomain.ErrInvalidKey
		}
	}
	f.upserted = append(f.upserted, items...)
	return nil
}

func (f *fakeSettings) Resolve(context.Context, string) (string, error) {
	return "", nil
}

type fakeDiagnostics struct {
	requests []auditdomain.ListRequest
	recorded []auditdomain.RecordInput
}

func (f *fakeDiagnostics) Record(_ context.Context, input auditdomain.RecordInput) error {
	f.recorded = append(f.recorded, input)
	return nil
}

func (f *fakeDiagnostics) List(_ context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	f.requests = append(f.requests, req)
	return auditdomain.ListResponse{Diagnostics: []auditdomain.Diagnostic{}}, nil
}

type fakeHealth struct {
	err error
}

func (f fakeHealth) Ping(context.Context) error {
	return f.err
}

type fakeReceipts struct{}

func (fakeReceipts) Render(_ context.Context, purchase *purchasedomain.Purchase) ([]byte, error) {
	if purchase.Status != purchasedomain.StatusCompleted {
		return nil, fulfillment.ErrReceiptUnavailable
	}
	return []byte("%PDF-1.3 receipt"), nil
}

type fakeLimiter struct {
	result *ratelimit.RateLimitResult
	calls  int
}

func (f *fakeLimiter) AllowUser(context.Context, string) (*ratelimit.RateLimitResult, error) {
	f.calls++
	return f.result, nil
}

type testServer struct {
	*Server
	purchases   *fakePurchases
	reconciler  *fakeReconciler
	settings    *fakeSettings
	diagnostics *fakeDiagnostics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		purchases:   &fakePurchases{purchases: map[snowflake.ID]*purchasedomain.Purchase{}},
		reconciler:  &fakeReconciler{},
		settings:    &fakeSettings{},
		diagnostics: &fakeDiagnostics{},
	}
	ts.Server = &Server{
		engine: engine,
		db:     migrationtest.OpenSQLite(t, "server"),
		log:    zap.NewNop(),
		identitySvc: &fakeIdentity{users: map[string]*identitydomain.User{
			"buyer-token": {ID: "user-1", Email: "buyer@example.com", Role: identitydomain.RoleUser, IsActive: true},
			"other-token": {ID: "user-2", Email: "other@example.com", Role: identitydomain.RoleUser, IsActive: true},
			"admin-token": {ID: "admin-1", Email: "admin@example.com", Role: identitydomain.RoleAdmin, IsActive: true},
		}},
		authzSvc:      authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		purchaseSvc:   ts.purchases,
		reconcileSvc:  ts.reconciler,
		settingsSvc:   ts.settings,
		auditSvc:      ts.diagnostics,
		gatewayHealth: fakeHealth{},
		receipts:      fakeReceipts{},
	}

	ts.registerPurchaseRoutes()
	ts.registerPaymentRoutes()
	ts.registerAdminRoutes()
	ts.registerFallback()
	return ts
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, _ := json.Marshal(v)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCreatePurchaseRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/purchases", "", map[string]any{"resourceId": "res-1", "amount": 800, "paymentMethod": "card"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = ts.do(http.MethodPost, "/purchases", "bogus", map[string]any{"resourceId": "res-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.purchases.requests)
}

func TestCreatePurchaseReturnsRedirect(t *testing.T) {
	ts := newTestServer(t)
	ts.purchases.result = &purchasedomain.RequestPurchaseResult{
		PurchaseID:       snowflake.ID(42),
		RedirectURL:      "https://pay.example.com/INV-1",
		GatewayReference: "INV-1",
	}

	rec := ts.do(http.MethodPost, "/purchases", "buyer-token", map[string]any{
		"resourceId":    " res-1 ",
		"amount":        800,
		"paymentMethod": "card",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp createPurchaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.PurchaseID)
	assert.Equal(t, "https://pay.example.com/INV-1", resp.RedirectURL)
	assert.Equal(t, "INV-1", resp.GatewayReference)

	require.Len(t, ts.purchases.requests, 1)
	got := ts.purchases.requests[0]
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "res-1", got.ResourceID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(800)))
}

func TestCreatePurchaseErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid", fmt.Errorf("%w: resource not found", purchasedomain.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"duplicate", purchasedomain.ErrDuplicatePurchase, http.StatusConflict, "duplicate_purchase"},
		{"gateway", fmt.Errorf("%w: timeout", purchasedomain.ErrGatewayError), http.StatusBadGateway, "gateway_error"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.purchases.err = tc.err

			rec := ts.do(http.MethodPost, "/purchases", "buyer-token", map[string]any{"resourceId": "res-1", "amount": "800", "paymentMethod": "card"})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, decodeError(t, rec).Type)
		})
	}
}

func TestCreatePurchaseInvalidMessageKeepsDetail(t *testing.T) {
	ts := newTestServer(t)
	ts.purchases.err = fmt.Errorf("%w: invalid amount", purchasedomain.ErrInvalidRequest)

	rec := ts.do(http.MethodPost, "/purchases", "buyer-token", map[string]any{"resourceId": "res-1", "amount": 1, "paymentMethod": "card"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid amount", decodeError(t, rec).Message)
}

func TestCreatePurchaseMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/purchases", "buyer-token", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
	assert.Empty(t, ts.purchases.requests)
}

func TestCreatePurchaseRateLimited(t *testing.T) {
	ts := newTestServer(t)
	limiter := &fakeLimiter{result: &ratelimit.RateLimitResult{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	ts.purchaseLimiter = limiter

	rec := ts.do(http.MethodPost, "/purchases", "buyer-token", map[string]any{"resourceId": "res-1", "amount": 800, "paymentMethod": "card"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
	assert.Equal(t, 1, limiter.calls)
	assert.Empty(t, ts.purchases.requests)
}

func TestGetPurchaseIsOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	ref := "INV-1"
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ts.purchases.purchases[snowflake.ID(7)] = &purchasedomain.Purchase{
		ID:               snowflake.ID(7),
		UserID:           "user-1",
		ResourceID:       "res-1",
		Amount:           decimal.NewFromInt(800),
		Currency:         "SAR",
		PaymentMethod:    "card",
		GatewayReference: &ref,
		Status:           purchasedomain.StatusCompleted,
		Fulfillment:      &purchasedomain.Fulfillment{DownloadURL: "/api/resources/res-1/download", ExpiresAt: now.Add(720 * time.Hour)},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	rec := ts.do(http.MethodGet, "/purchases/7", "other-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/purchases/not-an-id", "buyer-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/purchases/7", "buyer-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data purchaseView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.Data.Status)
	assert.Equal(t, "800.00", resp.Data.Amount)
	require.NotNil(t, resp.Data.Fulfillment)
	assert.Equal(t, "/api/resources/res-1/download", resp.Data.Fulfillment.DownloadURL)
}

func TestGetPurchaseReceipt(t *testing.T) {
	ts := newTestServer(t)
	ts.purchases.purchases[snowflake.ID(8)] = &purchasedomain.Purchase{ID: 8, UserID: "user-1", Status: purchasedomain.StatusCompleted}
	ts.purchases.purchases[snowflake.ID(9)] = &purchasedomain.Purchase{ID: 9, UserID: "user-1", Status: purchasedomain.StatusPending}

	rec := ts.do(http.MethodGet, "/purchases/8/receipt", "buyer-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "receipt-8.pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = ts.do(http.MethodGet, "/purchases/9/receipt", "buyer-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentCallbackAcceptsNumericInvoiceID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/payments/callback", "", `{"InvoiceId": 12345, "InvoiceStatus": "Paid", "CustomerReference": "42", "CustomerEmail": "buyer@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())

	require.Len(t, ts.reconciler.successes, 1)
	got := ts.reconciler.successes[0]
	assert.Equal(t, "12345", got.GatewayReference)
	assert.Equal(t, "42", got.CorrelationToken)
	assert.Equal(t, "Paid", got.ClaimedStatus)
	assert.Equal(t, "buyer@example.com", got.Payload["CustomerEmail"])
}

func TestPaymentCallbackFallsBackToQueryToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/payments/callback?purchaseId=77", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.reconciler.successes, 1)
	assert.Equal(t, "", ts.reconciler.successes[0].GatewayReference)
	assert.Equal(t, "77", ts.reconciler.successes[0].CorrelationToken)
}

func TestPaymentCallbackRejectsUnparseableBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/payments/callback", "", `{"InvoiceId": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.reconciler.successes)
	assert.Empty(t, ts.diagnostics.recorded)
}

func TestPaymentErrorAcknowledgesUnparseableBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/payments/error?purchaseId=42", "", `[1,2,3]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
	assert.Empty(t, ts.reconciler.failures)

	require.Len(t, ts.diagnostics.recorded, 1)
	entry := ts.diagnostics.recorded[0]
	assert.Equal(t, auditdomain.KindUnresolvedNotification, entry.Kind)
	assert.Equal(t, "[1,2,3]", entry.Metadata["body"])
	assert.Equal(t, "42", entry.Metadata["purchase_id"])
	assert.Equal(t, "error", entry.Metadata["channel"])
}

func TestPaymentCallbackLedgerUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.reconciler.err = fmt.Errorf("%w: connection refused", reconciledomain.ErrLedgerUnavailable)

	rec := ts.do(http.MethodPost, "/payments/callback", "", `{"InvoiceId": "INV-1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPaymentErrorForwardsReason(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/payments/error", "", `{"InvoiceId": "INV-9", "Error": "card declined"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())

	require.Len(t, ts.reconciler.failures, 1)
	assert.Equal(t, "INV-9", ts.reconciler.failures[0].GatewayReference)
	assert.Equal(t, "card declined", ts.reconciler.failures[0].Reason)
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	ts := newTestServer(t)
	ts.settings.views = []settingsdomain.SettingView{{Key: settingsdomain.KeyMyFatoorahAPIKey, IsSecret: true}}

	rec := ts.do(http.MethodGet, "/admin/integrations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/integrations", "buyer-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/integrations", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), settingsdomain.KeyMyFatoorahAPIKey)
}

func TestUpsertIntegrations(t *testing.T) {
	ts := newTestServer(t)
	value := "https://api.myfatoorah.com"

	rec := ts.do(http.MethodPut, "/admin/integrations", "admin-token", map[string]any{"settings": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/admin/integrations", "admin-token", map[string]any{
		"settings": []map[string]any{{"key": "", "value": value}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/admin/integrations", "admin-token", map[string]any{
		"settings": []map[string]any{{"key": settingsdomain.KeyMyFatoorahBaseURL, "value": value}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.settings.upserted, 1)
	assert.Equal(t, value, *ts.settings.upserted[0].Value)
}

func TestIntegrationConnectivityChecks(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/admin/integrations/test", "admin-token", map[string]any{"integration": "database"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp testIntegrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	ts.gatewayHealth = fakeHealth{err: errors.New("gateway_rejected")}
	rec = ts.do(http.MethodPost, "/admin/integrations/test", "admin-token", map[string]any{"integration": "MyFatoorah"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "myfatoorah", resp.Integration)

	rec = ts.do(http.MethodPost, "/admin/integrations/test", "admin-token", map[string]any{"integration": "stripe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDiagnosticsHonorsLimit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/admin/diagnostics?kind=unresolved_notification&limit=5", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.diagnostics.requests, 1)
	assert.Equal(t, "unresolved_notification", ts.diagnostics.requests[0].Kind)
	assert.Equal(t, 5, ts.diagnostics.requests[0].PageSize)

	rec = ts.do(http.MethodGet, "/admin/diagnostics?limit=abc", "admin-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer   abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("abc"))
	assert.Equal(t, "", bearerToken(""))
}
