package myfatoorah

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payflow/internal/gateway/domain"
)

const (
	Provider = "myfatoorah"

	sendPaymentPath      = "/v2/SendPayment"
	paymentStatusPath    = "/v2/GetPaymentStatus"
	initiateSessionPath  = "/v2/InitiateSession"
	defaultTimeout       = 30 * time.Second
	maxResponseBodyBytes = 1 << 20

	// PaymentMethodId 0 lets the buyer pick any enabled method, 2 is card only.
	methodAll  = 0
	methodCard = 2

	sourceInfo = "payflow"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{httpClient: client}, nil
}

// Adapter talks to the MyFatoorah v2 REST API. Credentials are supplied on
// every call, so a single adapter serves any number of key rotations.
type Adapter struct {
	httpClient *http.Client
}

type envelope struct {
	IsSuccess        bool              `json:"IsSuccess"`
	Message          string            `json:"Message"`
	ValidationErrors []validationError `json:"ValidationErrors"`
	Data             json.RawMessage   `json:"Data"`
}

type validationError struct {
	Name  string `json:"Name"`
	Error string `json:"Error"`
}

type invoiceItem struct {
	ItemName  string  `json:"ItemName"`
	Quantity  int     `json:"Quantity"`
	UnitPrice float64 `json:"UnitPrice"`
}

type sendPaymentRequest struct {
	PaymentMethodID    int           `json:"PaymentMethodId"`
	InvoiceValue       float64       `json:"InvoiceValue"`
	DisplayCurrencyIso string        `json:"DisplayCurrencyIso"`
	CustomerName       string        `json:"CustomerName"`
	CustomerEmail      string        `json:"CustomerEmail,omitempty"`
	CallBackURL        string        `json:"CallBackUrl"`
	ErrorURL           string        `json:"ErrorUrl"`
	Language           string        `json:"Language"`
	NotificationOption string        `json:"NotificationOption"`
	CustomerReference  string        `json:"CustomerReference"`
	CustomerCivilID    string        `json:"CustomerCivilId,omitempty"`
	UserDefinedField   string        `json:"UserDefinedField,omitempty"`
	InvoiceItems       []invoiceItem `json:"InvoiceItems"`
	SourceInfo         string        `json:"SourceInfo"`
}

type sendPaymentData struct {
	InvoiceID  int64  `json:"InvoiceId"`
	InvoiceURL string `json:"InvoiceURL"`
	PaymentURL string `json:"PaymentURL"`
}

type paymentStatusRequest struct {
	Key     string `json:"Key"`
	KeyType string `json:"KeyType"`
}

type paymentStatusData struct {
	InvoiceID     int64  `json:"InvoiceId"`
	InvoiceStatus string `json:"InvoiceStatus"`
}

type initiateSessionRequest struct {
	CustomerIdentifier string `json:"CustomerIdentifier"`
}

func (a *Adapter) InitiatePayment(ctx context.Context, creds domain.Credentials, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	amount := req.Amount.InexactFloat64()
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en"
	}
	customerName := strings.TrimSpace(req.CustomerName)
	if customerName == "" {
		customerName = strings.TrimSpace(req.CustomerEmail)
	}

	payload := sendPaymentRequest{
		PaymentMethodID:    paymentMethodID(req.PaymentMethod),
		InvoiceValue:       amount,
		DisplayCurrencyIso: req.Currency,
		CustomerName:       customerName,
		CustomerEmail:      req.CustomerEmail,
		CallBackURL:        req.CallbackURL,
		ErrorURL:           req.ErrorURL,
		Language:           language,
		NotificationOption: "LNK",
		CustomerReference:  req.CorrelationID,
		CustomerCivilID:    req.CustomerID,
		UserDefinedField:   req.ResourceID,
		InvoiceItems: []invoiceItem{{
			ItemName:  req.ItemName,
			Quantity:  1,
			UnitPrice: amount,
		}},
		SourceInfo: sourceInfo,
	}

	env, _, err := a.post(ctx, creds, sendPaymentPath, payload)
	if err != nil {
		return nil, err
	}
	if !env.IsSuccess {
		return &domain.InitiateResult{Success: false, Message: env.failureMessage()}, nil
	}

	var data sendPaymentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode SendPayment data: %v", domain.ErrInvalidResponse, err)
	}
	if data.InvoiceID == 0 {
		return nil, fmt.Errorf("%w: missing InvoiceId", domain.ErrInvalidResponse)
	}
	redirectURL := strings.TrimSpace(data.PaymentURL)
	if redirectURL == "" {
		redirectURL = strings.TrimSpace(data.InvoiceURL)
	}

	return &domain.InitiateResult{
		Success:          true,
		GatewayReference: strconv.FormatInt(data.InvoiceID, 10),
		RedirectURL:      redirectURL,
		Message:          env.Message,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, creds domain.Credentials, gatewayReference string) (*domain.StatusResult, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	gatewayReference = strings.TrimSpace(gatewayReference)
	if gatewayReference == "" {
		return nil, domain.ErrInvalidReference
	}

	env, raw, err := a.post(ctx, creds, paymentStatusPath, paymentStatusRequest{
		Key:     gatewayReference,
		KeyType: "InvoiceId",
	})
	if err != nil {
		return nil, err
	}
	if !env.IsSuccess {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, env.failureMessage())
	}

	var data paymentStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode GetPaymentStatus data: %v", domain.ErrInvalidResponse, err)
	}

	return &domain.StatusResult{
		Status: mapInvoiceStatus(data.InvoiceStatus),
		Raw:    raw,
	}, nil
}

// Ping opens a throwaway session to prove the key is accepted.
func (a *Adapter) Ping(ctx context.Context, creds domain.Credentials) error {
	if err := validateCredentials(creds); err != nil {
		return err
	}
	env, _, err := a.post(ctx, creds, initiateSessionPath, initiateSessionRequest{
		CustomerIdentifier: "payflow-connectivity-check",
	})
	if err != nil {
		return err
	}
	if !env.IsSuccess {
		return fmt.Errorf("%w: %s", domain.ErrGatewayRejected, env.failureMessage())
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, creds domain.Credentials, path string, payload any) (*envelope, json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	endpoint := strings.TrimRight(creds.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("new %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, nil, classifyTransportError(path, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, fmt.Errorf("%w: %s status=%d", domain.ErrGatewayUnavailable, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, nil, fmt.Errorf("%w: %s status=%d", domain.ErrGatewayRejected, path, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidResponse, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: %s status=%d: %s", domain.ErrGatewayRejected, path, resp.StatusCode, env.failureMessage())
	}
	return &env, json.RawMessage(raw), nil
}

func (e *envelope) failureMessage() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.ValidationErrors)+1)
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	for _, v := range e.ValidationErrors {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Name, v.Error))
	}
	return strings.Join(parts, "; ")
}

func classifyTransportError(path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrGatewayTimeout, path, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", domain.ErrGatewayTimeout, path, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, path, err)
}

func validateCredentials(creds domain.Credentials) error {
	if strings.TrimSpace(creds.BaseURL) == "" || strings.TrimSpace(creds.APIKey) == "" {
		return domain.ErrMissingCredentials
	}
	return nil
}

func paymentMethodID(method string) int {
	if strings.EqualFold(strings.TrimSpace(method), Provider) {
		return methodAll
	}
	return methodCard
}

func mapInvoiceStatus(status string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return domain.StatusPaid
	case "failed", "canceled", "cancelled", "expired":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
