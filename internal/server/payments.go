package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/payflow/internal/reconcile/domain"
	"go.uber.org/zap"
)

const (
	maxNotificationBody = 1 << 20
	maxDiagnosticBody   = 4 << 10
)

// gatewayNotification is the MyFatoorah callback shape. InvoiceId arrives as
// a number from the gateway and as a string from some proxies.
type gatewayNotification struct {
	InvoiceID         flexibleString `json:"InvoiceId"`
	InvoiceStatus     string         `json:"InvoiceStatus"`
	CustomerReference string         `json:"CustomerReference"`
	Error             string         `json:"Error"`
}

type flexibleString string

func (f *flexibleString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleString(n.String())
	return nil
}

func (s *Server) PaymentCallback(c *gin.Context) {
	note, payload, _, err := readGatewayNotification(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	out, err := s.reconcileSvc.HandleSuccessNotification(ctx, reconciledomain.SuccessNotification{
		GatewayReference: string(note.InvoiceID),
		CorrelationToken: correlationToken(c, note),
		ClaimedStatus:    note.InvoiceStatus,
		Payload:          payload,
	})
	if err != nil {
		logger.FromContext(ctx).Error("payment callback processing failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	logNotificationOutcome(c, "payment callback processed", out)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PaymentError always acknowledges. A body that cannot be parsed is kept as
// an unresolved_notification diagnostic instead of being rejected.
func (s *Server) PaymentError(c *gin.Context) {
	ctx := c.Request.Context()
	note, payload, raw, err := readGatewayNotification(c)
	if err != nil {
		logger.FromContext(ctx).Warn("unparseable payment error callback", zap.Error(err))
		s.recordUnparseableNotification(ctx, c.Query("purchaseId"), raw, err)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	out, err := s.reconcileSvc.HandleErrorNotification(ctx, reconciledomain.ErrorNotification{
		GatewayReference: string(note.InvoiceID),
		CorrelationToken: correlationToken(c, note),
		Reason:           note.Error,
		Payload:          payload,
	})
	if err != nil {
		logger.FromContext(ctx).Error("payment error callback processing failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	logNotificationOutcome(c, "payment error callback processed", out)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// readGatewayNotification returns the typed fields, the decoded payload and
// the raw body. An empty body is accepted; the purchaseId query may still
// identify the purchase.
func readGatewayNotification(c *gin.Context) (gatewayNotification, map[string]any, []byte, error) {
	var note gatewayNotification

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		return note, nil, body, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return note, map[string]any{}, body, nil
	}

	if err := json.Unmarshal(body, &note); err != nil {
		return note, nil, body, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return note, nil, body, err
	}
	return note, payload, body, nil
}

func (s *Server) recordUnparseableNotification(ctx context.Context, purchaseID string, raw []byte, cause error) {
	if s.auditSvc == nil {
		return
	}
	if len(raw) > maxDiagnosticBody {
		raw = raw[:maxDiagnosticBody]
	}
	metadata := map[string]any{
		"channel": "error",
		"error":   cause.Error(),
		"body":    string(raw),
	}
	if id := strings.TrimSpace(purchaseID); id != "" {
		metadata["purchase_id"] = id
	}
	err := s.auditSvc.Record(ctx, auditdomain.RecordInput{
		Kind:     auditdomain.KindUnresolvedNotification,
		Severity: auditdomain.SeverityWarning,
		Message:  "payment error callback body could not be parsed",
		Metadata: metadata,
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record diagnostic", zap.Error(err))
	}
}

func correlationToken(c *gin.Context, note gatewayNotification) string {
	if token := strings.TrimSpace(note.CustomerReference); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("purchaseId"))
}

func logNotificationOutcome(c *gin.Context, msg string, out *reconciledomain.Outcome) {
	if out == nil {
		return
	}
	fields := []zap.Field{
		zap.String("action", string(out.Action)),
		zap.Bool("applied", out.Applied),
	}
	if out.PurchaseID != nil {
		fields = append(fields, zap.String("purchase_id", out.PurchaseID.String()))
	}
	if out.Status != "" {
		fields = append(fields, zap.String("status", string(out.Status)))
	}
	logger.FromContext(c.Request.Context()).Info(msg, fields...)
}
