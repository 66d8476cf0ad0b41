package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
)

type createPurchaseRequest struct {
	ResourceID    string          `json:"resourceId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

type createPurchaseResponse struct {
	PurchaseID       string `json:"purchaseId"`
	RedirectURL      string `json:"redirectUrl"`
	GatewayReference string `json:"gatewayReference"`
}

type fulfillmentView struct {
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type purchaseView struct {
	ID               string           `json:"id"`
	ResourceID       string           `json:"resourceId"`
	Amount           string           `json:"amount"`
	Currency         string           `json:"currency"`
	PaymentMethod    string           `json:"paymentMethod"`
	Status           string           `json:"status"`
	GatewayReference *string          `json:"gatewayReference"`
	Fulfillment      *fulfillmentView `json:"fulfillment"`
	FailureReason    *string          `json:"failureReason"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (s *Server) CreatePurchase(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.purchaseSvc.RequestPurchase(c.Request.Context(), purchasedomain.RequestPurchaseInput{
		UserID:        user.ID,
		ResourceID:    strings.TrimSpace(req.ResourceID),
		Amount:        req.Amount,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, createPurchaseResponse{
		PurchaseID:       result.PurchaseID.String(),
		RedirectURL:      result.RedirectURL,
		GatewayReference: result.GatewayReference,
	})
}

func (s *Server) GetPurchase(c *gin.Context) {
	purchase, ok := s.loadOwnedPurchase(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPurchaseView(purchase)})
}

func (s *Server) GetPurchaseReceipt(c *gin.Context) {
	purchase, ok := s.loadOwnedPurchase(c)
	if !ok {
		return
	}

	pdf, err := s.receipts.Render(c.Request.Context(), purchase)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.pdf"`, purchase.ID.String()))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// loadOwnedPurchase answers 404 for malformed ids and for purchases that
// belong to another user.
func (s *Server) loadOwnedPurchase(c *gin.Context) (*purchasedomain.Purchase, bool) {
	user, ok := currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return nil, false
	}

	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}

	purchase, err := s.purchaseSvc.GetPurchase(c.Request.Context(), user.ID, *id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return purchase, true
}

func newPurchaseView(p *purchasedomain.Purchase) purchaseView {
	view := purchaseView{
		ID:               p.ID.String(),
		ResourceID:       p.ResourceID,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		PaymentMethod:    p.PaymentMethod,
		Status:           string(p.Status),
		GatewayReference: p.GatewayReference,
		FailureReason:    p.FailureReason,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.Fulfillment != nil {
		view.Fulfillment = &fulfillmentView{
			DownloadURL: p.Fulfillment.DownloadURL,
			ExpiresAt:   p.Fulfillment.ExpiresAt,
		}
	}
	return view
}
