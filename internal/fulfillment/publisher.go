package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	catalogdomain "github.com/smallbiznis/payflow/internal/catalog/domain"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const templatePurchaseCompleted = "purchase_completed"

type Params struct {
	fx.In

	Log     *zap.Logger
	Email   email.Provider
	Users   identitydomain.Repository
	Catalog catalogdomain.Repository
}

// NotifyingPublisher logs every signal and emails the buyer.
type NotifyingPublisher struct {
	log     *zap.Logger
	email   email.Provider
	users   identitydomain.Repository
	catalog catalogdomain.Repository
}

func NewPublisher(p Params) *NotifyingPublisher {
	return &NotifyingPublisher{
		log:     p.Log.Named("fulfillment.publisher"),
		email:   p.Email,
		users:   p.Users,
		catalog: p.Catalog,
	}
}

func (p *NotifyingPublisher) Publish(ctx context.Context, signal Signal) error {
	p.log.Info("fulfillment granted",
		zap.String("purchase_id", signal.PurchaseID.String()),
		zap.String("user_id", signal.UserID),
		zap.String("resource_id", signal.ResourceID),
		zap.Time("expires_at", signal.ExpiresAt),
	)

	if p.email == nil {
		return nil
	}

	user, err := p.users.FindUser(ctx, signal.UserID)
	if err != nil {
		return fmt.Errorf("load buyer: %w", err)
	}
	if strings.TrimSpace(user.Email) == "" {
		p.log.Debug("buyer has no email, skipping notification", zap.String("user_id", signal.UserID))
		return nil
	}

	title := signal.ResourceID
	if p.catalog != nil {
		if resource, err := p.catalog.FindResource(ctx, signal.ResourceID); err == nil && resource.Title != "" {
			title = resource.Title
		}
	}

	err = p.email.SendTemplate(ctx, []string{user.Email}, templatePurchaseCompleted, map[string]any{
		"name":         user.DisplayName(),
		"resource":     title,
		"download_url": signal.DownloadURL,
		"expires_at":   signal.ExpiresAt.UTC().Format(time.RFC1123),
		"purchase_id":  signal.PurchaseID.String(),
	})
	if err != nil {
		return fmt.Errorf("send purchase email: %w", err)
	}
	return nil
}
