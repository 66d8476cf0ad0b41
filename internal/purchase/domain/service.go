package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	RequestPurchase(ctx context.Context, input RequestPurchaseInput) (*RequestPurchaseResult, error)
	GetPurchase(ctx context.Context, userID string, id snowflake.ID) (*Purchase, error)
}
