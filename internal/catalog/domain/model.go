package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrResourceNotFound = errors.New("resource_not_found")

// Resource is the catalog view the purchase flow needs.
type Resource struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	IsFree      bool            `json:"is_free"`
	IsPublished bool            `json:"is_published"`
}

// Purchasable reports whether the resource can be bought at all.
func (r *Resource) Purchasable() bool {
	return r != nil && r.IsPublished && !r.IsFree
}

type Repository interface {
	FindResource(ctx context.Context, id string) (*Resource, error)
}
