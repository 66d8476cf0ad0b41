package fulfillment

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Signal is emitted once per purchase, after the COMPLETED transition was applied.
type Signal struct {
	PurchaseID  snowflake.ID
	UserID      string
	ResourceID  string
	DownloadURL string
	ExpiresAt   time.Time
}

// Publisher delivers fulfillment signals. Failures never undo the transition.
type Publisher interface {
	Publish(ctx context.Context, signal Signal) error
}
