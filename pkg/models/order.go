package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the authoritative order record. Items are snapshotted at creation
// and never re-read from the live product catalogue.
type Order struct {
	ID         string      `json:"id"`
	Status     Status      `json:"status"`
	Items      []OrderItem `json:"items"`
	CustomerID string      `json:"customer_id"`
	FarmerID   string      `json:"farmer_id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Feedback   *Feedback   `json:"feedback,omitempty"`
}

type OrderItem struct {
	ProductID       string          `json:"product_id"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Quantity        int             `json:"quantity"`
}

type Feedback struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Clone returns a deep copy so callers can mutate a local order without
// touching the stored one.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderItem, len(o.Items))
		copy(out.Items, o.Items)
	}
	if o.Feedback != nil {
		fb := *o.Feedback
		out.Feedback = &fb
	}
	return out
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
