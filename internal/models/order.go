package models

import "time"

// Order lifecycle states as observed from the broker.
const (
	OrderStatusPending       = "PENDING"
	OrderStatusAccepted      = "ACCEPTED"
	OrderStatusExecuted      = "EXECUTED"
	OrderStatusPartial       = "PARTIAL"
	OrderStatusRejected      = "REJECTED"
	OrderStatusFailed        = "FAILED"
	OrderStatusCancelPending = "CANCEL_PENDING"
	OrderStatusCanceled      = "CANCELED"
	OrderStatusExpired       = "EXPIRED"
)

// TradeOrder is the append-only execution record spawned by a successfully
// executed preview. The unique index on PreviewID is what makes execution
// idempotent: a retried execute for the same preview collides on insert and
// gets the existing row back. Rows are updated as fills and cancellations are
// observed, never deleted.
type TradeOrder struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	PreviewID      string    `gorm:"uniqueIndex;not null;size:36" json:"preview_id"`
	BrokerOrderID  string    `json:"broker_order_id"`
	OrderStatus    string    `gorm:"not null;check:order_status IN ('PENDING','ACCEPTED','EXECUTED','PARTIAL','REJECTED','FAILED','CANCEL_PENDING','CANCELED','EXPIRED')" json:"order_status"`
	Ticker         string    `gorm:"not null" json:"ticker"`
	Side           string    `gorm:"not null" json:"side"`
	Quantity       float64   `gorm:"not null" json:"quantity"`
	FilledQuantity float64   `json:"filled_quantity"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Commission     float64   `json:"commission"`
	Reason         string    `json:"reason,omitempty"` // broker reject / failure detail
	BrokerProvider string    `gorm:"not null" json:"broker_provider"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the order can no longer change state.
func (o *TradeOrder) Terminal() bool {
	switch o.OrderStatus {
	case OrderStatusExecuted, OrderStatusRejected, OrderStatusFailed,
		OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}
