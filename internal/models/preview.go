package models

import "time"

// Preview lifecycle states.
const (
	PreviewStatusPending   = "pending"
	PreviewStatusExecuted  = "executed"
	PreviewStatusExpired   = "expired"
	PreviewStatusCancelled = "cancelled"
)

// TradePreview is a proposed order persisted by the preview step. A preview is
// only executable while pending and inside its expiry window.
type TradePreview struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	AccountID      string    `gorm:"not null" json:"account_id"`
	BrokerProvider string    `gorm:"not null" json:"broker_provider"`
	Ticker         string    `gorm:"not null" json:"ticker"`
	Side           string    `gorm:"not null" json:"side"`
	Quantity       float64   `gorm:"not null" json:"quantity"`
	OrderType      string    `gorm:"not null" json:"order_type"`
	TimeInForce    string    `json:"time_in_force"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	EstimatedPrice float64   `json:"estimated_price"`
	EstimatedCost  float64   `json:"estimated_cost"`
	Commission     float64   `json:"commission"`
	PreviewPayload string    `gorm:"type:text" json:"preview_payload"` // raw broker what-if response
	Warnings       string    `gorm:"type:text" json:"warnings,omitempty"`
	Status         string    `gorm:"not null;default:pending" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"not null" json:"expires_at"`
}

// Expired reports whether the preview's primary TTL has passed at now.
func (p *TradePreview) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// TTL returns the preview's configured time-to-live.
func (p *TradePreview) TTL() time.Duration {
	return p.ExpiresAt.Sub(p.CreatedAt)
}
