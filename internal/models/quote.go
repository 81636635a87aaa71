package models

import "time"

// DeliveryQuote is an advisory, provider-sourced estimate
type DeliveryQuote struct {
	Provider   ProviderID `json:"provider"`
	QuoteID    string     `json:"quote_id"`
	FeeCents   int64      `json:"fee_cents"`
	Currency   string     `json:"currency"`
	ETAMinutes int        `json:"eta_minutes"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Expired reports whether the quote can no longer be accepted
func (q DeliveryQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}
