package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GiftCardStatus string

const (
	GiftCardActive    GiftCardStatus = "active"
	GiftCardRedeemed  GiftCardStatus = "redeemed"
	GiftCardExpired   GiftCardStatus = "expired"
	GiftCardCancelled GiftCardStatus = "cancelled"
)

// GiftCard is a prepaid value instrument. Redeemable exactly once, only
// while active and before ExpiresAt.
type GiftCard struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    GiftCardStatus  `json:"status"`
	IssuedBy  int64           `json:"issued_by"`
	Recipient int64           `json:"recipient,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}
