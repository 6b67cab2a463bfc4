package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CardStatus string

const (
	CardActive    CardStatus = "active"
	CardFrozen    CardStatus = "frozen"
	CardCancelled CardStatus = "cancelled"
	CardExpired   CardStatus = "expired"
)

// VirtualCard holds funds separately from the owning account's buckets once
// funded. Funding debits the account by the funded amount and credits the
// card balance by the same amount; cancelling refunds the remaining balance.
type VirtualCard struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	SpendingLimit decimal.Decimal `json:"spending_limit"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	MonthlyLimit  decimal.Decimal `json:"monthly_limit"`
	Status        CardStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
