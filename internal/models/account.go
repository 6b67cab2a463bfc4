package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket names one of the balance categories an account holds funds in.
// The withdraw bucket is a running total of withdrawn funds, not a source
// bucket, so it is never a valid credit target for product flows.
type Bucket string

const (
	BucketDeposit  Bucket = "deposit"
	BucketInterest Bucket = "interest"
	BucketBonus    Bucket = "bonus"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketDeposit, BucketInterest, BucketBonus:
		return true
	}
	return false
}

type Account struct {
	ID           int64           `json:"id"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Deposit      decimal.Decimal `json:"deposit"`
	Interest     decimal.Decimal `json:"interest"`
	Bonus        decimal.Decimal `json:"bonus"`
	Withdraw     decimal.Decimal `json:"withdraw"`
	IsAdmin      bool            `json:"is_admin"`
	ReferralCode string          `json:"referral_code,omitempty"`
	ReferredBy   int64           `json:"referred_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
