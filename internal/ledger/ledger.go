// Package ledger owns the balance invariants: no bucket goes negative, no
// debit exceeds the available balance, and debits drain buckets in the fixed
// precedence deposit -> interest -> bonus. Callers mutate account buckets
// only through these functions.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// Available returns deposit + interest + bonus - withdraw.
func Available(acc *models.Account) decimal.Decimal {
	return acc.Deposit.Add(acc.Interest).Add(acc.Bonus).Sub(acc.Withdraw)
}

// Debit deducts amount across the buckets in precedence order
// deposit -> interest -> bonus, each drained to zero before spilling into
// the next. Bonus funds are spent last; they carry different accounting
// treatment. The account is untouched on error.
func Debit(acc *models.Account, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return pkgerrors.ErrInvalidAmount
	}
	available := Available(acc)
	if available.LessThan(amount) {
		return &pkgerrors.InsufficientFundsError{Available: available, Required: amount}
	}

	remaining := amount
	for _, bucket := range []*decimal.Decimal{&acc.Deposit, &acc.Interest, &acc.Bonus} {
		if remaining.Sign() == 0 {
			break
		}
		take := decimal.Min(*bucket, remaining)
		*bucket = bucket.Sub(take)
		remaining = remaining.Sub(take)
	}
	return nil
}

// Credit adds amount to the named bucket, deposit by default.
func Credit(acc *models.Account, bucket models.Bucket, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return pkgerrors.ErrInvalidAmount
	}
	switch bucket {
	case models.BucketInterest:
		acc.Interest = acc.Interest.Add(amount)
	case models.BucketBonus:
		acc.Bonus = acc.Bonus.Add(amount)
	default:
		acc.Deposit = acc.Deposit.Add(amount)
	}
	return nil
}

// Reverse applies a compensating credit for a previously applied debit.
// Per-transaction bucket attribution is not recorded, so the reversal always
// restores into deposit regardless of which buckets were drained.
func Reverse(acc *models.Account, amount decimal.Decimal) error {
	return Credit(acc, models.BucketDeposit, amount)
}
