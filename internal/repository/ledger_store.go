package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

// LedgerStore is the atomic unit-of-work surface: every method commits the
// account-balance write and the transaction-record write in one database
// transaction, holding a row lock on the account so concurrent mutations of
// the same balance serialize. A crash between the two writes can never leave
// balance and history inconsistent.
type LedgerStore interface {
	// DebitAndRecord drains the account buckets in precedence order and
	// inserts rec in the same transaction. rec.Amount carries the signed
	// amount; the debit applied is its absolute value.
	DebitAndRecord(ctx context.Context, accountID int64, amount decimal.Decimal, rec *models.Transaction) error

	// CreditAndRecord adds amount to the named bucket and inserts rec.
	CreditAndRecord(ctx context.Context, accountID int64, bucket models.Bucket, amount decimal.Decimal, rec *models.Transaction) error

	// TransferAndRecord moves amount between two accounts, inserting a debit
	// row for the sender and a credit row for the recipient.
	TransferAndRecord(ctx context.Context, fromID, toID int64, amount decimal.Decimal, currency string) (debitID, creditID int64, err error)

	// TransitionWithDebit advances a record from expected to next only if the
	// stored status still matches, debits the owning account and adds the
	// amount to its withdraw bucket. Used for withdrawal approval and for
	// holding funds when auto-processing moves a withdrawal to processing.
	TransitionWithDebit(ctx context.Context, txID int64, expected, next models.TransactionStatus, fields StatusFields) error

	// TransitionWithCredit advances a record and credits the owning account's
	// bucket by amount. zeroAmount additionally zeroes the record amount
	// (contract-rejection compensation). releaseWithdraw also reduces the
	// withdraw bucket, undoing a hold placed by TransitionWithDebit.
	TransitionWithCredit(ctx context.Context, txID int64, expected, next models.TransactionStatus, bucket models.Bucket, amount decimal.Decimal, zeroAmount, releaseWithdraw bool, fields StatusFields) error

	// CompleteContract settles a matured stake: principal back into deposit,
	// plan interest into the interest bucket, record completed. Guarded on
	// the record still being pending.
	CompleteContract(ctx context.Context, txID int64, principal, interest decimal.Decimal) error
}
