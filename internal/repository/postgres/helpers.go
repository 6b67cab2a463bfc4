package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	repo "github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// lockAccount loads the account row under FOR UPDATE so balance mutations on
// the same account serialize for the lifetime of the surrounding db tx.
// Admin-flagged accounts are rejected here so no caller can bypass the check.
func lockAccount(ctx context.Context, tx *sql.Tx, id int64) (*models.Account, error) {
	const query = `SELECT id, deposit, interest, bonus, withdraw, is_admin FROM accounts WHERE id = $1 FOR UPDATE`
	acc := &models.Account{}
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&acc.ID, &acc.Deposit, &acc.Interest, &acc.Bonus, &acc.Withdraw, &acc.IsAdmin,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	if acc.IsAdmin {
		return nil, pkgerrors.ErrRestrictedAccount
	}
	return acc, nil
}

func saveBuckets(ctx context.Context, tx *sql.Tx, acc *models.Account) error {
	const query = `UPDATE accounts SET deposit = $1, interest = $2, bonus = $3, withdraw = $4 WHERE id = $5`
	if _, err := tx.ExecContext(ctx, query, acc.Deposit, acc.Interest, acc.Bonus, acc.Withdraw, acc.ID); err != nil {
		return fmt.Errorf("failed to save account buckets: %w", err)
	}
	return nil
}

// insertRecord writes a transaction row and fills in ID and CreatedAt.
func insertRecord(ctx context.Context, tx *sql.Tx, rec *models.Transaction) error {
	if rec == nil {
		return pkgerrors.ErrNilTransaction
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO transactions (account_id, counterparty_id, type, status, amount, currency, metadata, provider_id, tx_hash, attempts, error_reason, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`
	err = tx.QueryRowContext(ctx, query,
		rec.AccountID, nullInt64(rec.CounterpartyID), rec.Type, rec.Status, rec.Amount,
		rec.Currency, meta, rec.ProviderID, rec.TxHash, rec.Attempts, rec.ErrorReason, rec.ProcessedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func validateRecord(rec *models.Transaction) error {
	if !rec.Type.Valid() {
		return pkgerrors.ErrInvalidTransactionType
	}
	if !rec.Status.Valid() {
		return pkgerrors.ErrInvalidTransactionStatus
	}
	if rec.Amount.IsZero() {
		return pkgerrors.ErrInvalidAmount
	}
	if dir := rec.Type.Direction(); dir != 0 && rec.Amount.Sign() != dir {
		return pkgerrors.ErrAmountSignMismatch
	}
	return nil
}

func marshalMetadata(meta models.Metadata) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// statusSet renders the SET fragments for a guarded status update. argn is
// the next placeholder index; the returned args continue from there.
func statusSet(next models.TransactionStatus, fields repo.StatusFields, argn int) (string, []interface{}, int) {
	clause := fmt.Sprintf("status = $%d", argn)
	args := []interface{}{next}
	argn++

	add := func(col string, v interface{}) {
		clause += fmt.Sprintf(", %s = $%d", col, argn)
		args = append(args, v)
		argn++
	}
	if fields.ProviderID != nil {
		add("provider_id", *fields.ProviderID)
	}
	if fields.TxHash != nil {
		add("tx_hash", *fields.TxHash)
	}
	if fields.ErrorReason != nil {
		add("error_reason", *fields.ErrorReason)
	}
	if fields.ProcessedAt != nil {
		add("processed_at", *fields.ProcessedAt)
	}
	if fields.LastAttempt != nil {
		add("last_attempt_at", *fields.LastAttempt)
	}
	if fields.IncAttempts {
		clause += ", attempts = attempts + 1"
	}
	if next.Terminal() && fields.ProcessedAt == nil {
		clause += fmt.Sprintf(", processed_at = $%d", argn)
		args = append(args, time.Now().UTC())
		argn++
	}
	return clause, args, argn
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
	}
	return err
}
