package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/observability"
	"github.com/storm-beyndtech/instantglobal-server/internal/ledger"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	repo "github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// PostgresLedgerStore commits every balance write together with its
// transaction record in a single database transaction, holding the account
// row lock for the duration. This is the only write path for balances.
type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (s *PostgresLedgerStore) observe(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RepositoryCalls.WithLabelValues(method, status).Inc()
	observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (s *PostgresLedgerStore) DebitAndRecord(ctx context.Context, accountID int64, amount decimal.Decimal, rec *models.Transaction) error {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "DebitAndRecord")
	span.SetAttributes(attribute.Int64("account_id", accountID), attribute.String("amount", amount.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("DebitAndRecord", start, err)
	}()

	if rec == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	acc, err := lockAccount(ctx, dbTx, accountID)
	if err != nil {
		return rollback(dbTx, err)
	}
	if err = ledger.Debit(acc, amount); err != nil {
		return rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return rollback(dbTx, err)
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		return rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("debit applied", "account_id", accountID, "amount", amount, "record_id", rec.ID, "type", rec.Type)
	return nil
}

func (s *PostgresLedgerStore) CreditAndRecord(ctx context.Context, accountID int64, bucket models.Bucket, amount decimal.Decimal, rec *models.Transaction) error {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "CreditAndRecord")
	span.SetAttributes(attribute.Int64("account_id", accountID), attribute.String("amount", amount.String()), attribute.String("bucket", string(bucket)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("CreditAndRecord", start, err)
	}()

	if rec == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	acc, err := lockAccount(ctx, dbTx, accountID)
	if err != nil {
		return rollback(dbTx, err)
	}
	if err = ledger.Credit(acc, bucket, amount); err != nil {
		return rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return rollback(dbTx, err)
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		return rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("credit applied", "account_id", accountID, "amount", amount, "bucket", bucket, "record_id", rec.ID, "type", rec.Type)
	return nil
}

func (s *PostgresLedgerStore) TransferAndRecord(ctx context.Context, fromID, toID int64, amount decimal.Decimal, currency string) (int64, int64, error) {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "TransferAndRecord")
	span.SetAttributes(attribute.Int64("from", fromID), attribute.Int64("to", toID), attribute.String("amount", amount.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("TransferAndRecord", start, err)
	}()

	if fromID == toID {
		err = fmt.Errorf("cannot transfer to the same account")
		return 0, 0, err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Lock in ascending id order so two opposing transfers cannot deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	accounts := map[int64]*models.Account{}
	for _, id := range []int64{first, second} {
		acc, lockErr := lockAccount(ctx, dbTx, id)
		if lockErr != nil {
			err = lockErr
			return 0, 0, rollback(dbTx, err)
		}
		accounts[id] = acc
	}

	sender, recipient := accounts[fromID], accounts[toID]
	if err = ledger.Debit(sender, amount); err != nil {
		return 0, 0, rollback(dbTx, err)
	}
	if err = ledger.Credit(recipient, models.BucketDeposit, amount); err != nil {
		return 0, 0, rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, sender); err != nil {
		return 0, 0, rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, recipient); err != nil {
		return 0, 0, rollback(dbTx, err)
	}

	now := time.Now().UTC()
	debitRec := &models.Transaction{
		AccountID:      fromID,
		CounterpartyID: toID,
		Type:           models.TypeInternalTransfer,
		Status:         models.StatusCompleted,
		Amount:         amount.Neg(),
		Currency:       currency,
		ProcessedAt:    &now,
	}
	creditRec := &models.Transaction{
		AccountID:      toID,
		CounterpartyID: fromID,
		Type:           models.TypeInternalTransfer,
		Status:         models.StatusCompleted,
		Amount:         amount,
		Currency:       currency,
		ProcessedAt:    &now,
	}
	if err = insertRecord(ctx, dbTx, debitRec); err != nil {
		return 0, 0, rollback(dbTx, err)
	}
	if err = insertRecord(ctx, dbTx, creditRec); err != nil {
		return 0, 0, rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transfer applied", "from", fromID, "to", toID, "amount", amount, "debit_id", debitRec.ID, "credit_id", creditRec.ID)
	return debitRec.ID, creditRec.ID, nil
}

// lockRecord loads the transaction row under FOR UPDATE and verifies its
// status still matches expected; a mismatch is a Conflict, not an error in
// the database sense.
func lockRecord(ctx context.Context, tx *sql.Tx, txID int64, expected ...models.TransactionStatus) (*models.Transaction, error) {
	const query = `SELECT id, account_id, type, status, amount, currency FROM transactions WHERE id = $1 FOR UPDATE`
	rec := &models.Transaction{}
	err := tx.QueryRowContext(ctx, query, txID).Scan(
		&rec.ID, &rec.AccountID, &rec.Type, &rec.Status, &rec.Amount, &rec.Currency,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	for _, status := range expected {
		if rec.Status == status {
			return rec, nil
		}
	}
	return nil, pkgerrors.ErrConflict
}

func applyStatus(ctx context.Context, tx *sql.Tx, txID int64, next models.TransactionStatus, fields repo.StatusFields) error {
	setClause, args, argn := statusSet(next, fields, 1)
	query := fmt.Sprintf("UPDATE transactions SET %s WHERE id = $%d", setClause, argn)
	args = append(args, txID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) TransitionWithDebit(ctx context.Context, txID int64, expected, next models.TransactionStatus, fields repo.StatusFields) error {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "TransitionWithDebit")
	span.SetAttributes(attribute.Int64("transaction_id", txID), attribute.String("from", string(expected)), attribute.String("to", string(next)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("TransitionWithDebit", start, err)
	}()

	if !models.CanTransition(expected, next) {
		err = pkgerrors.ErrInvalidTransactionStatus
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	rec, err := lockRecord(ctx, dbTx, txID, expected)
	if err != nil {
		return rollback(dbTx, err)
	}
	acc, err := lockAccount(ctx, dbTx, rec.AccountID)
	if err != nil {
		return rollback(dbTx, err)
	}

	// Funds are re-verified here, not just at request time: the balance may
	// have changed since the record was created.
	amount := rec.Amount.Abs()
	if err = ledger.Debit(acc, amount); err != nil {
		return rollback(dbTx, err)
	}
	acc.Withdraw = acc.Withdraw.Add(amount)
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return rollback(dbTx, err)
	}
	if err = applyStatus(ctx, dbTx, txID, next, fields); err != nil {
		return rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	observability.TransactionTransitions.WithLabelValues(string(rec.Type), string(expected), string(next)).Inc()
	slog.Info("transition with debit applied", "transaction_id", txID, "account_id", rec.AccountID, "amount", amount, "from", expected, "to", next)
	return nil
}

func (s *PostgresLedgerStore) TransitionWithCredit(ctx context.Context, txID int64, expected, next models.TransactionStatus, bucket models.Bucket, amount decimal.Decimal, zeroAmount, releaseWithdraw bool, fields repo.StatusFields) error {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "TransitionWithCredit")
	span.SetAttributes(attribute.Int64("transaction_id", txID), attribute.String("from", string(expected)), attribute.String("to", string(next)))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("TransitionWithCredit", start, err)
	}()

	if !models.CanTransition(expected, next) {
		err = pkgerrors.ErrInvalidTransactionStatus
		return err
	}
	if amount.Sign() < 0 {
		err = pkgerrors.ErrInvalidAmount
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	rec, err := lockRecord(ctx, dbTx, txID, expected)
	if err != nil {
		return rollback(dbTx, err)
	}
	acc, err := lockAccount(ctx, dbTx, rec.AccountID)
	if err != nil {
		return rollback(dbTx, err)
	}

	if amount.Sign() > 0 {
		if err = ledger.Credit(acc, bucket, amount); err != nil {
			return rollback(dbTx, err)
		}
	}
	if releaseWithdraw {
		acc.Withdraw = acc.Withdraw.Sub(amount)
		if acc.Withdraw.IsNegative() {
			acc.Withdraw = decimal.Zero
		}
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return rollback(dbTx, err)
	}
	if zeroAmount {
		if _, err = dbTx.ExecContext(ctx, `UPDATE transactions SET amount = 0 WHERE id = $1`, txID); err != nil {
			err = fmt.Errorf("failed to zero transaction amount: %w", err)
			return rollback(dbTx, err)
		}
	}
	if err = applyStatus(ctx, dbTx, txID, next, fields); err != nil {
		return rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	observability.TransactionTransitions.WithLabelValues(string(rec.Type), string(expected), string(next)).Inc()
	slog.Info("transition with credit applied", "transaction_id", txID, "account_id", rec.AccountID, "amount", amount, "bucket", bucket, "from", expected, "to", next)
	return nil
}

func (s *PostgresLedgerStore) CompleteContract(ctx context.Context, txID int64, principal, interest decimal.Decimal) error {
	var err error
	tracer := otel.Tracer("ledger-store")
	ctx, span := tracer.Start(ctx, "CompleteContract")
	span.SetAttributes(attribute.Int64("transaction_id", txID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observe("CompleteContract", start, err)
	}()

	if principal.Sign() <= 0 || interest.Sign() < 0 {
		err = pkgerrors.ErrInvalidAmount
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	rec, err := lockRecord(ctx, dbTx, txID, models.StatusPending, models.StatusApproved)
	if err != nil {
		return rollback(dbTx, err)
	}
	acc, err := lockAccount(ctx, dbTx, rec.AccountID)
	if err != nil {
		return rollback(dbTx, err)
	}

	if err = ledger.Credit(acc, models.BucketDeposit, principal); err != nil {
		return rollback(dbTx, err)
	}
	if interest.Sign() > 0 {
		if err = ledger.Credit(acc, models.BucketInterest, interest); err != nil {
			return rollback(dbTx, err)
		}
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return rollback(dbTx, err)
	}

	now := time.Now().UTC()
	if err = applyStatus(ctx, dbTx, txID, models.StatusCompleted, repo.StatusFields{ProcessedAt: &now}); err != nil {
		return rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	observability.TransactionTransitions.WithLabelValues(string(models.TypeContract), string(rec.Status), string(models.StatusCompleted)).Inc()
	slog.Info("contract completed", "transaction_id", txID, "account_id", rec.AccountID, "principal", principal, "interest", interest)
	return nil
}
