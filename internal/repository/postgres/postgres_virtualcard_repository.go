package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/ledger"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type PostgresVirtualCardRepository struct {
	db *sql.DB
}

func NewPostgresVirtualCardRepository(db *sql.DB) *PostgresVirtualCardRepository {
	return &PostgresVirtualCardRepository{db: db}
}

func (r *PostgresVirtualCardRepository) Create(ctx context.Context, card *models.VirtualCard) error {
	if card == nil {
		return fmt.Errorf("virtual card is nil")
	}
	card.Balance = decimal.Zero
	card.Status = models.CardActive

	const query = `
		INSERT INTO virtual_cards (account_id, balance, spending_limit, daily_limit, monthly_limit, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		card.AccountID, card.Balance, card.SpendingLimit, card.DailyLimit, card.MonthlyLimit, card.Status,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create virtual card: %w", err)
	}
	return nil
}

const cardColumns = `id, account_id, balance, spending_limit, daily_limit, monthly_limit, status, created_at`

func (r *PostgresVirtualCardRepository) GetByID(ctx context.Context, id int64) (*models.VirtualCard, error) {
	query := `SELECT ` + cardColumns + ` FROM virtual_cards WHERE id = $1`
	return r.scanCard(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresVirtualCardRepository) scanCard(row *sql.Row) (*models.VirtualCard, error) {
	card := &models.VirtualCard{}
	err := row.Scan(
		&card.ID, &card.AccountID, &card.Balance, &card.SpendingLimit,
		&card.DailyLimit, &card.MonthlyLimit, &card.Status, &card.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual card: %w", err)
	}
	return card, nil
}

func lockCard(ctx context.Context, tx *sql.Tx, id int64) (*models.VirtualCard, error) {
	query := `SELECT ` + cardColumns + ` FROM virtual_cards WHERE id = $1 FOR UPDATE`
	card := &models.VirtualCard{}
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&card.ID, &card.AccountID, &card.Balance, &card.SpendingLimit,
		&card.DailyLimit, &card.MonthlyLimit, &card.Status, &card.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock virtual card: %w", err)
	}
	return card, nil
}

// Fund moves amount from the owning account's buckets onto the card. The
// account debit and the card credit are equal, so total value is conserved.
func (r *PostgresVirtualCardRepository) Fund(ctx context.Context, cardID int64, amount decimal.Decimal, currency string) (int64, error) {
	if amount.Sign() <= 0 {
		return 0, pkgerrors.ErrInvalidAmount
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	card, err := lockCard(ctx, dbTx, cardID)
	if err != nil {
		return 0, rollback(dbTx, err)
	}
	if card.Status != models.CardActive {
		err = fmt.Errorf("%w: card is %s", pkgerrors.ErrConflict, card.Status)
		return 0, rollback(dbTx, err)
	}

	acc, err := lockAccount(ctx, dbTx, card.AccountID)
	if err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = ledger.Debit(acc, amount); err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return 0, rollback(dbTx, err)
	}
	if _, err = dbTx.ExecContext(ctx,
		`UPDATE virtual_cards SET balance = balance + $1 WHERE id = $2`, amount, cardID,
	); err != nil {
		err = fmt.Errorf("failed to fund card: %w", err)
		return 0, rollback(dbTx, err)
	}

	now := time.Now().UTC()
	rec := &models.Transaction{
		AccountID:   card.AccountID,
		Type:        models.TypeCardFunding,
		Status:      models.StatusCompleted,
		Amount:      amount.Neg(),
		Currency:    currency,
		Metadata:    models.Metadata{"card_id": cardID},
		ProcessedAt: &now,
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("card funded", "card_id", cardID, "account_id", card.AccountID, "amount", amount, "record_id", rec.ID)
	return rec.ID, nil
}

// Cancel zeroes the card and refunds its remaining balance into the owning
// account's deposit bucket.
func (r *PostgresVirtualCardRepository) Cancel(ctx context.Context, cardID int64, currency string) (decimal.Decimal, int64, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	card, err := lockCard(ctx, dbTx, cardID)
	if err != nil {
		return decimal.Zero, 0, rollback(dbTx, err)
	}
	if card.Status != models.CardActive && card.Status != models.CardFrozen {
		err = fmt.Errorf("%w: card is %s", pkgerrors.ErrConflict, card.Status)
		return decimal.Zero, 0, rollback(dbTx, err)
	}

	refund := card.Balance
	if _, err = dbTx.ExecContext(ctx,
		`UPDATE virtual_cards SET balance = 0, status = $1 WHERE id = $2`, models.CardCancelled, cardID,
	); err != nil {
		err = fmt.Errorf("failed to cancel card: %w", err)
		return decimal.Zero, 0, rollback(dbTx, err)
	}

	var recID int64
	if refund.Sign() > 0 {
		acc, lockErr := lockAccount(ctx, dbTx, card.AccountID)
		if lockErr != nil {
			err = lockErr
			return decimal.Zero, 0, rollback(dbTx, err)
		}
		if err = ledger.Credit(acc, models.BucketDeposit, refund); err != nil {
			return decimal.Zero, 0, rollback(dbTx, err)
		}
		if err = saveBuckets(ctx, dbTx, acc); err != nil {
			return decimal.Zero, 0, rollback(dbTx, err)
		}

		now := time.Now().UTC()
		rec := &models.Transaction{
			AccountID:   card.AccountID,
			Type:        models.TypeCardRefund,
			Status:      models.StatusCompleted,
			Amount:      refund,
			Currency:    currency,
			Metadata:    models.Metadata{"card_id": cardID},
			ProcessedAt: &now,
		}
		if err = insertRecord(ctx, dbTx, rec); err != nil {
			return decimal.Zero, 0, rollback(dbTx, err)
		}
		recID = rec.ID
	}
	if err = dbTx.Commit(); err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("card cancelled", "card_id", cardID, "account_id", card.AccountID, "refund", refund)
	return refund, recID, nil
}

func (r *PostgresVirtualCardRepository) SetStatus(ctx context.Context, cardID int64, from, to models.CardStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE virtual_cards SET status = $1 WHERE id = $2 AND status = $3`, to, cardID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update card status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrConflict
	}
	return nil
}
