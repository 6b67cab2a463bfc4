package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/observability"
	"github.com/storm-beyndtech/instantglobal-server/internal/ledger"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type PostgresGiftCardRepository struct {
	db *sql.DB
}

func NewPostgresGiftCardRepository(db *sql.DB) *PostgresGiftCardRepository {
	return &PostgresGiftCardRepository{db: db}
}

func (r *PostgresGiftCardRepository) Create(ctx context.Context, card *models.GiftCard) error {
	if card == nil {
		return fmt.Errorf("gift card is nil")
	}
	if card.Code == "" {
		return fmt.Errorf("gift card code is required")
	}
	if card.Amount.Sign() <= 0 {
		return pkgerrors.ErrInvalidAmount
	}

	const query = `
		INSERT INTO gift_cards (code, amount, currency, status, issued_by, recipient, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		card.Code, card.Amount, card.Currency, card.Status, card.IssuedBy,
		nullInt64(card.Recipient), card.ExpiresAt,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create gift card: %w", err)
	}
	return nil
}

// Purchase issues a card paid for out of the buyer's balance: the debit, the
// purchase record and the card row commit together or not at all.
func (r *PostgresGiftCardRepository) Purchase(ctx context.Context, buyerID int64, card *models.GiftCard) (int64, error) {
	var err error
	tracer := otel.Tracer("giftcard-repository")
	ctx, span := tracer.Start(ctx, "PurchaseGiftCard")
	span.SetAttributes(attribute.Int64("account_id", buyerID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues("PurchaseGiftCard", status).Inc()
		observability.RepositoryDuration.WithLabelValues("PurchaseGiftCard").Observe(time.Since(start).Seconds())
	}()

	if card == nil || card.Code == "" {
		err = fmt.Errorf("gift card code is required")
		return 0, err
	}
	if card.Amount.Sign() <= 0 {
		err = pkgerrors.ErrInvalidAmount
		return 0, err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	acc, err := lockAccount(ctx, dbTx, buyerID)
	if err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = ledger.Debit(acc, card.Amount); err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return 0, rollback(dbTx, err)
	}

	const insertCard = `
		INSERT INTO gift_cards (code, amount, currency, status, issued_by, recipient, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	err = dbTx.QueryRowContext(ctx, insertCard,
		card.Code, card.Amount, card.Currency, card.Status, card.IssuedBy,
		nullInt64(card.Recipient), card.ExpiresAt,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		err = fmt.Errorf("failed to create gift card: %w", err)
		return 0, rollback(dbTx, err)
	}

	now := time.Now().UTC()
	rec := &models.Transaction{
		AccountID:   buyerID,
		Type:        models.TypeGiftCardPurchase,
		Status:      models.StatusCompleted,
		Amount:      card.Amount.Neg(),
		Currency:    card.Currency,
		Metadata:    models.Metadata{"gift_card_code": card.Code},
		ProcessedAt: &now,
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		return 0, rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("gift card purchased", "code", card.Code, "account_id", buyerID, "amount", card.Amount, "record_id", rec.ID)
	return rec.ID, nil
}

const giftCardColumns = `id, code, amount, currency, status, issued_by, COALESCE(recipient, 0), expires_at, created_at`

func (r *PostgresGiftCardRepository) GetByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	query := `SELECT ` + giftCardColumns + ` FROM gift_cards WHERE code = $1`
	card := &models.GiftCard{}
	err := r.db.QueryRowContext(ctx, query, code).Scan(
		&card.ID, &card.Code, &card.Amount, &card.Currency, &card.Status,
		&card.IssuedBy, &card.Recipient, &card.ExpiresAt, &card.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrGiftCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gift card: %w", err)
	}
	return card, nil
}

// Redeem flips the card to redeemed and credits the account's deposit bucket
// in one database transaction. The guarded UPDATE makes the flip a
// single-winner operation: of two concurrent redemptions exactly one sees a
// row, the other gets ErrConflict.
func (r *PostgresGiftCardRepository) Redeem(ctx context.Context, code string, accountID int64) (*models.GiftCard, int64, error) {
	var err error
	tracer := otel.Tracer("giftcard-repository")
	ctx, span := tracer.Start(ctx, "RedeemGiftCard")
	span.SetAttributes(attribute.Int64("account_id", accountID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues("RedeemGiftCard", status).Inc()
		observability.RepositoryDuration.WithLabelValues("RedeemGiftCard").Observe(time.Since(start).Seconds())
	}()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	const flip = `
		UPDATE gift_cards SET status = $1, recipient = $2
		WHERE code = $3 AND status = $4 AND expires_at > $5
		RETURNING ` + giftCardColumns
	card := &models.GiftCard{}
	err = dbTx.QueryRowContext(ctx, flip,
		models.GiftCardRedeemed, accountID, code, models.GiftCardActive, time.Now().UTC(),
	).Scan(
		&card.ID, &card.Code, &card.Amount, &card.Currency, &card.Status,
		&card.IssuedBy, &card.Recipient, &card.ExpiresAt, &card.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		_ = dbTx.Rollback()
		// Distinguish a missing card from one already consumed or expired.
		var current models.GiftCardStatus
		scanErr := r.db.QueryRowContext(ctx, `SELECT status FROM gift_cards WHERE code = $1`, code).Scan(&current)
		if stderrors.Is(scanErr, sql.ErrNoRows) {
			err = pkgerrors.ErrGiftCardNotFound
			return nil, 0, err
		}
		err = fmt.Errorf("%w: gift card is %s", pkgerrors.ErrConflict, current)
		return nil, 0, err
	}
	if err != nil {
		err = fmt.Errorf("failed to redeem gift card: %w", err)
		return nil, 0, rollback(dbTx, err)
	}

	acc, err := lockAccount(ctx, dbTx, accountID)
	if err != nil {
		return nil, 0, rollback(dbTx, err)
	}
	if err = ledger.Credit(acc, models.BucketDeposit, card.Amount); err != nil {
		return nil, 0, rollback(dbTx, err)
	}
	if err = saveBuckets(ctx, dbTx, acc); err != nil {
		return nil, 0, rollback(dbTx, err)
	}

	now := time.Now().UTC()
	rec := &models.Transaction{
		AccountID:   accountID,
		Type:        models.TypeGiftCardRedemption,
		Status:      models.StatusCompleted,
		Amount:      card.Amount,
		Currency:    card.Currency,
		Metadata:    models.Metadata{"gift_card_code": card.Code},
		ProcessedAt: &now,
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		return nil, 0, rollback(dbTx, err)
	}
	if err = dbTx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("gift card redeemed", "code", card.Code, "account_id", accountID, "amount", card.Amount, "record_id", rec.ID)
	return card, rec.ID, nil
}

func (r *PostgresGiftCardRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gift_cards SET status = $1 WHERE status = $2 AND expires_at <= $3`,
		models.GiftCardExpired, models.GiftCardActive, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire gift cards: %w", err)
	}
	return res.RowsAffected()
}
