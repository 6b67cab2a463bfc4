package repository

import (
	"context"
	"time"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

type GiftCardRepository interface {
	Create(ctx context.Context, card *models.GiftCard) error
	// Purchase debits the buyer, writes a completed purchase record and
	// issues the card, all in one database transaction. Returns the record id.
	Purchase(ctx context.Context, buyerID int64, card *models.GiftCard) (int64, error)
	GetByCode(ctx context.Context, code string) (*models.GiftCard, error)
	// Redeem flips the card to redeemed and credits the redeeming account's
	// deposit bucket plus a completed redemption record, atomically. The flip
	// is guarded on status = active and expires_at in the future; a miss
	// reports ErrConflict (already redeemed, expired or cancelled).
	Redeem(ctx context.Context, code string, accountID int64) (*models.GiftCard, int64, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}
