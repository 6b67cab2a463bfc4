package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

type VirtualCardRepository interface {
	Create(ctx context.Context, card *models.VirtualCard) error
	GetByID(ctx context.Context, id int64) (*models.VirtualCard, error)
	// Fund debits the owning account by amount and credits the card balance
	// by the same amount in one transaction, with a card_funding record.
	Fund(ctx context.Context, cardID int64, amount decimal.Decimal, currency string) (int64, error)
	// Cancel zeroes the card, refunds its remaining balance into the owning
	// account's deposit bucket and writes a card_refund record.
	Cancel(ctx context.Context, cardID int64, currency string) (refund decimal.Decimal, recordID int64, err error)
	SetStatus(ctx context.Context, cardID int64, from, to models.CardStatus) error
}
