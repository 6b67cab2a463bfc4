package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

const giftCardValidity = 365 * 24 * time.Hour

type GiftCardService interface {
	Purchase(ctx context.Context, p auth.Principal, buyerID int64, amount decimal.Decimal, currency string, recipient int64) (*models.GiftCard, error)
	Redeem(ctx context.Context, p auth.Principal, accountID int64, code string) (*models.GiftCard, error)
	Lookup(ctx context.Context, code string) (*models.GiftCard, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

type giftCardService struct {
	cards    repository.GiftCardRepository
	notifier notify.Notifier
}

func NewGiftCardService(cards repository.GiftCardRepository, notifier notify.Notifier) *giftCardService {
	return &giftCardService{cards: cards, notifier: notifier}
}

// Purchase issues a new card funded from the buyer's balance. The code is an
// opaque token; possession of it is the whole entitlement.
func (s *giftCardService) Purchase(ctx context.Context, p auth.Principal, buyerID int64, amount decimal.Decimal, currency string, recipient int64) (*models.GiftCard, error) {
	tracer := otel.Tracer("giftcard-service")
	ctx, span := tracer.Start(ctx, "PurchaseGiftCard")
	defer span.End()

	if !p.CanAct(buyerID) {
		return nil, pkgerrors.ErrForbidden
	}
	if amount.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}

	card := &models.GiftCard{
		Code:      strings.ToUpper(uuid.NewString()),
		Amount:    amount,
		Currency:  currency,
		Status:    models.GiftCardActive,
		IssuedBy:  buyerID,
		Recipient: recipient,
		ExpiresAt: time.Now().UTC().Add(giftCardValidity),
	}
	if _, err := s.cards.Purchase(ctx, buyerID, card); err != nil {
		span.RecordError(err)
		slog.Error("failed to purchase gift card", "account_id", buyerID, "amount", amount, "error", err)
		return nil, err
	}

	slog.Info("gift card issued", "card_id", card.ID, "issued_by", buyerID, "amount", amount)
	return card, nil
}

func (s *giftCardService) Redeem(ctx context.Context, p auth.Principal, accountID int64, code string) (*models.GiftCard, error) {
	tracer := otel.Tracer("giftcard-service")
	ctx, span := tracer.Start(ctx, "RedeemGiftCard")
	defer span.End()

	if !p.CanAct(accountID) {
		return nil, pkgerrors.ErrForbidden
	}
	if code == "" {
		return nil, fmt.Errorf("%w: gift card code is required", pkgerrors.ErrValidationFailed)
	}

	card, recID, err := s.cards.Redeem(ctx, strings.ToUpper(strings.TrimSpace(code)), accountID)
	if err != nil {
		span.RecordError(err)
		slog.Warn("gift card redemption failed", "account_id", accountID, "error", err)
		return nil, err
	}

	s.notifier.Emit(ctx, notify.Event{Kind: notify.GiftCardRedeemed, AccountID: accountID, TransactionID: recID})
	return card, nil
}

func (s *giftCardService) Lookup(ctx context.Context, code string) (*models.GiftCard, error) {
	return s.cards.GetByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *giftCardService) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.cards.ExpireDue(ctx, now)
	if err != nil {
		slog.Error("gift card expiry sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("gift cards expired", "count", n)
	}
	return n, nil
}
