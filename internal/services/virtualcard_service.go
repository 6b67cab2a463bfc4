package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// CardLimits are the optional spend caps set at issuance. Zero means no cap.
type CardLimits struct {
	Spending decimal.Decimal `json:"spending_limit"`
	Daily    decimal.Decimal `json:"daily_limit"`
	Monthly  decimal.Decimal `json:"monthly_limit"`
}

type VirtualCardService interface {
	Issue(ctx context.Context, p auth.Principal, accountID int64, limits CardLimits, fee decimal.Decimal, currency string) (*models.VirtualCard, error)
	Get(ctx context.Context, p auth.Principal, cardID int64) (*models.VirtualCard, error)
	Fund(ctx context.Context, p auth.Principal, cardID int64, amount decimal.Decimal, currency string) (*models.VirtualCard, error)
	Freeze(ctx context.Context, p auth.Principal, cardID int64) error
	Unfreeze(ctx context.Context, p auth.Principal, cardID int64) error
	Cancel(ctx context.Context, p auth.Principal, cardID int64, currency string) (decimal.Decimal, error)
}

type virtualCardService struct {
	cards repository.VirtualCardRepository
	store repository.LedgerStore
}

func NewVirtualCardService(cards repository.VirtualCardRepository, store repository.LedgerStore) *virtualCardService {
	return &virtualCardService{cards: cards, store: store}
}

// Issue creates an active card with a zero balance. A positive fee is charged
// to the account as a completed purchase record before the card is created.
func (s *virtualCardService) Issue(ctx context.Context, p auth.Principal, accountID int64, limits CardLimits, fee decimal.Decimal, currency string) (*models.VirtualCard, error) {
	tracer := otel.Tracer("virtualcard-service")
	ctx, span := tracer.Start(ctx, "IssueVirtualCard")
	span.SetAttributes(attribute.Int64("account_id", accountID))
	defer span.End()

	if !p.CanAct(accountID) {
		return nil, pkgerrors.ErrForbidden
	}

	if fee.Sign() > 0 {
		rec := &models.Transaction{
			AccountID: accountID,
			Type:      models.TypeVirtualCardPurchase,
			Status:    models.StatusCompleted,
			Amount:    fee.Neg(),
			Currency:  currency,
		}
		if err := s.store.DebitAndRecord(ctx, accountID, fee, rec); err != nil {
			span.RecordError(err)
			slog.Error("failed to charge card issuance fee", "account_id", accountID, "fee", fee, "error", err)
			return nil, err
		}
	}

	card := &models.VirtualCard{
		AccountID:     accountID,
		Balance:       decimal.Zero,
		SpendingLimit: limits.Spending,
		DailyLimit:    limits.Daily,
		MonthlyLimit:  limits.Monthly,
		Status:        models.CardActive,
	}
	if err := s.cards.Create(ctx, card); err != nil {
		span.RecordError(err)
		slog.Error("failed to create virtual card", "account_id", accountID, "error", err)
		return nil, err
	}

	slog.Info("virtual card issued", "card_id", card.ID, "account_id", accountID)
	return card, nil
}

// owned loads the card and checks the principal may act on its account.
func (s *virtualCardService) owned(ctx context.Context, p auth.Principal, cardID int64) (*models.VirtualCard, error) {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if !p.CanAct(card.AccountID) {
		return nil, pkgerrors.ErrForbidden
	}
	return card, nil
}

func (s *virtualCardService) Get(ctx context.Context, p auth.Principal, cardID int64) (*models.VirtualCard, error) {
	return s.owned(ctx, p, cardID)
}

// Fund moves amount from the account buckets onto the card. Account debit and
// card credit commit together, so the total value held never changes.
func (s *virtualCardService) Fund(ctx context.Context, p auth.Principal, cardID int64, amount decimal.Decimal, currency string) (*models.VirtualCard, error) {
	tracer := otel.Tracer("virtualcard-service")
	ctx, span := tracer.Start(ctx, "FundVirtualCard")
	span.SetAttributes(attribute.Int64("card_id", cardID))
	defer span.End()

	if _, err := s.owned(ctx, p, cardID); err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}

	if _, err := s.cards.Fund(ctx, cardID, amount, currency); err != nil {
		span.RecordError(err)
		slog.Error("failed to fund virtual card", "card_id", cardID, "amount", amount, "error", err)
		return nil, err
	}
	return s.cards.GetByID(ctx, cardID)
}

func (s *virtualCardService) Freeze(ctx context.Context, p auth.Principal, cardID int64) error {
	if _, err := s.owned(ctx, p, cardID); err != nil {
		return err
	}
	if err := s.cards.SetStatus(ctx, cardID, models.CardActive, models.CardFrozen); err != nil {
		slog.Error("failed to freeze virtual card", "card_id", cardID, "error", err)
		return err
	}
	slog.Info("virtual card frozen", "card_id", cardID)
	return nil
}

func (s *virtualCardService) Unfreeze(ctx context.Context, p auth.Principal, cardID int64) error {
	if _, err := s.owned(ctx, p, cardID); err != nil {
		return err
	}
	if err := s.cards.SetStatus(ctx, cardID, models.CardFrozen, models.CardActive); err != nil {
		slog.Error("failed to unfreeze virtual card", "card_id", cardID, "error", err)
		return err
	}
	slog.Info("virtual card unfrozen", "card_id", cardID)
	return nil
}

// Cancel retires the card and returns whatever balance it still held.
func (s *virtualCardService) Cancel(ctx context.Context, p auth.Principal, cardID int64, currency string) (decimal.Decimal, error) {
	tracer := otel.Tracer("virtualcard-service")
	ctx, span := tracer.Start(ctx, "CancelVirtualCard")
	span.SetAttributes(attribute.Int64("card_id", cardID))
	defer span.End()

	if _, err := s.owned(ctx, p, cardID); err != nil {
		return decimal.Zero, err
	}

	refund, _, err := s.cards.Cancel(ctx, cardID, currency)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to cancel virtual card", "card_id", cardID, "error", err)
		return decimal.Zero, err
	}
	slog.Info("virtual card cancelled", "card_id", cardID, "refund", refund)
	return refund, nil
}
