package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// fakeGiftCardRepo mirrors the single-winner redemption contract of the
// Postgres implementation.
type fakeGiftCardRepo struct {
	mu     sync.Mutex
	ledger *fakeLedger
	cards  map[string]*models.GiftCard
	nextID int64
}

func newFakeGiftCardRepo(ledger *fakeLedger) *fakeGiftCardRepo {
	return &fakeGiftCardRepo{ledger: ledger, cards: map[string]*models.GiftCard{}, nextID: 1}
}

func (r *fakeGiftCardRepo) Create(ctx context.Context, card *models.GiftCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	card.ID = r.nextID
	r.nextID++
	r.cards[card.Code] = card
	return nil
}

func (r *fakeGiftCardRepo) Purchase(ctx context.Context, buyerID int64, card *models.GiftCard) (int64, error) {
	rec := &models.Transaction{
		AccountID: buyerID,
		Type:      models.TypeGiftCardPurchase,
		Status:    models.StatusCompleted,
		Amount:    card.Amount.Neg(),
		Currency:  card.Currency,
	}
	if err := r.ledger.DebitAndRecord(ctx, buyerID, card.Amount, rec); err != nil {
		return 0, err
	}
	if err := r.Create(ctx, card); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (r *fakeGiftCardRepo) GetByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[code]
	if !ok {
		return nil, pkgerrors.ErrGiftCardNotFound
	}
	cp := *card
	return &cp, nil
}

func (r *fakeGiftCardRepo) Redeem(ctx context.Context, code string, accountID int64) (*models.GiftCard, int64, error) {
	r.mu.Lock()
	card, ok := r.cards[code]
	if !ok {
		r.mu.Unlock()
		return nil, 0, pkgerrors.ErrGiftCardNotFound
	}
	if card.Status != models.GiftCardActive || !card.ExpiresAt.After(time.Now()) {
		status := card.Status
		r.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: gift card is %s", pkgerrors.ErrConflict, status)
	}
	card.Status = models.GiftCardRedeemed
	card.Recipient = accountID
	cp := *card
	r.mu.Unlock()

	rec := &models.Transaction{
		AccountID: accountID,
		Type:      models.TypeGiftCardRedemption,
		Status:    models.StatusCompleted,
		Amount:    cp.Amount,
		Currency:  cp.Currency,
	}
	if err := r.ledger.CreditAndRecord(ctx, accountID, models.BucketDeposit, cp.Amount, rec); err != nil {
		return nil, 0, err
	}
	return &cp, rec.ID, nil
}

func (r *fakeGiftCardRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, card := range r.cards {
		if card.Status == models.GiftCardActive && !card.ExpiresAt.After(now) {
			card.Status = models.GiftCardExpired
			n++
		}
	}
	return n, nil
}

func TestGiftCardPurchaseAndRedeemConservesValue(t *testing.T) {
	f := newFakeLedger()
	repo := newFakeGiftCardRepo(f)
	svc := NewGiftCardService(repo, notify.NopNotifier{})

	buyer := f.addAccount(&models.Account{Email: "buyer@example.com", Deposit: dec("100")})
	redeemer := f.addAccount(&models.Account{Email: "redeemer@example.com"})

	card, err := svc.Purchase(context.Background(), self(buyer.ID), buyer.ID, dec("25"), "USD", 0)
	require.NoError(t, err)
	require.NotEmpty(t, card.Code)

	gotBuyer, _ := f.GetByID(context.Background(), buyer.ID)
	assert.True(t, gotBuyer.Deposit.Equal(dec("75")))

	redeemed, err := svc.Redeem(context.Background(), self(redeemer.ID), redeemer.ID, card.Code)
	require.NoError(t, err)
	assert.Equal(t, models.GiftCardRedeemed, redeemed.Status)

	gotRedeemer, _ := f.GetByID(context.Background(), redeemer.ID)
	assert.True(t, gotRedeemer.Deposit.Equal(dec("25")), "card value lands in the redeemer's deposit bucket")
}

func TestGiftCardRedeemsExactlyOnce(t *testing.T) {
	f := newFakeLedger()
	repo := newFakeGiftCardRepo(f)
	svc := NewGiftCardService(repo, notify.NopNotifier{})

	buyer := f.addAccount(&models.Account{Email: "buyer@example.com", Deposit: dec("100")})
	first := f.addAccount(&models.Account{Email: "first@example.com"})
	second := f.addAccount(&models.Account{Email: "second@example.com"})

	card, err := svc.Purchase(context.Background(), self(buyer.ID), buyer.ID, dec("25"), "USD", 0)
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), self(first.ID), first.ID, card.Code)
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), self(second.ID), second.ID, card.Code)
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)

	gotSecond, _ := f.GetByID(context.Background(), second.ID)
	assert.True(t, gotSecond.Deposit.IsZero(), "the loser is never credited")
}

func TestGiftCardPurchaseInsufficientFunds(t *testing.T) {
	f := newFakeLedger()
	repo := newFakeGiftCardRepo(f)
	svc := NewGiftCardService(repo, notify.NopNotifier{})

	buyer := f.addAccount(&models.Account{Email: "buyer@example.com", Deposit: dec("10")})

	_, err := svc.Purchase(context.Background(), self(buyer.ID), buyer.ID, dec("25"), "USD", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
}

func TestGiftCardExpirySweep(t *testing.T) {
	f := newFakeLedger()
	repo := newFakeGiftCardRepo(f)
	svc := NewGiftCardService(repo, notify.NopNotifier{})

	require.NoError(t, repo.Create(context.Background(), &models.GiftCard{
		Code: "OLD", Amount: dec("5"), Currency: "USD",
		Status: models.GiftCardActive, ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, repo.Create(context.Background(), &models.GiftCard{
		Code: "FRESH", Amount: dec("5"), Currency: "USD",
		Status: models.GiftCardActive, ExpiresAt: time.Now().Add(time.Hour),
	}))

	n, err := svc.ExpireDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, _ := repo.GetByCode(context.Background(), "OLD")
	assert.Equal(t, models.GiftCardExpired, old.Status)
}
