package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-beyndtech/instantglobal-server/internal/audit"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/redis"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

func newLedgerFixture(throttleSeconds int) (*fakeLedger, *ledgerService) {
	f := newFakeLedger()
	r := newFakeRedis()
	throttle := redis.NewThrottle(r, time.Duration(throttleSeconds)*time.Second)
	svc := NewLedgerService(f, txRepoAdapter{f}, f, r, throttle, notify.NopNotifier{}, audit.NopRecorder{})
	return f, svc
}

func self(id int64) auth.Principal { return auth.Principal{AccountID: id} }

func TestRequestDepositCreatesPendingWithoutBalanceChange(t *testing.T) {
	f, svc := newLedgerFixture(0)
	acc := f.addAccount(&models.Account{Email: "a@example.com"})

	rec, err := svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("100"), "USD")
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, models.TypeDeposit, rec.Type)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.IsZero(), "requesting a deposit never touches the balance")
}

func TestRequestDepositOnePendingPerType(t *testing.T) {
	f, svc := newLedgerFixture(0)
	acc := f.addAccount(&models.Account{Email: "a@example.com"})

	_, err := svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("100"), "USD")
	require.NoError(t, err)

	_, err = svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("50"), "USD")
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)
}

func TestRequestDepositThrottled(t *testing.T) {
	f, svc := newLedgerFixture(60)
	acc := f.addAccount(&models.Account{Email: "a@example.com"})

	_, err := svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("100"), "USD")
	require.NoError(t, err)

	// The throttle fires before the one-pending rule does.
	_, err = svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("50"), "USD")
	assert.ErrorIs(t, err, pkgerrors.ErrTooManyRequests)
}

func TestRequestDepositRejectsAdminAccount(t *testing.T) {
	f, svc := newLedgerFixture(0)
	acc := f.addAccount(&models.Account{Email: "admin@example.com", IsAdmin: true})

	_, err := svc.RequestDeposit(context.Background(), self(acc.ID), acc.ID, dec("100"), "USD")
	assert.ErrorIs(t, err, pkgerrors.ErrRestrictedAccount)
}

func TestRequestWithdrawalRecordsWalletAndNegativeAmount(t *testing.T) {
	f, svc := newLedgerFixture(0)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("10")})

	wallet := models.WalletData{Address: "0xabc", Network: "mainnet"}
	// No balance check at request time: a 500 request against a 10 balance is
	// accepted and decided at approval.
	rec, err := svc.RequestWithdrawal(context.Background(), self(acc.ID), acc.ID, dec("500"), "ETH", wallet)
	require.NoError(t, err)

	assert.Equal(t, models.TypeCryptoWithdrawal, rec.Type)
	assert.True(t, rec.Amount.Equal(dec("-500")))
	assert.Equal(t, "0xabc", rec.Wallet().Address)
	assert.Equal(t, "mainnet", rec.Wallet().Network)
}

func TestTransferIsIdempotentPerRequestID(t *testing.T) {
	f, svc := newLedgerFixture(0)
	from := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("100")})
	to := f.addAccount(&models.Account{Email: "b@example.com"})

	_, err := svc.Transfer(context.Background(), self(from.ID), from.ID, to.ID, dec("40"), "USD", "req-1")
	require.NoError(t, err)

	_, err = svc.Transfer(context.Background(), self(from.ID), from.ID, to.ID, dec("40"), "USD", "req-1")
	assert.ErrorIs(t, err, pkgerrors.ErrRequestAlreadyProcessed)

	gotFrom, _ := f.GetByID(context.Background(), from.ID)
	gotTo, _ := f.GetByID(context.Background(), to.ID)
	assert.True(t, gotFrom.Deposit.Equal(dec("60")), "debit applied exactly once")
	assert.True(t, gotTo.Deposit.Equal(dec("40")))
}

func TestTransferReleasesRequestKeyOnFailure(t *testing.T) {
	f, svc := newLedgerFixture(0)
	from := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("10")})
	to := f.addAccount(&models.Account{Email: "b@example.com"})

	_, err := svc.Transfer(context.Background(), self(from.ID), from.ID, to.ID, dec("40"), "USD", "req-2")
	require.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)

	// The failed attempt must not burn the request id.
	f.mu.Lock()
	f.accounts[from.ID].Deposit = dec("100")
	f.mu.Unlock()

	_, err = svc.Transfer(context.Background(), self(from.ID), from.ID, to.ID, dec("40"), "USD", "req-2")
	assert.NoError(t, err)
}

func TestTransferForbiddenForOtherAccounts(t *testing.T) {
	f, svc := newLedgerFixture(0)
	from := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("100")})
	to := f.addAccount(&models.Account{Email: "b@example.com"})

	_, err := svc.Transfer(context.Background(), self(to.ID), from.ID, to.ID, dec("40"), "USD", "req-3")
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
}
