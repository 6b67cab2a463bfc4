package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

func newPayoutFixture(t *testing.T) (*fakeLedger, *fakeProvider, *payoutService) {
	t.Helper()
	f := newFakeLedger()
	provider := newFakeProvider()
	svc := NewPayoutService(txRepoAdapter{f}, f, provider, notify.NopNotifier{}, time.Second, 3)
	return f, provider, svc
}

func pendingWithdrawal(t *testing.T, f *fakeLedger, accountID int64, amount, currency, address string) int64 {
	t.Helper()
	id, err := f.CreateTx(context.Background(), &models.Transaction{
		AccountID: accountID,
		Type:      models.TypeCryptoWithdrawal,
		Status:    models.StatusPending,
		Amount:    dec(amount).Neg(),
		Currency:  currency,
		Metadata:  models.Metadata{"address": address},
	})
	require.NoError(t, err)
	return id
}

const ethAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestProcessWithdrawalExhaustedAttemptsGoToReview(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	provider.balances["ETH"] = dec("1000")

	recID, err := f.CreateTx(context.Background(), &models.Transaction{
		AccountID: acc.ID,
		Type:      models.TypeCryptoWithdrawal,
		Status:    models.StatusPending,
		Amount:    dec("100").Neg(),
		Currency:  "ETH",
		Metadata:  models.Metadata{"address": ethAddress},
		Attempts:  3,
	})
	require.NoError(t, err)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.StatusRequiresManual, result.Status)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("500")), "no funds move on the way to review")
}

func TestProcessWithdrawalCompletes(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	provider.balances["ETH"] = dec("1000")
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", ethAddress)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.StatusCompleted, result.Status)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.NotEmpty(t, rec.ProviderID)
	assert.Equal(t, 1, rec.Attempts)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("400")))
	assert.True(t, got.Withdraw.Equal(dec("100")))
}

func TestProcessWithdrawalRoutesToManualWhenProviderShort(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	// Provider holds less than the requested payout.
	provider.balances["ETH"] = dec("50")
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", ethAddress)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	// Parking for manual review is a successful outcome, not a failure.
	assert.True(t, result.Success)
	assert.Equal(t, models.StatusRequiresManual, result.Status)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("500")), "no funds move when parked for review")
	assert.True(t, got.Withdraw.IsZero())
}

func TestProcessWithdrawalValidationFailureMarksFailed(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	provider.balances["ETH"] = dec("1000")
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", "not-an-address")

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.StatusFailed, result.Status)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorReason)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("500")), "no funds move on validation failure")
}

func TestProcessWithdrawalCompensatesProviderFailure(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	provider.balances["ETH"] = dec("1000")
	provider.failing["ETH"] = true
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", ethAddress)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.StatusFailed, result.Status)

	// The hold taken before the provider call is fully unwound.
	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("500")), "held funds restored, got %s", got.Deposit)
	assert.True(t, got.Withdraw.IsZero())

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.ErrorReason)
}

func TestProcessWithdrawalInFlightKeepsHold(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	provider.balances["ETH"] = dec("1000")
	provider.statuses["ETH"] = "sending"
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", ethAddress)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.StatusProcessing, result.Status)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.NotEmpty(t, rec.ProviderID, "provider refs recorded while settling")

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Withdraw.Equal(dec("100")), "hold stays while the provider settles")
}

// inFlightWithdrawal drives a withdrawal to processing with the provider
// still settling, and returns its record id and provider id.
func inFlightWithdrawal(t *testing.T, f *fakeLedger, provider *fakeProvider, svc *payoutService, accountID int64) (int64, string) {
	t.Helper()
	provider.balances["ETH"] = dec("1000")
	provider.statuses["ETH"] = "sending"
	recID := pendingWithdrawal(t, f, accountID, "100", "ETH", ethAddress)

	result, err := svc.ProcessWithdrawal(context.Background(), recID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, result.Status)

	rec, err := f.GetTxByID(context.Background(), recID)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ProviderID)
	return recID, rec.ProviderID
}

func TestReconcileInFlightCompletesSettledPayout(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	recID, providerID := inFlightWithdrawal(t, f, provider, svc, acc.ID)

	provider.settlement[providerID] = "finished"
	resolved, err := svc.ReconcileInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestReconcileInFlightCompensatesRefundedPayout(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	recID, providerID := inFlightWithdrawal(t, f, provider, svc, acc.ID)

	provider.settlement[providerID] = "refunded"
	resolved, err := svc.ReconcileInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorReason)

	// The hold taken at dispatch is fully unwound.
	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Deposit.Equal(dec("500")), "held funds restored, got %s", got.Deposit)
	assert.True(t, got.Withdraw.IsZero())
}

func TestReconcileInFlightKeepsUndecidedPayouts(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	recID, providerID := inFlightWithdrawal(t, f, provider, svc, acc.ID)

	// An unrecognized provider answer must never settle the record.
	provider.settlement[providerID] = "some-new-status"
	resolved, err := svc.ReconcileInFlight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)

	rec, _ := f.GetTxByID(context.Background(), recID)
	assert.Equal(t, models.StatusProcessing, rec.Status)

	got, _ := f.GetByID(context.Background(), acc.ID)
	assert.True(t, got.Withdraw.Equal(dec("100")), "hold stays until the provider decides")
}

func TestProcessWithdrawalRejectsNonPending(t *testing.T) {
	f, _, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	recID := pendingWithdrawal(t, f, acc.ID, "100", "ETH", ethAddress)
	require.NoError(t, f.UpdateStatus(context.Background(), recID, models.StatusPending, models.StatusRequiresManual, repository.StatusFields{}))

	_, err := svc.ProcessWithdrawal(context.Background(), recID)
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)
}

func TestMassPayoutGroupFailureIsIsolated(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	alice := f.addAccount(&models.Account{Email: "alice@example.com", Deposit: dec("500")})
	bob := f.addAccount(&models.Account{Email: "bob@example.com", Deposit: dec("500")})
	carol := f.addAccount(&models.Account{Email: "carol@example.com", Deposit: dec("500")})

	provider.balances["ETH"] = dec("1000")
	provider.balances["USDT-TRC20"] = dec("1000")
	provider.failing["USDT-TRC20"] = true

	ethID := pendingWithdrawal(t, f, alice.ID, "100", "ETH", ethAddress)
	usdt1 := pendingWithdrawal(t, f, bob.ID, "50", "USDT-TRC20", "TJRyWwFs9wTFGZg3JbrVriFbNfCug5tDeC")
	usdt2 := pendingWithdrawal(t, f, carol.ID, "70", "USDT-TRC20", "TJRyWwFs9wTFGZg3JbrVriFbNfCug5tDeC")

	results, err := svc.ProcessMassWithdrawals(context.Background(), []int64{ethID, usdt1, usdt2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[int64]ProcessResult{}
	for _, r := range results {
		byID[r.TransactionID] = r
	}

	// The ETH group settles normally.
	assert.True(t, byID[ethID].Success)
	assert.Equal(t, models.StatusCompleted, byID[ethID].Status)

	// Both USDT items fail together and are compensated.
	for _, id := range []int64{usdt1, usdt2} {
		assert.False(t, byID[id].Success)
		assert.Equal(t, models.StatusFailed, byID[id].Status)
	}

	gotBob, _ := f.GetByID(context.Background(), bob.ID)
	assert.True(t, gotBob.Deposit.Equal(dec("500")), "failed group holds are unwound")
	gotCarol, _ := f.GetByID(context.Background(), carol.ID)
	assert.True(t, gotCarol.Deposit.Equal(dec("500")))

	gotAlice, _ := f.GetByID(context.Background(), alice.ID)
	assert.True(t, gotAlice.Deposit.Equal(dec("400")), "successful group is unaffected")
}

func TestMassPayoutSkipsUnfundedItem(t *testing.T) {
	f, provider, svc := newPayoutFixture(t)
	rich := f.addAccount(&models.Account{Email: "rich@example.com", Deposit: dec("500")})
	poor := f.addAccount(&models.Account{Email: "poor@example.com", Deposit: dec("10")})
	provider.balances["ETH"] = dec("1000")

	okID := pendingWithdrawal(t, f, rich.ID, "100", "ETH", ethAddress)
	brokeID := pendingWithdrawal(t, f, poor.ID, "100", "ETH", ethAddress)

	results, err := svc.ProcessMassWithdrawals(context.Background(), []int64{okID, brokeID})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[int64]ProcessResult{}
	for _, r := range results {
		byID[r.TransactionID] = r
	}
	assert.True(t, byID[okID].Success)
	assert.False(t, byID[brokeID].Success)

	rec, _ := f.GetTxByID(context.Background(), brokeID)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestValidateUsesStaticMinimumWhenProviderSilent(t *testing.T) {
	f, _, svc := newPayoutFixture(t)
	acc := f.addAccount(&models.Account{Email: "a@example.com", Deposit: dec("500")})
	// fakeProvider has no minimum configured; the static BTC floor applies.
	recID := pendingWithdrawal(t, f, acc.ID, "0.0001", "BTC", "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2")

	rec, err := f.GetTxByID(context.Background(), recID)
	require.NoError(t, err)

	err = svc.Validate(context.Background(), rec)
	assert.ErrorIs(t, err, pkgerrors.ErrValidationFailed)
}
