package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/ledger"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/provider/payout"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// fakeLedger is an in-memory stand-in for the account store, transaction
// store and atomic ledger store. It applies the same bucket math and
// conditional-status semantics as the Postgres implementations so service
// tests exercise the real decision logic.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[int64]*models.Account
	records  map[int64]*models.Transaction
	nextID   int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: map[int64]*models.Account{},
		records:  map[int64]*models.Transaction{},
		nextID:   1,
	}
}

func (f *fakeLedger) addAccount(acc *models.Account) *models.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc.ID == 0 {
		acc.ID = f.nextID
		f.nextID++
	}
	f.accounts[acc.ID] = acc
	return acc
}

// AccountRepository

func (f *fakeLedger) Create(ctx context.Context, acc *models.Account) error {
	f.addAccount(acc)
	return nil
}

func (f *fakeLedger) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[id]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeLedger) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acc := range f.accounts {
		if acc.Email == email {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrAccountNotFound
}

func (f *fakeLedger) List(ctx context.Context, page repository.Page) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []models.Account
	for i, id := range ids {
		if i < page.Offset {
			continue
		}
		if page.Limit > 0 && len(out) >= page.Limit {
			break
		}
		out = append(out, *f.accounts[id])
	}
	return out, nil
}

func (f *fakeLedger) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acc := range f.accounts {
		if acc.ReferralCode == code {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrAccountNotFound
}

// TransactionRepository

func (f *fakeLedger) CreateTx(ctx context.Context, rec *models.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = f.nextID
	f.nextID++
	rec.CreatedAt = time.Now().UTC()
	f.records[rec.ID] = rec
	return rec.ID, nil
}

func (f *fakeLedger) GetTxByID(ctx context.Context, id int64) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) ListByAccount(ctx context.Context, accountID int64, filter repository.TransactionFilter, page repository.Page) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, rec := range f.records {
		if rec.AccountID == accountID || rec.CounterpartyID == accountID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeLedger) UpdateStatus(ctx context.Context, id int64, expected, next models.TransactionStatus, fields repository.StatusFields) error {
	if !models.CanTransition(expected, next) {
		return pkgerrors.ErrInvalidTransactionStatus
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if rec.Status != expected {
		return pkgerrors.ErrConflict
	}
	f.applyFields(rec, next, fields)
	return nil
}

func (f *fakeLedger) applyFields(rec *models.Transaction, next models.TransactionStatus, fields repository.StatusFields) {
	rec.Status = next
	if fields.ProviderID != nil {
		rec.ProviderID = *fields.ProviderID
	}
	if fields.TxHash != nil {
		rec.TxHash = *fields.TxHash
	}
	if fields.ErrorReason != nil {
		rec.ErrorReason = *fields.ErrorReason
	}
	if fields.IncAttempts {
		rec.Attempts++
	}
	if fields.LastAttempt != nil {
		rec.LastAttemptAt = fields.LastAttempt
	}
	if fields.ProcessedAt != nil {
		rec.ProcessedAt = fields.ProcessedAt
	} else if next.Terminal() {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
}

func (f *fakeLedger) AppendProviderRefs(ctx context.Context, id int64, providerID, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	rec.ProviderID = providerID
	rec.TxHash = txHash
	return nil
}

func (f *fakeLedger) HasPendingOfType(ctx context.Context, accountID int64, txType models.TransactionType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.AccountID == accountID && rec.Type == txType && rec.Status == models.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) ListMatured(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, rec := range f.records {
		if rec.Type != models.TypeContract {
			continue
		}
		if rec.Status != models.StatusPending && rec.Status != models.StatusApproved {
			continue
		}
		v, ok := rec.Metadata["matures_at"].(string)
		if !ok {
			continue
		}
		maturesAt, err := time.Parse(time.RFC3339, v)
		if err != nil || maturesAt.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeLedger) ListInFlight(ctx context.Context) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, rec := range f.records {
		if rec.Type != models.TypeWithdrawal && rec.Type != models.TypeCryptoWithdrawal {
			continue
		}
		if rec.Status == models.StatusProcessing && rec.ProviderID != "" {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// LedgerStore

func (f *fakeLedger) lockAccount(id int64) (*models.Account, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if acc.IsAdmin {
		return nil, pkgerrors.ErrRestrictedAccount
	}
	return acc, nil
}

func (f *fakeLedger) DebitAndRecord(ctx context.Context, accountID int64, amount decimal.Decimal, rec *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, err := f.lockAccount(accountID)
	if err != nil {
		return err
	}
	if err := ledger.Debit(acc, amount); err != nil {
		return err
	}
	rec.ID = f.nextID
	f.nextID++
	rec.CreatedAt = time.Now().UTC()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeLedger) CreditAndRecord(ctx context.Context, accountID int64, bucket models.Bucket, amount decimal.Decimal, rec *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, err := f.lockAccount(accountID)
	if err != nil {
		return err
	}
	if err := ledger.Credit(acc, bucket, amount); err != nil {
		return err
	}
	rec.ID = f.nextID
	f.nextID++
	rec.CreatedAt = time.Now().UTC()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeLedger) TransferAndRecord(ctx context.Context, fromID, toID int64, amount decimal.Decimal, currency string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender, err := f.lockAccount(fromID)
	if err != nil {
		return 0, 0, err
	}
	recipient, err := f.lockAccount(toID)
	if err != nil {
		return 0, 0, err
	}
	if err := ledger.Debit(sender, amount); err != nil {
		return 0, 0, err
	}
	if err := ledger.Credit(recipient, models.BucketDeposit, amount); err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()
	debitID := f.nextID
	f.nextID++
	f.records[debitID] = &models.Transaction{
		ID: debitID, AccountID: fromID, CounterpartyID: toID,
		Type: models.TypeInternalTransfer, Status: models.StatusCompleted,
		Amount: amount.Neg(), Currency: currency, CreatedAt: now, ProcessedAt: &now,
	}
	creditID := f.nextID
	f.nextID++
	f.records[creditID] = &models.Transaction{
		ID: creditID, AccountID: toID, CounterpartyID: fromID,
		Type: models.TypeInternalTransfer, Status: models.StatusCompleted,
		Amount: amount, Currency: currency, CreatedAt: now, ProcessedAt: &now,
	}
	return debitID, creditID, nil
}

func (f *fakeLedger) TransitionWithDebit(ctx context.Context, txID int64, expected, next models.TransactionStatus, fields repository.StatusFields) error {
	if !models.CanTransition(expected, next) {
		return pkgerrors.ErrInvalidTransactionStatus
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[txID]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if rec.Status != expected {
		return pkgerrors.ErrConflict
	}
	acc, err := f.lockAccount(rec.AccountID)
	if err != nil {
		return err
	}
	amount := rec.Amount.Abs()
	if err := ledger.Debit(acc, amount); err != nil {
		return err
	}
	acc.Withdraw = acc.Withdraw.Add(amount)
	f.applyFields(rec, next, fields)
	return nil
}

func (f *fakeLedger) TransitionWithCredit(ctx context.Context, txID int64, expected, next models.TransactionStatus, bucket models.Bucket, amount decimal.Decimal, zeroAmount, releaseWithdraw bool, fields repository.StatusFields) error {
	if !models.CanTransition(expected, next) {
		return pkgerrors.ErrInvalidTransactionStatus
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[txID]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if rec.Status != expected {
		return pkgerrors.ErrConflict
	}
	acc, err := f.lockAccount(rec.AccountID)
	if err != nil {
		return err
	}
	if amount.Sign() > 0 {
		if err := ledger.Credit(acc, bucket, amount); err != nil {
			return err
		}
	}
	if releaseWithdraw {
		acc.Withdraw = acc.Withdraw.Sub(amount)
		if acc.Withdraw.IsNegative() {
			acc.Withdraw = decimal.Zero
		}
	}
	if zeroAmount {
		rec.Amount = decimal.Zero
	}
	f.applyFields(rec, next, fields)
	return nil
}

func (f *fakeLedger) CompleteContract(ctx context.Context, txID int64, principal, interest decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[txID]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if rec.Status != models.StatusPending && rec.Status != models.StatusApproved {
		return pkgerrors.ErrConflict
	}
	acc, err := f.lockAccount(rec.AccountID)
	if err != nil {
		return err
	}
	if err := ledger.Credit(acc, models.BucketDeposit, principal); err != nil {
		return err
	}
	if interest.Sign() > 0 {
		if err := ledger.Credit(acc, models.BucketInterest, interest); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	rec.Status = models.StatusCompleted
	rec.ProcessedAt = &now
	return nil
}

// txRepoAdapter exposes the fakeLedger under the TransactionRepository
// interface; Create and GetByID collide with the account methods, hence the
// thin wrapper.
type txRepoAdapter struct{ f *fakeLedger }

func (a txRepoAdapter) Create(ctx context.Context, rec *models.Transaction) (int64, error) {
	return a.f.CreateTx(ctx, rec)
}
func (a txRepoAdapter) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	return a.f.GetTxByID(ctx, id)
}
func (a txRepoAdapter) ListByAccount(ctx context.Context, accountID int64, filter repository.TransactionFilter, page repository.Page) ([]models.Transaction, error) {
	return a.f.ListByAccount(ctx, accountID, filter, page)
}
func (a txRepoAdapter) UpdateStatus(ctx context.Context, id int64, expected, next models.TransactionStatus, fields repository.StatusFields) error {
	return a.f.UpdateStatus(ctx, id, expected, next, fields)
}
func (a txRepoAdapter) AppendProviderRefs(ctx context.Context, id int64, providerID, txHash string) error {
	return a.f.AppendProviderRefs(ctx, id, providerID, txHash)
}
func (a txRepoAdapter) HasPendingOfType(ctx context.Context, accountID int64, txType models.TransactionType) (bool, error) {
	return a.f.HasPendingOfType(ctx, accountID, txType)
}
func (a txRepoAdapter) ListMatured(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	return a.f.ListMatured(ctx, now)
}
func (a txRepoAdapter) ListInFlight(ctx context.Context) ([]models.Transaction, error) {
	return a.f.ListInFlight(ctx)
}

// fakeProvider is a configurable payout provider: per-currency balances,
// per-currency payout statuses, per-payout settlement answers and a set of
// currencies whose calls fail.
type fakeProvider struct {
	mu         sync.Mutex
	connected  bool
	balances   map[string]decimal.Decimal
	minimums   map[string]decimal.Decimal
	statuses   map[string]string
	settlement map[string]string
	failing    map[string]bool
	payouts    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		connected:  true,
		balances:   map[string]decimal.Decimal{},
		minimums:   map[string]decimal.Decimal{},
		statuses:   map[string]string{},
		settlement: map[string]string{},
		failing:    map[string]bool{},
	}
}

func (p *fakeProvider) TestConnectivity(ctx context.Context) (payout.Connectivity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return payout.Connectivity{Connected: p.connected}, nil
}

func (p *fakeProvider) GetBalance(ctx context.Context, currency string) (payout.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return payout.Balance{Available: p.balances[currency]}, nil
}

func (p *fakeProvider) GetMinimumAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if min, ok := p.minimums[currency]; ok {
		return min, nil
	}
	return decimal.Zero, fmt.Errorf("no minimum for %s", currency)
}

func (p *fakeProvider) status(currency string) string {
	if s, ok := p.statuses[currency]; ok {
		return s
	}
	return "finished"
}

func (p *fakeProvider) CreatePayout(ctx context.Context, address, currency string, amount decimal.Decimal, memo string) (payout.PayoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[currency] {
		return payout.PayoutResult{}, fmt.Errorf("%s payouts unavailable", currency)
	}
	p.payouts++
	return payout.PayoutResult{
		ProviderID: fmt.Sprintf("prov-%d", p.payouts),
		Status:     p.status(currency),
		TxHash:     fmt.Sprintf("0xhash%d", p.payouts),
	}, nil
}

func (p *fakeProvider) CreateMassPayout(ctx context.Context, items []payout.MassPayoutItem) (payout.MassPayoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := payout.MassPayoutResult{ID: "batch-1", Status: "waiting"}
	for _, item := range items {
		if p.failing[item.Currency] {
			return payout.MassPayoutResult{}, fmt.Errorf("%s payouts unavailable", item.Currency)
		}
		p.payouts++
		result.Results = append(result.Results, payout.PayoutResult{
			ProviderID: fmt.Sprintf("prov-%d", p.payouts),
			Status:     p.status(item.Currency),
		})
	}
	return result, nil
}

func (p *fakeProvider) GetPayoutStatus(ctx context.Context, providerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.settlement[providerID]; ok {
		return s, nil
	}
	return "waiting", nil
}

// fakeRedis implements the redis client surface in memory, TTLs ignored.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}}
}

func (r *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	if !ok {
		return "", fmt.Errorf("key not found")
	}
	return v, nil
}

func (r *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = fmt.Sprint(value)
	return nil
}

func (r *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; ok {
		return false, nil
	}
	r.data[key] = fmt.Sprint(value)
	return true, nil
}

func (r *fakeRedis) Del(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *fakeRedis) Close() error { return nil }
