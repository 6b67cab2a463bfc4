package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/observability"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/provider/payout"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// ProcessResult reports the outcome of one withdrawal run. Success means the
// record reached a state a human does not need to look at right now: settled,
// still settling at the provider, or parked for manual review. Only a
// validation failure or a provider error that forced compensation reports
// false.
type ProcessResult struct {
	TransactionID int64                    `json:"transaction_id"`
	Success       bool                     `json:"success"`
	Status        models.TransactionStatus `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
}

// ProviderHealth is the operator view of the external provider: reachability
// plus the available balance per supported currency. Balances of currencies
// the provider refuses to report are omitted.
type ProviderHealth struct {
	Connected bool                       `json:"connected"`
	Detail    string                     `json:"detail,omitempty"`
	Balances  map[string]decimal.Decimal `json:"balances,omitempty"`
}

// PayoutService drives pending withdrawals through the external provider.
type PayoutService interface {
	Validate(ctx context.Context, rec *models.Transaction) error
	CanAutoProcess(ctx context.Context, amount decimal.Decimal, currency string) bool
	ProcessWithdrawal(ctx context.Context, txID int64) (ProcessResult, error)
	ProcessMassWithdrawals(ctx context.Context, txIDs []int64) ([]ProcessResult, error)
	Health(ctx context.Context) (ProviderHealth, error)
	// ReconcileInFlight polls the provider for every withdrawal still
	// processing and settles the ones the provider has decided.
	ReconcileInFlight(ctx context.Context) (int, error)
}

type payoutService struct {
	transactions repository.TransactionRepository
	store        repository.LedgerStore
	provider     payout.Provider
	notifier     notify.Notifier
	timeout      time.Duration
	maxAttempts  int
}

func NewPayoutService(
	transactions repository.TransactionRepository,
	store repository.LedgerStore,
	provider payout.Provider,
	notifier notify.Notifier,
	timeout time.Duration,
	maxAttempts int,
) *payoutService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &payoutService{
		transactions: transactions,
		store:        store,
		provider:     provider,
		notifier:     notifier,
		timeout:      timeout,
		maxAttempts:  maxAttempts,
	}
}

var addressPatterns = map[string]*regexp.Regexp{
	"BTC":        regexp.MustCompile(`^(1|3|bc1)[a-zA-Z0-9]{25,}$`),
	"ETH":        regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`),
	"USDT-ERC20": regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`),
	"USDT-TRC20": regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`),
}

// staticMinimums back up the provider's minimum-amount endpoint when it is
// unreachable. Quoted in the payout currency.
var staticMinimums = map[string]decimal.Decimal{
	"BTC":        decimal.RequireFromString("0.0005"),
	"ETH":        decimal.RequireFromString("0.01"),
	"USDT-ERC20": decimal.RequireFromString("10"),
	"USDT-TRC20": decimal.RequireFromString("10"),
}

// Validate checks a withdrawal record before it is sent anywhere: positive
// amount, a destination address that matches the currency's format, and the
// provider minimum. A minimum lookup failure degrades to the static table and
// a warning, never a hard error.
func (s *payoutService) Validate(ctx context.Context, rec *models.Transaction) error {
	verr := &pkgerrors.ValidationError{}
	amount := rec.Amount.Abs()
	currency := strings.ToUpper(rec.Currency)
	wallet := rec.Wallet()

	if amount.Sign() <= 0 {
		verr.Errors = append(verr.Errors, "amount must be positive")
	}
	if wallet.Address == "" {
		verr.Errors = append(verr.Errors, "destination address is required")
	} else if pattern, ok := addressPatterns[currency]; ok && !pattern.MatchString(wallet.Address) {
		verr.Errors = append(verr.Errors, fmt.Sprintf("address %q is not a valid %s address", wallet.Address, currency))
	}

	minimum, ok := staticMinimums[currency]
	if providerMin, err := s.provider.GetMinimumAmount(ctx, currency); err == nil {
		minimum, ok = providerMin, true
	} else {
		verr.Warnings = append(verr.Warnings, fmt.Sprintf("provider minimum unavailable for %s, using static default", currency))
	}
	if ok && amount.LessThan(minimum) {
		verr.Errors = append(verr.Errors, fmt.Sprintf("amount %s is below the %s minimum of %s", amount, currency, minimum))
	}

	for _, w := range verr.Warnings {
		slog.Warn("withdrawal validation warning", "transaction_id", rec.ID, "warning", w)
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// CanAutoProcess decides whether the provider can take the payout right now:
// it must be reachable and hold at least the requested amount. Any doubt
// answers no; the withdrawal is then parked for manual review rather than
// risk a duplicate or stuck payout.
func (s *payoutService) CanAutoProcess(ctx context.Context, amount decimal.Decimal, currency string) bool {
	conn, err := s.provider.TestConnectivity(ctx)
	if err != nil || !conn.Connected {
		slog.Warn("provider unreachable, routing to manual review", "error", err)
		return false
	}
	bal, err := s.provider.GetBalance(ctx, currency)
	if err != nil {
		slog.Warn("provider balance unavailable, routing to manual review", "currency", currency, "error", err)
		return false
	}
	if bal.Available.LessThan(amount.Abs()) {
		slog.Warn("provider balance insufficient, routing to manual review",
			"currency", currency, "available", bal.Available, "required", amount.Abs())
		return false
	}
	return true
}

// Health reports provider reachability and per-currency balances for the
// operator dashboard. An unreachable provider is a result, not an error.
func (s *payoutService) Health(ctx context.Context) (ProviderHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.provider.TestConnectivity(ctx)
	if err != nil {
		return ProviderHealth{Connected: false, Detail: err.Error()}, nil
	}
	health := ProviderHealth{Connected: conn.Connected, Detail: conn.Detail}
	if !conn.Connected {
		return health, nil
	}
	health.Balances = make(map[string]decimal.Decimal, len(staticMinimums))
	for currency := range staticMinimums {
		bal, err := s.provider.GetBalance(ctx, currency)
		if err != nil {
			slog.Warn("provider balance unavailable", "currency", currency, "error", err)
			continue
		}
		health.Balances[currency] = bal.Available
	}
	return health, nil
}

// ReconcileInFlight resolves withdrawals the provider accepted but had not
// settled when they were sent: each processing record with a provider id is
// polled, and a terminal answer either completes the record or compensates
// the hold. A non-terminal or unknown answer keeps the hold for the next
// sweep, so no record stays processing once the provider has decided.
func (s *payoutService) ReconcileInFlight(ctx context.Context) (int, error) {
	tracer := otel.Tracer("payout-service")
	ctx, span := tracer.Start(ctx, "ReconcileInFlight")
	defer span.End()

	recs, err := s.transactions.ListInFlight(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("count", len(recs)))

	resolved := 0
	for i := range recs {
		rec := &recs[i]
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		status, err := s.provider.GetPayoutStatus(callCtx, rec.ProviderID)
		cancel()
		if err != nil {
			slog.Warn("provider status lookup failed", "transaction_id", rec.ID, "provider_id", rec.ProviderID, "error", err)
			continue
		}

		switch payout.MapStatus(status) {
		case models.StatusCompleted:
			if err := s.transactions.UpdateStatus(ctx, rec.ID, models.StatusProcessing, models.StatusCompleted,
				repository.StatusFields{}); err != nil {
				slog.Error("failed to complete settled withdrawal", "transaction_id", rec.ID, "error", err)
				continue
			}
			observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "completed").Inc()
			s.notifier.Emit(ctx, notify.Event{Kind: notify.WithdrawalApproved, AccountID: rec.AccountID, TransactionID: rec.ID})
			slog.Info("in-flight withdrawal settled", "transaction_id", rec.ID, "provider_status", status)
			resolved++

		case models.StatusFailed:
			observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "failed").Inc()
			s.compensate(ctx, rec.ID, rec.Amount, fmt.Sprintf("provider reported %s", status))
			slog.Info("in-flight withdrawal compensated", "transaction_id", rec.ID, "provider_status", status)
			resolved++

		default:
			// Maps to processing or pending: the provider has not decided.
		}
	}
	return resolved, nil
}

// loadProcessable fetches the record and checks it is a pending withdrawal.
func (s *payoutService) loadProcessable(ctx context.Context, txID int64) (*models.Transaction, error) {
	rec, err := s.transactions.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec.Type != models.TypeWithdrawal && rec.Type != models.TypeCryptoWithdrawal {
		return nil, fmt.Errorf("%w: transaction %d is a %s, not a withdrawal", pkgerrors.ErrValidationFailed, txID, rec.Type)
	}
	if rec.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: transaction %d is %s", pkgerrors.ErrConflict, txID, rec.Status)
	}
	return rec, nil
}

// failPending marks a still-pending record failed with the given reason. No
// funds have moved at this point.
func (s *payoutService) failPending(ctx context.Context, txID int64, reason string) ProcessResult {
	if err := s.transactions.UpdateStatus(ctx, txID, models.StatusPending, models.StatusFailed,
		repository.StatusFields{ErrorReason: &reason}); err != nil {
		slog.Error("failed to mark withdrawal failed", "transaction_id", txID, "error", err)
	}
	return ProcessResult{TransactionID: txID, Success: false, Status: models.StatusFailed, Reason: reason}
}

// compensate undoes the fund hold after a provider failure: the record moves
// processing -> failed and the held amount flows back into the deposit bucket
// with the withdraw total reduced.
func (s *payoutService) compensate(ctx context.Context, txID int64, amount decimal.Decimal, reason string) ProcessResult {
	err := s.store.TransitionWithCredit(ctx, txID, models.StatusProcessing, models.StatusFailed,
		models.BucketDeposit, amount.Abs(), false, true, repository.StatusFields{ErrorReason: &reason})
	if err != nil {
		slog.Error("failed to compensate held withdrawal", "transaction_id", txID, "error", err)
	}
	return ProcessResult{TransactionID: txID, Success: false, Status: models.StatusFailed, Reason: reason}
}

// applyProviderResult folds the provider's answer into the record. Terminal
// mapped statuses transition the record; anything still in flight only gets
// its provider references appended and stays processing.
func (s *payoutService) applyProviderResult(ctx context.Context, rec *models.Transaction, res payout.PayoutResult) ProcessResult {
	mapped := payout.MapStatus(res.Status)
	fields := repository.StatusFields{ProviderID: &res.ProviderID, TxHash: &res.TxHash}

	switch mapped {
	case models.StatusCompleted:
		if err := s.transactions.UpdateStatus(ctx, rec.ID, models.StatusProcessing, models.StatusCompleted, fields); err != nil {
			slog.Error("failed to complete withdrawal", "transaction_id", rec.ID, "error", err)
			return ProcessResult{TransactionID: rec.ID, Success: false, Status: models.StatusProcessing, Reason: err.Error()}
		}
		observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "completed").Inc()
		return ProcessResult{TransactionID: rec.ID, Success: true, Status: models.StatusCompleted}

	case models.StatusFailed:
		reason := fmt.Sprintf("provider reported %s", res.Status)
		observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "failed").Inc()
		return s.compensate(ctx, rec.ID, rec.Amount, reason)

	default:
		// Still settling at the provider. Keep the hold, keep processing.
		if err := s.transactions.AppendProviderRefs(ctx, rec.ID, res.ProviderID, res.TxHash); err != nil {
			slog.Error("failed to append provider refs", "transaction_id", rec.ID, "error", err)
		}
		observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "in_flight").Inc()
		return ProcessResult{TransactionID: rec.ID, Success: true, Status: models.StatusProcessing}
	}
}

func (s *payoutService) ProcessWithdrawal(ctx context.Context, txID int64) (ProcessResult, error) {
	tracer := otel.Tracer("payout-service")
	ctx, span := tracer.Start(ctx, "ProcessWithdrawal")
	span.SetAttributes(attribute.Int64("transaction_id", txID))
	defer span.End()

	rec, err := s.loadProcessable(ctx, txID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ProcessResult{TransactionID: txID, Success: false}, err
	}

	if err := s.Validate(ctx, rec); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("withdrawal failed validation", "transaction_id", txID, "error", err)
		return s.failPending(ctx, txID, err.Error()), nil
	}

	if rec.Attempts >= s.maxAttempts || !s.CanAutoProcess(ctx, rec.Amount, rec.Currency) {
		// Parking for review is a healthy outcome, not a failure: the funds
		// stay untouched until a human approves.
		if err := s.transactions.UpdateStatus(ctx, txID, models.StatusPending, models.StatusRequiresManual,
			repository.StatusFields{}); err != nil {
			span.RecordError(err)
			return ProcessResult{TransactionID: txID, Success: false}, err
		}
		slog.Info("withdrawal routed to manual review", "transaction_id", txID)
		return ProcessResult{TransactionID: txID, Success: true, Status: models.StatusRequiresManual}, nil
	}

	// Hold the funds and claim the record in one atomic step; a concurrent
	// processor loses the conditional update and backs off.
	now := time.Now().UTC()
	if err := s.store.TransitionWithDebit(ctx, txID, models.StatusPending, models.StatusProcessing,
		repository.StatusFields{IncAttempts: true, LastAttempt: &now}); err != nil {
		span.RecordError(err)
		return ProcessResult{TransactionID: txID, Success: false}, err
	}

	wallet := rec.Wallet()
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.provider.CreatePayout(callCtx, wallet.Address, rec.Currency, rec.Amount.Abs(), wallet.Memo)
	if err != nil {
		span.RecordError(err)
		observability.PayoutAttempts.WithLabelValues(strings.ToUpper(rec.Currency), "provider_error").Inc()
		slog.Error("provider payout failed", "transaction_id", txID, "error", err)
		return s.compensate(ctx, txID, rec.Amount, fmt.Sprintf("provider error: %v", err)), nil
	}

	result := s.applyProviderResult(ctx, rec, res)
	if result.Status == models.StatusCompleted {
		s.notifier.Emit(ctx, notify.Event{Kind: notify.WithdrawalApproved, AccountID: rec.AccountID, TransactionID: txID})
	}
	return result, nil
}

// ProcessMassWithdrawals sends a batch of pending withdrawals as one mass
// payout per currency. Groups are independent: a provider failure on one
// currency compensates only that group's holds and leaves the others alone.
func (s *payoutService) ProcessMassWithdrawals(ctx context.Context, txIDs []int64) ([]ProcessResult, error) {
	tracer := otel.Tracer("payout-service")
	ctx, span := tracer.Start(ctx, "ProcessMassWithdrawals")
	span.SetAttributes(attribute.Int("count", len(txIDs)))
	defer span.End()

	results := make([]ProcessResult, 0, len(txIDs))
	groups := map[string][]*models.Transaction{}

	for _, txID := range txIDs {
		rec, err := s.loadProcessable(ctx, txID)
		if err != nil {
			results = append(results, ProcessResult{TransactionID: txID, Success: false, Reason: err.Error()})
			continue
		}
		if err := s.Validate(ctx, rec); err != nil {
			results = append(results, s.failPending(ctx, txID, err.Error()))
			continue
		}
		if rec.Attempts >= s.maxAttempts {
			if err := s.transactions.UpdateStatus(ctx, txID, models.StatusPending, models.StatusRequiresManual,
				repository.StatusFields{}); err != nil {
				results = append(results, ProcessResult{TransactionID: txID, Success: false, Reason: err.Error()})
				continue
			}
			results = append(results, ProcessResult{TransactionID: txID, Success: true, Status: models.StatusRequiresManual})
			continue
		}
		currency := strings.ToUpper(rec.Currency)
		groups[currency] = append(groups[currency], rec)
	}

	for currency, recs := range groups {
		results = append(results, s.processGroup(ctx, currency, recs)...)
	}
	return results, nil
}

func (s *payoutService) processGroup(ctx context.Context, currency string, recs []*models.Transaction) []ProcessResult {
	now := time.Now().UTC()
	held := make([]*models.Transaction, 0, len(recs))
	items := make([]payout.MassPayoutItem, 0, len(recs))
	results := make([]ProcessResult, 0, len(recs))

	for _, rec := range recs {
		if err := s.store.TransitionWithDebit(ctx, rec.ID, models.StatusPending, models.StatusProcessing,
			repository.StatusFields{IncAttempts: true, LastAttempt: &now}); err != nil {
			// Insufficient funds or a lost race; this item drops out of the
			// batch without touching the rest.
			results = append(results, s.failPending(ctx, rec.ID, err.Error()))
			continue
		}
		wallet := rec.Wallet()
		held = append(held, rec)
		items = append(items, payout.MassPayoutItem{
			Address:  wallet.Address,
			Currency: rec.Currency,
			Amount:   rec.Amount.Abs(),
			Memo:     wallet.Memo,
		})
	}
	if len(held) == 0 {
		return results
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	batch, err := s.provider.CreateMassPayout(callCtx, items)
	if err != nil {
		reason := fmt.Sprintf("mass payout failed for %s: %v", currency, err)
		slog.Error("mass payout group failed", "currency", currency, "count", len(held), "error", err)
		observability.PayoutAttempts.WithLabelValues(currency, "provider_error").Inc()
		for _, rec := range held {
			results = append(results, s.compensate(ctx, rec.ID, rec.Amount, reason))
		}
		return results
	}

	// Per-item results are positional; a short answer leaves the tail
	// processing with only the batch id attached.
	for i, rec := range held {
		if i < len(batch.Results) {
			results = append(results, s.applyProviderResult(ctx, rec, batch.Results[i]))
			continue
		}
		if err := s.transactions.AppendProviderRefs(ctx, rec.ID, batch.ID, ""); err != nil {
			slog.Error("failed to append batch id", "transaction_id", rec.ID, "error", err)
		}
		results = append(results, ProcessResult{TransactionID: rec.ID, Success: true, Status: models.StatusProcessing})
	}
	return results
}
