package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/audit"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/redis"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// requestTTL bounds how long a client request id stays reserved for
// idempotency purposes.
const requestTTL = 24 * time.Hour

// LedgerService owns the product flows that create balance-affecting
// records: deposit and withdrawal requests and internal transfers. Requests
// are created pending without touching balances; transfers settle
// immediately.
type LedgerService interface {
	RequestDeposit(ctx context.Context, p auth.Principal, accountID int64, amount decimal.Decimal, currency string) (*models.Transaction, error)
	RequestWithdrawal(ctx context.Context, p auth.Principal, accountID int64, amount decimal.Decimal, currency string, wallet models.WalletData) (*models.Transaction, error)
	Transfer(ctx context.Context, p auth.Principal, fromID, toID int64, amount decimal.Decimal, currency, requestID string) (int64, error)
}

type ledgerService struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	store        repository.LedgerStore
	redisClient  redis.RedisClient
	throttle     *redis.Throttle
	notifier     notify.Notifier
	auditor      audit.Recorder
}

func NewLedgerService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	store repository.LedgerStore,
	redisClient redis.RedisClient,
	throttle *redis.Throttle,
	notifier notify.Notifier,
	auditor audit.Recorder,
) *ledgerService {
	return &ledgerService{
		accounts:     accounts,
		transactions: transactions,
		store:        store,
		redisClient:  redisClient,
		throttle:     throttle,
		notifier:     notifier,
		auditor:      auditor,
	}
}

// checkRequest runs the shared preconditions for deposit and withdrawal
// requests: authorization, positive amount, a non-admin target account, the
// action throttle and the at-most-one-pending-of-type rule.
func (s *ledgerService) checkRequest(ctx context.Context, p auth.Principal, accountID int64, amount decimal.Decimal, txType models.TransactionType) error {
	if !p.CanAct(accountID) {
		return pkgerrors.ErrForbidden
	}
	if amount.Sign() <= 0 {
		return pkgerrors.ErrInvalidAmount
	}

	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.IsAdmin {
		return pkgerrors.ErrRestrictedAccount
	}

	allowed, err := s.throttle.Allow(ctx, string(txType), accountID)
	if err != nil {
		return err
	}
	if !allowed {
		return pkgerrors.ErrTooManyRequests
	}

	// At most one pending request of a type per account keeps concurrent
	// approvals from racing each other.
	pending, err := s.transactions.HasPendingOfType(ctx, accountID, txType)
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("%w: a pending %s already exists", pkgerrors.ErrConflict, txType)
	}
	return nil
}

func (s *ledgerService) RequestDeposit(ctx context.Context, p auth.Principal, accountID int64, amount decimal.Decimal, currency string) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "RequestDeposit")
	defer span.End()

	if err := s.checkRequest(ctx, p, accountID, amount, models.TypeDeposit); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec := &models.Transaction{
		AccountID: accountID,
		Type:      models.TypeDeposit,
		Status:    models.StatusPending,
		Amount:    amount,
		Currency:  currency,
	}
	if _, err := s.transactions.Create(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.notifier.Emit(ctx, notify.Event{Kind: notify.DepositRequested, AccountID: accountID, TransactionID: rec.ID})
	slog.Info("deposit requested", "account_id", accountID, "amount", amount, "transaction_id", rec.ID)
	return rec, nil
}

// RequestWithdrawal creates the pending record without pre-debiting; funds
// are checked and held only when the withdrawal is approved or picked up for
// auto-processing. A balance check here would go stale anyway.
func (s *ledgerService) RequestWithdrawal(ctx context.Context, p auth.Principal, accountID int64, amount decimal.Decimal, currency string, wallet models.WalletData) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "RequestWithdrawal")
	defer span.End()

	meta := models.Metadata{}
	txType := models.TypeWithdrawal
	if wallet.Address != "" {
		txType = models.TypeCryptoWithdrawal
		meta["address"] = wallet.Address
		if wallet.Network != "" {
			meta["network"] = wallet.Network
		}
		if wallet.Memo != "" {
			meta["memo"] = wallet.Memo
		}
	}

	if err := s.checkRequest(ctx, p, accountID, amount, txType); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec := &models.Transaction{
		AccountID: accountID,
		Type:      txType,
		Status:    models.StatusPending,
		Amount:    amount.Neg(),
		Currency:  currency,
		Metadata:  meta,
	}
	if _, err := s.transactions.Create(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.notifier.Emit(ctx, notify.Event{Kind: notify.WithdrawalRequested, AccountID: accountID, TransactionID: rec.ID})
	slog.Info("withdrawal requested", "account_id", accountID, "amount", amount, "currency", currency, "transaction_id", rec.ID)
	return rec, nil
}

func (s *ledgerService) Transfer(ctx context.Context, p auth.Principal, fromID, toID int64, amount decimal.Decimal, currency, requestID string) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Transfer")
	defer span.End()

	if !p.CanAct(fromID) {
		return 0, pkgerrors.ErrForbidden
	}
	if amount.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return 0, pkgerrors.ErrInvalidAmount
	}
	if requestID == "" {
		return 0, fmt.Errorf("%w: request_id is required", pkgerrors.ErrValidationFailed)
	}

	// Idempotency: one settlement per client request id.
	requestKey := fmt.Sprintf("request:transfer:%s", requestID)
	ok, err := s.redisClient.SetNX(ctx, requestKey, "pending", requestTTL)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to set request key", "request_id", requestID, "error", err)
		return 0, err
	}
	if !ok {
		span.SetStatus(codes.Error, "transfer already processed")
		return 0, pkgerrors.ErrRequestAlreadyProcessed
	}

	if _, err := s.accounts.GetByID(ctx, toID); err != nil {
		s.redisClient.Del(ctx, requestKey)
		slog.Error("transfer recipient not found", "account_id", toID, "error", err)
		return 0, err
	}

	debitID, _, err := s.store.TransferAndRecord(ctx, fromID, toID, amount, currency)
	if err != nil {
		s.redisClient.Del(ctx, requestKey)
		span.RecordError(err)
		slog.Error("transfer failed", "from", fromID, "to", toID, "amount", amount, "error", err)
		return 0, err
	}

	s.notifier.Emit(ctx, notify.Event{Kind: notify.TransferSent, AccountID: fromID, TransactionID: debitID})
	s.auditor.Record(ctx, audit.Entry{
		Action:  "transfer",
		Actor:   p.AccountID,
		Target:  fmt.Sprintf("transaction:%d", debitID),
		After:   map[string]interface{}{"from": fromID, "to": toID, "amount": amount},
		Success: true,
	})
	slog.Info("transfer completed", "from", fromID, "to", toID, "amount", amount, "transaction_id", debitID)
	return debitID, nil
}
