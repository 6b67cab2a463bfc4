package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/audit"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// TransactionService is the manual review surface: admins approve or reject
// records sitting in pending or requires_manual. Balance effects ride in the
// same database transaction as the status flip, so a re-review of an already
// decided record surfaces as a conflict instead of a double application.
type TransactionService interface {
	Approve(ctx context.Context, p auth.Principal, txID int64) (*models.Transaction, error)
	Reject(ctx context.Context, p auth.Principal, txID int64, reason string) (*models.Transaction, error)
}

type transactionService struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	store        repository.LedgerStore
	notifier     notify.Notifier
	auditor      audit.Recorder
	referralRate decimal.Decimal
}

func NewTransactionService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	store repository.LedgerStore,
	notifier notify.Notifier,
	auditor audit.Recorder,
	referralRate decimal.Decimal,
) *transactionService {
	return &transactionService{
		accounts:     accounts,
		transactions: transactions,
		store:        store,
		notifier:     notifier,
		auditor:      auditor,
		referralRate: referralRate,
	}
}

// loadReviewable fetches the record and checks it is still open for a manual
// decision. The returned status is the guard for the conditional update that
// follows; if another reviewer wins the race the update reports a conflict.
func (s *transactionService) loadReviewable(ctx context.Context, p auth.Principal, txID int64) (*models.Transaction, error) {
	if !p.IsAdmin {
		return nil, pkgerrors.ErrForbidden
	}
	rec, err := s.transactions.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: transaction %d is already %s", pkgerrors.ErrConflict, txID, rec.Status)
	}
	if rec.Status != models.StatusPending && rec.Status != models.StatusRequiresManual {
		return nil, fmt.Errorf("%w: transaction %d is %s", pkgerrors.ErrConflict, txID, rec.Status)
	}
	return rec, nil
}

func (s *transactionService) Approve(ctx context.Context, p auth.Principal, txID int64) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ApproveTransaction")
	span.SetAttributes(attribute.Int64("transaction_id", txID))
	defer span.End()

	rec, err := s.loadReviewable(ctx, p, txID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	before := rec.Status

	switch rec.Type {
	case models.TypeDeposit, models.TypeCryptoDeposit:
		// Credit lands in the deposit bucket together with the status flip.
		err = s.store.TransitionWithCredit(ctx, txID, before, models.StatusApproved,
			models.BucketDeposit, rec.Amount, false, false, repository.StatusFields{})
		if err == nil {
			s.payReferralCommission(ctx, rec)
			s.notifier.Emit(ctx, notify.Event{Kind: notify.DepositApproved, AccountID: rec.AccountID, TransactionID: txID})
		}

	case models.TypeWithdrawal, models.TypeCryptoWithdrawal:
		// Funds are verified and held at approval time, not request time.
		err = s.store.TransitionWithDebit(ctx, txID, before, models.StatusApproved, repository.StatusFields{})
		if err == nil {
			s.notifier.Emit(ctx, notify.Event{Kind: notify.WithdrawalApproved, AccountID: rec.AccountID, TransactionID: txID})
		}

	case models.TypeContract:
		// The stake was debited at creation; approval is a pure status change
		// and the contract keeps accruing until maturity.
		err = s.transactions.UpdateStatus(ctx, txID, before, models.StatusApproved, repository.StatusFields{})
		if err == nil {
			s.notifier.Emit(ctx, notify.Event{Kind: notify.ContractApproved, AccountID: rec.AccountID, TransactionID: txID})
		}

	default:
		err = fmt.Errorf("%w: %s records are not manually reviewable", pkgerrors.ErrValidationFailed, rec.Type)
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:  "approve_transaction",
		Actor:   p.AccountID,
		Target:  fmt.Sprintf("transaction:%d", txID),
		Before:  map[string]interface{}{"status": before},
		After:   map[string]interface{}{"status": models.StatusApproved},
		Success: err == nil,
		Message: errMessage(err),
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to approve transaction", "transaction_id", txID, "type", rec.Type, "actor", p.AccountID, "error", err)
		return nil, err
	}

	slog.Info("transaction approved", "transaction_id", txID, "type", rec.Type, "actor", p.AccountID)
	return s.transactions.GetByID(ctx, txID)
}

func (s *transactionService) Reject(ctx context.Context, p auth.Principal, txID int64, reason string) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "RejectTransaction")
	span.SetAttributes(attribute.Int64("transaction_id", txID))
	defer span.End()

	rec, err := s.loadReviewable(ctx, p, txID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	before := rec.Status
	fields := repository.StatusFields{ErrorReason: &reason}

	switch rec.Type {
	case models.TypeContract:
		// The stake left the balance at creation, so rejection must return it.
		// The principal goes back to deposit and the record amount is zeroed so
		// history sums still match the balance.
		stake := rec.Amount.Abs()
		err = s.store.TransitionWithCredit(ctx, txID, before, models.StatusRejected,
			models.BucketDeposit, stake, true, false, fields)
		if err == nil {
			s.notifier.Emit(ctx, notify.Event{Kind: notify.ContractRejected, AccountID: rec.AccountID, TransactionID: txID})
		}

	case models.TypeDeposit, models.TypeCryptoDeposit:
		// Nothing was credited yet; rejection is a pure status change.
		err = s.transactions.UpdateStatus(ctx, txID, before, models.StatusRejected, fields)
		if err == nil {
			s.notifier.Emit(ctx, notify.Event{Kind: notify.DepositRejected, AccountID: rec.AccountID, TransactionID: txID})
		}

	case models.TypeWithdrawal, models.TypeCryptoWithdrawal:
		// A pending withdrawal has not been debited. A requires_manual one came
		// back from auto-processing without a hold either; holds only exist on
		// approved or processing records.
		err = s.transactions.UpdateStatus(ctx, txID, before, models.StatusRejected, fields)
		if err == nil {
			s.notifier.Emit(ctx, notify.Event{Kind: notify.WithdrawalRejected, AccountID: rec.AccountID, TransactionID: txID})
		}

	default:
		err = fmt.Errorf("%w: %s records are not manually reviewable", pkgerrors.ErrValidationFailed, rec.Type)
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:  "reject_transaction",
		Actor:   p.AccountID,
		Target:  fmt.Sprintf("transaction:%d", txID),
		Before:  map[string]interface{}{"status": before},
		After:   map[string]interface{}{"status": models.StatusRejected, "reason": reason},
		Success: err == nil,
		Message: errMessage(err),
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to reject transaction", "transaction_id", txID, "type", rec.Type, "actor", p.AccountID, "error", err)
		return nil, err
	}

	slog.Info("transaction rejected", "transaction_id", txID, "type", rec.Type, "actor", p.AccountID, "reason", reason)
	return s.transactions.GetByID(ctx, txID)
}

// payReferralCommission credits the referrer's deposit bucket on a first-class
// deposit approval. The commission is best effort: its failure never unwinds
// the approved deposit.
func (s *transactionService) payReferralCommission(ctx context.Context, rec *models.Transaction) {
	if s.referralRate.Sign() <= 0 {
		return
	}
	acc, err := s.accounts.GetByID(ctx, rec.AccountID)
	if err != nil || acc.ReferredBy == 0 {
		return
	}

	commission := rec.Amount.Mul(s.referralRate)
	bonus := &models.Transaction{
		AccountID:      acc.ReferredBy,
		CounterpartyID: rec.AccountID,
		Type:           models.TypeReferralBonus,
		Status:         models.StatusCompleted,
		Amount:         commission,
		Currency:       rec.Currency,
		Metadata:       models.Metadata{"source_transaction_id": rec.ID},
	}
	if err := s.store.CreditAndRecord(ctx, acc.ReferredBy, models.BucketDeposit, commission, bonus); err != nil {
		slog.Error("failed to pay referral commission", "referrer_id", acc.ReferredBy, "source_transaction_id", rec.ID, "error", err)
		return
	}
	s.notifier.Emit(ctx, notify.Event{Kind: notify.ReferralCommission, AccountID: acc.ReferredBy, TransactionID: bonus.ID})
	slog.Info("referral commission paid", "referrer_id", acc.ReferredBy, "amount", commission, "source_transaction_id", rec.ID)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
