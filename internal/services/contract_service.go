package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// Plan is a fixed-term contract offering: stake the principal, receive it
// back plus Rate interest after DurationDays.
type Plan struct {
	Name         string          `json:"name"`
	MinPrincipal decimal.Decimal `json:"min_principal"`
	Rate         decimal.Decimal `json:"rate"`
	DurationDays int             `json:"duration_days"`
}

var plans = []Plan{
	{Name: "starter", MinPrincipal: decimal.RequireFromString("50"), Rate: decimal.RequireFromString("0.02"), DurationDays: 7},
	{Name: "silver", MinPrincipal: decimal.RequireFromString("500"), Rate: decimal.RequireFromString("0.08"), DurationDays: 30},
	{Name: "gold", MinPrincipal: decimal.RequireFromString("2500"), Rate: decimal.RequireFromString("0.25"), DurationDays: 90},
}

type ContractService interface {
	Plans() []Plan
	CreateContract(ctx context.Context, p auth.Principal, accountID int64, planName string, principal decimal.Decimal, currency string) (*models.Transaction, error)
	// MatureDue settles every undecided or approved contract whose term has
	// elapsed: principal back to deposit, interest into the interest bucket.
	MatureDue(ctx context.Context, now time.Time) (int, error)
}

type contractService struct {
	transactions repository.TransactionRepository
	store        repository.LedgerStore
	notifier     notify.Notifier
}

func NewContractService(transactions repository.TransactionRepository, store repository.LedgerStore, notifier notify.Notifier) *contractService {
	return &contractService{transactions: transactions, store: store, notifier: notifier}
}

func (s *contractService) Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

func planByName(name string) (Plan, bool) {
	for _, p := range plans {
		if p.Name == strings.ToLower(strings.TrimSpace(name)) {
			return p, true
		}
	}
	return Plan{}, false
}

// CreateContract stakes the principal immediately: the debit and the pending
// contract record commit together. The record stays pending until maturity
// (or an admin decision), with the full plan terms frozen into its metadata
// so later rate changes never affect a running contract.
func (s *contractService) CreateContract(ctx context.Context, p auth.Principal, accountID int64, planName string, principal decimal.Decimal, currency string) (*models.Transaction, error) {
	tracer := otel.Tracer("contract-service")
	ctx, span := tracer.Start(ctx, "CreateContract")
	span.SetAttributes(attribute.Int64("account_id", accountID), attribute.String("plan", planName))
	defer span.End()

	if !p.CanAct(accountID) {
		return nil, pkgerrors.ErrForbidden
	}
	plan, ok := planByName(planName)
	if !ok {
		span.SetStatus(codes.Error, "unknown plan")
		return nil, fmt.Errorf("%w: unknown plan %q", pkgerrors.ErrValidationFailed, planName)
	}
	if principal.Sign() <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if principal.LessThan(plan.MinPrincipal) {
		return nil, fmt.Errorf("%w: plan %s requires at least %s", pkgerrors.ErrValidationFailed, plan.Name, plan.MinPrincipal)
	}

	interest := principal.Mul(plan.Rate)
	maturesAt := time.Now().UTC().Add(time.Duration(plan.DurationDays) * 24 * time.Hour)

	rec := &models.Transaction{
		AccountID: accountID,
		Type:      models.TypeContract,
		Status:    models.StatusPending,
		Amount:    principal.Neg(),
		Currency:  currency,
		Metadata: models.Metadata{
			"plan_name":     plan.Name,
			"principal":     principal.String(),
			"interest":      interest.String(),
			"duration_days": plan.DurationDays,
			"matures_at":    maturesAt.Format(time.RFC3339),
		},
	}
	if err := s.store.DebitAndRecord(ctx, accountID, principal, rec); err != nil {
		span.RecordError(err)
		slog.Error("failed to create contract", "account_id", accountID, "plan", plan.Name, "principal", principal, "error", err)
		return nil, err
	}

	slog.Info("contract created", "transaction_id", rec.ID, "account_id", accountID,
		"plan", plan.Name, "principal", principal, "interest", interest, "matures_at", maturesAt)
	return rec, nil
}

// contractTerms re-reads the frozen plan terms off a contract record. The
// principal falls back to the record amount when metadata is damaged; a
// missing interest figure settles the contract with principal only.
func contractTerms(rec *models.Transaction) (principal, interest decimal.Decimal) {
	principal = rec.Amount.Abs()
	if rec.Metadata == nil {
		return principal, decimal.Zero
	}
	if v, ok := rec.Metadata["principal"].(string); ok {
		if d, err := decimal.NewFromString(v); err == nil && d.Sign() > 0 {
			principal = d
		}
	}
	if v, ok := rec.Metadata["interest"].(string); ok {
		if d, err := decimal.NewFromString(v); err == nil && d.Sign() >= 0 {
			interest = d
		}
	}
	return principal, interest
}

func (s *contractService) MatureDue(ctx context.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("contract-service")
	ctx, span := tracer.Start(ctx, "MatureDueContracts")
	defer span.End()

	due, err := s.transactions.ListMatured(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	settled := 0
	for i := range due {
		rec := &due[i]
		principal, interest := contractTerms(rec)
		if err := s.store.CompleteContract(ctx, rec.ID, principal, interest); err != nil {
			// A conflict means an admin decided the contract between the list
			// and the settle; anything else is logged and retried next sweep.
			slog.Error("failed to settle matured contract", "transaction_id", rec.ID, "error", err)
			continue
		}
		settled++
		s.notifier.Emit(ctx, notify.Event{Kind: notify.ContractCompleted, AccountID: rec.AccountID, TransactionID: rec.ID})
		slog.Info("contract matured", "transaction_id", rec.ID, "account_id", rec.AccountID,
			"principal", principal, "interest", interest)
	}
	return settled, nil
}
