package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/observability"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	repo "github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) observe(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RepositoryCalls.WithLabelValues(method, status).Inc()
	observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, rec *models.Transaction) (int64, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.observe("CreateTransaction", start, err)
	}()

	if rec == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return 0, err
	}

	span.SetAttributes(
		attribute.Int64("account_id", rec.AccountID),
		attribute.String("type", string(rec.Type)),
		attribute.String("status", string(rec.Status)),
		attribute.String("amount", rec.Amount.String()),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Create", "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err = insertRecord(ctx, dbTx, rec); err != nil {
		err = rollback(dbTx, err)
		slog.Error("failed to create transaction", "method", "Create", "account_id", rec.AccountID, "type", rec.Type, "error", err)
		return 0, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Create", "error", err)
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "id", rec.ID, "account_id", rec.AccountID, "type", rec.Type, "status", rec.Status)
	return rec.ID, nil
}

const transactionColumns = `id, account_id, COALESCE(counterparty_id, 0), type, status, amount, currency, metadata, COALESCE(provider_id, ''), COALESCE(tx_hash, ''), attempts, last_attempt_at, COALESCE(error_reason, ''), created_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	rec := &models.Transaction{}
	var meta []byte
	err := row.Scan(
		&rec.ID, &rec.AccountID, &rec.CounterpartyID, &rec.Type, &rec.Status,
		&rec.Amount, &rec.Currency, &meta, &rec.ProviderID, &rec.TxHash,
		&rec.Attempts, &rec.LastAttemptAt, &rec.ErrorReason, &rec.CreatedAt, &rec.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.Int64("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.observe("GetTransactionByID", start, err)
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	rec, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return rec, nil
}

func (r *PostgresTransactionRepository) ListByAccount(ctx context.Context, accountID int64, filter repo.TransactionFilter, page repo.Page) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListTransactionsByAccount")
	span.SetAttributes(attribute.Int64("account_id", accountID))
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.observe("ListTransactionsByAccount", start, err)
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE (account_id = $1 OR counterparty_id = $1)`
	args := []interface{}{accountID}
	argn := 2

	addCond := func(cond string, v interface{}) {
		query += fmt.Sprintf(" AND %s = $%d", cond, argn)
		args = append(args, v)
		argn++
	}
	if filter.Type != "" {
		addCond("type", filter.Type)
	}
	if filter.Status != "" {
		addCond("status", filter.Status)
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argn)
		args = append(args, filter.From)
		argn++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argn)
		args = append(args, filter.To)
		argn++
	}

	limit := page.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argn, argn+1)
	args = append(args, limit, page.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListByAccount", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		rec, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = scanErr
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, *rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return result, nil
}

func (r *PostgresTransactionRepository) UpdateStatus(ctx context.Context, id int64, expected, next models.TransactionStatus, fields repo.StatusFields) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "UpdateTransactionStatus")
	span.SetAttributes(
		attribute.Int64("transaction_id", id),
		attribute.String("from", string(expected)),
		attribute.String("to", string(next)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.observe("UpdateTransactionStatus", start, err)
	}()

	if !models.CanTransition(expected, next) {
		err = pkgerrors.ErrInvalidTransactionStatus
		slog.Error("illegal status transition", "method", "UpdateStatus", "transaction_id", id, "from", expected, "to", next)
		return err
	}

	setClause, args, argn := statusSet(next, fields, 1)
	query := fmt.Sprintf("UPDATE transactions SET %s WHERE id = $%d AND status = $%d RETURNING type", setClause, argn, argn+1)
	args = append(args, id, expected)

	var txType models.TransactionType
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&txType)
	if stderrors.Is(err, sql.ErrNoRows) {
		// Status no longer matches: another actor got there first, or the
		// row does not exist at all.
		var current models.TransactionStatus
		scanErr := r.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&current)
		if stderrors.Is(scanErr, sql.ErrNoRows) {
			err = pkgerrors.ErrTransactionNotFound
			return err
		}
		err = pkgerrors.ErrConflict
		slog.Warn("conditional status update missed", "method", "UpdateStatus", "transaction_id", id, "expected", expected, "current", current, "next", next)
		return err
	}
	if err != nil {
		slog.Error("failed to update transaction status", "method", "UpdateStatus", "transaction_id", id, "error", err)
		return fmt.Errorf("failed to update transaction status: %w", err)
	}

	observability.TransactionTransitions.WithLabelValues(string(txType), string(expected), string(next)).Inc()
	slog.Info("transaction status updated", "method", "UpdateStatus", "transaction_id", id, "from", expected, "to", next)
	return nil
}

func (r *PostgresTransactionRepository) AppendProviderRefs(ctx context.Context, id int64, providerID, txHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET provider_id = $1, tx_hash = $2 WHERE id = $3`, providerID, txHash, id,
	)
	if err != nil {
		return fmt.Errorf("failed to append provider refs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresTransactionRepository) HasPendingOfType(ctx context.Context, accountID int64, txType models.TransactionType) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1 AND type = $2 AND status = $3)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, accountID, txType, models.StatusPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending transactions: %w", err)
	}
	return exists, nil
}

// ListMatured returns contract stakes, still awaiting or holding approval,
// whose plan maturity has passed.
func (r *PostgresTransactionRepository) ListMatured(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = $1 AND status IN ($2, $3) AND (metadata->>'matures_at')::timestamptz <= $4`
	rows, err := r.db.QueryContext(ctx, query, models.TypeContract, models.StatusPending, models.StatusApproved, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list matured contracts: %w", err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

// ListInFlight returns withdrawals the provider accepted but has not settled:
// still processing, with a provider reference to poll.
func (r *PostgresTransactionRepository) ListInFlight(ctx context.Context) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE type IN ($1, $2) AND status = $3 AND COALESCE(provider_id, '') <> ''`
	rows, err := r.db.QueryContext(ctx, query, models.TypeWithdrawal, models.TypeCryptoWithdrawal, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight withdrawals: %w", err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}
