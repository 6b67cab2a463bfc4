package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	repo "github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) Create(ctx context.Context, acc *models.Account) error {
	if acc == nil {
		return fmt.Errorf("account is nil")
	}
	if acc.Email == "" || acc.PasswordHash == "" {
		return fmt.Errorf("email and password are required")
	}

	// Accounts open with every bucket at zero.
	acc.Deposit = decimal.Zero
	acc.Interest = decimal.Zero
	acc.Bonus = decimal.Zero
	acc.Withdraw = decimal.Zero

	const query = `
		INSERT INTO accounts (email, password_hash, deposit, interest, bonus, withdraw, is_admin, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		acc.Email, acc.PasswordHash, acc.Deposit, acc.Interest, acc.Bonus, acc.Withdraw,
		acc.IsAdmin, acc.ReferralCode, nullInt64(acc.ReferredBy),
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

const accountColumns = `id, email, password_hash, deposit, interest, bonus, withdraw, is_admin, COALESCE(referral_code, ''), COALESCE(referred_by, 0), created_at`

func (r *PostgresAccountRepository) scanAccount(row *sql.Row) (*models.Account, error) {
	acc := &models.Account{}
	err := row.Scan(
		&acc.ID, &acc.Email, &acc.PasswordHash,
		&acc.Deposit, &acc.Interest, &acc.Bonus, &acc.Withdraw,
		&acc.IsAdmin, &acc.ReferralCode, &acc.ReferredBy, &acc.CreatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresAccountRepository) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	if code == "" {
		return nil, pkgerrors.ErrAccountNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE referral_code = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, code))
}

func (r *PostgresAccountRepository) List(ctx context.Context, page repo.Page) ([]models.Account, error) {
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var acc models.Account
		if err := rows.Scan(
			&acc.ID, &acc.Email, &acc.PasswordHash,
			&acc.Deposit, &acc.Interest, &acc.Bonus, &acc.Withdraw,
			&acc.IsAdmin, &acc.ReferralCode, &acc.ReferredBy, &acc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}
