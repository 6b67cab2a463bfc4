package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/redis"
	"github.com/storm-beyndtech/instantglobal-server/internal/ledger"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type AccountService interface {
	Register(ctx context.Context, email, password, referralCode string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	GetAccount(ctx context.Context, p auth.Principal, accountID int64) (*models.Account, error)
	AvailableBalance(ctx context.Context, p auth.Principal, accountID int64) (decimal.Decimal, error)
	History(ctx context.Context, p auth.Principal, accountID int64, filter repository.TransactionFilter, page repository.Page) ([]models.Transaction, error)
	ListAccounts(ctx context.Context, p auth.Principal, page repository.Page) ([]models.Account, error)
}

type accountService struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	redisClient  redis.RedisClient
	jwtSecret    string
}

func NewAccountService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	redisClient redis.RedisClient,
	jwtSecret string,
) *accountService {
	return &accountService{
		accounts:     accounts,
		transactions: transactions,
		redisClient:  redisClient,
		jwtSecret:    jwtSecret,
	}
}

func (s *accountService) Register(ctx context.Context, email, password, referralCode string) (*models.Account, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		span.SetStatus(codes.Error, "empty email or password")
		return nil, fmt.Errorf("%w: email and password are required", pkgerrors.ErrValidationFailed)
	}

	existing, err := s.accounts.GetByEmail(ctx, email)
	if existing != nil {
		span.SetStatus(codes.Error, "email already registered")
		slog.Warn("email already registered", "email", email, "existing_id", existing.ID)
		return nil, pkgerrors.ErrEmailExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		span.RecordError(err)
		slog.Error("failed to check account existence", "email", email, "error", err)
		return nil, fmt.Errorf("%w: failed to check account existence", pkgerrors.ErrInternal)
	}

	var referredBy int64
	if referralCode != "" {
		referrer, refErr := s.accounts.GetByReferralCode(ctx, referralCode)
		if refErr != nil {
			slog.Warn("unknown referral code ignored", "code", referralCode)
		} else {
			referredBy = referrer.ID
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to hash password", "email", email, "error", err)
		return nil, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	acc := &models.Account{
		Email:        email,
		PasswordHash: string(hash),
		ReferralCode: uuid.NewString()[:8],
		ReferredBy:   referredBy,
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		span.RecordError(err)
		slog.Error("failed to create account", "email", email, "error", err)
		return nil, fmt.Errorf("%w: failed to create account", pkgerrors.ErrInternal)
	}

	slog.Info("account registered", "account_id", acc.ID, "email", email)
	return acc, nil
}

func (s *accountService) Login(ctx context.Context, email, password string) (string, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	acc, err := s.accounts.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		slog.Error("failed to login", "email", email, "error", err)
		return "", pkgerrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		slog.Error("invalid password", "email", email)
		return "", pkgerrors.ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": acc.ID,
		"is_admin":   acc.IsAdmin,
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		slog.Error("failed to generate JWT", "error", err)
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.redisClient.Set(ctx, fmt.Sprintf("account:%d:token", acc.ID), tokenString, time.Hour); err != nil {
		slog.Error("failed to cache JWT", "account_id", acc.ID, "error", err)
	}

	slog.Info("account logged in", "email", email, "account_id", acc.ID)
	return tokenString, nil
}

func (s *accountService) GetAccount(ctx context.Context, p auth.Principal, accountID int64) (*models.Account, error) {
	if !p.CanAct(accountID) {
		return nil, pkgerrors.ErrForbidden
	}
	return s.accounts.GetByID(ctx, accountID)
}

// AvailableBalance always reads the latest persisted state; balances are
// never cached across requests.
func (s *accountService) AvailableBalance(ctx context.Context, p auth.Principal, accountID int64) (decimal.Decimal, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "AvailableBalance")
	defer span.End()

	if !p.CanAct(accountID) {
		return decimal.Zero, pkgerrors.ErrForbidden
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		slog.Error("failed to get account", "account_id", accountID, "error", err)
		return decimal.Zero, err
	}
	return ledger.Available(acc), nil
}

func (s *accountService) History(ctx context.Context, p auth.Principal, accountID int64, filter repository.TransactionFilter, page repository.Page) ([]models.Transaction, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "History")
	defer span.End()

	if !p.CanAct(accountID) {
		return nil, pkgerrors.ErrForbidden
	}
	records, err := s.transactions.ListByAccount(ctx, accountID, filter, page)
	if err != nil {
		slog.Error("failed to get transaction history", "account_id", accountID, "error", err)
		return nil, err
	}
	return records, nil
}

func (s *accountService) ListAccounts(ctx context.Context, p auth.Principal, page repository.Page) ([]models.Account, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "ListAccounts")
	defer span.End()

	if !p.IsAdmin {
		return nil, pkgerrors.ErrForbidden
	}
	accounts, err := s.accounts.List(ctx, page)
	if err != nil {
		slog.Error("failed to list accounts", "error", err)
		return nil, err
	}
	return accounts, nil
}
