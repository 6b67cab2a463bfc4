package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	repo "github.com/storm-beyndtech/instantglobal-server/internal/repository"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

func TestCreateTransactionRejectsSignMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	r := NewPostgresTransactionRepository(db)
	// A withdrawal with a positive amount must never reach the table.
	_, err = r.Create(context.Background(), &models.Transaction{
		AccountID: 1,
		Type:      models.TypeWithdrawal,
		Status:    models.StatusPending,
		Amount:    decimal.RequireFromString("50"),
		Currency:  "USD",
	})
	assert.ErrorIs(t, err, pkgerrors.ErrAmountSignMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransactionRejectsZeroAmount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	r := NewPostgresTransactionRepository(db)
	_, err = r.Create(context.Background(), &models.Transaction{
		AccountID: 1,
		Type:      models.TypeDeposit,
		Status:    models.StatusPending,
		Amount:    decimal.Zero,
		Currency:  "USD",
	})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusReportsRecordType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The guarded update returns the row's type so the transition can be
	// attributed; a returned row also proves the guard matched.
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE transactions SET`)).
		WithArgs("approved", int64(9), "pending").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("deposit"))

	r := NewPostgresTransactionRepository(db)
	err = r.UpdateStatus(context.Background(), 9, models.StatusPending, models.StatusApproved, repo.StatusFields{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusConflictWhenAnotherActorWon(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE transactions SET`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	r := NewPostgresTransactionRepository(db)
	err = r.UpdateStatus(context.Background(), 9, models.StatusPending, models.StatusApproved, repo.StatusFields{})
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE transactions SET`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	r := NewPostgresTransactionRepository(db)
	err = r.UpdateStatus(context.Background(), 9, models.StatusPending, models.StatusApproved, repo.StatusFields{})
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRefusesReopeningTerminal(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresTransactionRepository(db)
	err = r.UpdateStatus(context.Background(), 9, models.StatusCompleted, models.StatusPending, repo.StatusFields{})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionStatus)
}

func TestGetByIDUnmarshalsMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{
		"id", "account_id", "counterparty_id", "type", "status", "amount", "currency",
		"metadata", "provider_id", "tx_hash", "attempts", "last_attempt_at",
		"error_reason", "created_at", "processed_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(3), int64(1), int64(0), "crypto_withdrawal", "pending", "-75", "ETH",
			[]byte(`{"address":"0xabc","network":"mainnet"}`), "", "", 0, nil,
			"", time.Now(), nil,
		))

	r := NewPostgresTransactionRepository(db)
	rec, err := r.GetByID(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, models.TypeCryptoWithdrawal, rec.Type)
	wallet := rec.Wallet()
	assert.Equal(t, "0xabc", wallet.Address)
	assert.Equal(t, "mainnet", wallet.Network)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListInFlightSelectsProcessingWithdrawals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{
		"id", "account_id", "counterparty_id", "type", "status", "amount", "currency",
		"metadata", "provider_id", "tx_hash", "attempts", "last_attempt_at",
		"error_reason", "created_at", "processed_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs("withdrawal", "crypto_withdrawal", "processing").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(7), int64(2), int64(0), "crypto_withdrawal", "processing", "-50", "BTC",
			[]byte(`{}`), "prov-7", "", 1, nil, "", time.Now(), nil,
		))

	r := NewPostgresTransactionRepository(db)
	recs, err := r.ListInFlight(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "prov-7", recs[0].ProviderID)
	assert.Equal(t, models.StatusProcessing, recs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	r := NewPostgresTransactionRepository(db)
	_, err = r.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
}
