package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrGiftCardNotFound    = errors.New("gift card not found")
	ErrCardNotFound        = errors.New("virtual card not found")

	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrAmountSignMismatch       = errors.New("amount sign does not match transaction type")
	ErrNilTransaction           = errors.New("transaction is nil")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrValidationFailed  = errors.New("validation failed")
	ErrConflict          = errors.New("transaction already processed")

	ErrProviderUnavailable = errors.New("payout provider unavailable")
	ErrRestrictedAccount   = errors.New("account is restricted from balance mutations")

	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrBalanceLocked           = errors.New("balance is locked by another operation")
	ErrTooManyRequests         = errors.New("too many requests, try again later")

	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("not allowed to act on this account")
	ErrInternal           = errors.New("internal error")
)

// InsufficientFundsError carries the available vs required amounts so the
// caller can surface them. It matches ErrInsufficientFunds via errors.Is.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, required %s", e.Available, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ValidationError aggregates per-field validation failures. Warnings are
// reported alongside and do not block the operation.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Errors)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
