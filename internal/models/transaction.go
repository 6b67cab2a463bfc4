package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit             TransactionType = "deposit"
	TypeWithdrawal          TransactionType = "withdrawal"
	TypeInternalTransfer    TransactionType = "internal_transfer"
	TypeExternalTransfer    TransactionType = "external_transfer"
	TypeCryptoDeposit       TransactionType = "crypto_deposit"
	TypeCryptoWithdrawal    TransactionType = "crypto_withdrawal"
	TypeGiftCardPurchase    TransactionType = "gift_card_purchase"
	TypeGiftCardRedemption  TransactionType = "gift_card_redemption"
	TypeVirtualCardPurchase TransactionType = "virtual_card_purchase"
	TypeCardFunding         TransactionType = "card_funding"
	TypeCardRefund          TransactionType = "card_refund"
	TypeFlightBooking       TransactionType = "flight_booking"
	TypeContract            TransactionType = "contract"
	TypeInterestPayout      TransactionType = "interest_payout"
	TypeBonus               TransactionType = "bonus"
	TypeReferralBonus       TransactionType = "referral_bonus"
)

// Direction reports the expected sign of the amount from the account's
// perspective: -1 for debits, +1 for credits. Transfers are recorded as a
// debit row on the sender and a credit row on the recipient, so either sign
// is legal for them.
func (t TransactionType) Direction() int {
	switch t {
	case TypeDeposit, TypeCryptoDeposit, TypeGiftCardRedemption, TypeCardRefund,
		TypeInterestPayout, TypeBonus, TypeReferralBonus:
		return 1
	case TypeWithdrawal, TypeCryptoWithdrawal, TypeGiftCardPurchase,
		TypeVirtualCardPurchase, TypeCardFunding, TypeFlightBooking, TypeContract:
		return -1
	case TypeInternalTransfer, TypeExternalTransfer:
		return 0
	}
	return 0
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeInternalTransfer, TypeExternalTransfer,
		TypeCryptoDeposit, TypeCryptoWithdrawal, TypeGiftCardPurchase,
		TypeGiftCardRedemption, TypeVirtualCardPurchase, TypeCardFunding,
		TypeCardRefund, TypeFlightBooking, TypeContract, TypeInterestPayout,
		TypeBonus, TypeReferralBonus:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending        TransactionStatus = "pending"
	StatusApproved       TransactionStatus = "approved"
	StatusRejected       TransactionStatus = "rejected"
	StatusProcessing     TransactionStatus = "processing"
	StatusCompleted      TransactionStatus = "completed"
	StatusFailed         TransactionStatus = "failed"
	StatusRequiresManual TransactionStatus = "requires_manual"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusProcessing,
		StatusCompleted, StatusFailed, StatusRequiresManual:
		return true
	}
	return false
}

// Terminal statuses are immutable except for appending provider references.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:        {StatusApproved, StatusRejected, StatusProcessing, StatusRequiresManual, StatusCompleted, StatusFailed},
	StatusApproved:       {StatusProcessing, StatusCompleted},
	StatusProcessing:     {StatusCompleted, StatusFailed},
	StatusRequiresManual: {StatusProcessing, StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is a legal status change.
// Terminal statuses have no outgoing edges; reopening is disallowed.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata is the open provider-passthrough bag. Typed payloads (wallet,
// plan, provider data) are nested under well-known keys.
type Metadata map[string]interface{}

// WalletData describes the destination of a crypto withdrawal.
type WalletData struct {
	Address string `json:"address"`
	Network string `json:"network,omitempty"`
	Memo    string `json:"memo,omitempty"`
}

type Transaction struct {
	ID             int64             `json:"id"`
	AccountID      int64             `json:"account_id"`
	CounterpartyID int64             `json:"counterparty_id,omitempty"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       Metadata          `json:"metadata,omitempty"`
	ProviderID     string            `json:"provider_id,omitempty"`
	TxHash         string            `json:"tx_hash,omitempty"`
	Attempts       int               `json:"attempts"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	ErrorReason    string            `json:"error_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// Wallet extracts the crypto destination from metadata, if present.
func (t *Transaction) Wallet() WalletData {
	w := WalletData{}
	if t.Metadata == nil {
		return w
	}
	if v, ok := t.Metadata["address"].(string); ok {
		w.Address = v
	}
	if v, ok := t.Metadata["network"].(string); ok {
		w.Network = v
	}
	if v, ok := t.Metadata["memo"].(string); ok {
		w.Memo = v
	}
	return w
}
