// Package payout wraps the external payout-capable provider behind a narrow
// capability interface. Two implementations exist: the HTTP adapter for the
// real provider and a deterministic stub used when no credentials are
// configured. The orchestrator never talks to the provider any other way.
package payout

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

type Connectivity struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

type Balance struct {
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
}

type PayoutResult struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
	TxHash     string `json:"tx_hash,omitempty"`
}

type MassPayoutItem struct {
	Address  string          `json:"address"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo,omitempty"`
}

// MassPayoutResult carries per-item results in the same order as the input
// list; callers apply them positionally.
type MassPayoutResult struct {
	ID      string         `json:"id"`
	Status  string         `json:"status"`
	Results []PayoutResult `json:"results"`
}

type Provider interface {
	TestConnectivity(ctx context.Context) (Connectivity, error)
	GetBalance(ctx context.Context, currency string) (Balance, error)
	// GetMinimumAmount fails soft: callers fall back to static defaults.
	GetMinimumAmount(ctx context.Context, currency string) (decimal.Decimal, error)
	CreatePayout(ctx context.Context, address, currency string, amount decimal.Decimal, memo string) (PayoutResult, error)
	CreateMassPayout(ctx context.Context, items []MassPayoutItem) (MassPayoutResult, error)
	GetPayoutStatus(ctx context.Context, providerID string) (string, error)
}

// MapStatus translates the provider's payout status vocabulary into the
// internal enum. Unknown values map to pending so nothing is marked terminal
// on a status we do not understand.
func MapStatus(providerStatus string) models.TransactionStatus {
	switch providerStatus {
	case "waiting", "confirming", "sending":
		return models.StatusProcessing
	case "confirmed", "finished":
		return models.StatusCompleted
	case "failed", "refunded", "rejected":
		return models.StatusFailed
	default:
		return models.StatusPending
	}
}
