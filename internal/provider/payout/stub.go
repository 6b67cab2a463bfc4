package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Stub is the deterministic in-memory provider used when no credentials are
// configured, and by tests. Balances and failure switches are settable so
// every routing branch of the orchestrator can be exercised.
type Stub struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	minimums  map[string]decimal.Decimal
	connected bool
	failAll   bool
	payouts   map[string]string
}

func NewStub() *Stub {
	return &Stub{
		balances:  map[string]decimal.Decimal{},
		minimums:  map[string]decimal.Decimal{},
		connected: true,
		payouts:   map[string]string{},
	}
}

func (s *Stub) SetBalance(currency string, available decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[currency] = available
}

func (s *Stub) SetMinimum(currency string, min decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minimums[currency] = min
}

func (s *Stub) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// SetFailAll makes every payout call return an error.
func (s *Stub) SetFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

func (s *Stub) TestConnectivity(ctx context.Context) (Connectivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Connectivity{Connected: false, Detail: "stub offline"}, nil
	}
	return Connectivity{Connected: true, Detail: "stub"}, nil
}

func (s *Stub) GetBalance(ctx context.Context, currency string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Balance{}, fmt.Errorf("stub offline")
	}
	return Balance{Available: s.balances[currency]}, nil
}

func (s *Stub) GetMinimumAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return decimal.Zero, fmt.Errorf("stub offline")
	}
	if min, ok := s.minimums[currency]; ok {
		return min, nil
	}
	return decimal.Zero, fmt.Errorf("no minimum configured for %s", currency)
}

func (s *Stub) CreatePayout(ctx context.Context, address, currency string, amount decimal.Decimal, memo string) (PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || !s.connected {
		return PayoutResult{}, fmt.Errorf("stub payout failure")
	}
	id := uuid.NewString()
	s.payouts[id] = "waiting"
	s.balances[currency] = s.balances[currency].Sub(amount)
	return PayoutResult{ProviderID: id, Status: "waiting"}, nil
}

func (s *Stub) CreateMassPayout(ctx context.Context, items []MassPayoutItem) (MassPayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || !s.connected {
		return MassPayoutResult{}, fmt.Errorf("stub mass payout failure")
	}
	result := MassPayoutResult{ID: uuid.NewString(), Status: "waiting"}
	for _, item := range items {
		id := uuid.NewString()
		s.payouts[id] = "waiting"
		s.balances[item.Currency] = s.balances[item.Currency].Sub(item.Amount)
		result.Results = append(result.Results, PayoutResult{ProviderID: id, Status: "waiting"})
	}
	return result, nil
}

func (s *Stub) GetPayoutStatus(ctx context.Context, providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.payouts[providerID]
	if !ok {
		return "", fmt.Errorf("unknown payout %s", providerID)
	}
	return status, nil
}
