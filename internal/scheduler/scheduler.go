// Package scheduler runs the periodic sweeps: contract maturation, gift card
// expiry and in-flight payout reconciliation. Each sweep is idempotent, so an
// overlapping or repeated run is harmless.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	service "github.com/storm-beyndtech/instantglobal-server/internal/services"
)

type Scheduler struct {
	cron      *cron.Cron
	contracts service.ContractService
	giftCards service.GiftCardService
	payouts   service.PayoutService
}

func New(contracts service.ContractService, giftCards service.GiftCardService, payouts service.PayoutService) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		contracts: contracts,
		giftCards: giftCards,
		payouts:   payouts,
	}
}

// Start registers the sweeps and begins running them. Specs use the standard
// cron format or @every shorthand.
func (s *Scheduler) Start(contractSpec, giftCardSpec, payoutSpec string) error {
	if _, err := s.cron.AddFunc(contractSpec, s.sweepContracts); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(giftCardSpec, s.sweepGiftCards); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(payoutSpec, s.sweepPayouts); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("scheduler started", "contract_spec", contractSpec, "giftcard_spec", giftCardSpec, "payout_spec", payoutSpec)
	return nil
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) sweepContracts() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	settled, err := s.contracts.MatureDue(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("contract maturity sweep failed", "error", err)
		return
	}
	if settled > 0 {
		slog.Info("contract maturity sweep finished", "settled", settled)
	}
}

func (s *Scheduler) sweepGiftCards() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.giftCards.ExpireDue(ctx, time.Now().UTC()); err != nil {
		slog.Error("gift card expiry sweep failed", "error", err)
	}
}

func (s *Scheduler) sweepPayouts() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	resolved, err := s.payouts.ReconcileInFlight(ctx)
	if err != nil {
		slog.Error("payout reconciliation sweep failed", "error", err)
		return
	}
	if resolved > 0 {
		slog.Info("payout reconciliation sweep finished", "resolved", resolved)
	}
}
