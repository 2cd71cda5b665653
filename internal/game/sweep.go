package game

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const SWEEP_CONCURRENCY = 8

type SweepReport struct {
	RoundID   string
	Activated int
	CashedOut int
	Lost      int
	Skipped   int
	Failed    int
	Settled   []*CashOutResult
}

// Sweep applies round-wide bet transitions: activation on take-off,
// auto-cashouts while flying and forced losses on crash.
type Sweep struct {
	ledger      *Ledger
	concurrency int
}

func NewSweep(ledger *Ledger) *Sweep {
	return &Sweep{ledger: ledger, concurrency: SWEEP_CONCURRENCY}
}

// Activate turns every PENDING bet of r into ACTIVE. It must run inside the
// start transition.
func (s *Sweep) Activate(ctx context.Context, tx Tx, r *Round) (SweepReport, error) {
	report := SweepReport{RoundID: r.ID}
	if r.State != RoundFlying {
		return report, ErrRoundNotFlying
	}
	n, err := tx.ActivatePendingBets(ctx, r.ID)
	if err != nil {
		return report, err
	}
	report.Activated = n
	return report, nil
}

// SweepAutoCashouts settles every ACTIVE bet whose auto target is at or below
// current, each at its own target. Per-bet failures never abort the pass.
func (s *Sweep) SweepAutoCashouts(ctx context.Context, r *Round, current decimal.Decimal) (SweepReport, error) {
	report := SweepReport{RoundID: r.ID}

	var candidates []*Bet
	err := s.ledger.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		bets, err := tx.ListBets(ctx, BetFilter{
			RoundID:           r.ID,
			Status:            BetActive,
			AutoCashoutAtMost: decimal.NewNullDecimal(current),
		})
		candidates = bets
		return err
	})
	if err != nil {
		return report, err
	}
	if len(candidates) == 0 {
		return report, nil
	}

	var (
		mu      sync.Mutex
		stopped atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, bet := range candidates {
		g.Go(func() error {
			if stopped.Load() {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			result, err := s.ledger.CashOut(ctx, CashOutRequest{
				UserID:     bet.UserID,
				BetID:      bet.ID,
				Multiplier: bet.AutoCashoutMultiplier.Decimal,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && result.Replayed:
				report.Skipped++
			case err == nil:
				report.CashedOut++
				report.Settled = append(report.Settled, result)
			case errors.Is(err, ErrRoundNotFlying):
				// crashed under us; ForceLose owns the rest
				stopped.Store(true)
				report.Skipped++
			case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrBetNotActive):
				report.Skipped++
			default:
				report.Failed++
				log.Printf("[SWEEP] Auto-cashout of bet %s failed: %v", bet.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.CashedOut > 0 || report.Failed > 0 {
		log.Printf("[SWEEP] Round %s at %sx: %d auto-cashouts, %d skipped, %d failed",
			r.ID, current.StringFixed(2), report.CashedOut, report.Skipped, report.Failed)
	}
	return report, nil
}

// ForceLose settles every remaining ACTIVE bet of a crashed round as LOST. It
// must run inside the crash transition.
func (s *Sweep) ForceLose(ctx context.Context, tx Tx, r *Round) (SweepReport, error) {
	report := SweepReport{RoundID: r.ID}
	if r.State != RoundCrashed {
		return report, ErrInvalidTransition
	}

	bets, err := tx.ListBets(ctx, BetFilter{RoundID: r.ID, Status: BetActive})
	if err != nil {
		return report, err
	}
	for _, bet := range bets {
		err := s.ledger.forceLossTx(ctx, tx, r, bet)
		switch {
		case err == nil:
			report.Lost++
		case errors.Is(err, ErrAlreadySettled):
			report.Skipped++
		default:
			return report, err
		}
	}
	return report, nil
}
