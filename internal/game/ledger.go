package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	MIN_BET_AMOUNT = decimal.RequireFromString("1.00")
	MAX_BET_AMOUNT = decimal.RequireFromString("10000.00")
)

type LedgerConfig struct {
	MinBet decimal.Decimal
	MaxBet decimal.Decimal
}

// Ledger moves money. Every mutation of a balance is paired with exactly one
// ledger entry inside the same transaction.
type Ledger struct {
	store Store
	cfg   LedgerConfig
	now   func() time.Time
}

func NewLedger(store Store, cfg LedgerConfig) *Ledger {
	if cfg.MinBet.IsZero() {
		cfg.MinBet = MIN_BET_AMOUNT
	}
	if cfg.MaxBet.IsZero() {
		cfg.MaxBet = MAX_BET_AMOUNT
	}
	return &Ledger{store: store, cfg: cfg, now: time.Now}
}

// PlaceBet debits the stake and records a PENDING bet on a PRE_ROUND round.
// A repeated idempotency key returns the original bet without a second debit.
func (l *Ledger) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	if !validMoney(req.Amount) || req.Amount.LessThan(l.cfg.MinBet) || req.Amount.GreaterThan(l.cfg.MaxBet) {
		return nil, wrapError(CodeInvalidAmount, "invalid amount",
			fmt.Errorf("bet must be between %s and %s with at most 2 decimals", l.cfg.MinBet.StringFixed(2), l.cfg.MaxBet.StringFixed(2)))
	}
	if req.AutoCashout.Valid && (!req.AutoCashout.Decimal.GreaterThan(MinMultiplier) || !validMoney(req.AutoCashout.Decimal)) {
		return nil, ErrInvalidAutoCashout
	}

	var result *PlaceBetResult
	err := inTx(ctx, l.store, "place bet", func(ctx context.Context, tx Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.BetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err == nil {
				balance, err := tx.GetBalance(ctx, req.UserID)
				if err != nil {
					return err
				}
				result = &PlaceBetResult{Bet: existing, Balance: balance, Replayed: true}
				return nil
			}
			if !errors.Is(err, ErrBetNotFound) {
				return err
			}
		}

		round, err := l.bettingRound(ctx, tx, req.RoundID)
		if err != nil {
			return err
		}
		if round.State != RoundPreRound {
			return ErrRoundNotAcceptingBets
		}

		bet := &Bet{
			ID:                    uuid.NewString(),
			UserID:                req.UserID,
			RoundID:               round.ID,
			Amount:                req.Amount,
			AutoCashoutMultiplier: req.AutoCashout,
			Status:                BetPending,
			PlacedAt:              l.now(),
			IdempotencyKey:        req.IdempotencyKey,
		}

		meta := map[string]string{"bet_id": bet.ID, "round_id": round.ID}
		if req.IdempotencyKey != "" {
			meta["idempotency_key"] = req.IdempotencyKey
		}
		entry, err := l.post(ctx, tx, req.UserID, EntryBetPlaced, req.Amount.Neg(), meta)
		if err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}

		result = &PlaceBetResult{Bet: bet, Balance: entry.BalanceAfter}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		log.Printf("[BET] User %s placed %s on round %s (ID: %s)", req.UserID, req.Amount.StringFixed(2), result.Bet.RoundID, result.Bet.ID)
	}
	return result, nil
}

func (l *Ledger) bettingRound(ctx context.Context, tx Tx, roundID string) (*Round, error) {
	if roundID == "" {
		round, err := tx.CurrentRound(ctx, LockShare)
		if errors.Is(err, ErrRoundNotFound) {
			return nil, ErrRoundNotAcceptingBets
		}
		return round, err
	}
	return tx.GetRound(ctx, roundID, LockShare)
}

// CashOut settles an ACTIVE bet at the requested multiplier. A bet that is
// already CASHED_OUT is returned unchanged with Replayed set.
func (l *Ledger) CashOut(ctx context.Context, req CashOutRequest) (*CashOutResult, error) {
	var result *CashOutResult
	err := inTx(ctx, l.store, "cash out", func(ctx context.Context, tx Tx) error {
		r, err := l.cashOutTx(ctx, tx, req)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		log.Printf("[CASHOUT] User %s cashed out at %sx (Payout: %s)",
			result.Bet.UserID, result.Bet.CashedOutMultiplier.Decimal.StringFixed(2), result.Bet.WinAmount.Decimal.StringFixed(2))
	}
	return result, nil
}

func (l *Ledger) cashOutTx(ctx context.Context, tx Tx, req CashOutRequest) (*CashOutResult, error) {
	peek, err := tx.GetBet(ctx, req.BetID, LockNone)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && peek.UserID != req.UserID {
		return nil, ErrBetNotFound
	}

	// round before bet before balance
	round, err := tx.GetRound(ctx, peek.RoundID, LockShare)
	if err != nil {
		return nil, err
	}
	bet, err := tx.GetBet(ctx, req.BetID, LockUpdate)
	if err != nil {
		return nil, err
	}

	if bet.Status == BetCashedOut {
		balance, err := tx.GetBalance(ctx, bet.UserID)
		if err != nil {
			return nil, err
		}
		return &CashOutResult{Bet: bet, Balance: balance, Replayed: true}, nil
	}
	if round.State != RoundFlying {
		return nil, ErrRoundNotFlying
	}
	if bet.Status != BetActive {
		return nil, ErrBetNotActive
	}
	if req.Live {
		if round.StartTime == nil {
			return nil, ErrRoundNotFlying
		}
		live := CurrentMultiplier(*round.StartTime, round.CrashMultiplier, l.now())
		if req.Multiplier.IsZero() {
			req.Multiplier = live
		} else if req.Multiplier.GreaterThan(live) {
			return nil, wrapError(CodeInvalidMultiplier, "invalid multiplier",
				fmt.Errorf("requested multiplier is ahead of the live multiplier %s", live.StringFixed(2)))
		}
	}
	if !validMoney(req.Multiplier) || req.Multiplier.LessThan(MinMultiplier) {
		return nil, ErrInvalidMultiplier
	}
	if req.Multiplier.GreaterThan(round.CrashMultiplier) {
		return nil, ErrMultiplierExceeds
	}

	win := bet.Amount.Mul(req.Multiplier).Round(2)
	entry, err := l.post(ctx, tx, bet.UserID, EntryBetWon, win, map[string]string{
		"bet_id":     bet.ID,
		"round_id":   bet.RoundID,
		"multiplier": req.Multiplier.StringFixed(2),
	})
	if err != nil {
		return nil, err
	}

	at := l.now()
	bet.Status = BetCashedOut
	bet.CashedOutMultiplier = decimal.NewNullDecimal(req.Multiplier)
	bet.WinAmount = decimal.NewNullDecimal(win)
	bet.CashedOutAt = &at
	if err := tx.UpdateBet(ctx, bet); err != nil {
		return nil, err
	}

	return &CashOutResult{Bet: bet, Balance: entry.BalanceAfter}, nil
}

// forceLossTx marks an ACTIVE bet of a crashed round as LOST and records a
// zero-amount BET_LOST entry. The stake was already debited at placement.
func (l *Ledger) forceLossTx(ctx context.Context, tx Tx, round *Round, bet *Bet) error {
	locked, err := tx.GetBet(ctx, bet.ID, LockUpdate)
	if err != nil {
		return err
	}
	if locked.Status.Terminal() {
		return ErrAlreadySettled
	}
	if locked.Status != BetActive || round.State != RoundCrashed {
		return ErrBetNotActive
	}

	if _, err := l.post(ctx, tx, locked.UserID, EntryBetLost, decimal.Zero, map[string]string{
		"bet_id":   locked.ID,
		"round_id": round.ID,
	}); err != nil {
		return err
	}

	locked.Status = BetLost
	locked.WinAmount = decimal.NullDecimal{}
	return tx.UpdateBet(ctx, locked)
}

// CreditExternal applies a deposit, refund or withdrawal coming from outside
// the game, e.g. a completed payment.
func (l *Ledger) CreditExternal(ctx context.Context, req CreditRequest) (*LedgerEntry, error) {
	if !validMoney(req.Amount) || !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var delta decimal.Decimal
	switch req.Type {
	case EntryDeposit, EntryRefund:
		delta = req.Amount
	case EntryWithdrawal:
		delta = req.Amount.Neg()
	default:
		return nil, ErrInvalidEntryType
	}

	var entry *LedgerEntry
	err := inTx(ctx, l.store, "credit external", func(ctx context.Context, tx Tx) error {
		e, err := l.post(ctx, tx, req.UserID, req.Type, delta, req.Meta)
		entry = e
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[LEDGER] %s %s for user %s (balance %s)", req.Type, req.Amount.StringFixed(2), req.UserID, entry.BalanceAfter.StringFixed(2))
	return entry, nil
}

// post is the only place a balance changes. It locks the balance row,
// rejects overdrafts and appends the paired entry.
func (l *Ledger) post(ctx context.Context, tx Tx, userID string, typ EntryType, delta decimal.Decimal, meta map[string]string) (*LedgerEntry, error) {
	before, err := tx.LockBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	after := before.Add(delta)
	if after.IsNegative() {
		return nil, ErrInsufficientBalance
	}

	if !delta.IsZero() {
		if err := tx.SetBalance(ctx, userID, after); err != nil {
			return nil, err
		}
	}

	entry := &LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          typ,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Meta:          meta,
		CreatedAt:     l.now(),
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		balance = b
		return err
	})
	return balance, err
}

// Entries lists a user's ledger, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		es, err := tx.ListEntries(ctx, userID, limit, true)
		entries = es
		return err
	})
	return entries, err
}

// Bets lists a user's bets, newest first.
func (l *Ledger) Bets(ctx context.Context, userID string, limit int) ([]*Bet, error) {
	var bets []*Bet
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		bs, err := tx.ListBets(ctx, BetFilter{UserID: userID, Limit: limit})
		bets = bs
		return err
	})
	return bets, err
}

// Reconcile replays a user's chain from zero and compares it with the live
// balance. BrokenAtSeq names the first entry that does not telescope.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	rec := &Reconciliation{UserID: userID, Consistent: true}
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		entries, err := tx.ListEntries(ctx, userID, 0, false)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}

		running := decimal.Zero
		for _, e := range entries {
			if rec.Consistent && (!e.BalanceBefore.Equal(running) || !e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Amount))) {
				rec.Consistent = false
				rec.BrokenAtSeq = e.Seq
			}
			running = e.BalanceAfter
		}

		rec.Entries = len(entries)
		rec.Balance = balance
		rec.LedgerBalance = running
		if !running.Equal(balance) {
			rec.Consistent = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		log.Printf("[LEDGER] Reconciliation failed for user %s (seq %d)", userID, rec.BrokenAtSeq)
	}
	return rec, nil
}

// validMoney reports whether d has at most two decimal places.
func validMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
