package game

import (
	"context"

	"github.com/shopspring/decimal"
)

// LockMode selects the row lock taken by a read inside a transaction.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockUpdate
)

// Store runs atomic units of work against the durable store. Every Tx method
// called from fn belongs to the same transaction; returning an error from fn
// rolls all of it back. fn must not call InTx again.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the row-level view of rounds, bets, balances and ledger entries.
// Lookups of missing rows return ErrRoundNotFound or ErrBetNotFound.
type Tx interface {
	InsertRound(ctx context.Context, r *Round) error
	UpdateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, id string, lock LockMode) (*Round, error)
	// CurrentRound returns the single PRE_ROUND or FLYING round.
	CurrentRound(ctx context.Context, lock LockMode) (*Round, error)
	ListRounds(ctx context.Context, limit int) ([]*Round, error)

	InsertBet(ctx context.Context, b *Bet) error
	UpdateBet(ctx context.Context, b *Bet) error
	GetBet(ctx context.Context, id string, lock LockMode) (*Bet, error)
	BetByIdempotencyKey(ctx context.Context, userID, key string) (*Bet, error)
	ActivatePendingBets(ctx context.Context, roundID string) (int, error)
	ListBets(ctx context.Context, filter BetFilter) ([]*Bet, error)

	// LockBalance creates a zero balance row when missing and locks it.
	LockBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	// AppendEntry assigns the next per-user Seq and stores the entry.
	AppendEntry(ctx context.Context, e *LedgerEntry) error
	ListEntries(ctx context.Context, userID string, limit int, newestFirst bool) ([]*LedgerEntry, error)
}

type BetFilter struct {
	RoundID string
	UserID  string
	Status  BetStatus
	// AutoCashoutAtMost keeps only bets whose auto target is set and <= this value.
	AutoCashoutAtMost decimal.NullDecimal
	Limit             int
}
