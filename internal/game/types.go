package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundState string

const (
	RoundPreRound RoundState = "PRE_ROUND"
	RoundFlying   RoundState = "FLYING"
	RoundCrashed  RoundState = "CRASHED"
)

// Round is one betting cycle. ServerSeed and CrashMultiplier are fixed at
// creation and must not leave the server before the round has crashed.
type Round struct {
	ID              string
	ServerSeedHash  string
	ServerSeed      string
	ClientSalt      string
	State           RoundState
	CrashMultiplier decimal.Decimal
	StartTime       *time.Time
	CrashedAt       *time.Time
	CreatedAt       time.Time
}

func (r *Round) Revealed() bool {
	return r.State == RoundCrashed
}

// RevealedCrash returns the crash multiplier only once the round has crashed.
func (r *Round) RevealedCrash() (decimal.Decimal, bool) {
	if !r.Revealed() {
		return decimal.Zero, false
	}
	return r.CrashMultiplier, true
}

// Public strips hidden fields according to the round state.
func (r *Round) Public() RoundView {
	view := RoundView{
		RoundID:        r.ID,
		State:          r.State,
		ServerSeedHash: r.ServerSeedHash,
		ClientSalt:     r.ClientSalt,
		StartTime:      r.StartTime,
		CrashedAt:      r.CrashedAt,
		CreatedAt:      r.CreatedAt,
	}
	if crash, ok := r.RevealedCrash(); ok {
		view.CrashMultiplier = decimal.NewNullDecimal(crash)
		view.ServerSeed = r.ServerSeed
	}
	return view
}

type RoundView struct {
	RoundID         string              `json:"round_id"`
	State           RoundState          `json:"state"`
	ServerSeedHash  string              `json:"server_seed_hash"`
	ClientSalt      string              `json:"client_salt"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	CrashedAt       *time.Time          `json:"crashed_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	CrashMultiplier decimal.NullDecimal `json:"crash_multiplier"`
	ServerSeed      string              `json:"server_seed,omitempty"`
}

type BetStatus string

const (
	BetPending   BetStatus = "PENDING"
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
)

func (s BetStatus) Terminal() bool {
	return s == BetCashedOut || s == BetLost
}

type Bet struct {
	ID                    string              `json:"bet_id"`
	UserID                string              `json:"user_id"`
	RoundID               string              `json:"round_id"`
	Amount                decimal.Decimal     `json:"amount"`
	AutoCashoutMultiplier decimal.NullDecimal `json:"auto_cashout"`
	Status                BetStatus           `json:"status"`
	CashedOutMultiplier   decimal.NullDecimal `json:"cashed_out_multiplier"`
	WinAmount             decimal.NullDecimal `json:"win_amount"`
	CashedOutAt           *time.Time          `json:"cashed_out_at,omitempty"`
	PlacedAt              time.Time           `json:"placed_at"`
	IdempotencyKey        string              `json:"idempotency_key,omitempty"`
}

type EntryType string

const (
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryBetPlaced  EntryType = "BET_PLACED"
	EntryBetWon     EntryType = "BET_WON"
	EntryBetLost    EntryType = "BET_LOST"
	EntryRefund     EntryType = "REFUND"
)

// LedgerEntry is an immutable record of one balance mutation. Seq orders a
// user's entries and breaks timestamp ties.
type LedgerEntry struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Seq           int64             `json:"seq"`
	Type          EntryType         `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Meta          map[string]string `json:"meta,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type PlaceBetRequest struct {
	UserID         string
	RoundID        string // optional, defaults to the current round
	Amount         decimal.Decimal
	AutoCashout    decimal.NullDecimal
	IdempotencyKey string
}

type PlaceBetResult struct {
	Bet      *Bet            `json:"bet"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed bool            `json:"replayed"`
}

type CashOutRequest struct {
	UserID     string
	BetID      string
	Multiplier decimal.Decimal
	// Live bounds the claim by the multiplier the locked round shows now.
	// A zero Multiplier then means "at the live multiplier".
	Live bool
}

type CashOutResult struct {
	Bet      *Bet            `json:"bet"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed bool            `json:"replayed"`
}

type CreditRequest struct {
	UserID string
	Amount decimal.Decimal
	Type   EntryType
	Meta   map[string]string
}

// Reconciliation is the outcome of replaying a user's ledger chain.
type Reconciliation struct {
	UserID        string          `json:"user_id"`
	Entries       int             `json:"entries"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Consistent    bool            `json:"consistent"`
	BrokenAtSeq   int64           `json:"broken_at_seq,omitempty"`
}

// Verification is the public audit of a crashed round.
type Verification struct {
	RoundID         string          `json:"round_id"`
	ServerSeed      string          `json:"server_seed"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	ClientSalt      string          `json:"client_salt"`
	CrashMultiplier decimal.Decimal `json:"crash_multiplier"`
	Recomputed      decimal.Decimal `json:"recomputed_multiplier"`
	Valid           bool            `json:"valid"`
}
