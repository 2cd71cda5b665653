package game

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EVENT_ROUND_PRE   = "round:pre"
	EVENT_ROUND_TICK  = "round:tick"
	EVENT_ROUND_CRASH = "round:crash"
	EVENT_BET_PLACED  = "bet_placed"
	EVENT_CASHOUT     = "cashout"
)

// Event is the outbound record consumed by the transport layer.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type RoundPreData struct {
	RoundID    string    `json:"round_id"`
	ServerHash string    `json:"server_hash"`
	Countdown  int       `json:"countdown"`
	Timestamp  time.Time `json:"timestamp"`
}

type RoundTickData struct {
	RoundID    string          `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Timestamp  time.Time       `json:"timestamp"`
}

type RoundCrashData struct {
	RoundID         string          `json:"round_id"`
	CrashMultiplier decimal.Decimal `json:"crash_multiplier"`
	ServerSeed      string          `json:"server_seed"`
	Timestamp       time.Time       `json:"timestamp"`
}

type BetPlacedData struct {
	BetID   string          `json:"bet_id"`
	UserID  string          `json:"user_id"`
	RoundID string          `json:"round_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type CashoutData struct {
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	RoundID    string          `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// Projector maps rounds and bets to events. It holds no state besides the
// pre-round duration used for countdowns.
type Projector struct {
	preRound time.Duration
}

func NewProjector(preRound time.Duration) *Projector {
	if preRound <= 0 {
		preRound = PRE_ROUND_DURATION
	}
	return &Projector{preRound: preRound}
}

func (p *Projector) Pre(r *Round, now time.Time) Event {
	left := r.CreatedAt.Add(p.preRound).Sub(now)
	countdown := 0
	if left > 0 {
		countdown = int(math.Ceil(left.Seconds()))
	}
	return Event{Type: EVENT_ROUND_PRE, Data: RoundPreData{
		RoundID:    r.ID,
		ServerHash: r.ServerSeedHash,
		Countdown:  countdown,
		Timestamp:  now.UTC(),
	}}
}

func (p *Projector) Tick(r *Round, multiplier decimal.Decimal, now time.Time) Event {
	return Event{Type: EVENT_ROUND_TICK, Data: RoundTickData{
		RoundID:    r.ID,
		Multiplier: multiplier,
		Timestamp:  now.UTC(),
	}}
}

// Crash carries the revealed seed. It must only be built for crashed rounds;
// for any other state the seed and multiplier are left empty.
func (p *Projector) Crash(r *Round, now time.Time) Event {
	data := RoundCrashData{RoundID: r.ID, Timestamp: now.UTC()}
	if crash, ok := r.RevealedCrash(); ok {
		data.CrashMultiplier = crash
		data.ServerSeed = r.ServerSeed
	}
	return Event{Type: EVENT_ROUND_CRASH, Data: data}
}

// Snapshot is the event a newly connected client needs to render r.
func (p *Projector) Snapshot(r *Round, now time.Time) Event {
	switch r.State {
	case RoundFlying:
		current := MinMultiplier
		if r.StartTime != nil {
			current = CurrentMultiplier(*r.StartTime, r.CrashMultiplier, now)
		}
		return p.Tick(r, current, now)
	case RoundCrashed:
		return p.Crash(r, now)
	default:
		return p.Pre(r, now)
	}
}

func (p *Projector) BetPlaced(b *Bet) Event {
	return Event{Type: EVENT_BET_PLACED, Data: BetPlacedData{
		BetID:   b.ID,
		UserID:  b.UserID,
		RoundID: b.RoundID,
		Amount:  b.Amount,
	}}
}

func (p *Projector) Cashout(b *Bet) Event {
	return Event{Type: EVENT_CASHOUT, Data: CashoutData{
		BetID:      b.ID,
		UserID:     b.UserID,
		RoundID:    b.RoundID,
		Multiplier: b.CashedOutMultiplier.Decimal,
		Payout:     b.WinAmount.Decimal,
	}}
}

// Publisher delivers events to connected clients, locally or across instances.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Publishers fans one event out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, e Event) {
	for _, p := range ps {
		p.Publish(ctx, e)
	}
}
