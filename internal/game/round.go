package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	PRE_ROUND_DURATION  = 10 * time.Second
	MAX_FLIGHT_DURATION = 120 * time.Second
)

type Transition int

const (
	TransitionNone Transition = iota
	TransitionStart
	TransitionCrash
)

func (t Transition) String() string {
	switch t {
	case TransitionStart:
		return "start"
	case TransitionCrash:
		return "crash"
	default:
		return "none"
	}
}

// TransitionHook runs inside a transition's transaction, after the round row
// has been locked and mutated. An error aborts the transition.
type TransitionHook func(ctx context.Context, tx Tx, r *Round) error

type LifecycleConfig struct {
	ServerKey         string
	ClientSalt        string
	PreRoundDuration  time.Duration
	MaxFlightDuration time.Duration
}

// Lifecycle owns the round state machine. It is the only writer of rounds.
type Lifecycle struct {
	store Store
	cfg   LifecycleConfig
	now   func() time.Time
}

func NewLifecycle(store Store, cfg LifecycleConfig) *Lifecycle {
	if cfg.ClientSalt == "" {
		cfg.ClientSalt = DEFAULT_CLIENT_SALT
	}
	if cfg.PreRoundDuration <= 0 {
		cfg.PreRoundDuration = PRE_ROUND_DURATION
	}
	if cfg.MaxFlightDuration <= 0 {
		cfg.MaxFlightDuration = MAX_FLIGHT_DURATION
	}
	return &Lifecycle{store: store, cfg: cfg, now: time.Now}
}

func (l *Lifecycle) PreRoundDuration() time.Duration {
	return l.cfg.PreRoundDuration
}

// EnsureRound returns the non-terminal round, creating a fresh PRE_ROUND
// round when none exists.
func (l *Lifecycle) EnsureRound(ctx context.Context) (*Round, error) {
	var round *Round
	err := inTx(ctx, l.store, "ensure round", func(ctx context.Context, tx Tx) error {
		current, err := tx.CurrentRound(ctx, LockNone)
		if err == nil {
			round = current
			return nil
		}
		if !errors.Is(err, ErrRoundNotFound) {
			return err
		}

		created, err := l.newRound()
		if err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, created); err != nil {
			return err
		}
		round = created
		return nil
	})

	if errors.Is(err, ErrActiveRoundExists) {
		// another instance created it first
		return l.CurrentRound(ctx)
	}
	if err != nil {
		return nil, err
	}
	return round, nil
}

func (l *Lifecycle) newRound() (*Round, error) {
	seed, err := GenerateSeed()
	if err != nil {
		return nil, err
	}

	r := &Round{
		ID:              uuid.NewString(),
		ServerSeed:      seed,
		ServerSeedHash:  HashCommitment(seed, l.cfg.ServerKey),
		ClientSalt:      l.cfg.ClientSalt,
		State:           RoundPreRound,
		CrashMultiplier: CrashPoint(seed, l.cfg.ClientSalt),
		CreatedAt:       l.now(),
	}

	log.Printf("[GAME] Round %s created", r.ID)
	log.Printf("[FAIR] Commitment: %s...", r.ServerSeedHash[:16])
	return r, nil
}

func (l *Lifecycle) CurrentRound(ctx context.Context) (*Round, error) {
	var round *Round
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.CurrentRound(ctx, LockNone)
		round = r
		return err
	})
	return round, err
}

func (l *Lifecycle) Round(ctx context.Context, id string) (*Round, error) {
	var round *Round
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRound(ctx, id, LockNone)
		round = r
		return err
	})
	return round, err
}

func (l *Lifecycle) History(ctx context.Context, limit int) ([]*Round, error) {
	var rounds []*Round
	err := l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		rs, err := tx.ListRounds(ctx, limit)
		rounds = rs
		return err
	})
	return rounds, err
}

// Due reports which transition, if any, the round is ready for at now.
func (l *Lifecycle) Due(r *Round, now time.Time) Transition {
	switch r.State {
	case RoundPreRound:
		if !now.Before(r.CreatedAt.Add(l.cfg.PreRoundDuration)) {
			return TransitionStart
		}
	case RoundFlying:
		if r.StartTime == nil {
			return TransitionCrash
		}
		if now.Sub(*r.StartTime) >= l.FlightDuration(r) {
			return TransitionCrash
		}
	}
	return TransitionNone
}

// FlightDuration is how long the round flies: the time the curve needs to
// reach the crash point, bounded by MaxFlightDuration.
func (l *Lifecycle) FlightDuration(r *Round) time.Duration {
	d := TimeToReach(r.CrashMultiplier)
	if d > l.cfg.MaxFlightDuration {
		return l.cfg.MaxFlightDuration
	}
	return d
}

// Countdown is the time left in PRE_ROUND at now, never negative.
func (l *Lifecycle) Countdown(r *Round, now time.Time) time.Duration {
	if r.State != RoundPreRound {
		return 0
	}
	left := r.CreatedAt.Add(l.cfg.PreRoundDuration).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Start moves the round from PRE_ROUND to FLYING and runs hook in the same
// transaction.
func (l *Lifecycle) Start(ctx context.Context, id string, hook TransitionHook) (*Round, error) {
	return l.transition(ctx, id, RoundPreRound, func(r *Round, now time.Time) {
		r.State = RoundFlying
		r.StartTime = &now
	}, hook)
}

// Crash moves the round from FLYING to CRASHED, revealing the seed, and runs
// hook in the same transaction.
func (l *Lifecycle) Crash(ctx context.Context, id string, hook TransitionHook) (*Round, error) {
	return l.transition(ctx, id, RoundFlying, func(r *Round, now time.Time) {
		r.State = RoundCrashed
		r.CrashedAt = &now
	}, hook)
}

func (l *Lifecycle) transition(ctx context.Context, id string, from RoundState, apply func(*Round, time.Time), hook TransitionHook) (*Round, error) {
	var round *Round
	err := inTx(ctx, l.store, "round transition", func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRound(ctx, id, LockUpdate)
		if err != nil {
			return err
		}
		if r.State != from {
			return wrapError(CodeInvalidTransition, "invalid round transition",
				fmt.Errorf("round %s is %s, expected %s", id, r.State, from))
		}

		apply(r, l.now())
		if err := tx.UpdateRound(ctx, r); err != nil {
			return err
		}
		if hook != nil {
			if err := hook(ctx, tx, r); err != nil {
				return err
			}
		}
		round = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return round, nil
}

// Verify recomputes the commitment and crash point of a crashed round.
func (l *Lifecycle) Verify(ctx context.Context, id string) (*Verification, error) {
	r, err := l.Round(ctx, id)
	if err != nil {
		return nil, err
	}
	crash, ok := r.RevealedCrash()
	if !ok {
		return nil, ErrRoundNotRevealed
	}

	return &Verification{
		RoundID:         r.ID,
		ServerSeed:      r.ServerSeed,
		ServerSeedHash:  r.ServerSeedHash,
		ClientSalt:      r.ClientSalt,
		CrashMultiplier: crash,
		Recomputed:      CrashPoint(r.ServerSeed, r.ClientSalt),
		Valid:           VerifyRound(r.ServerSeed, r.ClientSalt, r.ServerSeedHash, crash, l.cfg.ServerKey),
	}, nil
}
