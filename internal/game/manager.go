package game

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TICK_INTERVAL = 100 * time.Millisecond
	GRACE_PERIOD  = 3 * time.Second
)

// Leader decides which instance drives round transitions. Instances that do
// not hold the lease only follow the stored round.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type ManagerConfig struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
}

// Manager is the scheduler. On every tick it asks the lifecycle whether a
// transition is due, runs the sweep and publishes the projected events.
type Manager struct {
	lifecycle *Lifecycle
	ledger    *Ledger
	sweep     *Sweep
	projector *Projector
	publisher Publisher
	leader    Leader
	cfg       ManagerConfig

	currentRound  *Round
	lastCountdown int
	stateMutex    sync.RWMutex

	now func() time.Time
}

func NewManager(lifecycle *Lifecycle, ledger *Ledger, publisher Publisher, cfg ManagerConfig) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = TICK_INTERVAL
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = GRACE_PERIOD
	}
	if publisher == nil {
		publisher = Publishers{}
	}
	return &Manager{
		lifecycle:     lifecycle,
		ledger:        ledger,
		sweep:         NewSweep(ledger),
		projector:     NewProjector(lifecycle.PreRoundDuration()),
		publisher:     publisher,
		cfg:           cfg,
		lastCountdown: -1,
		now:           time.Now,
	}
}

// WithLeader makes transitions conditional on holding the scheduler lease.
func (m *Manager) WithLeader(l Leader) *Manager {
	m.leader = l
	return m
}

func (m *Manager) Lifecycle() *Lifecycle { return m.lifecycle }
func (m *Manager) Ledger() *Ledger       { return m.ledger }

// Run drives rounds until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("[GAME] Scheduler started (tick %s)", m.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			if m.leader != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := m.leader.Release(releaseCtx); err != nil {
					log.Printf("[GAME] Failed to release scheduler lease: %v", err)
				}
				cancel()
			}
			log.Println("[GAME] Game loop stopped")
			return nil
		case <-ticker.C:
			m.step(ctx)
		}
	}
}

func (m *Manager) step(ctx context.Context) {
	if m.leader != nil {
		leading, err := m.leader.Acquire(ctx)
		if err != nil {
			log.Printf("[GAME] Scheduler lease check failed: %v", err)
			return
		}
		if !leading {
			m.follow(ctx)
			return
		}
	}

	now := m.now()
	round := m.GetCurrentRound()

	if round == nil || round.State == RoundCrashed {
		if round != nil && round.CrashedAt != nil && now.Sub(*round.CrashedAt) < m.cfg.GracePeriod {
			return
		}
		next, err := m.lifecycle.EnsureRound(ctx)
		if err != nil {
			log.Printf("[GAME] Failed to open round: %v", err)
			return
		}
		m.setRound(next)
		m.publish(ctx, m.projector.Snapshot(next, now))
		return
	}

	switch m.lifecycle.Due(round, now) {
	case TransitionStart:
		m.start(ctx, round, now)
	case TransitionCrash:
		m.crash(ctx, round, now)
	default:
		m.tick(ctx, round, now)
	}
}

func (m *Manager) start(ctx context.Context, round *Round, now time.Time) {
	var report SweepReport
	started, err := m.lifecycle.Start(ctx, round.ID, func(ctx context.Context, tx Tx, r *Round) error {
		rep, err := m.sweep.Activate(ctx, tx, r)
		report = rep
		return err
	})
	if err != nil {
		m.transitionFailed(ctx, round, TransitionStart, err)
		return
	}

	m.setRound(started)
	log.Printf("[GAME] Round %s flying with %d active bets", started.ID, report.Activated)
	m.publish(ctx, m.projector.Tick(started, MinMultiplier, now))
}

func (m *Manager) crash(ctx context.Context, round *Round, now time.Time) {
	// auto targets reached on the final tick settle before the round locks
	if round.StartTime != nil {
		m.sweepAt(ctx, round, CurrentMultiplier(*round.StartTime, round.CrashMultiplier, now))
	}

	var report SweepReport
	crashed, err := m.lifecycle.Crash(ctx, round.ID, func(ctx context.Context, tx Tx, r *Round) error {
		rep, err := m.sweep.ForceLose(ctx, tx, r)
		report = rep
		return err
	})
	if err != nil {
		m.transitionFailed(ctx, round, TransitionCrash, err)
		return
	}

	m.setRound(crashed)
	log.Printf("=== ROUND %s ENDED at %sx (%d lost) ===", crashed.ID, crashed.CrashMultiplier.StringFixed(2), report.Lost)
	m.publish(ctx, m.projector.Crash(crashed, now))
}

func (m *Manager) tick(ctx context.Context, round *Round, now time.Time) {
	switch round.State {
	case RoundFlying:
		if round.StartTime == nil {
			return
		}
		current := CurrentMultiplier(*round.StartTime, round.CrashMultiplier, now)
		m.sweepAt(ctx, round, current)
		m.publish(ctx, m.projector.Tick(round, current, now))

	case RoundPreRound:
		countdown := int(math.Ceil(m.lifecycle.Countdown(round, now).Seconds()))
		m.stateMutex.Lock()
		changed := countdown != m.lastCountdown
		m.lastCountdown = countdown
		m.stateMutex.Unlock()
		if changed {
			m.publish(ctx, m.projector.Pre(round, now))
		}
	}
}

func (m *Manager) sweepAt(ctx context.Context, round *Round, current decimal.Decimal) {
	report, err := m.sweep.SweepAutoCashouts(ctx, round, current)
	if err != nil {
		log.Printf("[SWEEP] Round %s sweep failed: %v", round.ID, err)
		return
	}
	for _, settled := range report.Settled {
		m.publish(ctx, m.projector.Cashout(settled.Bet))
	}
}

func (m *Manager) transitionFailed(ctx context.Context, round *Round, t Transition, err error) {
	if errors.Is(err, ErrInvalidTransition) {
		// someone else moved the round; pick up its current state
		m.reload(ctx, round.ID)
		return
	}
	log.Printf("[GAME] Round %s %s failed: %v", round.ID, t, err)
}

// follow mirrors the round driven by the lease holder.
func (m *Manager) follow(ctx context.Context) {
	current, err := m.lifecycle.CurrentRound(ctx)
	if errors.Is(err, ErrRoundNotFound) {
		if round := m.GetCurrentRound(); round != nil && round.State != RoundCrashed {
			m.reload(ctx, round.ID)
		}
		return
	}
	if err != nil {
		log.Printf("[GAME] Failed to refresh round: %v", err)
		return
	}
	m.setRound(current)
}

func (m *Manager) reload(ctx context.Context, id string) {
	r, err := m.lifecycle.Round(ctx, id)
	if err != nil {
		log.Printf("[GAME] Failed to reload round %s: %v", id, err)
		return
	}
	m.setRound(r)
}

func (m *Manager) setRound(r *Round) {
	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()
	if m.currentRound == nil || m.currentRound.ID != r.ID {
		m.lastCountdown = -1
	}
	m.currentRound = r
}

func (m *Manager) publish(ctx context.Context, e Event) {
	m.publisher.Publish(ctx, e)
}

func (m *Manager) GetCurrentRound() *Round {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	if m.currentRound == nil {
		return nil
	}
	roundCopy := copyRound(m.currentRound)
	return &roundCopy
}

// Snapshot is the event for the round as it stands now, for joining clients.
func (m *Manager) Snapshot() (Event, bool) {
	round := m.GetCurrentRound()
	if round == nil {
		return Event{}, false
	}
	return m.projector.Snapshot(round, m.now()), true
}

// GameState is the public view of the current round with its live multiplier.
type GameState struct {
	Round      RoundView       `json:"round"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Countdown  int             `json:"countdown"`
}

func (m *Manager) State() (*GameState, bool) {
	round := m.GetCurrentRound()
	if round == nil {
		return nil, false
	}

	now := m.now()
	state := &GameState{Round: round.Public(), Multiplier: MinMultiplier}
	switch round.State {
	case RoundPreRound:
		state.Countdown = int(math.Ceil(m.lifecycle.Countdown(round, now).Seconds()))
	case RoundFlying:
		if round.StartTime != nil {
			state.Multiplier = CurrentMultiplier(*round.StartTime, round.CrashMultiplier, now)
		}
	case RoundCrashed:
		state.Multiplier = round.CrashMultiplier
	}
	return state, true
}

// PlaceBet places a bet and announces it to connected clients.
func (m *Manager) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	result, err := m.ledger.PlaceBet(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		m.publish(ctx, m.projector.BetPlaced(result.Bet))
	}
	return result, nil
}

// CashOut settles a bet on behalf of its owner and announces it. The claim
// is bounded by the live multiplier of the round as stored, not as cached
// here; a zero multiplier cashes out at that live value.
func (m *Manager) CashOut(ctx context.Context, req CashOutRequest) (*CashOutResult, error) {
	req.Live = true
	result, err := m.ledger.CashOut(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		m.publish(ctx, m.projector.Cashout(result.Bet))
	}
	return result, nil
}
