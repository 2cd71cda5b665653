package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLeader struct {
	leading bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.leading, nil }
func (l *fakeLeader) Release(context.Context) error         { return nil }

func newTestManager(t *testing.T) (*testGame, *Manager, *recordingPublisher, *fakeClock) {
	t.Helper()
	g := newTestGame(t)
	clock := &fakeClock{now: testEpoch}
	pub := &recordingPublisher{}

	g.lifecycle.now = clock.Now
	g.ledger.now = clock.Now
	m := NewManager(g.lifecycle, g.ledger, pub, ManagerConfig{GracePeriod: 3 * time.Second})
	m.now = clock.Now
	return g, m, pub, clock
}

func eventTypes(events []Event) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func hasEvent(events []Event, typ string) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestManager_FullRound(t *testing.T) {
	g, m, pub, clock := newTestManager(t)
	ctx := context.Background()

	g.openRound(t, "r1", "2.00")
	g.deposit(t, "alice", "100.00")
	g.deposit(t, "bob", "100.00")

	m.step(ctx)
	if events := pub.drain(); len(events) != 1 || events[0].Type != EVENT_ROUND_PRE {
		t.Fatalf("first step events = %v, want [%s]", eventTypes(events), EVENT_ROUND_PRE)
	}

	auto, err := m.PlaceBet(ctx, PlaceBetRequest{UserID: "alice", Amount: dec("10.00"), AutoCashout: decimal.NewNullDecimal(dec("1.50"))})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	manual, err := m.PlaceBet(ctx, PlaceBetRequest{UserID: "bob", Amount: dec("10.00")})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if events := pub.drain(); len(events) != 2 || events[0].Type != EVENT_BET_PLACED {
		t.Errorf("bet events = %v, want two %s", eventTypes(events), EVENT_BET_PLACED)
	}

	// take-off
	clock.Advance(10 * time.Second)
	m.step(ctx)
	events := pub.drain()
	if len(events) != 1 || events[0].Type != EVENT_ROUND_TICK {
		t.Fatalf("start events = %v, want [%s]", eventTypes(events), EVENT_ROUND_TICK)
	}
	if got := m.GetCurrentRound().State; got != RoundFlying {
		t.Fatalf("state after start = %v, want %v", got, RoundFlying)
	}
	if got := g.bet(t, manual.Bet.ID).Status; got != BetActive {
		t.Errorf("bet status after start = %v, want %v", got, BetActive)
	}

	// 1.80x passes alice's 1.50 target
	clock.Advance(4 * time.Second)
	m.step(ctx)
	events = pub.drain()
	if !hasEvent(events, EVENT_CASHOUT) || !hasEvent(events, EVENT_ROUND_TICK) {
		t.Fatalf("flying events = %v, want cashout and tick", eventTypes(events))
	}
	settled := g.bet(t, auto.Bet.ID)
	if settled.Status != BetCashedOut || !settled.CashedOutMultiplier.Decimal.Equal(dec("1.50")) {
		t.Errorf("auto bet = %s at %v, want CASHED_OUT at 1.50", settled.Status, settled.CashedOutMultiplier.Decimal)
	}

	// the curve passes 2.00 before five seconds
	clock.Advance(time.Second)
	m.step(ctx)
	events = pub.drain()
	if len(events) != 1 || events[0].Type != EVENT_ROUND_CRASH {
		t.Fatalf("crash events = %v, want [%s]", eventTypes(events), EVENT_ROUND_CRASH)
	}
	crash := events[0].Data.(RoundCrashData)
	if crash.ServerSeed != "seed-r1" || !crash.CrashMultiplier.Equal(dec("2.00")) {
		t.Errorf("crash data = %+v, want revealed seed and 2.00", crash)
	}
	if got := g.bet(t, manual.Bet.ID).Status; got != BetLost {
		t.Errorf("manual bet status = %v, want %v", got, BetLost)
	}
	g.assertBalance(t, "alice", "105.00")
	g.assertBalance(t, "bob", "90.00")

	// grace period
	clock.Advance(time.Second)
	m.step(ctx)
	if events := pub.drain(); len(events) != 0 {
		t.Errorf("events during grace = %v, want none", eventTypes(events))
	}

	clock.Advance(3 * time.Second)
	m.step(ctx)
	events = pub.drain()
	if len(events) != 1 || events[0].Type != EVENT_ROUND_PRE {
		t.Fatalf("next round events = %v, want [%s]", eventTypes(events), EVENT_ROUND_PRE)
	}
	if next := m.GetCurrentRound(); next.ID == "r1" || next.State != RoundPreRound {
		t.Errorf("next round = %s/%s, want a fresh PRE_ROUND", next.ID, next.State)
	}
}

func TestManager_CashOutUsesLiveMultiplier(t *testing.T) {
	g, m, pub, clock := newTestManager(t)
	ctx := context.Background()

	g.openRound(t, "r1", "5.00")
	g.deposit(t, "alice", "100.00")
	m.step(ctx)

	res, err := m.PlaceBet(ctx, PlaceBetRequest{UserID: "alice", Amount: dec("10.00")})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	clock.Advance(10 * time.Second)
	m.step(ctx)
	clock.Advance(time.Second)
	pub.drain()

	_, err = m.CashOut(ctx, CashOutRequest{UserID: "alice", BetID: res.Bet.ID, Multiplier: dec("1.50")})
	if !errors.Is(err, ErrInvalidMultiplier) {
		t.Fatalf("CashOut() ahead of the clock error = %v, want ErrInvalidMultiplier", err)
	}

	out, err := m.CashOut(ctx, CashOutRequest{UserID: "alice", BetID: res.Bet.ID})
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if !out.Bet.CashedOutMultiplier.Decimal.Equal(dec("1.10")) {
		t.Errorf("cashed out at %v, want live 1.10", out.Bet.CashedOutMultiplier.Decimal)
	}
	if events := pub.drain(); len(events) != 1 || events[0].Type != EVENT_CASHOUT {
		t.Errorf("cashout events = %v, want [%s]", eventTypes(events), EVENT_CASHOUT)
	}

	again, err := m.CashOut(ctx, CashOutRequest{UserID: "alice", BetID: res.Bet.ID})
	if err != nil || !again.Replayed {
		t.Fatalf("replayed CashOut() = %+v, %v, want replay", again, err)
	}
	if events := pub.drain(); len(events) != 0 {
		t.Errorf("replay published %v, want nothing", eventTypes(events))
	}
}

func TestManager_CashOutBoundedByStoredRound(t *testing.T) {
	g, m, _, clock := newTestManager(t)
	ctx := context.Background()

	g.openRound(t, "r1", "5.00")
	g.deposit(t, "alice", "100.00")
	m.step(ctx)

	res, err := m.PlaceBet(ctx, PlaceBetRequest{UserID: "alice", Amount: dec("10.00")})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	// another instance starts the round; this manager still caches PRE_ROUND
	g.start(t, "r1")
	clock.Advance(time.Second)
	if cached := m.GetCurrentRound(); cached == nil || cached.State != RoundPreRound {
		t.Fatalf("cached round = %+v, want stale PRE_ROUND", cached)
	}

	_, err = m.CashOut(ctx, CashOutRequest{UserID: "alice", BetID: res.Bet.ID, Multiplier: dec("4.00")})
	if !errors.Is(err, ErrInvalidMultiplier) {
		t.Fatalf("CashOut() ahead of the stored round's clock error = %v, want ErrInvalidMultiplier", err)
	}

	out, err := m.CashOut(ctx, CashOutRequest{UserID: "alice", BetID: res.Bet.ID})
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if !out.Bet.CashedOutMultiplier.Decimal.Equal(dec("1.10")) {
		t.Errorf("cashed out at %v, want live 1.10", out.Bet.CashedOutMultiplier.Decimal)
	}
	g.assertBalance(t, "alice", "101.00")
}

func TestManager_FollowerDoesNotTransition(t *testing.T) {
	g, m, pub, clock := newTestManager(t)
	ctx := context.Background()
	m.WithLeader(&fakeLeader{leading: false})

	g.openRound(t, "r1", "2.00")
	clock.Advance(time.Minute)
	m.step(ctx)

	r, err := g.lifecycle.Round(ctx, "r1")
	if err != nil {
		t.Fatalf("Round() error = %v", err)
	}
	if r.State != RoundPreRound {
		t.Errorf("state = %v, want follower to leave %v alone", r.State, RoundPreRound)
	}
	if current := m.GetCurrentRound(); current == nil || current.ID != "r1" {
		t.Errorf("follower current round = %v, want r1", current)
	}
	if events := pub.drain(); len(events) != 0 {
		t.Errorf("follower published %v, want nothing", eventTypes(events))
	}
}

func TestManager_State(t *testing.T) {
	g, m, _, clock := newTestManager(t)
	ctx := context.Background()

	if _, ok := m.State(); ok {
		t.Error("State() ok before any round")
	}

	g.openRound(t, "r1", "5.00")
	m.step(ctx)
	clock.Advance(4 * time.Second)

	state, ok := m.State()
	if !ok {
		t.Fatal("State() not ok with an open round")
	}
	if state.Countdown != 6 || state.Round.State != RoundPreRound {
		t.Errorf("state = %+v, want PRE_ROUND with 6s left", state)
	}
	if state.Round.CrashMultiplier.Valid || state.Round.ServerSeed != "" {
		t.Error("State() leaks the crash point before the crash")
	}

	clock.Advance(6 * time.Second)
	m.step(ctx)
	clock.Advance(4 * time.Second)

	state, _ = m.State()
	if !state.Multiplier.Equal(dec("1.80")) {
		t.Errorf("live multiplier = %v, want 1.80", state.Multiplier)
	}

	snapshot, ok := m.Snapshot()
	if !ok || snapshot.Type != EVENT_ROUND_TICK {
		t.Errorf("Snapshot() = %v, want %s", snapshot.Type, EVENT_ROUND_TICK)
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	_, m, _, _ := newTestManager(t)
	m.cfg.TickInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if m.GetCurrentRound() == nil {
		t.Error("Run() never opened a round")
	}
}
