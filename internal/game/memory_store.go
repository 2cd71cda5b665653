package game

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is a Store kept in process memory. Transactions are fully
// serialized by one mutex and rolled back through an undo log. It backs the
// tests and STORE=memory demo mode.
type MemoryStore struct {
	mu       sync.Mutex
	rounds   map[string]Round
	bets     map[string]Bet
	betOrder []string
	balances map[string]decimal.Decimal
	entries  map[string][]LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:   make(map[string]Round),
		bets:     make(map[string]Bet),
		balances: make(map[string]decimal.Decimal),
		entries:  make(map[string][]LedgerEntry),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) InsertRound(_ context.Context, r *Round) error {
	if _, exists := t.s.rounds[r.ID]; exists {
		return Transient(errDuplicateKey("round", r.ID))
	}
	if r.State != RoundCrashed {
		for _, other := range t.s.rounds {
			if other.State != RoundCrashed {
				return ErrActiveRoundExists
			}
		}
	}
	t.s.rounds[r.ID] = copyRound(r)
	t.undo = append(t.undo, func() { delete(t.s.rounds, r.ID) })
	return nil
}

func (t *memoryTx) UpdateRound(_ context.Context, r *Round) error {
	prev, ok := t.s.rounds[r.ID]
	if !ok {
		return ErrRoundNotFound
	}
	t.s.rounds[r.ID] = copyRound(r)
	t.undo = append(t.undo, func() { t.s.rounds[r.ID] = prev })
	return nil
}

func (t *memoryTx) GetRound(_ context.Context, id string, _ LockMode) (*Round, error) {
	r, ok := t.s.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	out := copyRound(&r)
	return &out, nil
}

func (t *memoryTx) CurrentRound(_ context.Context, _ LockMode) (*Round, error) {
	var current *Round
	for _, r := range t.s.rounds {
		if r.State == RoundCrashed {
			continue
		}
		if current == nil || r.CreatedAt.After(current.CreatedAt) {
			out := copyRound(&r)
			current = &out
		}
	}
	if current == nil {
		return nil, ErrRoundNotFound
	}
	return current, nil
}

func (t *memoryTx) ListRounds(_ context.Context, limit int) ([]*Round, error) {
	out := make([]*Round, 0, len(t.s.rounds))
	for _, r := range t.s.rounds {
		c := copyRound(&r)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) InsertBet(_ context.Context, b *Bet) error {
	if _, exists := t.s.bets[b.ID]; exists {
		return Transient(errDuplicateKey("bet", b.ID))
	}
	if b.IdempotencyKey != "" {
		if existing := t.findByKey(b.UserID, b.IdempotencyKey); existing != nil {
			return Transient(errDuplicateKey("idempotency key", b.IdempotencyKey))
		}
	}
	t.s.bets[b.ID] = *b
	t.s.betOrder = append(t.s.betOrder, b.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.bets, b.ID)
		t.s.betOrder = t.s.betOrder[:len(t.s.betOrder)-1]
	})
	return nil
}

func (t *memoryTx) UpdateBet(_ context.Context, b *Bet) error {
	prev, ok := t.s.bets[b.ID]
	if !ok {
		return ErrBetNotFound
	}
	t.s.bets[b.ID] = *b
	t.undo = append(t.undo, func() { t.s.bets[b.ID] = prev })
	return nil
}

func (t *memoryTx) GetBet(_ context.Context, id string, _ LockMode) (*Bet, error) {
	b, ok := t.s.bets[id]
	if !ok {
		return nil, ErrBetNotFound
	}
	return &b, nil
}

func (t *memoryTx) BetByIdempotencyKey(_ context.Context, userID, key string) (*Bet, error) {
	if b := t.findByKey(userID, key); b != nil {
		return b, nil
	}
	return nil, ErrBetNotFound
}

func (t *memoryTx) findByKey(userID, key string) *Bet {
	for _, id := range t.s.betOrder {
		b := t.s.bets[id]
		if b.UserID == userID && b.IdempotencyKey == key {
			return &b
		}
	}
	return nil
}

func (t *memoryTx) ActivatePendingBets(_ context.Context, roundID string) (int, error) {
	activated := 0
	for _, id := range t.s.betOrder {
		b := t.s.bets[id]
		if b.RoundID != roundID || b.Status != BetPending {
			continue
		}
		prev := b
		b.Status = BetActive
		t.s.bets[id] = b
		t.undo = append(t.undo, func() { t.s.bets[prev.ID] = prev })
		activated++
	}
	return activated, nil
}

func (t *memoryTx) ListBets(_ context.Context, f BetFilter) ([]*Bet, error) {
	var out []*Bet
	for _, id := range t.s.betOrder {
		b := t.s.bets[id]
		if f.RoundID != "" && b.RoundID != f.RoundID {
			continue
		}
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.AutoCashoutAtMost.Valid {
			if !b.AutoCashoutMultiplier.Valid || b.AutoCashoutMultiplier.Decimal.GreaterThan(f.AutoCashoutAtMost.Decimal) {
				continue
			}
		}
		c := b
		out = append(out, &c)
	}
	if f.UserID != "" && f.RoundID == "" {
		// newest first for per-user history
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memoryTx) LockBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	balance, ok := t.s.balances[userID]
	if !ok {
		t.s.balances[userID] = decimal.Zero
		t.undo = append(t.undo, func() { delete(t.s.balances, userID) })
		return decimal.Zero, nil
	}
	return balance, nil
}

func (t *memoryTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	prev, ok := t.s.balances[userID]
	t.s.balances[userID] = balance
	t.undo = append(t.undo, func() {
		if ok {
			t.s.balances[userID] = prev
		} else {
			delete(t.s.balances, userID)
		}
	})
	return nil
}

func (t *memoryTx) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	return t.s.balances[userID], nil
}

func (t *memoryTx) AppendEntry(_ context.Context, e *LedgerEntry) error {
	chain := t.s.entries[e.UserID]
	e.Seq = int64(len(chain)) + 1
	stored := *e
	stored.Meta = copyMeta(e.Meta)
	t.s.entries[e.UserID] = append(chain, stored)
	t.undo = append(t.undo, func() {
		t.s.entries[e.UserID] = t.s.entries[e.UserID][:len(t.s.entries[e.UserID])-1]
	})
	return nil
}

func (t *memoryTx) ListEntries(_ context.Context, userID string, limit int, newestFirst bool) ([]*LedgerEntry, error) {
	chain := t.s.entries[userID]
	out := make([]*LedgerEntry, 0, len(chain))
	for i := range chain {
		e := chain[i]
		e.Meta = copyMeta(e.Meta)
		out = append(out, &e)
	}
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRound(r *Round) Round {
	c := *r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.CrashedAt != nil {
		t := *r.CrashedAt
		c.CrashedAt = &t
	}
	return c
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

type duplicateKeyError struct {
	kind, key string
}

func (e duplicateKeyError) Error() string {
	return "duplicate " + e.kind + " " + e.key
}

func errDuplicateKey(kind, key string) error {
	return duplicateKeyError{kind: kind, key: key}
}
