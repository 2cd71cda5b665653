package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crash/internal/game"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	tableRounds   = "rounds"
	tableBets     = "bets"
	tableBalances = "balances"
	tableEntries  = "ledger_entries"

	constraintOneOpenRound = "rounds_one_open"
	constraintBalanceFloor = "balances_balance_check"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var roundColumns = []string{
	"id", "server_seed_hash", "server_seed", "client_salt", "state",
	"crash_multiplier::text", "start_time", "crashed_at", "created_at",
}

var betColumns = []string{
	"id", "user_id", "round_id", "amount::text", "auto_cashout::text", "status",
	"cashed_out_multiplier::text", "win_amount::text", "cashed_out_at", "placed_at",
	"COALESCE(idempotency_key, '')",
}

var entryColumns = []string{
	"id", "user_id", "seq", "type", "amount::text", "balance_before::text",
	"balance_after::text", "meta::text", "created_at",
}

// Store is the Postgres game.Store. Each InTx call is one database
// transaction; row locks follow the LockMode of every read.
type Store struct {
	pool   *pgxpool.Pool
	trm    *manager.Manager
	getter *trmpgx.CtxGetter
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		trm:    manager.Must(trmpgx.NewDefaultFactory(pool)),
		getter: trmpgx.DefaultCtxGetter,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx game.Tx) error) error {
	err := s.trm.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, &pgTx{s: s})
	})
	return classify(err)
}

// classify maps driver failures onto game errors. Serialization failures,
// deadlocks and lock timeouts are retryable; so is a unique violation other
// than the open-round index, because the retry re-reads the winning row.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gameErr *game.Error
	if errors.As(err, &gameErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return game.Transient(err)
	case "23505":
		if pgErr.ConstraintName == constraintOneOpenRound {
			return game.ErrActiveRoundExists
		}
		return game.Transient(err)
	case "23514":
		if pgErr.ConstraintName == constraintBalanceFloor {
			return game.ErrInsufficientBalance
		}
	}
	return err
}

type pgTx struct {
	s *Store
}

func (t *pgTx) conn(ctx context.Context) trmpgx.Tr {
	return t.s.getter.DefaultTrOrDB(ctx, t.s.pool)
}

func (t *pgTx) exec(ctx context.Context, b sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build query: %w", err)
	}
	tag, err := t.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return tag, classify(err)
	}
	return tag, nil
}

func (t *pgTx) queryRow(ctx context.Context, b sq.Sqlizer) (pgx.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return t.conn(ctx).QueryRow(ctx, query, args...), nil
}

func (t *pgTx) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := t.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

func withLock(b sq.SelectBuilder, lock game.LockMode) sq.SelectBuilder {
	switch lock {
	case game.LockShare:
		return b.Suffix("FOR SHARE")
	case game.LockUpdate:
		return b.Suffix("FOR UPDATE")
	}
	return b
}

func (t *pgTx) InsertRound(ctx context.Context, r *game.Round) error {
	_, err := t.exec(ctx, psql.Insert(tableRounds).
		Columns("id", "server_seed_hash", "server_seed", "client_salt", "state",
			"crash_multiplier", "start_time", "crashed_at", "created_at").
		Values(r.ID, r.ServerSeedHash, r.ServerSeed, r.ClientSalt, string(r.State),
			numeric(r.CrashMultiplier), r.StartTime, r.CrashedAt, r.CreatedAt))
	return err
}

func (t *pgTx) UpdateRound(ctx context.Context, r *game.Round) error {
	tag, err := t.exec(ctx, psql.Update(tableRounds).
		Set("state", string(r.State)).
		Set("start_time", r.StartTime).
		Set("crashed_at", r.CrashedAt).
		Where(sq.Eq{"id": r.ID}))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return game.ErrRoundNotFound
	}
	return nil
}

func (t *pgTx) GetRound(ctx context.Context, id string, lock game.LockMode) (*game.Round, error) {
	row, err := t.queryRow(ctx, withLock(psql.Select(roundColumns...).
		From(tableRounds).
		Where(sq.Eq{"id": id}), lock))
	if err != nil {
		return nil, err
	}
	return scanRound(row)
}

func (t *pgTx) CurrentRound(ctx context.Context, lock game.LockMode) (*game.Round, error) {
	row, err := t.queryRow(ctx, withLock(psql.Select(roundColumns...).
		From(tableRounds).
		Where(sq.NotEq{"state": string(game.RoundCrashed)}).
		OrderBy("created_at DESC").
		Limit(1), lock))
	if err != nil {
		return nil, err
	}
	return scanRound(row)
}

func (t *pgTx) ListRounds(ctx context.Context, limit int) ([]*game.Round, error) {
	b := psql.Select(roundColumns...).From(tableRounds).OrderBy("created_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) InsertBet(ctx context.Context, b *game.Bet) error {
	var key any
	if b.IdempotencyKey != "" {
		key = b.IdempotencyKey
	}
	_, err := t.exec(ctx, psql.Insert(tableBets).
		Columns("id", "user_id", "round_id", "amount", "auto_cashout", "status",
			"cashed_out_multiplier", "win_amount", "cashed_out_at", "placed_at", "idempotency_key").
		Values(b.ID, b.UserID, b.RoundID, numeric(b.Amount), nullNumeric(b.AutoCashoutMultiplier),
			string(b.Status), nullNumeric(b.CashedOutMultiplier), nullNumeric(b.WinAmount),
			b.CashedOutAt, b.PlacedAt, key))
	return err
}

func (t *pgTx) UpdateBet(ctx context.Context, b *game.Bet) error {
	tag, err := t.exec(ctx, psql.Update(tableBets).
		Set("status", string(b.Status)).
		Set("cashed_out_multiplier", nullNumeric(b.CashedOutMultiplier)).
		Set("win_amount", nullNumeric(b.WinAmount)).
		Set("cashed_out_at", b.CashedOutAt).
		Where(sq.Eq{"id": b.ID}))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return game.ErrBetNotFound
	}
	return nil
}

func (t *pgTx) GetBet(ctx context.Context, id string, lock game.LockMode) (*game.Bet, error) {
	row, err := t.queryRow(ctx, withLock(psql.Select(betColumns...).
		From(tableBets).
		Where(sq.Eq{"id": id}), lock))
	if err != nil {
		return nil, err
	}
	return scanBet(row)
}

func (t *pgTx) BetByIdempotencyKey(ctx context.Context, userID, key string) (*game.Bet, error) {
	row, err := t.queryRow(ctx, psql.Select(betColumns...).
		From(tableBets).
		Where(sq.Eq{"user_id": userID, "idempotency_key": key}))
	if err != nil {
		return nil, err
	}
	return scanBet(row)
}

func (t *pgTx) ActivatePendingBets(ctx context.Context, roundID string) (int, error) {
	tag, err := t.exec(ctx, psql.Update(tableBets).
		Set("status", string(game.BetActive)).
		Where(sq.Eq{"round_id": roundID, "status": string(game.BetPending)}))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ListBets(ctx context.Context, f game.BetFilter) ([]*game.Bet, error) {
	b := psql.Select(betColumns...).From(tableBets)
	if f.RoundID != "" {
		b = b.Where(sq.Eq{"round_id": f.RoundID})
	}
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.AutoCashoutAtMost.Valid {
		b = b.Where(sq.Expr("auto_cashout IS NOT NULL AND auto_cashout <= ?::text::numeric", f.AutoCashoutAtMost.Decimal.String()))
	}
	if f.UserID != "" && f.RoundID == "" {
		b = b.OrderBy("seq DESC")
	} else {
		b = b.OrderBy("seq ASC")
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bet)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.exec(ctx, psql.Insert(tableBalances).
		Columns("user_id", "balance").
		Values(userID, 0).
		Suffix("ON CONFLICT (user_id) DO NOTHING")); err != nil {
		return decimal.Zero, err
	}

	row, err := t.queryRow(ctx, withLock(psql.Select("balance::text").
		From(tableBalances).
		Where(sq.Eq{"user_id": userID}), game.LockUpdate))
	if err != nil {
		return decimal.Zero, err
	}
	return scanDecimal(row)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := t.exec(ctx, psql.Update(tableBalances).
		Set("balance", numeric(balance)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"user_id": userID}))
	return err
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	row, err := t.queryRow(ctx, psql.Select("balance::text").
		From(tableBalances).
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := scanDecimal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}

// AppendEntry relies on the caller holding the user's balance lock, which
// serializes seq assignment per user.
func (t *pgTx) AppendEntry(ctx context.Context, e *game.LedgerEntry) error {
	meta := []byte("{}")
	if len(e.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(e.Meta); err != nil {
			return fmt.Errorf("encode entry meta: %w", err)
		}
	}

	row, err := t.queryRow(ctx, psql.Insert(tableEntries).
		Columns("id", "user_id", "seq", "type", "amount", "balance_before", "balance_after", "meta", "created_at").
		Values(e.ID, e.UserID,
			sq.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries WHERE user_id = ?)", e.UserID),
			string(e.Type), numeric(e.Amount), numeric(e.BalanceBefore), numeric(e.BalanceAfter),
			sq.Expr("?::text::jsonb", string(meta)), e.CreatedAt).
		Suffix("RETURNING seq"))
	if err != nil {
		return err
	}
	if err := row.Scan(&e.Seq); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) ListEntries(ctx context.Context, userID string, limit int, newestFirst bool) ([]*game.LedgerEntry, error) {
	b := psql.Select(entryColumns...).From(tableEntries).Where(sq.Eq{"user_id": userID})
	if newestFirst {
		b = b.OrderBy("seq DESC")
	} else {
		b = b.OrderBy("seq ASC")
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func numeric(d decimal.Decimal) sq.Sqlizer {
	return sq.Expr("?::text::numeric", d.String())
}

func nullNumeric(d decimal.NullDecimal) sq.Sqlizer {
	if !d.Valid {
		return sq.Expr("NULL")
	}
	return numeric(d.Decimal)
}

func parseNull(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func scanDecimal(row pgx.Row) (decimal.Decimal, error) {
	var s string
	if err := row.Scan(&s); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func scanRound(row pgx.Row) (*game.Round, error) {
	var (
		r     game.Round
		state string
		crash string
	)
	err := row.Scan(&r.ID, &r.ServerSeedHash, &r.ServerSeed, &r.ClientSalt, &state,
		&crash, &r.StartTime, &r.CrashedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrRoundNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	r.State = game.RoundState(state)
	if r.CrashMultiplier, err = decimal.NewFromString(crash); err != nil {
		return nil, fmt.Errorf("round %s crash multiplier: %w", r.ID, err)
	}
	return &r, nil
}

func scanBet(row pgx.Row) (*game.Bet, error) {
	var (
		b                 game.Bet
		status, amount    string
		auto, cashed, win *string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.RoundID, &amount, &auto, &status,
		&cashed, &win, &b.CashedOutAt, &b.PlacedAt, &b.IdempotencyKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrBetNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	b.Status = game.BetStatus(status)
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bet %s amount: %w", b.ID, err)
	}
	if b.AutoCashoutMultiplier, err = parseNull(auto); err != nil {
		return nil, fmt.Errorf("bet %s auto cashout: %w", b.ID, err)
	}
	if b.CashedOutMultiplier, err = parseNull(cashed); err != nil {
		return nil, fmt.Errorf("bet %s cashout multiplier: %w", b.ID, err)
	}
	if b.WinAmount, err = parseNull(win); err != nil {
		return nil, fmt.Errorf("bet %s win amount: %w", b.ID, err)
	}
	return &b, nil
}

func scanEntry(row pgx.Row) (*game.LedgerEntry, error) {
	var (
		e                     game.LedgerEntry
		typ, meta             string
		amount, before, after string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Seq, &typ, &amount, &before, &after, &meta, &e.CreatedAt); err != nil {
		return nil, classify(err)
	}

	e.Type = game.EntryType(typ)
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("entry %s amount: %w", e.ID, err)
	}
	if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, fmt.Errorf("entry %s balance before: %w", e.ID, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("entry %s balance after: %w", e.ID, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("entry %s meta: %w", e.ID, err)
		}
	}
	return &e, nil
}
