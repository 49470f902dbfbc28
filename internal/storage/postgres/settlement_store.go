package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
	"predict-duel/internal/idhash"
	"predict-duel/internal/observability"
	"predict-duel/internal/storage"
)

// SettlementStore implements storage.Store using PostgreSQL.
// Each atomic unit is one transaction holding a per-market advisory lock,
// so concurrent units on the same market run one after another.
type SettlementStore struct {
	pool    *Pool
	metrics *observability.Metrics
}

// NewSettlementStore creates a new SettlementStore. metrics may be nil.
func NewSettlementStore(pool *Pool, metrics *observability.Metrics) *SettlementStore {
	return &SettlementStore{pool: pool, metrics: metrics}
}

// Compile-time interface checks.
var (
	_ storage.Store  = (*SettlementStore)(nil)
	_ storage.Reader = (*SettlementStore)(nil)
	_ storage.Tx     = (*settlementTx)(nil)
)

// querier is satisfied by both *Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Atomically runs fn inside one transaction. The market is locked with a
// transaction-scoped advisory lock before fn runs, which also serializes
// creation of a market that has no row yet.
func (s *SettlementStore) Atomically(ctx context.Context, key domain.MarketKey, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordDBQuery("postgres", "atomically", time.Since(start).Seconds(), err)
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return fmt.Errorf("lock market %s: %w", key, err)
	}

	if err := fn(ctx, &settlementTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Reader returns the store itself; reads see committed state only.
func (s *SettlementStore) Reader() storage.Reader {
	return s
}

// Deposit credits a wallet outside any market.
func (s *SettlementStore) Deposit(ctx context.Context, account domain.Address, amount uint64) error {
	if amount == 0 {
		return storage.ErrInvalidInput
	}
	return credit(ctx, s.pool, account, amount)
}

// Close closes the underlying pool.
func (s *SettlementStore) Close() error {
	s.pool.Close()
	return nil
}

// GetMarket retrieves a market. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error) {
	return getMarket(ctx, s.pool, key, false)
}

// ListMarkets retrieves all markets of a creator, ordered by index ASC.
func (s *SettlementStore) ListMarkets(ctx context.Context, creator domain.Address) ([]*domain.Market, error) {
	query := `
		SELECT ` + marketColumns + `
		FROM markets
		WHERE creator = $1
		ORDER BY market_index ASC
	`

	rows, err := s.pool.Query(ctx, query, creator.String())
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var result []*domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markets: %w", err)
	}
	return result, nil
}

// GetParticipant retrieves a participant. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetParticipant(ctx context.Context, key domain.ParticipantKey) (*domain.Participant, error) {
	p, found, err := lookupParticipant(ctx, s.pool, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// ListParticipants retrieves all participants of a market, ordered by bettor.
func (s *SettlementStore) ListParticipants(ctx context.Context, market domain.Address) ([]*domain.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE market = $1
	`

	rows, err := s.pool.Query(ctx, query, market.String())
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	// Base58 text order differs from byte order; sort on the decoded bytes.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Bettor.Compare(result[j].Bettor) < 0
	})
	return result, nil
}

// Balance returns the lamports held by account.
func (s *SettlementStore) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	return balance(ctx, s.pool, account, false)
}

// GetEvents retrieves a market's events, ordered by sequence ASC.
func (s *SettlementStore) GetEvents(ctx context.Context, market domain.Address) ([]*domain.SettlementEvent, error) {
	query := `
		SELECT event_id, kind, market, creator, market_index, sequence, actor, amount, side, timestamp
		FROM settlement_events
		WHERE market = $1
		ORDER BY sequence ASC
	`

	rows, err := s.pool.Query(ctx, query, market.String())
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var result []*domain.SettlementEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

// settlementTx runs one atomic unit's statements on a pgx transaction.
type settlementTx struct {
	tx pgx.Tx
}

func (t *settlementTx) q() querier {
	return t.tx
}

// GetMarket reads the market row with FOR UPDATE.
func (t *settlementTx) GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error) {
	return getMarket(ctx, t.q(), key, true)
}

func (t *settlementTx) InsertMarket(ctx context.Context, m *domain.Market) error {
	if m == nil || m.Creator.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO markets (
			creator, market_index, address, vault, bump, vault_bump,
			question, category, market_type, stake_amount, deadline,
			status, pool_size, yes_count, no_count, yes_pool, no_pool,
			total_participants, outcome, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := t.tx.Exec(ctx, query,
		m.Creator.String(),
		toNumeric(m.MarketIndex),
		m.Address.String(),
		m.Vault.String(),
		int16(m.Bump),
		int16(m.VaultBump),
		m.Question,
		string(m.Category),
		string(m.MarketType),
		toNumeric(m.StakeAmount),
		m.Deadline,
		string(m.Status),
		toNumeric(m.PoolSize),
		int64(m.YesCount),
		int64(m.NoCount),
		toNumeric(m.YesPool),
		toNumeric(m.NoPool),
		int64(m.TotalParticipants),
		m.Outcome,
		m.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert market: %w", err)
	}
	return nil
}

func (t *settlementTx) UpdateMarket(ctx context.Context, m *domain.Market) error {
	if m == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE markets SET
			status = $3,
			pool_size = $4,
			yes_count = $5,
			no_count = $6,
			yes_pool = $7,
			no_pool = $8,
			total_participants = $9,
			outcome = $10,
			updated_at = NOW()
		WHERE creator = $1 AND market_index = $2
	`

	tag, err := t.tx.Exec(ctx, query,
		m.Creator.String(),
		toNumeric(m.MarketIndex),
		string(m.Status),
		toNumeric(m.PoolSize),
		int64(m.YesCount),
		int64(m.NoCount),
		toNumeric(m.YesPool),
		toNumeric(m.NoPool),
		int64(m.TotalParticipants),
		m.Outcome,
	)
	if err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *settlementTx) LookupParticipant(ctx context.Context, key domain.ParticipantKey) (*domain.Participant, bool, error) {
	return lookupParticipant(ctx, t.q(), key)
}

func (t *settlementTx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	if p == nil || p.Bettor.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO participants (market, bettor, address, bump, prediction, stake, claimed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := t.tx.Exec(ctx, query,
		p.Market.String(),
		p.Bettor.String(),
		p.Address.String(),
		int16(p.Bump),
		p.Prediction,
		toNumeric(p.Stake),
		p.Claimed,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (t *settlementTx) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE participants SET stake = $3, claimed = $4
		WHERE market = $1 AND bettor = $2
	`

	tag, err := t.tx.Exec(ctx, query, p.Market.String(), p.Bettor.String(), toNumeric(p.Stake), p.Claimed)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Balance reads the account row with FOR UPDATE.
func (t *settlementTx) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	return balance(ctx, t.q(), account, true)
}

// Debit subtracts amount only if the row holds enough; the check and the
// write are one statement.
func (t *settlementTx) Debit(ctx context.Context, account domain.Address, amount uint64) error {
	query := `
		UPDATE balances SET lamports = lamports - $2
		WHERE address = $1 AND lamports >= $2
	`

	tag, err := t.tx.Exec(ctx, query, account.String(), toNumeric(amount))
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return custody.ErrInsufficientFunds
	}
	return nil
}

func (t *settlementTx) Credit(ctx context.Context, account domain.Address, amount uint64) error {
	return credit(ctx, t.q(), account, amount)
}

func (t *settlementTx) AppendEvent(ctx context.Context, ev *domain.SettlementEvent) error {
	if ev == nil || ev.Market.IsZero() {
		return storage.ErrInvalidInput
	}

	var last int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM settlement_events WHERE market = $1`,
		ev.Market.String(),
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}

	ev.Sequence = uint64(last) + 1
	ev.EventID = idhash.ComputeEventID(ev.Market, ev.Sequence, ev.Kind, ev.Actor, ev.Amount, ev.Timestamp)

	query := `
		INSERT INTO settlement_events (
			event_id, kind, market, creator, market_index, sequence, actor, amount, side, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = t.tx.Exec(ctx, query,
		ev.EventID,
		string(ev.Kind),
		ev.Market.String(),
		ev.Creator.String(),
		toNumeric(ev.MarketIndex),
		int64(ev.Sequence),
		ev.Actor.String(),
		toNumeric(ev.Amount),
		ev.Side,
		ev.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const marketColumns = `
	address, vault, bump, vault_bump, creator, market_index,
	question, category, market_type, stake_amount, deadline,
	status, pool_size, yes_count, no_count, yes_pool, no_pool,
	total_participants, outcome, created_at`

const participantColumns = `address, bump, market, bettor, prediction, stake, claimed`

func getMarket(ctx context.Context, q querier, key domain.MarketKey, forUpdate bool) (*domain.Market, error) {
	query := `
		SELECT ` + marketColumns + `
		FROM markets
		WHERE creator = $1 AND market_index = $2
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	m, err := scanMarket(q.QueryRow(ctx, query, key.Creator.String(), toNumeric(key.Index)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

func lookupParticipant(ctx context.Context, q querier, key domain.ParticipantKey) (*domain.Participant, bool, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE market = $1 AND bettor = $2
	`

	p, err := scanParticipant(q.QueryRow(ctx, query, key.Market.String(), key.Bettor.String()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get participant: %w", err)
	}
	return p, true, nil
}

func balance(ctx context.Context, q querier, account domain.Address, forUpdate bool) (uint64, error) {
	query := `SELECT lamports FROM balances WHERE address = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var lamports decimal.Decimal
	err := q.QueryRow(ctx, query, account.String()).Scan(&lamports)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return fromNumeric(lamports)
}

func credit(ctx context.Context, q querier, account domain.Address, amount uint64) error {
	query := `
		INSERT INTO balances (address, lamports) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET lamports = balances.lamports + EXCLUDED.lamports
	`

	if _, err := q.Exec(ctx, query, account.String(), toNumeric(amount)); err != nil {
		if isCheckViolation(err) {
			return custody.ErrBalanceOverflow
		}
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func scanMarket(row pgx.Row) (*domain.Market, error) {
	var (
		address, vault, creator            string
		bump, vaultBump                    int16
		index, stake, pool, yesPool, noPool decimal.Decimal
		category, marketType, status       string
		yesCount, noCount, total           int64
		m                                  domain.Market
	)

	err := row.Scan(
		&address, &vault, &bump, &vaultBump, &creator, &index,
		&m.Question, &category, &marketType, &stake, &m.Deadline,
		&status, &pool, &yesCount, &noCount, &yesPool, &noPool,
		&total, &m.Outcome, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.Address, err = parseAddress(address); err != nil {
		return nil, err
	}
	if m.Vault, err = parseAddress(vault); err != nil {
		return nil, err
	}
	if m.Creator, err = parseAddress(creator); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *uint64
		src decimal.Decimal
	}{
		{&m.MarketIndex, index},
		{&m.StakeAmount, stake},
		{&m.PoolSize, pool},
		{&m.YesPool, yesPool},
		{&m.NoPool, noPool},
	} {
		if *f.dst, err = fromNumeric(f.src); err != nil {
			return nil, err
		}
	}

	m.Bump = uint8(bump)
	m.VaultBump = uint8(vaultBump)
	m.Category = domain.MarketCategory(category)
	m.MarketType = domain.MarketType(marketType)
	m.Status = domain.MarketStatus(status)
	m.YesCount = uint32(yesCount)
	m.NoCount = uint32(noCount)
	m.TotalParticipants = uint32(total)
	return &m, nil
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var (
		address, market, bettor string
		bump                    int16
		stake                   decimal.Decimal
		p                       domain.Participant
	)

	if err := row.Scan(&address, &bump, &market, &bettor, &p.Prediction, &stake, &p.Claimed); err != nil {
		return nil, err
	}

	var err error
	if p.Address, err = parseAddress(address); err != nil {
		return nil, err
	}
	if p.Market, err = parseAddress(market); err != nil {
		return nil, err
	}
	if p.Bettor, err = parseAddress(bettor); err != nil {
		return nil, err
	}
	if p.Stake, err = fromNumeric(stake); err != nil {
		return nil, err
	}
	p.Bump = uint8(bump)
	return &p, nil
}

func scanEvent(row pgx.Row) (*domain.SettlementEvent, error) {
	var (
		kind, market, creator, actor string
		index, amount                decimal.Decimal
		sequence                     int64
		ev                           domain.SettlementEvent
	)

	err := row.Scan(&ev.EventID, &kind, &market, &creator, &index, &sequence, &actor, &amount, &ev.Side, &ev.Timestamp)
	if err != nil {
		return nil, err
	}

	if ev.Market, err = parseAddress(market); err != nil {
		return nil, err
	}
	if ev.Creator, err = parseAddress(creator); err != nil {
		return nil, err
	}
	if ev.Actor, err = parseAddress(actor); err != nil {
		return nil, err
	}
	if ev.MarketIndex, err = fromNumeric(index); err != nil {
		return nil, err
	}
	if ev.Amount, err = fromNumeric(amount); err != nil {
		return nil, err
	}
	ev.Kind = domain.EventKind(kind)
	ev.Sequence = uint64(sequence)
	return &ev, nil
}
