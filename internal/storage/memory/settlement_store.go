package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
	"predict-duel/internal/idhash"
	"predict-duel/internal/storage"
)

// SettlementStore is an in-memory implementation of storage.Store.
// Each atomic unit stages its writes and applies them in one step on success.
type SettlementStore struct {
	mu           sync.RWMutex
	markets      map[domain.MarketKey]*domain.Market
	participants map[domain.ParticipantKey]*domain.Participant
	balances     map[domain.Address]uint64
	events       map[domain.Address][]*domain.SettlementEvent // keyed by market address

	locksMu sync.Mutex
	locks   map[domain.MarketKey]*sync.Mutex
}

// NewSettlementStore creates a new in-memory settlement store.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		markets:      make(map[domain.MarketKey]*domain.Market),
		participants: make(map[domain.ParticipantKey]*domain.Participant),
		balances:     make(map[domain.Address]uint64),
		events:       make(map[domain.Address][]*domain.SettlementEvent),
		locks:        make(map[domain.MarketKey]*sync.Mutex),
	}
}

// Verify interface compliance at compile time.
var (
	_ storage.Store  = (*SettlementStore)(nil)
	_ storage.Reader = (*SettlementStore)(nil)
	_ storage.Tx     = (*settlementTx)(nil)
)

func (s *SettlementStore) marketLock(key domain.MarketKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Atomically runs fn as one unit, serialized with other units on key.
func (s *SettlementStore) Atomically(ctx context.Context, key domain.MarketKey, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.marketLock(key)
	l.Lock()
	defer l.Unlock()

	tx := newSettlementTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit validates staged ledger deltas against current balances and
// applies every staged write. Nothing is applied if validation fails.
func (s *SettlementStore) commit(tx *settlementTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[domain.Address]uint64, len(tx.debits)+len(tx.credits))
	for _, a := range tx.touched() {
		bal, err := netBalance(s.balances[a], tx.credits[a], tx.debits[a])
		if err != nil {
			return fmt.Errorf("commit %s: %w", a, err)
		}
		next[a] = bal
	}

	for a, bal := range next {
		s.balances[a] = bal
	}
	for k, m := range tx.markets {
		s.markets[k] = m
	}
	for k, p := range tx.participants {
		s.participants[k] = p
	}
	for _, ev := range tx.events {
		s.events[ev.Market] = append(s.events[ev.Market], ev)
	}
	return nil
}

// Reader returns the store itself; reads see committed state only.
func (s *SettlementStore) Reader() storage.Reader {
	return s
}

// Deposit credits a wallet outside any market.
func (s *SettlementStore) Deposit(_ context.Context, account domain.Address, amount uint64) error {
	if amount == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[account] > math.MaxUint64-amount {
		return custody.ErrBalanceOverflow
	}
	s.balances[account] += amount
	return nil
}

// Close is a no-op for the memory store.
func (s *SettlementStore) Close() error {
	return nil
}

// GetMarket retrieves a market. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetMarket(_ context.Context, key domain.MarketKey) (*domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// ListMarkets retrieves all markets of a creator, ordered by index ASC.
func (s *SettlementStore) ListMarkets(_ context.Context, creator domain.Address) ([]*domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Market
	for k, m := range s.markets {
		if k.Creator == creator {
			result = append(result, m.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].MarketIndex < result[j].MarketIndex
	})
	return result, nil
}

// GetParticipant retrieves a participant. Returns ErrNotFound if not exists.
func (s *SettlementStore) GetParticipant(_ context.Context, key domain.ParticipantKey) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// ListParticipants retrieves all participants of a market, ordered by bettor.
func (s *SettlementStore) ListParticipants(_ context.Context, market domain.Address) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Participant
	for k, p := range s.participants {
		if k.Market == market {
			pCopy := *p
			result = append(result, &pCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Bettor.Compare(result[j].Bettor) < 0
	})
	return result, nil
}

// Balance returns the lamports held by account.
func (s *SettlementStore) Balance(_ context.Context, account domain.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[account], nil
}

// GetEvents retrieves a market's events, ordered by sequence ASC.
func (s *SettlementStore) GetEvents(_ context.Context, market domain.Address) ([]*domain.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[market]
	result := make([]*domain.SettlementEvent, len(src))
	for i, ev := range src {
		evCopy := *ev
		result[i] = &evCopy
	}
	return result, nil
}

// settlementTx stages writes for one atomic unit.
type settlementTx struct {
	store        *SettlementStore
	markets      map[domain.MarketKey]*domain.Market
	participants map[domain.ParticipantKey]*domain.Participant
	debits       map[domain.Address]uint64
	credits      map[domain.Address]uint64
	events       []*domain.SettlementEvent
}

func newSettlementTx(s *SettlementStore) *settlementTx {
	return &settlementTx{
		store:        s,
		markets:      make(map[domain.MarketKey]*domain.Market),
		participants: make(map[domain.ParticipantKey]*domain.Participant),
		debits:       make(map[domain.Address]uint64),
		credits:      make(map[domain.Address]uint64),
	}
}

func (t *settlementTx) touched() []domain.Address {
	seen := make(map[domain.Address]struct{}, len(t.debits)+len(t.credits))
	for a := range t.debits {
		seen[a] = struct{}{}
	}
	for a := range t.credits {
		seen[a] = struct{}{}
	}
	out := make([]domain.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

func (t *settlementTx) GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error) {
	if m, ok := t.markets[key]; ok {
		return m.Clone(), nil
	}
	return t.store.GetMarket(ctx, key)
}

func (t *settlementTx) InsertMarket(ctx context.Context, m *domain.Market) error {
	if m == nil || m.Creator.IsZero() {
		return storage.ErrInvalidInput
	}
	if _, err := t.GetMarket(ctx, m.Key()); err == nil {
		return storage.ErrDuplicateKey
	}
	t.markets[m.Key()] = m.Clone()
	return nil
}

func (t *settlementTx) UpdateMarket(ctx context.Context, m *domain.Market) error {
	if m == nil {
		return storage.ErrInvalidInput
	}
	if _, err := t.GetMarket(ctx, m.Key()); err != nil {
		return err
	}
	t.markets[m.Key()] = m.Clone()
	return nil
}

func (t *settlementTx) LookupParticipant(ctx context.Context, key domain.ParticipantKey) (*domain.Participant, bool, error) {
	if p, ok := t.participants[key]; ok {
		pCopy := *p
		return &pCopy, true, nil
	}
	p, err := t.store.GetParticipant(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *settlementTx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	if p == nil || p.Bettor.IsZero() {
		return storage.ErrInvalidInput
	}
	_, found, err := t.LookupParticipant(ctx, p.Key())
	if err != nil {
		return err
	}
	if found {
		return storage.ErrDuplicateKey
	}
	pCopy := *p
	t.participants[p.Key()] = &pCopy
	return nil
}

func (t *settlementTx) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	_, found, err := t.LookupParticipant(ctx, p.Key())
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	pCopy := *p
	t.participants[p.Key()] = &pCopy
	return nil
}

// Balance returns the committed balance adjusted by this unit's staged deltas.
func (t *settlementTx) Balance(ctx context.Context, account domain.Address) (uint64, error) {
	bal, err := t.store.Balance(ctx, account)
	if err != nil {
		return 0, err
	}
	bal, err = netBalance(bal, t.credits[account], t.debits[account])
	if errors.Is(err, custody.ErrInsufficientFunds) {
		// Another unit drew the wallet down since these debits were staged.
		return 0, nil
	}
	return bal, err
}

// netBalance applies staged credits and debits to a committed balance
// without letting an intermediate sum wrap.
func netBalance(bal, credit, debit uint64) (uint64, error) {
	if bal >= debit {
		bal -= debit
		if bal > math.MaxUint64-credit {
			return 0, custody.ErrBalanceOverflow
		}
		return bal + credit, nil
	}
	if credit < debit-bal {
		return 0, custody.ErrInsufficientFunds
	}
	return credit - (debit - bal), nil
}

func (t *settlementTx) Debit(ctx context.Context, account domain.Address, amount uint64) error {
	bal, err := t.Balance(ctx, account)
	if err != nil {
		return err
	}
	if bal < amount {
		return custody.ErrInsufficientFunds
	}
	t.debits[account] += amount
	return nil
}

func (t *settlementTx) Credit(ctx context.Context, account domain.Address, amount uint64) error {
	bal, err := t.Balance(ctx, account)
	if err != nil {
		return err
	}
	if bal > math.MaxUint64-amount {
		return custody.ErrBalanceOverflow
	}
	t.credits[account] += amount
	return nil
}

func (t *settlementTx) AppendEvent(_ context.Context, ev *domain.SettlementEvent) error {
	if ev == nil || ev.Market.IsZero() {
		return storage.ErrInvalidInput
	}

	t.store.mu.RLock()
	committed := len(t.store.events[ev.Market])
	t.store.mu.RUnlock()

	staged := 0
	for _, e := range t.events {
		if e.Market == ev.Market {
			staged++
		}
	}

	ev.Sequence = uint64(committed + staged + 1)
	ev.EventID = idhash.ComputeEventID(ev.Market, ev.Sequence, ev.Kind, ev.Actor, ev.Amount, ev.Timestamp)

	evCopy := *ev
	t.events = append(t.events, &evCopy)
	return nil
}
