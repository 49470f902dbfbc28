package storage

import (
	"context"

	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
)

// Store runs settlement operations as indivisible units.
type Store interface {
	// Atomically runs fn against a Tx scoped to the market at key. Units on
	// the same market are serialized; units on different markets never wait
	// on each other. If fn returns an error, none of its writes, debits,
	// credits or events persist.
	Atomically(ctx context.Context, key domain.MarketKey, fn func(ctx context.Context, tx Tx) error) error

	// Reader returns a read-only view for queries outside an operation.
	Reader() Reader

	// Deposit credits a wallet outside any market (local faucet, tests).
	Deposit(ctx context.Context, account domain.Address, amount uint64) error

	// Close releases resources.
	Close() error
}

// Tx is the view of storage inside one atomic unit.
type Tx interface {
	MarketTx
	ParticipantTx
	custody.Accounts

	// AppendEvent records ev, assigning its per-market Sequence and EventID.
	AppendEvent(ctx context.Context, ev *domain.SettlementEvent) error
}

// MarketTx provides market record access inside a Tx.
type MarketTx interface {
	// GetMarket retrieves the market. Returns ErrNotFound if not exists.
	GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error)

	// InsertMarket adds a new market. Returns ErrDuplicateKey if key exists.
	InsertMarket(ctx context.Context, m *domain.Market) error

	// UpdateMarket overwrites the mutable fields of an existing market.
	UpdateMarket(ctx context.Context, m *domain.Market) error
}

// ParticipantTx provides participant record access inside a Tx.
type ParticipantTx interface {
	// LookupParticipant returns the participant and true, or nil and false
	// if the bettor has no position in the market.
	LookupParticipant(ctx context.Context, key domain.ParticipantKey) (*domain.Participant, bool, error)

	// InsertParticipant adds a new participant. Returns ErrDuplicateKey if exists.
	InsertParticipant(ctx context.Context, p *domain.Participant) error

	// UpdateParticipant overwrites stake and claimed of an existing participant.
	UpdateParticipant(ctx context.Context, p *domain.Participant) error
}

// Reader provides read-only queries.
type Reader interface {
	// GetMarket retrieves a market. Returns ErrNotFound if not exists.
	GetMarket(ctx context.Context, key domain.MarketKey) (*domain.Market, error)

	// ListMarkets retrieves all markets of a creator, ordered by index ASC.
	ListMarkets(ctx context.Context, creator domain.Address) ([]*domain.Market, error)

	// GetParticipant retrieves a participant. Returns ErrNotFound if not exists.
	GetParticipant(ctx context.Context, key domain.ParticipantKey) (*domain.Participant, error)

	// ListParticipants retrieves all participants of a market, ordered by bettor.
	ListParticipants(ctx context.Context, market domain.Address) ([]*domain.Participant, error)

	// Balance returns the lamports held by account.
	Balance(ctx context.Context, account domain.Address) (uint64, error)

	// GetEvents retrieves a market's events, ordered by sequence ASC.
	GetEvents(ctx context.Context, market domain.Address) ([]*domain.SettlementEvent, error)
}

// EventStore provides access to the settlement event history used for
// analytics. Append-only.
type EventStore interface {
	// InsertBulk adds multiple events. Fails entire batch on duplicate event_id.
	InsertBulk(ctx context.Context, events []*domain.SettlementEvent) error

	// GetByMarket retrieves all events of a market, ordered by sequence ASC.
	GetByMarket(ctx context.Context, market domain.Address) ([]*domain.SettlementEvent, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive, unix seconds).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SettlementEvent, error)
}
