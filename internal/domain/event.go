package domain

// EventKind names a settlement operation that committed.
type EventKind string

const (
	EventMarketCreated   EventKind = "MARKET_CREATED"
	EventBetPlaced       EventKind = "BET_PLACED"
	EventMarketResolved  EventKind = "MARKET_RESOLVED"
	EventWinningsClaimed EventKind = "WINNINGS_CLAIMED"
	EventMarketCancelled EventKind = "MARKET_CANCELLED"
	EventStakeRefunded   EventKind = "STAKE_REFUNDED"
)

// SettlementEvent is an append-only record of a committed operation.
// Corresponds to the settlement_events table.
type SettlementEvent struct {
	EventID     string // deterministic hash
	Kind        EventKind
	Market      Address
	Creator     Address
	MarketIndex uint64
	Sequence    uint64 // per-market, starts at 1
	Actor       Address
	Amount      uint64 // lamports, 0 when not applicable
	Side        *bool
	Timestamp   int64 // unix seconds
}
