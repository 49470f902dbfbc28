package clickhouse

import (
	"context"
	"fmt"

	"predict-duel/internal/domain"
	"predict-duel/internal/storage"
)

// EventStore implements storage.EventStore using ClickHouse.
type EventStore struct {
	conn *Conn
}

// NewEventStore creates a new EventStore.
func NewEventStore(conn *Conn) *EventStore {
	return &EventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// Name identifies the store as an event sink.
func (s *EventStore) Name() string {
	return "clickhouse"
}

// Publish appends committed events to the history.
func (s *EventStore) Publish(ctx context.Context, events []*domain.SettlementEvent) error {
	return s.InsertBulk(ctx, events)
}

// InsertBulk adds multiple events. Fails entire batch on duplicate event_id.
func (s *EventStore) InsertBulk(ctx context.Context, events []*domain.SettlementEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, exists := seen[ev.EventID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[ev.EventID] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, ev := range events {
		exists, err := s.exists(ctx, ev.EventID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO settlement_events (
			event_id, kind, market, creator, market_index, sequence, actor, amount, side, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, ev := range events {
		err = batch.Append(
			ev.EventID, string(ev.Kind), ev.Market.String(), ev.Creator.String(),
			ev.MarketIndex, ev.Sequence, ev.Actor.String(), ev.Amount,
			sideToNullable(ev.Side), ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByMarket retrieves all events of a market, ordered by sequence ASC.
func (s *EventStore) GetByMarket(ctx context.Context, market domain.Address) ([]*domain.SettlementEvent, error) {
	query := `
		SELECT event_id, kind, market, creator, market_index, sequence, actor, amount, side, timestamp
		FROM settlement_events FINAL
		WHERE market = ?
		ORDER BY sequence ASC
	`

	rows, err := s.conn.Query(ctx, query, market.String())
	if err != nil {
		return nil, fmt.Errorf("query by market: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] (inclusive, unix seconds).
func (s *EventStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SettlementEvent, error) {
	query := `
		SELECT event_id, kind, market, creator, market_index, sequence, actor, amount, side, timestamp
		FROM settlement_events FINAL
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, market ASC, sequence ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// exists checks if an event with the given ID exists.
func (s *EventStore) exists(ctx context.Context, eventID string) (bool, error) {
	query := `SELECT count(*) FROM settlement_events WHERE event_id = ?`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, eventID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func sideToNullable(side *bool) *uint8 {
	if side == nil {
		return nil
	}
	var v uint8
	if *side {
		v = 1
	}
	return &v
}

// scanEvents scans multiple rows.
func scanEvents(rows chRows) ([]*domain.SettlementEvent, error) {
	var events []*domain.SettlementEvent

	for rows.Next() {
		var (
			ev                           domain.SettlementEvent
			kind, market, creator, actor string
			side                         *uint8
		)
		err := rows.Scan(
			&ev.EventID, &kind, &market, &creator, &ev.MarketIndex,
			&ev.Sequence, &actor, &ev.Amount, &side, &ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		ev.Kind = domain.EventKind(kind)
		if ev.Market, err = domain.ParseAddress(market); err != nil {
			return nil, fmt.Errorf("parse market: %w", err)
		}
		if ev.Creator, err = domain.ParseAddress(creator); err != nil {
			return nil, fmt.Errorf("parse creator: %w", err)
		}
		if ev.Actor, err = domain.ParseAddress(actor); err != nil {
			return nil, fmt.Errorf("parse actor: %w", err)
		}
		if side != nil {
			b := *side == 1
			ev.Side = &b
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}
