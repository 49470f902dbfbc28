// Package events fans committed settlement events out to subscribers:
// an in-process Broadcaster for websocket clients and a RedisPublisher for
// other processes.
package events

import (
	"encoding/json"
	"fmt"

	"predict-duel/internal/domain"
)

// Message is the wire form of a settlement event.
type Message struct {
	EventID     string `json:"event_id"`
	Kind        string `json:"kind"`
	Market      string `json:"market"`
	Creator     string `json:"creator"`
	MarketIndex uint64 `json:"market_index"`
	Sequence    uint64 `json:"sequence"`
	Actor       string `json:"actor"`
	Amount      uint64 `json:"amount"`
	Side        *bool  `json:"side,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	// Cursor is the event log entry ID of a replayed event. Pass the last
	// one seen as last_id to resume after it.
	Cursor string `json:"cursor,omitempty"`
}

// NewMessage converts an event to its wire form.
func NewMessage(ev *domain.SettlementEvent) Message {
	return Message{
		EventID:     ev.EventID,
		Kind:        string(ev.Kind),
		Market:      ev.Market.String(),
		Creator:     ev.Creator.String(),
		MarketIndex: ev.MarketIndex,
		Sequence:    ev.Sequence,
		Actor:       ev.Actor.String(),
		Amount:      ev.Amount,
		Side:        ev.Side,
		Timestamp:   ev.Timestamp,
	}
}

// Event converts the message back into a domain event.
func (m Message) Event() (*domain.SettlementEvent, error) {
	market, err := domain.ParseAddress(m.Market)
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	creator, err := domain.ParseAddress(m.Creator)
	if err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}
	actor, err := domain.ParseAddress(m.Actor)
	if err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}
	return &domain.SettlementEvent{
		EventID:     m.EventID,
		Kind:        domain.EventKind(m.Kind),
		Market:      market,
		Creator:     creator,
		MarketIndex: m.MarketIndex,
		Sequence:    m.Sequence,
		Actor:       actor,
		Amount:      m.Amount,
		Side:        m.Side,
		Timestamp:   m.Timestamp,
	}, nil
}

// Encode marshals an event to JSON.
func Encode(ev *domain.SettlementEvent) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}

// Decode unmarshals a JSON payload produced by Encode.
func Decode(data []byte) (*domain.SettlementEvent, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return m.Event()
}
