package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"predict-duel/internal/domain"
)

// Broadcaster delivers events to in-process subscribers. A subscriber whose
// buffer is full misses events rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
	logger *zap.Logger
}

type subscription struct {
	ch     chan *domain.SettlementEvent
	market *domain.Address // nil = all markets
}

// NewBroadcaster creates a Broadcaster with a per-subscriber buffer.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[int]*subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Name identifies the broadcaster as an event sink.
func (b *Broadcaster) Name() string {
	return "broadcaster"
}

// Subscribe registers a subscriber. A non-nil market restricts delivery to
// that market's events. The returned cancel func closes the channel.
func (b *Broadcaster) Subscribe(market *domain.Address) (<-chan *domain.SettlementEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan *domain.SettlementEvent, b.buffer), market: market}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements settlement.EventSink. It never blocks and never fails.
func (b *Broadcaster) Publish(_ context.Context, evs []*domain.SettlementEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ev := range evs {
		for id, sub := range b.subs {
			if sub.market != nil && *sub.market != ev.Market {
				continue
			}
			evCopy := *ev
			select {
			case sub.ch <- &evCopy:
			default:
				b.logger.Warn("subscriber-lagging",
					zap.Int("subscriber", id),
					zap.String("event_id", ev.EventID),
				)
			}
		}
	}
	return nil
}
