package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"predict-duel/internal/domain"
)

const (
	// DefaultChannel is the pub/sub channel for live events.
	DefaultChannel = "predictduel:events"
	// DefaultStream is the stream holding recent events for replay.
	DefaultStream = "predictduel:events:log"

	// streamMaxLen is the approximate maximum length of the stream,
	// enforced via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// RedisConfig holds connection parameters for the publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Stream   string
}

// RedisPublisher publishes settlement events to Redis pub/sub for live
// consumers and appends them to a capped stream for replay.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	stream  string
	logger  *zap.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisPublisherFromClient(rdb, cfg.Channel, cfg.Stream, logger), nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(rdb *redis.Client, channel, stream string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, stream: stream, logger: logger}
}

// Name identifies the publisher as an event sink.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Publish sends events in one pipeline: PUBLISH for live subscribers and
// XADD for the replay stream.
func (p *RedisPublisher) Publish(ctx context.Context, evs []*domain.SettlementEvent) error {
	if len(evs) == 0 {
		return nil
	}

	pipe := p.rdb.Pipeline()
	for _, ev := range evs {
		payload, err := Encode(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		pipe.Publish(ctx, p.channel, payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"event_id": ev.EventID,
				"payload":  payload,
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %d events: %w", len(evs), err)
	}
	return nil
}

// Subscribe returns live events from the pub/sub channel. The returned
// channel closes when ctx is cancelled.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan *domain.SettlementEvent, error) {
	pubsub := p.rdb.Subscribe(ctx, p.channel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", p.channel, err)
	}

	out := make(chan *domain.SettlementEvent, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					p.logger.Warn("event-decode-failed", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamEntry is an event read back from the stream with its entry ID.
type StreamEntry struct {
	ID    string
	Event *domain.SettlementEvent
}

// Replay reads up to count entries from the stream after lastID.
// Use "0" to read from the beginning. Returns the ID of the last entry read,
// or lastID when there was nothing newer.
func (p *RedisPublisher) Replay(ctx context.Context, lastID string, count int64) ([]StreamEntry, string, error) {
	results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{p.stream, lastID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: replay %s: %w", p.stream, err)
	}

	var entries []StreamEntry
	for _, s := range results {
		for _, msg := range s.Messages {
			lastID = msg.ID
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			ev, err := Decode([]byte(payload))
			if err != nil {
				return nil, lastID, err
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Event: ev})
		}
	}
	return entries, lastID, nil
}

// ValidStreamID reports whether id is a Redis stream entry ID
// ("<ms>" or "<ms>-<seq>").
func ValidStreamID(id string) bool {
	ms, seq, hasSeq := strings.Cut(id, "-")
	if !isDigits(ms) {
		return false
	}
	return !hasSeq || isDigits(seq)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
