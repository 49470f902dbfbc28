package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	replayPage = 100
)

// EventLog replays settlement events recorded after a log entry ID.
type EventLog interface {
	Replay(ctx context.Context, lastID string, count int64) ([]events.StreamEntry, string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamHandler pushes settlement events to websocket clients.
type streamHandler struct {
	broadcaster *events.Broadcaster
	log         EventLog
	logger      *zap.Logger
}

// GET /ws/events[?market=<market address>][&last_id=<event log entry ID>]
//
// With last_id, events logged after that entry are sent first, each with
// its cursor, then the live stream follows without repeating them.
func (s *streamHandler) serve(w http.ResponseWriter, r *http.Request) {
	var filter *domain.Address
	if raw := r.URL.Query().Get("market"); raw != "" {
		a, err := domain.ParseAddress(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: codeBadRequest, Message: "invalid market: " + err.Error()})
			return
		}
		filter = &a
	}

	lastID := r.URL.Query().Get("last_id")
	if lastID != "" {
		if s.log == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: codeBadRequest, Message: "event replay is not configured"})
			return
		}
		if !events.ValidStreamID(lastID) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: codeBadRequest, Message: "invalid last_id: " + lastID})
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws-upgrade-failed", zap.Error(err))
		return
	}
	defer conn.Close()

	evs, cancel := s.broadcaster.Subscribe(filter)
	defer cancel()

	s.logger.Debug("ws-client-connected", zap.Int("subscribers", s.broadcaster.Subscribers()))

	// The read loop only services control frames and detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Subscribed before replaying, so nothing falls between the two.
	var replayed map[string]struct{}
	if lastID != "" {
		replayed, err = s.replay(r.Context(), conn, filter, lastID)
		if err != nil {
			s.logger.Warn("ws-replay-failed", zap.String("last_id", lastID), zap.Error(err))
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if _, dup := replayed[ev.EventID]; dup {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(events.NewMessage(ev)); err != nil {
				s.logger.Debug("ws-write-failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay writes every logged event after cursor and returns the IDs of the
// events it read.
func (s *streamHandler) replay(ctx context.Context, conn *websocket.Conn, filter *domain.Address, cursor string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	for {
		entries, next, err := s.log.Replay(ctx, cursor, replayPage)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			seen[e.Event.EventID] = struct{}{}
			if filter != nil && e.Event.Market != *filter {
				continue
			}
			msg := events.NewMessage(e.Event)
			msg.Cursor = e.ID
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return nil, err
			}
		}
		if next == cursor {
			return seen, nil
		}
		cursor = next
	}
}
