package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/technician-matching/internal/models"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 32
)

// ErrSlowSubscriber is returned when a session's send buffer is full.
var ErrSlowSubscriber = errors.New("ws subscriber is not keeping up")

// WSSession represents a connected real-time client. Events are queued and
// written by the session's own goroutine so publishers never block on the
// socket.
type WSSession struct {
	conn *websocket.Conn
	send chan models.MatchingEvent
	done chan struct{}
	once sync.Once
}

func newWSSession(conn *websocket.Conn, size int) *WSSession {
	return &WSSession{conn: conn, send: make(chan models.MatchingEvent, size), done: make(chan struct{})}
}

// Send queues ev without blocking.
func (s *WSSession) Send(ev models.MatchingEvent) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.send <- ev:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (s *WSSession) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				logger.Warn("ws write error", "reservation_id", ev.ReservationID, "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// WSHub holds client sessions subscribed to a reservation's matching events.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{sessions: make(map[string]map[*WSSession]struct{}), logger: logger.With("component", "ws_hub")}
}

// Subscribe registers conn for events of reservationID and returns a function
// that removes it again. The hub owns writes to conn from here on.
func (h *WSHub) Subscribe(reservationID string, conn *websocket.Conn) func() {
	s := newWSSession(conn, wsSendBuffer)
	h.add(reservationID, s)
	go s.writeLoop(h.logger)
	return func() {
		h.remove(reservationID, s)
		s.close()
	}
}

func (h *WSHub) add(reservationID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[reservationID] == nil {
		h.sessions[reservationID] = make(map[*WSSession]struct{})
	}
	h.sessions[reservationID][s] = struct{}{}
}

func (h *WSHub) remove(reservationID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[reservationID], s)
	if len(h.sessions[reservationID]) == 0 {
		delete(h.sessions, reservationID)
	}
}

// Subscribers returns the number of sessions listening on reservationID.
func (h *WSHub) Subscribers(reservationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[reservationID])
}

// Publish queues ev for every subscriber of its reservation. Sessions that
// are closed or cannot keep up are dropped; delivery is best effort.
func (h *WSHub) Publish(_ context.Context, ev models.MatchingEvent) error {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions[ev.ReservationID]))
	for s := range h.sessions[ev.ReservationID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			h.logger.Warn("ws send error", "reservation_id", ev.ReservationID, "error", err)
			h.remove(ev.ReservationID, s)
			s.close()
		}
	}
	return nil
}
