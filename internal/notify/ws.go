package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/walk-buddy/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Conn is the subset of *websocket.Conn the registry writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession represents a connected user's socket
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one socket per user and pushes match events to both parties.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for userID, closing any socket it replaces.
func (r *WSRegistry) Add(userID string, conn Conn) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops userID's session if it is still conn.
func (r *WSRegistry) Remove(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Send(userID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.Remove(userID, s.conn)
		return fmt.Errorf("ws send to %s: %w", userID, err)
	}
	return nil
}

type wsMessage struct {
	Type  string            `json:"type"`
	Match models.MatchEvent `json:"match"`
}

// NotifyMatched pushes to whichever parties are connected. A party without a
// session is not an error; they will see the match on their next poll.
func (r *WSRegistry) NotifyMatched(_ context.Context, ev models.MatchEvent) error {
	msg := wsMessage{Type: "match_" + ev.Status, Match: ev}
	var errs []error
	for _, uid := range []string{ev.User1ID, ev.User2ID} {
		if err := r.Send(uid, msg); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
