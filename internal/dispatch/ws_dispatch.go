package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSSession represents a connected instructor session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds instructor sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

// Add registers conn for providerID, closing any previous session.
func (r *WSRegistry) Add(providerID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[providerID]
	r.sessions[providerID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session if it is still the current one for providerID.
func (r *WSRegistry) Remove(providerID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[providerID]; ok && cur == s {
		delete(r.sessions, providerID)
	}
}

func (r *WSRegistry) Connected(providerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[providerID]
	return ok
}

func (r *WSRegistry) NotifyOffer(_ context.Context, n OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[n.ProviderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(map[string]any{"type": "offer", "offer": n}); err != nil {
		r.log.Warn("ws send error", "provider_id", n.ProviderID, "err", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
