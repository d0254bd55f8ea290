package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// handleObserveWS streams request snapshots to a rider or instructor app
// until the request ends or the client goes away.
func (s *Server) handleObserveWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Core.GetRequest(id); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the read pump only notices the client closing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, err := s.Core.ObserveRequest(ctx, id)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	for snap := range updates {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(map[string]any{"type": "snapshot", "request": snap}); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "request ended"), time.Now().Add(time.Second))
}

type providerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Accept    bool   `json:"accept"`
}

// handleProviderWS registers an instructor session for offer delivery and
// accepts answers on the same connection.
func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Core.GetProvider(id); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, session)
		_ = conn.Close()
	}()

	for {
		var msg providerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "answer" {
			_ = session.Send(map[string]string{"type": "error", "error": "unknown message type " + msg.Type})
			continue
		}
		snap, err := s.Core.RespondToOffer(msg.RequestID, id, msg.Accept)
		if err != nil {
			_ = session.Send(map[string]any{"type": "error", "request_id": msg.RequestID, "error": err.Error(), "status": statusFor(err)})
			continue
		}
		_ = session.Send(map[string]any{"type": "ack", "request": snap})
	}
}
