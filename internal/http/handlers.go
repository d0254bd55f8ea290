package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/drivehub/internal/core"
	"github.com/example/drivehub/internal/dispatch"
	"github.com/example/drivehub/internal/ingest"
	"github.com/example/drivehub/internal/models"
)

// LocationPublisher mirrors provider heartbeats onto the event bus.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Server struct {
	Core  *core.Core
	WSReg *dispatch.WSRegistry
	// Heartbeats is optional.
	Heartbeats LocationPublisher
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(c *core.Core, wsreg *dispatch.WSRegistry, heartbeats LocationPublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Core: c, WSReg: wsreg, Heartbeats: heartbeats, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/providers", s.handleRegisterProvider).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}", s.handleGetProvider).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}", s.handleDeregisterProvider).Methods(http.MethodDelete)
	api.HandleFunc("/providers/{id}/online", s.handleGoOnline).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/offline", s.handleGoOffline).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/location", s.handleProviderLocation).Methods(http.MethodPost)
	api.HandleFunc("/riders/{id}/location", s.handleRiderLocation).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/destination", s.handleSetDestination).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/offer", s.handleRespondToOffer).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/end", s.handleEndRide).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/requests/{id}", s.handleObserveWS)
	s.mux.HandleFunc("/ws/providers/{id}", s.handleProviderWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type coordinateBody struct {
	Location models.Coordinate `json:"location"`
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if !decode(w, r, &p) {
		return
	}
	if err := s.Core.RegisterProvider(p); err != nil {
		writeError(w, err)
		return
	}
	got, err := s.Core.GetProvider(p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.Core.GetProvider(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeregisterProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.Core.DeregisterProvider(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body coordinateBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Core.GoOnline(id, body.Location); err != nil {
		writeError(w, err)
		return
	}
	s.mirror(r.Context(), ingest.LocationUpdate{ProviderID: id, Location: body.Location, Status: ingest.StatusOnline})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Core.GoOffline(id); err != nil {
		writeError(w, err)
		return
	}
	s.mirror(r.Context(), ingest.LocationUpdate{ProviderID: id, Status: ingest.StatusOffline})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body coordinateBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Core.UpdateLocation(id, body.Location); err != nil {
		writeError(w, err)
		return
	}
	s.mirror(r.Context(), ingest.LocationUpdate{ProviderID: id, Location: body.Location})
	w.WriteHeader(http.StatusNoContent)
}

// mirror publishes an applied heartbeat to the bus when one is configured.
func (s *Server) mirror(ctx context.Context, u ingest.LocationUpdate) {
	if s.Heartbeats == nil {
		return
	}
	u.At = time.Now()
	if err := s.Heartbeats.PublishLocation(ctx, u); err != nil {
		s.logger.Warn("heartbeat publish failed", "provider_id", u.ProviderID, "err", err)
	}
}

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var body coordinateBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Core.ReportRiderPosition(mux.Vars(r)["id"], body.Location); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequestBody struct {
	RiderID     string             `json:"rider_id"`
	Pickup      *models.Coordinate `json:"pickup,omitempty"`
	Destination *models.Coordinate `json:"destination,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !decode(w, r, &body) {
		return
	}
	var pickup models.Coordinate
	if body.Pickup != nil {
		pickup = *body.Pickup
	}
	snap, err := s.Core.CreateRequest(r.Context(), body.RiderID, pickup, body.Destination)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Core.GetRequest(mux.Vars(r)["id"])
	respond(w, snap, err)
}

func (s *Server) handleSetDestination(w http.ResponseWriter, r *http.Request) {
	var body coordinateBody
	if !decode(w, r, &body) {
		return
	}
	snap, err := s.Core.SetDestination(mux.Vars(r)["id"], body.Location)
	respond(w, snap, err)
}

type offerAnswer struct {
	ProviderID string `json:"provider_id"`
	Accept     bool   `json:"accept"`
}

func (s *Server) handleRespondToOffer(w http.ResponseWriter, r *http.Request) {
	var body offerAnswer
	if !decode(w, r, &body) {
		return
	}
	snap, err := s.Core.RespondToOffer(mux.Vars(r)["id"], body.ProviderID, body.Accept)
	respond(w, snap, err)
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Core.EndRide(mux.Vars(r)["id"])
	respond(w, snap, err)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor models.Actor `json:"actor"`
	}
	if !decode(w, r, &body) {
		return
	}
	snap, err := s.Core.CancelRequest(mux.Vars(r)["id"], body.Actor)
	respond(w, snap, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, snap models.Snapshot, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps rejected operations onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrOfferExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrInvalidCoordinate), errors.Is(err, models.ErrInvalidProvider):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
