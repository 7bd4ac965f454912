package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/technician-matching/internal/dispatch"
	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/matcher"
	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/observability"
)

const maxBodyBytes = 1 << 20

// Orchestrator is the command surface the API exposes.
type Orchestrator interface {
	CreateMatching(ctx context.Context, in matcher.CreateInput) (*models.Matching, error)
	GetMatching(ctx context.Context, id string) (*models.Matching, error)
	GetMatchingByReservation(ctx context.Context, reservationID string) (*models.Matching, error)
	Requests(ctx context.Context, matchingID string) ([]*models.MatchingRequest, error)
	RespondToMatching(ctx context.Context, in matcher.RespondInput) (*models.Matching, error)
	CancelMatching(ctx context.Context, id string) (*models.Matching, error)
	RetryMatching(ctx context.Context, id string) (*models.Matching, error)
}

// Directory receives technician location updates.
type Directory interface {
	Upsert(ctx context.Context, t models.Technician) error
}

// LocationPublisher forwards location updates to the ingest stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, t models.Technician) error
}

type Server struct {
	orch      Orchestrator
	directory Directory
	locations LocationPublisher
	hub       *dispatch.WSHub
	logger    *slog.Logger
	mux       *mux.Router
}

// NewServer builds the router. locations may be nil.
func NewServer(orch Orchestrator, directory Directory, locations LocationPublisher, hub *dispatch.WSHub, logger *slog.Logger) *Server {
	s := &Server{
		orch:      orch,
		directory: directory,
		locations: locations,
		hub:       hub,
		logger:    logger.With("component", "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/matchings", s.handleCreateMatching).Methods(http.MethodPost)
	api.HandleFunc("/matchings/{id}", s.handleGetMatching).Methods(http.MethodGet)
	api.HandleFunc("/matchings/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/matchings/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/matchings/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}/matching", s.handleReservationMatching).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/technicians/locations", s.handleTechnicianLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/reservations/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createMatchingRequest struct {
	ReservationID   string   `json:"reservation_id"`
	MaxDistanceKm   *float64 `json:"max_distance_km,omitempty"`
	PriorityFactors []string `json:"priority_factors,omitempty"`
}

func (s *Server) handleCreateMatching(w http.ResponseWriter, r *http.Request) {
	var body createMatchingRequest
	if !s.decode(w, r, &body) {
		return
	}
	m, err := s.orch.CreateMatching(r.Context(), matcher.CreateInput{
		ReservationID:   body.ReservationID,
		MaxDistanceKm:   body.MaxDistanceKm,
		PriorityFactors: body.PriorityFactors,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type matchingView struct {
	*models.Matching
	Requests []*models.MatchingRequest `json:"requests"`
}

func (s *Server) handleGetMatching(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.orch.GetMatching(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, err := s.orch.Requests(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*models.MatchingRequest{}
	}
	writeJSON(w, http.StatusOK, matchingView{Matching: m, Requests: reqs})
}

func (s *Server) handleReservationMatching(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.GetMatchingByReservation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type respondRequest struct {
	TechnicianID     string     `json:"technician_id"`
	Accept           bool       `json:"accept"`
	DeclineReason    *string    `json:"decline_reason,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if !s.decode(w, r, &body) {
		return
	}
	m, err := s.orch.RespondToMatching(r.Context(), matcher.RespondInput{
		MatchingID:       mux.Vars(r)["id"],
		TechnicianID:     body.TechnicianID,
		Accept:           body.Accept,
		DeclineReason:    body.DeclineReason,
		EstimatedArrival: body.EstimatedArrival,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.CancelMatching(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.RetryMatching(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleTechnicianLocation(w http.ResponseWriter, r *http.Request) {
	var t models.Technician
	if !s.decode(w, r, &t) {
		return
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "id is required"})
		return
	}
	if err := s.directory.Upsert(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), t); err != nil {
			s.logger.Warn("location publish failed", "technician_id", t.ID, "error", err)
		}
	}
	observability.TechniciansUpserted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reservationID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "reservation_id", reservationID, "error", err)
		return
	}
	// Server timeouts carry over to the hijacked connection. The hub sets a
	// deadline per write.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	unsubscribe := s.hub.Subscribe(reservationID, conn)
	defer func() {
		unsubscribe()
		_ = conn.Close()
	}()
	// Clients only listen; reading drives ping/close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
