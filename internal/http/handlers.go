package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/walk-buddy/internal/apperr"
	"github.com/example/walk-buddy/internal/clock"
	"github.com/example/walk-buddy/internal/eta"
	"github.com/example/walk-buddy/internal/models"
	"github.com/example/walk-buddy/internal/notify"
	"github.com/example/walk-buddy/internal/trust"
	"github.com/example/walk-buddy/internal/walks"
)

const userHeader = "X-User-ID"

type TaskStatuser interface {
	Status(id string) (models.AnalysisTask, error)
}

type Deps struct {
	Walks    *walks.Service
	Trust    *trust.Service
	Analysis TaskStatuser       // optional
	WSReg    *notify.WSRegistry // optional
	Clock    clock.Clock
	Ready    func(ctx context.Context) error // optional readiness probe
	Logger   *slog.Logger
}

type Server struct {
	walks    *walks.Service
	trust    *trust.Service
	analysis TaskStatuser
	wsReg    *notify.WSRegistry
	clock    clock.Clock
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		walks:    d.Walks,
		trust:    d.Trust,
		analysis: d.Analysis,
		wsReg:    d.WSReg,
		clock:    d.Clock,
		ready:    d.Ready,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/walks", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/walks/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/walks/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/walks/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}", s.handleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/reports", s.handleReport).Methods(http.MethodPost)
	api.HandleFunc("/analysis/{id}", s.handleAnalysisStatus).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/sweep", s.handleSweep).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type submitBody struct {
	Start *models.Coord `json:"start"`
	Dest  *models.Coord `json:"dest"`
}

type submitResponse struct {
	Request          *models.WalkRequest `json:"request"`
	Result           models.MatchResult  `json:"result"`
	MeetupETASeconds *float64            `json:"meetup_eta_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body submitBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Start == nil || body.Dest == nil {
		s.writeError(w, r, apperr.InvalidInput("submit_request", "start and dest are required"))
		return
	}
	req, res, err := s.walks.SubmitRequest(r.Context(), userID, *body.Start, *body.Dest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := submitResponse{Request: req, Result: res}
	if res.Matched {
		out.MeetupETASeconds = etaSeconds(res.Match, req.Start)
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	req, err := s.walks.GetRequest(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	req, err := s.walks.GetRequest(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.walks.RetryMatch(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	req, err := s.walks.CancelRequest(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type matchResponse struct {
	*models.Match
	MeetupETASeconds *float64 `json:"meetup_eta_seconds,omitempty"`
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	m, err := s.walks.GetMatch(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := matchResponse{Match: m}
	own := m.Request1ID
	if m.User2ID == userID {
		own = m.Request2ID
	}
	if req, err := s.walks.GetRequest(r.Context(), own, userID); err == nil {
		out.MeetupETASeconds = etaSeconds(m, req.Start)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	m, err := s.walks.StartWalk(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	m, err := s.walks.ConfirmCompletion(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type reportBody struct {
	ReportedID string `json:"reported_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body reportBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.trust.Report(r.Context(), userID, body.ReportedID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	if s.analysis == nil {
		s.writeError(w, r, apperr.NotFound("analysis_status", mux.Vars(r)["id"]))
		return
	}
	task, err := s.analysis.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.walks.SweepExpired(r.Context(), s.clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsReg == nil {
		http.Error(w, "websocket push disabled", http.StatusNotFound)
		return
	}
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if mux.Vars(r)["user_id"] != userID {
		s.writeError(w, r, apperr.Unauthorized("ws_subscribe", userID))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.wsReg.Add(userID, conn)
	s.logger.Info("ws session opened", "user_id", userID)

	// the read loop only notices the peer going away
	go func() {
		defer func() {
			s.wsReg.Remove(userID, conn)
			_ = conn.Close()
			s.logger.Info("ws session closed", "user_id", userID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + userHeader + " header"})
		return "", false
	}
	return userID, true
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	rid := requestIDFromContext(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", rid)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: rid})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidInput("decode", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func etaSeconds(m *models.Match, from models.Coord) *float64 {
	if m == nil {
		return nil
	}
	secs := eta.ToMeetup(m, from).Seconds()
	return &secs
}

func newID() string { return uuid.NewString() }
