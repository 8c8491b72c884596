// Package http provides the REST control surface: alert rule
// configuration, alert acknowledgement, command submission and inspection,
// and subscription diagnostics. Reading ingestion has its own front door in
// input/httpbatch.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/growplane/alert"
	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/outbox"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/subscription"
	"github.com/c360/growplane/types"
)

// Config holds gateway configuration.
type Config struct {
	Addr string `json:"addr"`
}

// Deps wires the gateway to the components it fronts.
type Deps struct {
	Streams       *stream.Registry
	Store         storage.TimeSeriesStore
	Rules         storage.RuleStore
	Alerts        *alert.Engine
	Commands      *outbox.Outbox
	Subscriptions *subscription.Registry
	Logger        *slog.Logger
}

// Server is the REST control gateway.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	server *http.Server

	running   atomic.Bool
	startTime time.Time
	lastError atomic.Value // stores string
}

var _ component.LifecycleComponent = (*Server)(nil)

// NewServer creates the control gateway.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "http-gateway"),
	}
}

// Meta implements component.Discoverable
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "http-gateway",
		Type:        "service",
		Description: "REST control surface for rules, alerts, commands, and subscriptions",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (s *Server) Health() component.HealthStatus {
	status := component.HealthStatus{
		Healthy:   s.running.Load(),
		LastCheck: time.Now(),
	}
	if lastErr, ok := s.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if s.running.Load() {
		status.Uptime = time.Since(s.startTime)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (s *Server) Initialize() error {
	if s.cfg.Addr == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Initialize", "addr is required")
	}
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.requestID(s.Routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return nil
}

// Routes builds the gateway mux. Exported so tests and embedding servers can
// mount it directly.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/streams", s.handleListStreams)
	mux.HandleFunc("GET /v1/streams/{id}", s.handleGetStream)
	mux.HandleFunc("PUT /v1/streams/{id}", s.handlePutStream)
	mux.HandleFunc("DELETE /v1/streams/{id}", s.handleDeactivateStream)
	mux.HandleFunc("GET /v1/streams/{id}/readings", s.handleQueryReadings)
	mux.HandleFunc("GET /v1/streams/{id}/rollups", s.handleQueryRollups)

	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", s.handlePutRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleDeleteRule)

	mux.HandleFunc("GET /v1/alerts/active", s.handleActiveAlerts)
	mux.HandleFunc("GET /v1/alerts/history", s.handleAlertHistory)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAckAlert)

	mux.HandleFunc("POST /v1/commands", s.handleSubmitCommand)
	mux.HandleFunc("GET /v1/commands", s.handleListCommands)
	mux.HandleFunc("GET /v1/commands/{id}", s.handleGetCommand)
	mux.HandleFunc("DELETE /v1/commands/{id}", s.handleCancelCommand)

	mux.HandleFunc("GET /v1/subscriptions", s.handleSubscriptionSnapshot)
	return mux
}

// Start begins serving.
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return errors.ErrAlreadyStarted
	}
	s.running.Store(true)
	s.startTime = time.Now()

	go func() {
		s.logger.Info("control gateway listening", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.lastError.Store(err.Error())
			s.running.Store(false)
			s.logger.Error("control gateway failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestID assigns an X-Request-ID when the caller did not supply one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP statuses: not-found sentinels
// to 404, other invalid data to 400, everything else to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrUnknownStream),
		stderrors.Is(err, errors.ErrRuleNotFound),
		stderrors.Is(err, errors.ErrCommandNotFound),
		stderrors.Is(err, errors.ErrKeyNotFound):
		code = http.StatusNotFound
	case stderrors.Is(err, errors.ErrCommandTerminal),
		stderrors.Is(err, errors.ErrNotCancellable),
		stderrors.Is(err, errors.ErrAlertNotActive):
		code = http.StatusConflict
	case errors.IsInvalid(err):
		code = http.StatusBadRequest
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.deps.Streams.List(r.Context(), r.URL.Query().Get("site_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	strm, err := s.deps.Streams.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strm)
}

func (s *Server) handlePutStream(w http.ResponseWriter, r *http.Request) {
	var strm types.Stream
	if err := json.NewDecoder(r.Body).Decode(&strm); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	strm.ID = r.PathValue("id")
	if err := s.deps.Streams.Put(r.Context(), &strm); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strm)
}

func (s *Server) handleDeactivateStream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Streams.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryRange parses from/to query parameters as RFC 3339 timestamps. A
// missing range defaults to the trailing 24 hours.
func queryRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}

func (s *Server) handleQueryReadings(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	readings, err := s.deps.Store.QueryReadings(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleQueryRollups(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rollups, err := s.deps.Store.QueryRollups(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rollups)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.ListRules(r.Context(), r.URL.Query().Get("site_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rule.ID = r.PathValue("id")
	rule.UpdatedAt = time.Now().UTC()
	// Invalid threshold configurations are rejected here, at save time, so
	// they never reach evaluation.
	if err := s.deps.Rules.PutRule(r.Context(), &rule); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Alerts.ActiveAlerts())
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Alerts.History(0))
}

type ackRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes,omitempty"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.By == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "by is required"})
		return
	}
	if err := s.deps.Alerts.Acknowledge(r.Context(), r.PathValue("id"), req.By, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd types.DeviceCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := s.deps.Commands.Submit(r.Context(), &cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"command_id": id})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	var statuses []types.CommandStatus
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = append(statuses, types.CommandStatus(q))
	}
	s.writeJSON(w, http.StatusOK, s.deps.Commands.List(r.Context(), statuses...))
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.deps.Commands.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Commands.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscriptionSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Subscriptions.GetSnapshot())
}
