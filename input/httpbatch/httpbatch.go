// Package httpbatch provides the HTTP batch ingestion adapter: a front door
// accepting JSON reading batches and delegating to the ingest pipeline.
package httpbatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/types"
)

// DefaultMaxBatch caps one POST body; larger batches are a structural error
// rejected before the pipeline sees them.
const DefaultMaxBatch = 1000

// Config holds HTTP batch adapter configuration.
type Config struct {
	Addr     string `json:"addr"`
	MaxBatch int    `json:"max_batch"`
}

// Validate implements config validation.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "addr is required")
	}
	if c.MaxBatch < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_batch cannot be negative")
	}
	return nil
}

// Input is the HTTP batch ingestion adapter.
type Input struct {
	cfg      Config
	pipeline *ingest.Pipeline
	logger   *slog.Logger
	server   *http.Server

	running   atomic.Bool
	startTime time.Time

	requestsReceived atomic.Int64
	requestsFailed   atomic.Int64
	lastError        atomic.Value // stores string
}

var _ component.LifecycleComponent = (*Input)(nil)

// NewInput creates the HTTP batch adapter.
func NewInput(cfg Config, pipeline *ingest.Pipeline, logger *slog.Logger) *Input {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With("component", "httpbatch-input"),
	}
}

// Meta implements component.Discoverable
func (i *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        "httpbatch-input",
		Type:        "input",
		Description: "HTTP batch reading ingestion adapter",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (i *Input) Health() component.HealthStatus {
	status := component.HealthStatus{
		Healthy:    i.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(i.requestsFailed.Load()),
	}
	if lastErr, ok := i.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if i.running.Load() {
		status.Uptime = time.Since(i.startTime)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (i *Input) Initialize() error {
	if err := i.cfg.Validate(); err != nil {
		return err
	}
	if i.pipeline == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Input", "Initialize", "ingest pipeline is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/streams/{streamID}/readings", i.handleBatch)
	i.server = &http.Server{
		Addr:         i.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return nil
}

// Start begins serving. Non-blocking; listen errors surface in Health.
func (i *Input) Start(_ context.Context) error {
	if i.running.Load() {
		return errors.ErrAlreadyStarted
	}
	i.running.Store(true)
	i.startTime = time.Now()

	go func() {
		i.logger.Info("http batch adapter listening", "addr", i.cfg.Addr)
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			i.lastError.Store(err.Error())
			i.running.Store(false)
			i.logger.Error("http batch adapter failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (i *Input) Stop(timeout time.Duration) error {
	if !i.running.Load() {
		return nil
	}
	i.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return i.server.Shutdown(ctx)
}

// batchReading is the wire shape of one reading in a POST body.
type batchReading struct {
	Value      float64           `json:"value"`
	SourceTime time.Time         `json:"source_time"`
	MessageID  string            `json:"message_id,omitempty"`
	Quality    string            `json:"quality,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func (i *Input) handleBatch(w http.ResponseWriter, r *http.Request) {
	i.requestsReceived.Add(1)
	streamID := r.PathValue("streamID")

	var body []batchReading
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		i.fail(w, r, http.StatusBadRequest, fmt.Sprintf("malformed JSON body: %v", err))
		return
	}
	if len(body) > i.cfg.MaxBatch {
		i.fail(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit %d", len(body), i.cfg.MaxBatch))
		return
	}

	readings := make([]types.Reading, len(body))
	for idx, b := range body {
		readings[idx] = types.Reading{
			StreamID:   streamID,
			Value:      b.Value,
			SourceTime: b.SourceTime,
			MessageID:  b.MessageID,
			Quality:    types.QualityCode(b.Quality),
			Meta:       b.Meta,
		}
	}

	result, err := i.pipeline.Ingest(r.Context(), streamID, readings)
	if err != nil {
		switch {
		case stderrors.Is(err, errors.ErrUnknownStream):
			i.fail(w, r, http.StatusNotFound, err.Error())
		case errors.IsInvalid(err):
			i.fail(w, r, http.StatusBadRequest, err.Error())
		default:
			i.fail(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		w.Header().Set("X-Request-ID", reqID)
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		i.logger.Warn("failed to write response", "error", err)
	}
}

func (i *Input) fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	i.requestsFailed.Add(1)
	i.lastError.Store(msg)
	i.logger.Warn("batch request rejected",
		"endpoint", r.URL.Path,
		"status", code,
		"error", msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
