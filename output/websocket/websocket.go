// Package websocket provides the live viewer output: browsers connect over
// websocket, subscribe to streams, and receive accepted readings and alert
// events as they happen. Subscription state lives in the shared subscription
// registry; this component owns the connections themselves.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/natsclient"
	"github.com/c360/growplane/subscription"
	"github.com/c360/growplane/types"
)

// Timing defaults for connection upkeep.
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultStaleAfter    = 5 * time.Minute
	DefaultPruneInterval = time.Minute

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 64
)

// Config holds live output configuration.
type Config struct {
	Addr          string        `json:"addr"`
	Path          string        `json:"path"`
	PingInterval  time.Duration `json:"ping_interval"`
	StaleAfter    time.Duration `json:"stale_after"`
	PruneInterval time.Duration `json:"prune_interval"`
}

// MessageEnvelope wraps every frame pushed to a client.
//
// Types: "reading", "alert", "snapshot", "error".
type MessageEnvelope struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"stream_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// clientRequest is a frame received from a client.
type clientRequest struct {
	Action   string `json:"action"` // "subscribe" | "unsubscribe"
	StreamID string `json:"stream_id"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Output is the websocket live viewer component.
type Output struct {
	cfg      Config
	registry *subscription.Registry
	pipeline *ingest.Pipeline
	nats     *natsclient.Client
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[string]*client

	running   atomic.Bool
	startTime time.Time
	shutdown  chan struct{}
	wg        sync.WaitGroup

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	lastError     atomic.Value // stores string
}

var _ component.LifecycleComponent = (*Output)(nil)

// NewOutput creates the live viewer output.
func NewOutput(cfg Config, registry *subscription.Registry, pipeline *ingest.Pipeline, nats *natsclient.Client, logger *slog.Logger) *Output {
	if cfg.Path == "" {
		cfg.Path = "/v1/live"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{
		cfg:      cfg,
		registry: registry,
		pipeline: pipeline,
		nats:     nats,
		logger:   logger.With("component", "websocket-output"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Meta implements component.Discoverable
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        "websocket-output",
		Type:        "output",
		Description: "Live reading and alert fan-out over websocket",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (o *Output) Health() component.HealthStatus {
	status := component.HealthStatus{
		Healthy:   o.running.Load(),
		LastCheck: time.Now(),
	}
	if lastErr, ok := o.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if o.running.Load() {
		status.Uptime = time.Since(o.startTime)
	}
	return status
}

// Initialize implements component.LifecycleComponent
func (o *Output) Initialize() error {
	if o.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Output", "Initialize", "subscription registry is required")
	}
	if o.cfg.Addr == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Output", "Initialize", "addr is required")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(o.cfg.Path, o.HandleConnection)
	o.server = &http.Server{Addr: o.cfg.Addr, Handler: mux}
	return nil
}

// Start serves websocket upgrades and attaches the NATS fan-in.
func (o *Output) Start(ctx context.Context) error {
	if o.running.Load() {
		return errors.ErrAlreadyStarted
	}
	o.shutdown = make(chan struct{})

	if o.nats != nil {
		if err := o.nats.Subscribe(ctx, ingest.ReadingSubjectPrefix+">", o.handleReading); err != nil {
			return err
		}
		if err := o.nats.Subscribe(ctx, "telemetry.alert.>", o.handleAlert); err != nil {
			return err
		}
	}

	o.running.Store(true)
	o.startTime = time.Now()

	o.wg.Add(1)
	go o.pruneLoop()

	go func() {
		o.logger.Info("live output listening", "addr", o.cfg.Addr, "path", o.cfg.Path)
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.lastError.Store(err.Error())
			o.running.Store(false)
			o.logger.Error("live output server failed", "error", err)
		}
	}()
	return nil
}

// Stop closes all connections and shuts the server down.
func (o *Output) Stop(timeout time.Duration) error {
	if !o.running.Load() {
		return nil
	}
	o.running.Store(false)
	close(o.shutdown)

	o.clientsMu.Lock()
	for id, c := range o.clients {
		o.registry.RemoveConnection(id)
		c.close()
	}
	o.clients = make(map[string]*client)
	o.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.server.Shutdown(ctx)
}

// HandleConnection upgrades one HTTP request to a websocket session.
// Exported for embedding in an existing mux.
func (o *Output) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.lastError.Store(err.Error())
		o.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	o.clientsMu.Lock()
	o.clients[c.id] = c
	o.clientsMu.Unlock()
	o.logger.Info("viewer connected", "connection_id", c.id, "remote", r.RemoteAddr)

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Output) readPump(c *client) {
	defer o.wg.Done()
	defer o.dropClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		o.registry.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		o.registry.Touch(c.id)

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			o.sendError(c, "malformed request frame")
			continue
		}
		switch req.Action {
		case "subscribe":
			if req.StreamID == "" {
				o.sendError(c, "stream_id is required")
				continue
			}
			o.registry.Register(c.id, req.StreamID)
			o.sendSnapshot(c, req.StreamID)
		case "unsubscribe":
			o.registry.Unregister(c.id, req.StreamID)
		default:
			o.sendError(c, "unknown action "+req.Action)
		}
	}
}

func (o *Output) writePump(c *client) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			o.framesSent.Add(1)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-o.shutdown:
			return
		}
	}
}

func (o *Output) dropClient(c *client) {
	o.clientsMu.Lock()
	delete(o.clients, c.id)
	o.clientsMu.Unlock()
	o.registry.RemoveConnection(c.id)
	c.close()
	o.logger.Info("viewer disconnected", "connection_id", c.id)
}

// push queues a frame for one client, dropping it if the client is slow.
func (o *Output) push(c *client, envelope MessageEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		o.framesDropped.Add(1)
	}
}

func (o *Output) sendError(c *client, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	o.push(c, MessageEnvelope{Type: "error", Data: data, Timestamp: time.Now().UTC()})
}

// sendSnapshot delivers the latest known reading right after subscribe, so
// a viewer does not stare at an empty chart until the next sample.
func (o *Output) sendSnapshot(c *client, streamID string) {
	if o.pipeline == nil {
		return
	}
	reading, ok := o.pipeline.Latest(streamID)
	if !ok {
		return
	}
	data, err := json.Marshal(reading)
	if err != nil {
		return
	}
	o.push(c, MessageEnvelope{Type: "snapshot", StreamID: streamID, Data: data, Timestamp: time.Now().UTC()})
}

// handleReading fans an accepted reading out to that stream's subscribers.
func (o *Output) handleReading(_ context.Context, data []byte) {
	var reading types.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return
	}
	subscribers := o.registry.Subscribers(reading.StreamID)
	if len(subscribers) == 0 {
		return
	}
	envelope := MessageEnvelope{
		Type:      "reading",
		StreamID:  reading.StreamID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for _, id := range subscribers {
		if c, ok := o.clients[id]; ok {
			o.push(c, envelope)
		}
	}
}

// handleAlert broadcasts alert lifecycle events to every viewer.
func (o *Output) handleAlert(_ context.Context, data []byte) {
	envelope := MessageEnvelope{Type: "alert", Data: data, Timestamp: time.Now().UTC()}

	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for _, c := range o.clients {
		o.push(c, envelope)
	}
}

// pruneLoop evicts idle subscription registry entries. The sockets
// themselves are bounded separately by the pong timeout in readPump.
func (o *Output) pruneLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			if pruned := o.registry.PruneStale(o.cfg.StaleAfter); pruned > 0 {
				o.logger.Info("pruned stale subscriptions", "count", pruned)
			}
		}
	}
}

// ConnectionCount returns the number of open viewer connections.
func (o *Output) ConnectionCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}
