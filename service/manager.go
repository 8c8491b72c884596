// Package service provides the component manager: ordered startup, reverse
// shutdown, and the admin health endpoints.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360/growplane/component"
	"github.com/c360/growplane/health"
	"github.com/c360/growplane/natsclient"
	"github.com/c360/growplane/pkg/retry"
)

// Config holds the component manager's settings.
type Config struct {
	// Addr is the admin HTTP endpoint (healthz/readyz). Empty disables it.
	Addr string `json:"addr,omitempty"`
}

// Manager owns component lifecycle. Components start in registration order
// and stop in reverse, each under its own named child context so one
// component's cancellation never tears down its siblings.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	monitor *health.Monitor
	nats    *natsclient.Client // optional; adds a connection sub-status

	mu      sync.Mutex
	managed []*component.Managed
	byName  map[string]*component.Managed

	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    bool

	httpServer *http.Server
}

// NewManager creates a component manager.
func NewManager(cfg Config, nats *natsclient.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "manager"),
		monitor: health.NewMonitor(),
		nats:    nats,
		byName:  make(map[string]*component.Managed),
	}
}

// Register adds a component to the manager. Registration order is start
// order. Must be called before StartAll.
func (m *Manager) Register(comp component.Discoverable) error {
	if comp == nil {
		return fmt.Errorf("cannot register nil component")
	}
	name := comp.Meta().Name
	if name == "" {
		return fmt.Errorf("component has empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("cannot register %s: manager already started", name)
	}
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}

	mc := &component.Managed{
		Component:  comp,
		State:      component.StateCreated,
		StartOrder: len(m.managed),
	}
	m.managed = append(m.managed, mc)
	m.byName[name] = mc
	return nil
}

// StartAll initializes and starts every registered component in order. A
// failure stops the sequence, rolls back the components already started,
// and returns the failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	managed := make([]*component.Managed, len(m.managed))
	copy(managed, m.managed)
	m.mu.Unlock()

	m.logger.Info("starting components", "count", len(managed))

	for i, mc := range managed {
		name := mc.Component.Meta().Name
		lc, ok := component.AsLifecycleComponent(mc.Component)
		if !ok {
			// Health-only components have no lifecycle to drive.
			mc.State = component.StateStarted
			continue
		}

		if err := lc.Initialize(); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			m.rollback(managed[:i])
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		mc.State = component.StateInitialized

		// Named child context so this component can be cancelled alone.
		mc.Context, mc.Cancel = context.WithCancel(m.baseCtx)

		// Early components may race dependencies that are still binding
		// ports; a short startup retry absorbs that.
		startErr := retry.Do(m.baseCtx, retry.Startup(), func() error {
			return lc.Start(mc.Context)
		})
		if startErr != nil {
			mc.State = component.StateFailed
			mc.LastError = startErr
			mc.Cancel()
			m.rollback(managed[:i])
			return fmt.Errorf("start %s: %w", name, startErr)
		}
		mc.State = component.StateStarted
		m.logger.Info("component started", "name", name, "order", i)
	}

	if m.cfg.Addr != "" {
		if err := m.startAdminServer(); err != nil {
			m.rollback(managed)
			return fmt.Errorf("start admin endpoint: %w", err)
		}
	}

	m.logger.Info("all components started", "count", len(managed))
	return nil
}

// rollback stops already-started components in reverse order after a
// startup failure.
func (m *Manager) rollback(started []*component.Managed) {
	for i := len(started) - 1; i >= 0; i-- {
		mc := started[i]
		if mc.State != component.StateStarted {
			continue
		}
		if mc.Cancel != nil {
			mc.Cancel()
		}
		if lc, ok := component.AsLifecycleComponent(mc.Component); ok {
			if err := lc.Stop(5 * time.Second); err != nil {
				m.logger.Error("rollback stop failed",
					"name", mc.Component.Meta().Name, "error", err)
			}
		}
		mc.State = component.StateStopped
	}
	m.baseCancel()
}

// StopAll stops all components in reverse start order, then the admin
// endpoint. Every component gets a stop attempt even if earlier ones fail.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	managed := make([]*component.Managed, len(m.managed))
	copy(managed, m.managed)
	m.started = false
	m.mu.Unlock()

	m.logger.Info("stopping components", "count", len(managed), "timeout", timeout)
	start := time.Now()

	var errs []error
	for i := len(managed) - 1; i >= 0; i-- {
		mc := managed[i]
		if mc.State != component.StateStarted {
			continue
		}
		name := mc.Component.Meta().Name

		if mc.Cancel != nil {
			mc.Cancel()
		}
		if lc, ok := component.AsLifecycleComponent(mc.Component); ok {
			if err := lc.Stop(timeout); err != nil {
				mc.State = component.StateFailed
				mc.LastError = err
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
				m.logger.Error("component stop failed", "name", name, "error", err)
				continue
			}
		}
		mc.State = component.StateStopped
		m.logger.Debug("component stopped", "name", name)
	}

	if m.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin endpoint: %w", err))
		}
		cancel()
		m.httpServer = nil
	}

	if m.baseCancel != nil {
		m.baseCancel()
	}

	m.logger.Info("shutdown complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"errors", len(errs))

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// Component returns the managed record for a named component.
func (m *Manager) Component(name string) (*component.Managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.byName[name]
	return mc, ok
}

// Health probes every component and returns the aggregated status.
func (m *Manager) Health() health.Status {
	m.mu.Lock()
	managed := make([]*component.Managed, len(m.managed))
	copy(managed, m.managed)
	m.mu.Unlock()

	for _, mc := range managed {
		name := mc.Component.Meta().Name
		m.monitor.Update(name, health.FromComponentHealth(name, mc.Component.Health()))
	}

	if m.nats != nil {
		if m.nats.IsHealthy() {
			m.monitor.Update("nats", health.NewHealthy("nats", "connected"))
		} else {
			m.monitor.Update("nats", health.NewUnhealthy("nats",
				fmt.Sprintf("connection %s", m.nats.Status())))
		}
	}

	return m.monitor.AggregateHealth("growplane")
}

// Ready reports whether every lifecycle component is started and healthy.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	managed := make([]*component.Managed, len(m.managed))
	copy(managed, m.managed)
	started := m.started
	m.mu.Unlock()

	if !started {
		return false
	}
	for _, mc := range managed {
		if mc.State != component.StateStarted {
			return false
		}
		if !mc.Component.Health().Healthy {
			return false
		}
	}
	return true
}

func (m *Manager) startAdminServer() error {
	mux := http.NewServeMux()
	m.RegisterHealthEndpoints(mux)

	m.httpServer = &http.Server{
		Addr:         m.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	server := m.httpServer
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("admin endpoint error", "error", err)
		}
	}()
	return nil
}

// RegisterHealthEndpoints mounts the health routes on a mux. The admin
// server uses it; tests and embedding servers can too.
func (m *Manager) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", m.handleLiveness)
	mux.HandleFunc("GET /readyz", m.handleReadiness)
	mux.HandleFunc("GET /health", m.handleSystemHealth)
	mux.HandleFunc("GET /components", m.handleComponentList)
}

func (m *Manager) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (m *Manager) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if m.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}

func (m *Manager) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	systemHealth := m.Health()

	w.Header().Set("Content-Type", "application/json")
	if systemHealth.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(systemHealth); err != nil {
		m.logger.Error("encode health response failed", "error", err)
	}
}

func (m *Manager) handleComponentList(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	managed := make([]*component.Managed, len(m.managed))
	copy(managed, m.managed)
	m.mu.Unlock()

	components := make([]map[string]any, 0, len(managed))
	for _, mc := range managed {
		meta := mc.Component.Meta()
		components = append(components, map[string]any{
			"name":    meta.Name,
			"type":    meta.Type,
			"state":   mc.State.String(),
			"healthy": mc.Component.Health().Healthy,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"components": components,
		"count":      len(components),
	}); err != nil {
		m.logger.Error("encode component list failed", "error", err)
	}
}
