// Package main implements the entry point for the growplane control plane:
// telemetry ingestion, threshold alerting, safety-interlocked device command
// dispatch, and live websocket fan-out for cultivation facilities.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/growplane/alert"
	"github.com/c360/growplane/config"
	gatewayhttp "github.com/c360/growplane/gateway/http"
	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/input/broker"
	"github.com/c360/growplane/input/httpbatch"
	"github.com/c360/growplane/input/replication"
	"github.com/c360/growplane/interlock"
	"github.com/c360/growplane/metric"
	"github.com/c360/growplane/natsclient"
	"github.com/c360/growplane/outbox"
	"github.com/c360/growplane/output/websocket"
	"github.com/c360/growplane/pkg/retry"
	"github.com/c360/growplane/service"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/subscription"
	"github.com/c360/growplane/types"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "growplane"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting growplane",
		"version", Version,
		"site", cfg.Site.ID,
		"org", cfg.Site.Org)

	ctx := context.Background()

	natsClient, metricsRegistry, err := setupInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	go func() {
		// Blocks until the server exits; Stop below closes it.
		if err := metricsServer.Start(); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Stop() }()

	// appCtx bounds the cache janitors and everything else that outlives a
	// single request but not the process.
	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()

	manager, pipeline, err := buildPlane(appCtx, cfg, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pipeline.Close() }()

	return runWithSignalHandling(ctx, manager, cliCfg.ShutdownTimeout)
}

// loadConfig loads the layered configuration; an empty path runs on
// defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}

// setupInfrastructure creates the NATS client and metrics registry.
func setupInfrastructure(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (*natsclient.Client, *metric.MetricsRegistry, error) {
	metricsRegistry := metric.NewMetricsRegistry()

	natsURL := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	natsClient, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName+"-"+cfg.Site.ID),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithMetrics(metricsRegistry),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("connecting to NATS")
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.Connect(connCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return natsClient, metricsRegistry, nil
}

// buildPlane wires every component and registers them with the manager in
// start order. Shutdown runs in reverse, so intake adapters stop first and
// the outbox stops last, letting in-flight acknowledgements land.
func buildPlane(
	appCtx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*service.Manager, *ingest.Pipeline, error) {
	configStore, err := storage.NewKVConfigStore(appCtx, natsClient)
	if err != nil {
		return nil, nil, fmt.Errorf("bind config store: %w", err)
	}

	// Reading persistence and rollups live with an external historian in
	// larger deployments; the in-process store serves a single site.
	tsStore := storage.NewMemoryTimeSeries()

	streamRegistry := stream.NewRegistry(appCtx, stream.Deps{
		Store:  configStore,
		Logger: logger.With("component", "stream-registry"),
	})

	alertEngine := alert.NewEngine(alert.Deps{
		Rules:         configStore,
		Store:         tsStore,
		Notifier:      storage.NewNATSNotifier(natsClient),
		Publisher:     natsClient,
		Metrics:       alert.NewMetrics(metricsRegistry),
		Logger:        logger,
		NotifyWorkers: cfg.Alert.NotifyWorkers,
		NotifyQueue:   cfg.Alert.NotifyQueue,
		HistoryLimit:  cfg.Alert.HistoryLimit,
	})

	pipeline := ingest.NewPipeline(appCtx, ingest.Deps{
		Streams:      streamRegistry,
		Store:        tsStore,
		Publisher:    natsClient,
		Evaluator:    alertEngine,
		Metrics:      ingest.NewMetrics(metricsRegistry),
		Logger:       logger,
		MaxBatchSize: cfg.Ingest.MaxBatchSize,
		StaleAfter:   cfg.Ingest.StaleAfter,
		PastWindow:   cfg.Ingest.PastWindow,
		FutureWindow: cfg.Ingest.FutureWindow,
		DedupTTL:     cfg.Ingest.DedupTTL,
	})

	interlocks := interlock.NewEvaluator(limitsFromConfig(cfg.Interlock))

	commandOutbox := outbox.NewOutbox(outbox.Deps{
		Transport:         storage.NewNATSDeviceTransport(natsClient, cfg.Outbox.AckTimeout),
		Interlocks:        interlocks,
		Snapshot:          snapshotSource(cfg.Interlock, pipeline),
		Metrics:           outbox.NewMetrics(metricsRegistry),
		Logger:            logger,
		DispatchInterval:  cfg.Outbox.DispatchInterval,
		AckTimeout:        cfg.Outbox.AckTimeout,
		DefaultMaxRetries: cfg.Outbox.MaxRetries,
		ScopeLimit:        cfg.Outbox.ScopeLimit,
		Backoff:           retry.Dispatch(),
	})

	subscriptions := subscription.NewRegistry()

	manager := service.NewManager(service.Config{Addr: cfg.Manager.Addr}, natsClient, logger)

	// Start order: core services, then outward surfaces, intake last.
	if err := manager.Register(commandOutbox); err != nil {
		return nil, nil, err
	}
	if err := manager.Register(alertEngine); err != nil {
		return nil, nil, err
	}

	if cfg.Websocket.Enabled {
		wsOutput := websocket.NewOutput(websocket.Config{
			Addr:          cfg.Websocket.Addr,
			Path:          cfg.Websocket.Path,
			PingInterval:  cfg.Websocket.PingInterval,
			StaleAfter:    cfg.Websocket.StaleAfter,
			PruneInterval: cfg.Websocket.PruneInterval,
		}, subscriptions, pipeline, natsClient, logger)
		if err := manager.Register(wsOutput); err != nil {
			return nil, nil, err
		}
	}

	gateway := gatewayhttp.NewServer(gatewayhttp.Config{Addr: cfg.Gateway.Addr}, gatewayhttp.Deps{
		Streams:       streamRegistry,
		Store:         tsStore,
		Rules:         configStore,
		Alerts:        alertEngine,
		Commands:      commandOutbox,
		Subscriptions: subscriptions,
		Logger:        logger,
	})
	if err := manager.Register(gateway); err != nil {
		return nil, nil, err
	}

	if cfg.Inputs.HTTPBatch.Enabled {
		batchInput := httpbatch.NewInput(httpbatch.Config{
			Addr:     cfg.Inputs.HTTPBatch.Addr,
			MaxBatch: cfg.Inputs.HTTPBatch.MaxBatch,
		}, pipeline, logger)
		if err := manager.Register(batchInput); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Inputs.Broker.Enabled {
		brokerInput := broker.NewInput(broker.Config{
			Subject: cfg.Inputs.Broker.Subject,
		}, natsClient, pipeline, logger)
		if err := manager.Register(brokerInput); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Inputs.Replication.Enabled {
		replicationInput := replication.NewInput(replication.Config{
			StreamName:  cfg.Inputs.Replication.Stream,
			DurableName: cfg.Inputs.Replication.Durable,
			Subject:     cfg.Inputs.Replication.Subject,
		}, natsClient, pipeline, logger)
		if err := manager.Register(replicationInput); err != nil {
			return nil, nil, err
		}
	}

	return manager, pipeline, nil
}

// limitsFromConfig starts from the conservative defaults and overrides
// whatever the config sets.
func limitsFromConfig(ic config.InterlockConfig) interlock.Limits {
	limits := interlock.DefaultLimits()
	if ic.TankLevelMinPct > 0 {
		limits.TankLevelMinPct = ic.TankLevelMinPct
	}
	if ic.ECMax > 0 {
		limits.ECMin = ic.ECMin
		limits.ECMax = ic.ECMax
	}
	if ic.PHMax > 0 {
		limits.PHMin = ic.PHMin
		limits.PHMax = ic.PHMax
	}
	if ic.CO2MaxPPM > 0 {
		limits.CO2MaxPPM = ic.CO2MaxPPM
	}
	if ic.FlowMaxLPM > 0 {
		limits.FlowMinLPM = ic.FlowMinLPM
		limits.FlowMaxLPM = ic.FlowMaxLPM
	}
	if ic.MaxRuntime > 0 {
		limits.MaxRuntime = ic.MaxRuntime
	}
	if ic.StaleAfter > 0 {
		limits.StaleAfter = ic.StaleAfter
	}
	if ic.DeviceTimeout > 0 {
		limits.DeviceTimeout = ic.DeviceTimeout
	}
	return limits
}

// snapshotSource builds interlock snapshots from the latest-reading cache
// using the stream bindings in the interlock config. Boolean conditions
// (emergency stop, door, occupancy) read nonzero as asserted. The outbox
// overlays actuation run state on top of each snapshot.
func snapshotSource(ic config.InterlockConfig, pipeline *ingest.Pipeline) outbox.SnapshotSource {
	curfewStart, curfewEnd := 0, 0
	if ic.CurfewStart != "" && ic.CurfewEnd != "" {
		// Validated at config load.
		curfewStart, _ = config.ParseClock(ic.CurfewStart)
		curfewEnd, _ = config.ParseClock(ic.CurfewEnd)
	}

	latest := func(streamID string) *types.Reading {
		if streamID == "" {
			return nil
		}
		if r, ok := pipeline.Latest(streamID); ok {
			return &r
		}
		return nil
	}
	asserted := func(streamID string) bool {
		r := latest(streamID)
		return r != nil && r.Value != 0
	}

	return func() interlock.Snapshot {
		return interlock.Snapshot{
			Now:           time.Now().UTC(),
			EmergencyStop: asserted(ic.EmergencyStopStream),
			DoorOpen:      asserted(ic.DoorStream),
			RoomOccupied:  asserted(ic.OccupancyStream),
			TankLevel:     latest(ic.TankLevelStream),
			EC:            latest(ic.ECStream),
			PH:            latest(ic.PHStream),
			CO2:           latest(ic.CO2Stream),
			Flow:          latest(ic.FlowStream),
			LastSeen:      pipeline.EquipmentLastSeen(),
			CurfewStart:   curfewStart,
			CurfewEnd:     curfewEnd,
		}
	}
}

// runWithSignalHandling starts the plane and blocks until a shutdown signal.
func runWithSignalHandling(ctx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("growplane started")

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("growplane shutdown complete")
	return nil
}
