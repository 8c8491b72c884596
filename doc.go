// Package growplane is the real-time telemetry and control plane for
// controlled-environment cultivation facilities.
//
// # What it does
//
// The plane sits between sensor/equipment adapters on one side and
// persistence, notification, and presentation collaborators on the other:
//
//   - Ingestion: multi-protocol reading intake (HTTP batch, NATS push,
//     JetStream replication fan-in) with validation, deduplication, and
//     quality tagging before anything is persisted or fanned out.
//   - Alerting: threshold rules (high, low, range, windowed average)
//     evaluated on accepted readings, with consecutive-breach arming,
//     fire/clear lifecycle, cooldown suppression, and fan-out to
//     notification channels off the hot path.
//   - Command dispatch: a safety-interlocked outbox delivering device
//     commands with priority ordering, per-scope concurrency limits,
//     acknowledgement tracking, and bounded retry. Emergency commands
//     bypass every gate.
//   - Live distribution: a subscription registry and websocket fan-out
//     pushing accepted readings and alert transitions to viewers.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│   inputs: httpbatch · broker · replication   │
//	└──────────────────────┬───────────────────────┘
//	                       ↓
//	┌──────────────────────────────────────────────┐
//	│   ingest pipeline → time-series store        │
//	│     ├─→ alert engine → notifier channels     │
//	│     └─→ NATS fan-out → websocket viewers     │
//	└──────────────────────────────────────────────┘
//	┌──────────────────────────────────────────────┐
//	│   outbox ──(interlock gate)──→ devices       │
//	└──────────────────────────────────────────────┘
//
// Every component implements component.LifecycleComponent; service.Manager
// starts them in dependency order and stops them in reverse, so intake
// drains before the outbox lets go of in-flight acknowledgements.
//
// NATS carries all inter-site and intra-plane messaging: core pub/sub for
// reading and alert fan-out, JetStream for replication and durable command
// transport, KV for the stream catalog and rule store.
//
// The plane does not own persistence internals, rollup math beyond what
// alert evaluation needs, notification delivery, or device firmware. Those
// live behind the narrow interfaces in the storage package.
package growplane
