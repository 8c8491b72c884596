// Package natsclient provides a client for managing NATS connections with
// circuit breaker pattern. The control plane uses it for the reading
// fan-out bus, the broker and replication ingestion adapters, and the
// KV-backed stream configuration store.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages NATS connections with circuit breaker pattern
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Consumer management
	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.RWMutex

	// Circuit breaker
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Metrics (optional)
	core *metric.Metrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		consumers:        make(map[string]jetstream.ConsumeContext),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.core != nil {
		if status == StatusConnected {
			m.core.NATSConnected.Set(1)
		} else {
			m.core.NATSConnected.Set(0)
		}
		if status == StatusCircuitOpen {
			m.core.NATSCircuitBreaker.Set(1)
		} else {
			m.core.NATSCircuitBreaker.Set(0)
		}
	}
}

// recordFailure records a connection failure and manages the circuit breaker
func (m *Client) recordFailure() {
	m.failures.Add(1)
	circuitFailures := m.circuitFailures.Add(1)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)

	if m.Status() != StatusCircuitOpen {
		m.setStatus(StatusCircuitOpen)
		m.logger.Warn("circuit breaker opened",
			"failures", circuitFailures, "backoff", currentBackoff)
		// Allow a retry after the backoff elapses.
		time.AfterFunc(currentBackoff, func() {
			if m.Status() == StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
			}
		})
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
}

// Connect establishes the NATS connection and initializes JetStream
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("connecting to NATS", "url", m.url)

	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.ReconnectHandler(func(*nats.Conn) {
			m.setStatus(StatusConnected)
			if m.core != nil {
				m.core.NATSReconnects.Inc()
			}
			m.logger.Info("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.setStatus(StatusReconnecting)
			m.logger.Warn("disconnected from NATS", "error", err)
		}),
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.js = js
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()
			if m.Status() != StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
			} else {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("connected to NATS", "url", m.url)
	return nil
}

// Close drains subscriptions, stops consumers, and closes the connection
func (m *Client) Close(_ context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.consumersMu.Lock()
	for name, cc := range m.consumers {
		cc.Stop()
		delete(m.consumers, name)
	}
	m.consumersMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	m.subs = nil

	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			errs = append(errs, err)
		}
		m.conn = nil
		m.js = nil
	}
	m.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		return errors.WrapTransient(stderrors.Join(errs...), "Client", "Close", "drain connection")
	}
	return nil
}

// RTT returns the round-trip time to the server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.GetConnection()
	if conn == nil {
		return 0, ErrNotConnected
	}
	rtt, err := conn.RTT()
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "RTT", "measure round trip")
	}
	if m.core != nil {
		m.core.NATSRTT.Set(rtt.Seconds())
	}
	return rtt, nil
}

// Subscribe subscribes to a core NATS subject. The handler receives the
// message payload; the subscription is tracked and drained on Close.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn := m.GetConnection()
	if conn == nil {
		return ErrNotConnected
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subject %s", subject))
	}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Publish publishes to a core NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.GetConnection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("subject %s", subject))
	}
	return nil
}

// Request performs a request-reply exchange over core NATS.
func (m *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn := m.GetConnection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Request", fmt.Sprintf("subject %s", subject))
	}
	return msg.Data, nil
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// CreateStream creates or updates a JetStream stream
func (m *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateStream",
			fmt.Sprintf("stream %s", cfg.Name))
	}
	return stream, nil
}

// PublishToStream publishes a message to a JetStream-backed subject
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream",
			fmt.Sprintf("subject %s", subject))
	}
	return nil
}

// ConsumeStream creates a durable consumer on the named stream and invokes
// handler for each message. The consumer is tracked under durableName and
// stopped on Close.
func (m *Client) ConsumeStream(
	ctx context.Context, streamName, durableName, filterSubject string, handler func([]byte) error,
) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream",
			fmt.Sprintf("create consumer %s on %s", durableName, streamName))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(msg.Data()); err != nil {
			// Nak so the message is redelivered; handler errors are transient
			// by contract (structural failures are acked and logged upstream).
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream",
			fmt.Sprintf("consume %s", durableName))
	}

	m.consumersMu.Lock()
	if old, exists := m.consumers[durableName]; exists {
		old.Stop()
	}
	m.consumers[durableName] = cc
	m.consumersMu.Unlock()
	return nil
}

// CreateKeyValueBucket creates or binds a KV bucket
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("bucket %s", cfg.Bucket))
	}
	return kv, nil
}

// GetKeyValueBucket binds to an existing KV bucket
func (m *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket",
			fmt.Sprintf("bucket %s", name))
	}
	return kv, nil
}
