package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/internal/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/internal/registry"
	eventlogpkg "github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	registrypkg "github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	relaypkg "github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rmacdonaldsmith/eventrelay/internal/relay"

var (
	// ErrNodeClosed is returned by operations on a closed node
	ErrNodeClosed = errors.New("relay node is closed")
	// ErrNodeStopped is returned by operations on a node that is not started
	ErrNodeStopped = errors.New("relay node is not started")
	// ErrNilConnection is returned when subscribing a nil connection
	ErrNilConnection = errors.New("connection cannot be nil")
)

// Node implements the relay.Relay interface.
// It orchestrates an EventStore and a connection Registry: every ingested
// event is stored first and then broadcast to all live connections.
type Node struct {
	mu     sync.RWMutex
	config *Config

	// Core components
	store    eventlogpkg.EventStore
	registry registrypkg.Registry

	metrics *relayMetrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// State management
	started   bool
	closed    bool
	startedAt time.Time
}

// NewNode creates a relay node with in-memory store and registry.
// Call Start() before ingesting.
func NewNode(config *Config) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := eventlog.NewInMemoryEventStore(config.MaxEventsPerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}

	reg, err := registry.NewInMemoryRegistry(config.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	return NewNodeWithComponents(config, store, reg)
}

// NewNodeWithComponents creates a relay node around existing components.
func NewNodeWithComponents(config *Config, store eventlogpkg.EventStore, reg registrypkg.Registry) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if store == nil || reg == nil {
		return nil, fmt.Errorf("store and registry are required")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	metrics, err := newRelayMetrics(config.MeterProvider, reg.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Node{
		config:   config,
		store:    store,
		registry: reg,
		metrics:  metrics,
		tracer:   tp.Tracer(tracerName),
		logger:   config.Logger.With("component", "relay", "node_id", config.NodeID),
	}, nil
}

// Start begins accepting events and subscribers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return nil // Already started, idempotent
	}

	n.started = true
	n.startedAt = time.Now()
	n.logger.Info("relay node started", "max_events_per_key", n.config.MaxEventsPerKey)
	return nil
}

// Stop stops accepting events and new subscribers.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil // Not started, idempotent
	}

	n.started = false
	n.logger.Info("relay node stopped", "live_connections", n.registry.Count())
	return nil
}

// Close stops the node, closes every live connection and drops the store.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}

	n.started = false
	n.closed = true

	var errs []error
	if err := n.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close registry: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event store: %w", err))
	}
	return errors.Join(errs...)
}

// checkRunning returns an error unless the node is started.
func (n *Node) checkRunning() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrNodeClosed
	}
	if !n.started {
		return ErrNodeStopped
	}
	return nil
}

// Ingest stores an event and broadcasts it to every live connection.
//
// Event flow:
// 1. Validate the request
// 2. Append to the key's log with a single timestamp
// 3. Encode the broadcast frame once and send it to all live connections
// 4. Build the publisher's Ack from the event name
//
// Once the append succeeds the broadcast runs to completion even if ctx is
// cancelled.
func (n *Node) Ingest(ctx context.Context, req relaypkg.IngestRequest) (env *eventlogpkg.Envelope, ack relaypkg.Ack, err error) {
	if req.Source == "" {
		req.Source = relaypkg.SourceRequest
	}

	ctx, span := n.tracer.Start(ctx, "relay.Ingest", trace.WithAttributes(
		attribute.String("eventrelay.key", req.Key),
		attribute.String("eventrelay.event", req.Name),
		attribute.String("eventrelay.source", string(req.Source)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := n.checkRunning(); err != nil {
		return nil, relaypkg.Ack{}, err
	}
	if req.Name == "" {
		return nil, relaypkg.Ack{}, relaypkg.ErrEmptyEventName
	}
	if req.Key == eventlogpkg.DefaultKey {
		return nil, relaypkg.Ack{}, relaypkg.ErrReservedKey
	}

	start := time.Now()

	storeKey := req.Key
	if storeKey == "" {
		storeKey = eventlogpkg.DefaultKey
	}

	// Step 1: PERSIST FIRST
	env, err = n.store.Append(ctx, storeKey, req.Name, req.Payload, start)
	if err != nil {
		return nil, relaypkg.Ack{}, fmt.Errorf("failed to store event: %w", err)
	}
	span.SetAttributes(attribute.Int64("eventrelay.offset", env.Offset))

	// Step 2: broadcast to live connections
	n.broadcast(context.WithoutCancel(ctx), req, env)

	n.metrics.recordIngest(ctx, req.Source, time.Since(start))

	return env, relaypkg.NewAck(req.Name, env.Payload), nil
}

// broadcast encodes env once and sends it to every live connection.
func (n *Node) broadcast(ctx context.Context, req relaypkg.IngestRequest, env *eventlogpkg.Envelope) {
	frame := relaypkg.NewEventFrame(req.Key, env, req.Source)
	data, err := json.Marshal(frame)
	if err != nil {
		n.logger.Error("failed to encode broadcast frame",
			"key", env.Key, "event", env.Name, "offset", env.Offset, "error", err)
		return
	}

	result := n.registry.Broadcast(ctx, registrypkg.Message{
		ID:   strconv.FormatInt(env.Offset, 10),
		Type: relaypkg.FrameEvent,
		Data: data,
	})
	n.metrics.recordBroadcast(ctx, result)
	trace.SpanFromContext(ctx).AddEvent("broadcast", trace.WithAttributes(
		attribute.Int("eventrelay.delivered", result.Delivered),
		attribute.Int("eventrelay.failed", result.Transient+result.Terminal),
		attribute.Int("eventrelay.evicted", result.Evicted),
	))

	n.logger.Debug("event relayed",
		"key", env.Key,
		"event", env.Name,
		"offset", env.Offset,
		"source", string(req.Source),
		"delivered", result.Delivered,
		"failed", result.Transient+result.Terminal,
		"evicted", result.Evicted,
	)
}

// Query returns the most recent events of key. An empty key reads the
// unkeyed log.
func (n *Node) Query(ctx context.Context, key, name string, limit int) ([]*eventlogpkg.Envelope, error) {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil, ErrNodeClosed
	}

	switch key {
	case eventlogpkg.DefaultKey:
		return nil, relaypkg.ErrReservedKey
	case "":
		key = eventlogpkg.DefaultKey
	}
	events, err := n.store.Query(ctx, key, name, eventlogpkg.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// Subscribe sends conn a connected frame and then registers it. The greeting
// goes out before the connection is live so no broadcast can precede it.
func (n *Node) Subscribe(ctx context.Context, conn registrypkg.Connection) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if conn == nil {
		return ErrNilConnection
	}

	if err := n.sendFrame(ctx, conn, relaypkg.FrameConnected, relaypkg.ConnectedFrame{
		Type:         relaypkg.FrameConnected,
		ConnectionID: conn.ID(),
	}); err != nil {
		return fmt.Errorf("failed to greet connection: %w", err)
	}

	if err := n.registry.Register(conn); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}

	n.logger.Info("subscriber connected", "connection_id", conn.ID(), "live", n.registry.Count())
	return nil
}

// Unsubscribe removes a connection from the live set.
func (n *Node) Unsubscribe(id string) bool {
	removed := n.registry.Deregister(id)
	if removed {
		n.logger.Info("subscriber disconnected", "connection_id", id, "live", n.registry.Count())
	}
	return removed
}

// HandleInbound processes one frame a subscriber sent on its connection.
// A malformed or invalid frame is answered with an error frame on conn and
// is not an error for the caller; the connection stays open. A valid frame
// is ingested with source "socket" and acknowledged on conn.
func (n *Node) HandleInbound(ctx context.Context, conn registrypkg.Connection, raw []byte) error {
	if conn == nil {
		return ErrNilConnection
	}

	req, err := parseInbound(raw)
	if err != nil {
		code := relaypkg.ErrorMalformedMessage
		var inErr *inboundError
		if errors.As(err, &inErr) {
			code = inErr.code
		}
		n.metrics.recordInboundRejection(ctx, code)
		n.logger.Debug("inbound frame rejected", "connection_id", conn.ID(), "error", err)
		return n.sendFrame(ctx, conn, relaypkg.FrameError, relaypkg.ErrorFrame{
			Type:    relaypkg.FrameError,
			Error:   code,
			Message: err.Error(),
		})
	}

	env, ack, err := n.Ingest(ctx, req)
	if err != nil {
		sendErr := n.sendFrame(ctx, conn, relaypkg.FrameError, relaypkg.ErrorFrame{
			Type:    relaypkg.FrameError,
			Error:   relaypkg.ErrorInternal,
			Message: err.Error(),
		})
		return errors.Join(err, sendErr)
	}

	return n.sendFrame(ctx, conn, relaypkg.FrameAck, relaypkg.AckFrame{
		Type:    relaypkg.FrameAck,
		Status:  ack.Status,
		Event:   ack.Event,
		Message: ack.Message,
		Data:    ack.Data,
		Key:     req.Key,
		Offset:  env.Offset,
	})
}

// sendFrame encodes v and sends it to a single connection.
func (n *Node) sendFrame(ctx context.Context, conn registrypkg.Connection, frameType string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frameType, err)
	}
	return conn.Send(ctx, registrypkg.Message{Type: frameType, Data: data})
}

// LiveConnectionCount returns the number of registered connections
func (n *Node) LiveConnectionCount() int {
	return n.registry.Count()
}

// TenantCount returns the number of robot keys with a log
func (n *Node) TenantCount() int {
	return n.store.TenantCount()
}

// Connections describes every live connection
func (n *Node) Connections() []registrypkg.ConnectionInfo {
	return n.registry.Connections()
}

// Statistics returns store statistics
func (n *Node) Statistics(ctx context.Context) (eventlogpkg.Statistics, error) {
	return n.store.Statistics(ctx)
}

// NodeID returns the configured node identifier
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// Uptime returns how long the node has been started, or 0 when it is not
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.started {
		return 0
	}
	return time.Since(n.startedAt)
}

// Health returns the overall health of the node
func (n *Node) Health(ctx context.Context) (relaypkg.HealthStatus, error) {
	n.mu.RLock()
	started, closed := n.started, n.closed
	n.mu.RUnlock()

	status := relaypkg.HealthStatus{
		Healthy:         started && !closed,
		LiveConnections: n.registry.Count(),
		Tenants:         n.store.TenantCount(),
	}

	switch {
	case closed:
		status.Message = "node is closed"
		return status, nil
	case !started:
		status.Message = "node is not started"
	}

	stats, err := n.store.Statistics(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to read store statistics: %w", err)
	}
	status.TotalEvents = stats.TotalEvents
	return status, nil
}

// Verify that Node implements the Relay interface at compile time
var _ relaypkg.Relay = (*Node)(nil)
