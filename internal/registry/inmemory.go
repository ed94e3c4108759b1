package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
)

const (
	// DefaultSendTimeout bounds a single connection's Send during a broadcast
	DefaultSendTimeout = 100 * time.Millisecond
	// DefaultFailureThreshold is the number of consecutive transient failures
	// after which a connection is evicted as a slow consumer
	DefaultFailureThreshold = 3
)

// ErrInvalidThreshold is returned by Config.Validate for a negative threshold
var ErrInvalidThreshold = errors.New("failure threshold cannot be negative")

// Config holds the registry settings
type Config struct {
	// SendTimeout bounds each Send call made by Broadcast
	SendTimeout time.Duration

	// FailureThreshold is the number of consecutive transient failures that
	// evict a connection
	FailureThreshold int

	// Logger receives registration and eviction logs
	Logger *slog.Logger
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.FailureThreshold < 0 {
		return ErrInvalidThreshold
	}
	return nil
}

// entry is a registered connection plus its delivery bookkeeping
type entry struct {
	conn         registry.Connection
	transport    string
	registeredAt time.Time
	failures     atomic.Int32
}

// transportLabeler is implemented by connections that know their transport
type transportLabeler interface {
	Transport() string
}

// InMemoryRegistry implements registry.Registry with a map guarded by a
// RWMutex. Broadcast copies the live set under the read lock and sends
// without holding any lock, so a slow Send never blocks Register or
// Deregister.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	config Config
	logger *slog.Logger
}

// NewInMemoryRegistry creates a new registry
func NewInMemoryRegistry(config Config) (*InMemoryRegistry, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	return &InMemoryRegistry{
		entries: make(map[string]*entry),
		config:  config,
		logger:  config.Logger.With("component", "registry"),
	}, nil
}

// Register marks conn live.
func (r *InMemoryRegistry) Register(conn registry.Connection) error {
	if conn == nil {
		return registry.ErrNilConnection
	}

	e := &entry{
		conn:         conn,
		registeredAt: time.Now().UTC(),
	}
	if l, ok := conn.(transportLabeler); ok {
		e.transport = l.Transport()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return registry.ErrRegistryClosed
	}
	if _, exists := r.entries[conn.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrAlreadyRegistered, conn.ID())
	}
	r.entries[conn.ID()] = e
	count := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug("connection registered", "connection_id", conn.ID(), "transport", e.transport, "live", count)
	return nil
}

// Deregister removes id from the live set. The connection itself is not
// closed; its owner is the one calling Deregister.
func (r *InMemoryRegistry) Deregister(id string) bool {
	r.mu.Lock()
	_, exists := r.entries[id]
	if exists {
		delete(r.entries, id)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if exists {
		r.logger.Debug("connection deregistered", "connection_id", id, "live", count)
	}
	return exists
}

// Broadcast sends msg to every connection registered when the call started.
// Connections registered after the snapshot miss this message; connections
// deregistered after it may still receive it.
func (r *InMemoryRegistry) Broadcast(ctx context.Context, msg registry.Message) registry.BroadcastResult {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return registry.BroadcastResult{}
	}
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	result := registry.BroadcastResult{Attempted: len(snapshot)}
	for _, e := range snapshot {
		if ctx.Err() != nil {
			// Caller gave up; remaining connections are skipped, not failed
			break
		}

		err := r.send(ctx, e, msg)
		if err == nil {
			e.failures.Store(0)
			result.Delivered++
			continue
		}

		if registry.IsTransient(err) {
			result.Transient++
			failures := int(e.failures.Add(1))
			if r.config.FailureThreshold > 0 && failures >= r.config.FailureThreshold {
				if r.evict(e, "slow consumer", err) {
					result.Evicted++
				}
			}
			continue
		}

		result.Terminal++
		if r.evict(e, "send failed", err) {
			result.Evicted++
		}
	}

	return result
}

// send calls conn.Send with the per-send timeout and turns a panic into an error.
func (r *InMemoryRegistry) send(ctx context.Context, e *entry, msg registry.Message) (err error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.config.SendTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("connection panicked during send: %v", rec)
		}
	}()

	return e.conn.Send(sendCtx, msg)
}

// evict removes e if it is still the registered entry for its ID and closes
// the connection. It reports whether this call removed it.
func (r *InMemoryRegistry) evict(e *entry, reason string, cause error) bool {
	id := e.conn.ID()

	r.mu.Lock()
	current, exists := r.entries[id]
	removed := exists && current == e
	if removed {
		delete(r.entries, id)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if !removed {
		return false
	}

	if err := e.conn.Close(); err != nil {
		r.logger.Debug("error closing evicted connection", "connection_id", id, "error", err)
	}
	r.logger.Warn("connection evicted",
		"connection_id", id,
		"transport", e.transport,
		"reason", reason,
		"error", cause,
		"live", count,
	)
	return true
}

// Count returns the number of live connections
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Connections returns a snapshot describing every live connection
func (r *InMemoryRegistry) Connections() []registry.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]registry.ConnectionInfo, 0, len(r.entries))
	for id, e := range r.entries {
		infos = append(infos, registry.ConnectionInfo{
			ID:                  id,
			Transport:           e.transport,
			RegisteredAt:        e.registeredAt,
			ConsecutiveFailures: int(e.failures.Load()),
		})
	}
	return infos
}

// Close closes every live connection and rejects further registrations.
func (r *InMemoryRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed, idempotent
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Verify that InMemoryRegistry implements the Registry interface at compile time
var _ registry.Registry = (*InMemoryRegistry)(nil)
