package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrTransient marks a delivery failure worth retrying on the next broadcast
	ErrTransient = errors.New("transient delivery failure")
	// ErrSendQueueFull is returned by a connection whose outbound queue is full
	ErrSendQueueFull = fmt.Errorf("send queue full: %w", ErrTransient)
	// ErrConnectionClosed is returned when sending to a closed connection
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrAlreadyRegistered is returned when registering a live connection ID twice
	ErrAlreadyRegistered = errors.New("connection already registered")
	// ErrRegistryClosed is returned when registering with a closed registry
	ErrRegistryClosed = errors.New("registry is closed")
	// ErrNilConnection is returned when registering a nil connection
	ErrNilConnection = errors.New("connection cannot be nil")
)

// IsTransient reports whether a delivery error should be retried rather than
// ending the connection. Send deadlines count as transient: the consumer is
// slow, not gone.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Message is a frame delivered to subscriber connections.
// Data is encoded once per broadcast and shared by every recipient, so
// connections must treat it as read-only.
type Message struct {
	// ID is an optional frame identifier (used as the SSE "id:" field)
	ID string

	// Type names the frame kind: "event", "ack", "error", "connected", ...
	Type string

	// Data is the JSON encoded frame body
	Data []byte
}

// Connection represents one live subscriber session.
// Two connections are the same session only if their IDs are equal.
type Connection interface {
	// ID returns the unique identifier for this session
	ID() string

	// Send delivers a message to the session's transport. It must honor ctx
	// and should not block; a full outbound queue is reported as
	// ErrSendQueueFull.
	Send(ctx context.Context, msg Message) error

	// Close ends the session. It is called by the registry when it evicts the
	// connection and must be safe to call more than once.
	Close() error
}

// ConnectionInfo describes a registered connection for diagnostics
type ConnectionInfo struct {
	ID                  string    `json:"id"`
	Transport           string    `json:"transport,omitempty"`
	RegisteredAt        time.Time `json:"registeredAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// BroadcastResult summarizes one broadcast for logging and metrics.
// It is diagnostic only; broadcast never fails as a whole.
type BroadcastResult struct {
	Attempted int // Connections in the snapshot
	Delivered int // Successful sends
	Transient int // Sends that failed with a transient error
	Terminal  int // Sends that failed with a terminal error
	Evicted   int // Connections removed because of this broadcast
}

// Registry manages the set of live subscriber connections.
type Registry interface {
	io.Closer

	// Register marks a connection live.
	Register(conn Connection) error

	// Deregister removes a connection from the live set. It reports whether
	// the connection was registered; removing an unknown ID is a no-op.
	Deregister(id string) bool

	// Broadcast delivers msg to every connection in a snapshot of the live
	// set. Per-connection failures are isolated and never returned.
	Broadcast(ctx context.Context, msg Message) BroadcastResult

	// Count returns the number of live connections.
	Count() int

	// Connections returns a snapshot describing every live connection.
	Connections() []ConnectionInfo
}
