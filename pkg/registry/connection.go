package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendQueueSize is the outbound buffer of a BufferedConnection when none is given
const DefaultSendQueueSize = 100

// BufferedConnection is a Connection backed by a buffered channel. The
// transport goroutine (SSE writer, gRPC stream sender) drains Outbound and
// writes frames to the wire; Send never blocks on the network.
type BufferedConnection struct {
	id          string
	transport   string
	connectedAt time.Time

	outbound  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewBufferedConnection creates a connection with a generated ID.
// queueSize <= 0 uses DefaultSendQueueSize.
func NewBufferedConnection(transport string, queueSize int) *BufferedConnection {
	return NewBufferedConnectionWithID(uuid.NewString(), transport, queueSize)
}

// NewBufferedConnectionWithID creates a connection with a caller chosen ID.
func NewBufferedConnectionWithID(id, transport string, queueSize int) *BufferedConnection {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &BufferedConnection{
		id:          id,
		transport:   transport,
		connectedAt: time.Now().UTC(),
		outbound:    make(chan Message, queueSize),
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier
func (c *BufferedConnection) ID() string {
	return c.id
}

// Transport returns the transport label ("sse", "grpc", ...)
func (c *BufferedConnection) Transport() string {
	return c.transport
}

// ConnectedAt returns when the connection was created
func (c *BufferedConnection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Send enqueues msg without blocking.
func (c *BufferedConnection) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Outbound returns the channel the transport drains.
// It is never closed; watch Done to know when to stop reading.
func (c *BufferedConnection) Outbound() <-chan Message {
	return c.outbound
}

// Done is closed when the connection is closed
func (c *BufferedConnection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call multiple times.
func (c *BufferedConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// IsClosed reports whether Close has been called
func (c *BufferedConnection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Verify that BufferedConnection implements the Connection interface at compile time
var _ Connection = (*BufferedConnection)(nil)
