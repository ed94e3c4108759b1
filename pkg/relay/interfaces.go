package relay

import (
	"context"
	"errors"
	"io"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrEmptyEventName is returned when an event without a name reaches the relay
	ErrEmptyEventName = errors.New("event name cannot be empty")
	// ErrReservedKey is returned for an explicit key equal to
	// eventlog.DefaultKey, which only unkeyed events may use
	ErrReservedKey = errors.New("robot id " + eventlog.DefaultKey + " is reserved")
)

// Source identifies which entrypoint an event arrived through
type Source string

const (
	SourceRequest Source = "request" // HTTP ingestion
	SourceSocket  Source = "socket"  // inbound frame on a subscriber stream
	SourceRPC     Source = "rpc"     // unary gRPC ingestion
)

// IngestRequest is one event handed to the relay by an adapter
type IngestRequest struct {
	// Key is the robot id; empty files the event under eventlog.DefaultKey
	Key string

	// Name is the event identifier and must not be empty
	Name string

	// Payload holds the event fields; nil is an empty payload
	Payload *structpb.Struct

	// Source records the entrypoint
	Source Source
}

// Ack is returned to the publisher of an event
type Ack struct {
	Status  string                 `json:"status"`
	Event   string                 `json:"event"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// HealthStatus represents the overall health of a relay node
type HealthStatus struct {
	// Healthy indicates if the node is started and its components are usable
	Healthy bool `json:"healthy"`

	// LiveConnections is the number of registered subscriber connections
	LiveConnections int `json:"liveConnections"`

	// Tenants is the number of robot keys with stored events
	Tenants int `json:"tenants"`

	// TotalEvents is the number of events currently retained
	TotalEvents int64 `json:"totalEvents"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}

// Relay is the event relay orchestrator.
type Relay interface {
	io.Closer

	// Start begins accepting events and subscribers.
	Start(ctx context.Context) error

	// Stop stops accepting events. Live connections stay registered.
	Stop(ctx context.Context) error

	// Ingest stores the event and broadcasts it to every live connection.
	// The returned envelope is the stored copy; the Ack is what the
	// publisher should be told.
	Ingest(ctx context.Context, req IngestRequest) (*eventlog.Envelope, Ack, error)

	// Query returns up to limit of the most recent events of key, oldest
	// first, optionally restricted to one event name. limit is clamped.
	Query(ctx context.Context, key, name string, limit int) ([]*eventlog.Envelope, error)

	// Subscribe registers a live connection to receive broadcasts. The
	// connected frame is the first frame the connection receives.
	Subscribe(ctx context.Context, conn registry.Connection) error

	// Unsubscribe removes a connection. It reports whether it was live.
	Unsubscribe(id string) bool

	// HandleInbound processes one raw frame received on conn. Malformed
	// frames are answered with an error frame on conn only.
	HandleInbound(ctx context.Context, conn registry.Connection, raw []byte) error

	// LiveConnectionCount returns the number of registered connections.
	LiveConnectionCount() int

	// TenantCount returns the number of robot keys with a log.
	TenantCount() int

	// Connections describes every live connection.
	Connections() []registry.ConnectionInfo

	// Statistics returns store statistics.
	Statistics(ctx context.Context) (eventlog.Statistics, error)

	// Health returns the node's health.
	Health(ctx context.Context) (HealthStatus, error)
}
