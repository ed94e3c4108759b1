package eventlog

import (
	"context"
	"io"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// MinQueryLimit is the smallest number of events a query returns at most
	MinQueryLimit = 1
	// MaxQueryLimit is the largest number of events a query returns at most
	MaxQueryLimit = 100
	// DefaultQueryLimit applies to keyed queries that do not specify a limit
	DefaultQueryLimit = 20
	// DefaultIngestQueryLimit applies to the ingestion-variant query API
	DefaultIngestQueryLimit = 10
)

// EventStore defines the interface for per-key append-only event storage.
// Each key has its own independent offset sequence starting from 0.
type EventStore interface {
	io.Closer

	// Append appends a new event to the tail of key's log, creating the log
	// if absent. The stored envelope, with its assigned offset, is returned.
	Append(ctx context.Context, key, name string, payload *structpb.Struct, timestamp time.Time) (*Envelope, error)

	// Query returns the most recent events of key, oldest first. A non-empty
	// name restricts the result to events with exactly that name. limit is
	// clamped with ClampLimit. Unknown keys yield an empty slice.
	Query(ctx context.Context, key, name string, limit int) ([]*Envelope, error)

	// TenantCount returns the number of keys that have a log.
	TenantCount() int

	// Statistics returns overall statistics about the store.
	Statistics(ctx context.Context) (Statistics, error)
}

// Statistics provides aggregate statistics about the event store
type Statistics struct {
	TotalEvents int64            // Number of events currently retained across all keys
	KeyCounts   map[string]int64 // Number of retained events per key
	KeyCount    int              // Number of distinct keys
}

// ClampLimit bounds a query limit to [MinQueryLimit, MaxQueryLimit].
func ClampLimit(limit int) int {
	if limit < MinQueryLimit {
		return MinQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
