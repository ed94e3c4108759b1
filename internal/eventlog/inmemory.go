package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrStoreClosed is returned when the store has been closed
	ErrStoreClosed = errors.New("event store is closed")
	// ErrNegativeRetention is returned when a negative per-key cap is configured
	ErrNegativeRetention = errors.New("max events per key cannot be negative")
)

// keyLog is the log of a single key. Its mutex serializes appends to the key
// and lets queries copy out a consistent prefix. A closed log belongs to a
// closed store and accepts no more appends.
type keyLog struct {
	mu            sync.RWMutex
	entries       []*eventlog.Envelope
	nextOffset    int64
	lastTimestamp time.Time
	closed        bool
}

// InMemoryEventStore implements the eventlog.EventStore interface using
// in-memory key-partitioned storage. The store lock only guards the key map;
// each key has its own lock so appends to different keys run in parallel.
// It is safe for concurrent use.
type InMemoryEventStore struct {
	mu        sync.RWMutex
	logs      map[string]*keyLog
	maxPerKey int
	closed    bool
}

// NewInMemoryEventStore creates a new in-memory store. maxEventsPerKey caps the
// history retained per key; 0 keeps every event for the life of the process.
func NewInMemoryEventStore(maxEventsPerKey int) (*InMemoryEventStore, error) {
	if maxEventsPerKey < 0 {
		return nil, ErrNegativeRetention
	}
	return &InMemoryEventStore{
		logs:      make(map[string]*keyLog),
		maxPerKey: maxEventsPerKey,
	}, nil
}

// Append appends a new event to the tail of the key's log.
// The offset is assigned per key. A timestamp older than the key's previous
// entry is raised to that entry's timestamp so each log stays non-decreasing.
func (s *InMemoryEventStore) Append(ctx context.Context, key, name string, payload *structpb.Struct, timestamp time.Time) (*eventlog.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log, err := s.logFor(key)
	if err != nil {
		return nil, err
	}
	return s.appendTo(log, eventlog.NewEnvelope(key, name, payload, timestamp))
}

// appendTo stores env at the tail of log. It fails if Close ran after log
// was looked up.
func (s *InMemoryEventStore) appendTo(log *keyLog, env *eventlog.Envelope) (*eventlog.Envelope, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.closed {
		return nil, ErrStoreClosed
	}
	if env.Timestamp.Before(log.lastTimestamp) {
		env.Timestamp = log.lastTimestamp
	}
	stored := env.WithOffset(log.nextOffset)
	log.entries = append(log.entries, stored)
	log.nextOffset++
	log.lastTimestamp = stored.Timestamp

	if s.maxPerKey > 0 && len(log.entries) > s.maxPerKey {
		drop := len(log.entries) - s.maxPerKey
		n := copy(log.entries, log.entries[drop:])
		clear(log.entries[n:])
		log.entries = log.entries[:n]
	}

	return stored.Copy(), nil
}

// Query returns up to limit of the most recent events of key, oldest first.
func (s *InMemoryEventStore) Query(ctx context.Context, key, name string, limit int) ([]*eventlog.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	limit = eventlog.ClampLimit(limit)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	log := s.logs[key]
	s.mu.RUnlock()

	if log == nil {
		// Key doesn't exist, return empty slice
		return make([]*eventlog.Envelope, 0), nil
	}

	log.mu.RLock()
	matched := make([]*eventlog.Envelope, 0, limit)
	for i := len(log.entries) - 1; i >= 0 && len(matched) < limit; i-- {
		e := log.entries[i]
		if name != "" && e.Name != name {
			continue
		}
		matched = append(matched, e)
	}
	log.mu.RUnlock()

	results := make([]*eventlog.Envelope, len(matched))
	for i, e := range matched {
		results[len(matched)-1-i] = e.Copy()
	}
	return results, nil
}

// TenantCount returns the number of keys with a log.
func (s *InMemoryEventStore) TenantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Statistics returns event counts per key and in total.
func (s *InMemoryEventStore) Statistics(ctx context.Context) (eventlog.Statistics, error) {
	select {
	case <-ctx.Done():
		return eventlog.Statistics{}, ctx.Err()
	default:
	}

	s.mu.RLock()
	logs := make(map[string]*keyLog, len(s.logs))
	for k, l := range s.logs {
		logs[k] = l
	}
	s.mu.RUnlock()

	stats := eventlog.Statistics{
		KeyCounts: make(map[string]int64, len(logs)),
		KeyCount:  len(logs),
	}
	for k, l := range logs {
		l.mu.RLock()
		n := int64(len(l.entries))
		l.mu.RUnlock()
		stats.KeyCounts[k] = n
		stats.TotalEvents += n
	}
	return stats, nil
}

// Close closes the store and drops all logs.
func (s *InMemoryEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed, idempotent
	}

	for _, log := range s.logs {
		log.mu.Lock()
		log.closed = true
		log.mu.Unlock()
	}
	s.logs = make(map[string]*keyLog)
	s.closed = true
	return nil
}

// logFor returns the log of key, creating it on first use.
func (s *InMemoryEventStore) logFor(key string) (*keyLog, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	log, exists := s.logs[key]
	s.mu.RUnlock()

	if exists {
		return log, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	// Double-check: another goroutine might have created it
	if log, exists = s.logs[key]; !exists {
		log = &keyLog{}
		s.logs[key] = log
	}
	return log, nil
}

// Verify that InMemoryEventStore implements the EventStore interface at compile time
var _ eventlog.EventStore = (*InMemoryEventStore)(nil)
