package eventlog

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultKey is the key that events ingested without a robot id are filed under.
const DefaultKey = "_default"

// Envelope represents a single event in the event log.
// Envelopes are never mutated once stored; use Copy before changing one.
type Envelope struct {
	// Offset is the sequential position of this event within its key's log
	Offset int64

	// Key is the tenant (robot) identifier this event belongs to
	Key string

	// Name is the event identifier as received
	Name string

	// Payload holds the arbitrary event fields
	Payload *structpb.Struct

	// Timestamp is when this event was ingested, always UTC
	Timestamp time.Time
}

// NewEnvelope creates a new Envelope with the given properties.
// The payload is deep-copied to ensure immutability. A nil payload becomes an
// empty mapping.
func NewEnvelope(key, name string, payload *structpb.Struct, timestamp time.Time) *Envelope {
	return &Envelope{
		Offset:    0, // Will be set by the EventStore when appending
		Key:       key,
		Name:      name,
		Payload:   clonePayload(payload),
		Timestamp: timestamp.UTC(),
	}
}

// WithOffset returns a new Envelope with the specified offset.
// This is used internally by the EventStore when storing events.
func (e *Envelope) WithOffset(offset int64) *Envelope {
	return &Envelope{
		Offset:    offset,
		Key:       e.Key,
		Name:      e.Name,
		Payload:   e.Payload, // Already immutable from construction
		Timestamp: e.Timestamp,
	}
}

// Copy returns a deep copy of the Envelope.
func (e *Envelope) Copy() *Envelope {
	return &Envelope{
		Offset:    e.Offset,
		Key:       e.Key,
		Name:      e.Name,
		Payload:   clonePayload(e.Payload),
		Timestamp: e.Timestamp,
	}
}

// PayloadMap returns the payload as a plain Go map. The map is freshly
// allocated on every call.
func (e *Envelope) PayloadMap() map[string]interface{} {
	if e.Payload == nil {
		return map[string]interface{}{}
	}
	return e.Payload.AsMap()
}

// envelopeJSON is the wire shape of an Envelope
type envelopeJSON struct {
	Offset    int64                  `json:"offset"`
	Key       string                 `json:"key,omitempty"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

// MarshalJSON encodes the envelope with an RFC 3339 timestamp and the payload
// as a JSON object.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Offset:    e.Offset,
		Key:       e.Key,
		Name:      e.Name,
		Payload:   e.PayloadMap(),
		Timestamp: FormatTimestamp(e.Timestamp),
	})
}

// FormatTimestamp renders a timestamp the way envelopes carry it on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewPayload converts a decoded JSON object into a payload.
// Values must be JSON-compatible (string, float64, bool, nil, maps, slices).
func NewPayload(fields map[string]interface{}) (*structpb.Struct, error) {
	if fields == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	return structpb.NewStruct(fields)
}

func clonePayload(p *structpb.Struct) *structpb.Struct {
	if p == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return proto.Clone(p).(*structpb.Struct)
}
