package relay

import (
	"encoding/json"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
)

// Frame types written to subscriber connections
const (
	FrameEvent     = "event"
	FrameAck       = "ack"
	FrameError     = "error"
	FrameConnected = "connected"
)

// Error codes carried by ErrorFrame
const (
	ErrorMalformedMessage = "malformed_message"
	ErrorInvalidEvent     = "invalid_event"
	ErrorInternal         = "internal_error"
)

// EventFrame is the broadcast form of a stored event
type EventFrame struct {
	Type      string                 `json:"type"`
	Key       string                 `json:"key,omitempty"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
	Offset    int64                  `json:"offset"`
	Source    Source                 `json:"source"`
}

// NewEventFrame builds the broadcast frame for env. key is the key the
// publisher gave, which is empty for unkeyed events even though the store
// files them under eventlog.DefaultKey.
func NewEventFrame(key string, env *eventlog.Envelope, source Source) EventFrame {
	return EventFrame{
		Type:      FrameEvent,
		Key:       key,
		Name:      env.Name,
		Payload:   env.PayloadMap(),
		Timestamp: eventlog.FormatTimestamp(env.Timestamp),
		Offset:    env.Offset,
		Source:    source,
	}
}

// AckFrame acknowledges an inbound frame to the connection that sent it
type AckFrame struct {
	Type    string                 `json:"type"`
	Status  string                 `json:"status"`
	Event   string                 `json:"event"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
	Key     string                 `json:"key,omitempty"`
	Offset  int64                  `json:"offset"`
}

// ErrorFrame reports a rejected inbound frame
type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ConnectedFrame is the first frame on every new subscriber connection
type ConnectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// PeekType returns the "type" field of an encoded frame, or "" if data is
// not a JSON object.
func PeekType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
