package relay

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// StatusSuccess is the only status a successful ingestion reports
const StatusSuccess = "success"

// Route returns the acknowledgment message for an event name.
// Matching is case-insensitive; every name yields a message.
func Route(name string) string {
	switch strings.ToLower(name) {
	case "handshake":
		return "Handshake acknowledged"
	case "ping":
		return "Pong"
	default:
		return fmt.Sprintf("Event '%s' received", name)
	}
}

// NewAck builds the acknowledgment for an ingested event. Data is nil when
// the payload has no fields.
func NewAck(name string, payload *structpb.Struct) Ack {
	ack := Ack{
		Status:  StatusSuccess,
		Event:   name,
		Message: Route(name),
	}
	if len(payload.GetFields()) > 0 {
		ack.Data = payload.AsMap()
	}
	return ack
}
