package grpcapi

import (
	"encoding/json"
	"fmt"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event is a stored event as carried in replies
type Event struct {
	Offset    int64                  `json:"offset"`
	Key       string                 `json:"key,omitempty"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

func eventFrom(env *eventlog.Envelope) Event {
	return Event{
		Offset:    env.Offset,
		Key:       env.Key,
		Name:      env.Name,
		Payload:   env.PayloadMap(),
		Timestamp: eventlog.FormatTimestamp(env.Timestamp),
	}
}

// IngestReply is the result of Ingest
type IngestReply struct {
	relay.Ack
	Envelope Event `json:"envelope"`
}

// QueryReply is the result of Query
type QueryReply struct {
	Key    string  `json:"key"`
	Events []Event `json:"events"`
	Count  int     `json:"count"`
	Limit  int     `json:"limit"`
}

// toStruct converts a JSON-encodable value into a Struct message
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to convert reply: %w", err)
	}
	return s, nil
}

// fromStruct decodes a Struct message into v
func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to convert reply: %w", err)
	}
	return json.Unmarshal(data, v)
}
