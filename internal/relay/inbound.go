package relay

import (
	"errors"
	"fmt"

	eventlogpkg "github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	relaypkg "github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fields of an inbound frame that are not part of the payload
var reservedInboundFields = []string{"eventname", "name", "key", "robot_id"}

// inboundError is a rejected inbound frame and the error code to report
type inboundError struct {
	code string
	err  error
}

func (e *inboundError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *inboundError) Unwrap() error { return e.err }

// parseInbound decodes a subscriber frame into an ingest request.
// Accepted shape: a JSON object with "eventname" (or "name"), an optional
// "key" (or "robot_id"), and any other fields, which become the payload.
func parseInbound(raw []byte) (relaypkg.IngestRequest, error) {
	doc, err := eventlogpkg.DecodeJSON(raw)
	if errors.Is(err, eventlogpkg.ErrInexactNumber) {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorInvalidEvent, err: err}
	}
	if err != nil {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorMalformedMessage, err: err}
	}
	fields, ok := doc.(map[string]interface{})
	if !ok {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorMalformedMessage, err: errors.New("frame must be a JSON object")}
	}

	name, err := stringField(fields, "eventname", "name")
	if err != nil {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorInvalidEvent, err: err}
	}
	if name == "" {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorInvalidEvent, err: relaypkg.ErrEmptyEventName}
	}

	key, err := stringField(fields, "key", "robot_id")
	if err != nil {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorInvalidEvent, err: err}
	}
	if key == eventlogpkg.DefaultKey {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorInvalidEvent, err: relaypkg.ErrReservedKey}
	}

	for _, f := range reservedInboundFields {
		delete(fields, f)
	}

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return relaypkg.IngestRequest{}, &inboundError{code: relaypkg.ErrorMalformedMessage, err: err}
	}

	return relaypkg.IngestRequest{
		Key:     key,
		Name:    name,
		Payload: payload,
		Source:  relaypkg.SourceSocket,
	}, nil
}

// stringField returns the first of names present in fields. A present
// field that is not a string is an error.
func stringField(fields map[string]interface{}, names ...string) (string, error) {
	for _, name := range names {
		v, ok := fields[name]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q must be a string", name)
		}
		return s, nil
	}
	return "", nil
}
