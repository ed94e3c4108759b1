package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxEventBodyBytes caps an ingestion request body
const maxEventBodyBytes = 1 << 20

// eventSchema describes an ingestion body: a named event with any extra fields
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventname"],
  "properties": {
    "eventname": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`

const eventSchemaURL = "https://eventrelay.local/schemas/event.schema.json"

var errEmptyBody = errors.New("request body is empty")

// eventValidator checks ingestion bodies against eventSchema
type eventValidator struct {
	schema *jsonschema.Schema
}

func newEventValidator() (*eventValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(eventSchemaURL, strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("event schema load failed: %w", err)
	}
	compiled, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("event schema compile failed: %w", err)
	}
	return &eventValidator{schema: compiled}, nil
}

// decode reads a JSON event body, validates it and splits it into the event
// name and its extra fields.
func (v *eventValidator) decode(body io.Reader) (string, map[string]interface{}, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxEventBodyBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > maxEventBodyBytes {
		return "", nil, fmt.Errorf("request body exceeds %d bytes", maxEventBodyBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil, errEmptyBody
	}

	doc, err := eventlog.DecodeJSON(data)
	if errors.Is(err, eventlog.ErrInexactNumber) {
		return "", nil, err
	}
	if err != nil {
		return "", nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return "", nil, describeValidationError(err)
	}

	fields := doc.(map[string]interface{})
	name := fields["eventname"].(string)
	delete(fields, "eventname")
	return name, fields, nil
}

// describeValidationError flattens a schema error to its most specific cause
func describeValidationError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Errorf("%s: %s", loc, ve.Message)
}
