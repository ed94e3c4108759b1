// Package eventlog provides interfaces for per-robot append-only event storage.
//
// This package defines the core abstractions for the EventRelay event log component:
//   - Envelope: the canonical record of one event (key, name, payload, timestamp, offset)
//   - EventStore: interface for append-only per-key log operations (append, query, statistics)
//
// Each tenant key (a robot id) owns an independent log. Entries are only ever
// appended; a query returns the most recent entries of one key, oldest first.
//
// The interfaces use Go idioms:
//   - context.Context for cancellation of blocking calls
//   - io.Closer for resource cleanup
//   - Explicit error returns following Go conventions
//
// Example usage:
//
//	// Append an event for robot "r2d2"
//	env, err := store.Append(ctx, "r2d2", "battery_low", payload, time.Now())
//	if err != nil {
//		return err
//	}
//
//	// Read the last 20 "battery_low" events of the robot
//	events, err := store.Query(ctx, "r2d2", "battery_low", 20)
//	if err != nil {
//		return err
//	}
//	for _, e := range events {
//		fmt.Println(e.Offset, e.Name, e.Timestamp)
//	}
//
// Payloads are open mappings modelled as *structpb.Struct, so every value is
// one of string, number, bool, null, nested mapping or list.
package eventlog
