// Package relay provides interfaces for the EventRelay orchestrator.
//
// This package defines the core abstractions for the relay node:
//   - Relay: the orchestrator that stores events and broadcasts them to live subscribers
//   - IngestRequest / Ack: the ingestion input and the acknowledgment returned to the publisher
//   - EventFrame, AckFrame, ErrorFrame: the JSON frames written to subscriber connections
//   - Route: the event-name router that picks the acknowledgment message
//
// The relay ties together:
//   - EventStore (pkg/eventlog): per robot key, append-only event history
//   - Registry (pkg/registry): the set of live subscriber connections
//
// Event flow:
//  1. An adapter (HTTP handler, gRPC method, inbound socket frame) calls Ingest
//  2. The relay stamps the event once and appends it to the key's log
//  3. The stored envelope is encoded once and broadcast to every live connection
//  4. The publisher receives an Ack built by Route
//
// Storing happens before broadcasting. A store failure aborts the ingestion;
// a delivery failure never does.
//
// Example usage:
//
//	node, err := relay.NewNode(cfg)
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	env, ack, err := node.Ingest(ctx, relay.IngestRequest{
//		Key:    "r2d2",
//		Name:   "battery",
//		Source: relay.SourceRequest,
//	})
package relay
