// Package registry provides interfaces for tracking live subscriber connections.
//
// This package defines the core abstractions for the EventRelay connection registry:
//   - Connection: one live subscriber session (SSE stream, gRPC stream, ...)
//   - Message: a pre-encoded frame delivered to connections
//   - Registry: the live set, with register, deregister and broadcast-to-all
//
// Broadcast is best effort. A failed delivery to one connection never stops
// delivery to the others and is never reported to the broadcaster as an
// error. Failures are classified:
//   - transient (ErrTransient, e.g. ErrSendQueueFull): counted per connection;
//     once a configured threshold of consecutive failures is reached the
//     connection is evicted as a slow consumer
//   - terminal (anything else, e.g. ErrConnectionClosed): the connection is
//     deregistered and closed at once
//
// Example usage:
//
//	conn := registry.NewBufferedConnection("sse", 100)
//	if err := reg.Register(conn); err != nil {
//		return err
//	}
//	defer reg.Deregister(conn.ID())
//
//	result := reg.Broadcast(ctx, registry.Message{Type: "event", Data: frame})
//	log.Printf("delivered=%d evicted=%d", result.Delivered, result.Evicted)
package registry
