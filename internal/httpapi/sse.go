package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
)

// sseTransport names SSE subscribers in the registry
const sseTransport = "sse"

// StreamEvents handles GET /api/v1/events/stream.
//
// The response is a Server-Sent Events stream. Each frame the relay sends to
// the connection is written as
//
//	id: <offset>
//	event: <frame type>
//	data: <json>
//
// and a ": ping" comment is written every keepalive interval. The stream ends
// when the client goes away, the relay evicts the connection, or the server
// shuts down.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	conn := registry.NewBufferedConnection(sseTransport, h.config.SendQueueSize)
	defer conn.Close()

	if err := h.relay.Subscribe(r.Context(), conn); err != nil {
		h.writeRelayError(w, "Failed to subscribe", err)
		return
	}
	defer h.relay.Unsubscribe(conn.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	flush := func() error {
		if err := bw.Flush(); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	if err := h.streamLoop(r.Context(), conn, bw, flush); err != nil {
		h.logger.Debug("event stream ended", "connection_id", conn.ID(), "error", err)
	}
}

// streamLoop copies frames from conn to the response until the stream ends.
func (h *Handlers) streamLoop(ctx context.Context, conn *registry.BufferedConnection, bw *bufio.Writer, flush func() error) error {
	ticker := time.NewTicker(h.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-h.shutdown:
			return errors.New("server shutting down")

		case <-conn.Done():
			return registry.ErrConnectionClosed

		case <-ticker.C:
			if _, err := bw.WriteString(": ping\n\n"); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}

		case msg := <-conn.Outbound():
			if err := writeSSEFrame(bw, msg); err != nil {
				return err
			}
			// drain whatever else is queued before flushing
			for pending := len(conn.Outbound()); pending > 0; pending-- {
				if err := writeSSEFrame(bw, <-conn.Outbound()); err != nil {
					return err
				}
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// writeSSEFrame writes one message in SSE wire format
func writeSSEFrame(bw *bufio.Writer, msg registry.Message) error {
	if msg.ID != "" {
		if _, err := fmt.Fprintf(bw, "id: %s\n", msg.ID); err != nil {
			return err
		}
	}
	if msg.Type != "" {
		if _, err := fmt.Fprintf(bw, "event: %s\n", msg.Type); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(bw, "data: %s\n\n", msg.Data)
	return err
}
