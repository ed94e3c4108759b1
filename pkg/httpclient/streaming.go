package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StreamClient handles Server-Sent Events streaming
type StreamClient struct {
	client *Client
	frames chan StreamFrame
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// BufferSize for the frame channel
	BufferSize int

	// ReconnectDelay is the first wait before reconnecting
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the growing wait between reconnects
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
	if sc.MaxReconnectDelay == 0 {
		sc.MaxReconnectDelay = 30 * time.Second
	}
	if sc.MaxReconnectDelay < sc.ReconnectDelay {
		sc.MaxReconnectDelay = sc.ReconnectDelay
	}
}

// Stream opens the live event stream. Every frame the server sends is
// delivered on Frames, including the connected frame that starts each
// (re)connection. The stream reconnects until ctx ends, Close is called or
// the reconnect attempts run out.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		client: c,
		frames: make(chan StreamFrame, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Frames returns the channel for receiving frames
func (sc *StreamClient) Frames() <-chan StreamFrame {
	return sc.frames
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.frames)
	defer close(sc.errors)

	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = config.ReconnectDelay
	delays.MaxInterval = config.MaxReconnectDelay
	delays.Reset()

	attempts := 0
	for {
		connected, err := sc.connectAndStream(ctx, delays)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sc.reportError(ctx, fmt.Errorf("streaming error: %w", err))
		}
		if connected {
			attempts = 0
		}

		// Check if we should reconnect
		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			sc.reportError(ctx, fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}
		attempts++

		select {
		case <-time.After(delays.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// reportError delivers err unless the error channel is full
func (sc *StreamClient) reportError(ctx context.Context, err error) {
	select {
	case sc.errors <- err:
	case <-ctx.Done():
	default:
	}
}

// connectAndStream establishes one SSE connection and processes it until it
// ends. connected reports whether the server accepted the stream.
func (sc *StreamClient) connectAndStream(ctx context.Context, delays *backoff.ExponentialBackOff) (connected bool, err error) {
	streamURL := sc.client.baseURL.ResolveReference(&url.URL{Path: "/api/v1/events/stream"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create streaming request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if sc.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+sc.client.token)
	}

	resp, err := sc.client.streamClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("streaming failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	delays.Reset()
	return true, sc.processSSEStream(ctx, resp.Body)
}

// processSSEStream reads and parses Server-Sent Events. A block of fields
// ends at a blank line; comment lines (keepalives) are skipped.
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var id, eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() == 0 {
				id, eventType = "", ""
				continue
			}
			if err := sc.dispatch(ctx, id, eventType, data.String()); err != nil {
				return err
			}
			id, eventType = "", ""
			data.Reset()

		case strings.HasPrefix(line, ":"):
			continue

		case strings.HasPrefix(line, "id:"):
			id = fieldValue(line, "id:")

		case strings.HasPrefix(line, "event:"):
			eventType = fieldValue(line, "event:")

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(fieldValue(line, "data:"))
		}
		// Other SSE fields (retry:) are ignored
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// dispatch decodes one SSE block and hands it to the consumer
func (sc *StreamClient) dispatch(ctx context.Context, id, eventType, data string) error {
	var frame StreamFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		// Report but continue processing
		sc.reportError(ctx, fmt.Errorf("failed to parse frame: %w", err))
		return nil
	}
	frame.ID = id
	if frame.Type == "" {
		frame.Type = eventType
	}

	select {
	case sc.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, prefix), " ")
}
