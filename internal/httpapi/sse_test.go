package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
)

// sseEvent is one parsed SSE block
type sseEvent struct {
	ID      string
	Event   string
	Data    string
	Comment string
}

// readSSEEvent reads lines up to the next blank line
func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()

	type result struct {
		ev  sseEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- result{ev, err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				done <- result{ev, nil}
				return
			case strings.HasPrefix(line, ": "):
				ev.Comment = strings.TrimPrefix(line, ": ")
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Failed reading SSE stream: %v", res.err)
		}
		return res.ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for SSE event")
		return sseEvent{}
	}
}

// openStream connects to the SSE endpoint and consumes the connected frame
func openStream(t *testing.T, ts *httptest.Server) (*http.Response, *bufio.Reader, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events/stream", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected Content-Type 'text/event-stream', got '%s'", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control 'no-cache', got '%s'", cc)
	}

	reader := bufio.NewReader(resp.Body)
	ev := readSSEEvent(t, reader)
	if ev.Event != relay.FrameConnected {
		t.Fatalf("Expected connected frame first, got %+v", ev)
	}
	var connected relay.ConnectedFrame
	if err := json.Unmarshal([]byte(ev.Data), &connected); err != nil {
		t.Fatalf("Failed to decode connected frame: %v", err)
	}
	if connected.ConnectionID == "" {
		t.Error("Expected a connection id")
	}
	return resp, reader, connected.ConnectionID
}

// newStreamServer serves setup over a real listener. It is closed after the
// streams opened by openStream, which register their cleanups later.
func newStreamServer(t *testing.T, setup *TestServerSetup) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(setup.Server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestStreamEvents_ReceivesBroadcasts(t *testing.T) {
	setup := NewTestServerSetup(t, noAuth)
	ts := newStreamServer(t, setup)

	_, first, _ := openStream(t, ts)
	_, second, _ := openStream(t, ts)

	if n := setup.Node.LiveConnectionCount(); n != 2 {
		t.Fatalf("Expected 2 live connections, got %d", n)
	}

	rr := setup.Do(t, http.MethodPost, "/api/v1/robots/r2d2/events", `{"eventname":"moved","x":3}`, "")
	expectStatus(t, rr, http.StatusCreated)

	for i, reader := range []*bufio.Reader{first, second} {
		ev := readSSEEvent(t, reader)
		if ev.Event != relay.FrameEvent {
			t.Errorf("stream %d: expected event frame, got %+v", i, ev)
		}
		if ev.ID != "0" {
			t.Errorf("stream %d: expected id 0, got %q", i, ev.ID)
		}
		var frame relay.EventFrame
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			t.Fatalf("stream %d: failed to decode frame: %v", i, err)
		}
		if frame.Key != "r2d2" || frame.Name != "moved" || frame.Source != relay.SourceRequest {
			t.Errorf("stream %d: unexpected frame %+v", i, frame)
		}
		if frame.Payload["x"] != float64(3) {
			t.Errorf("stream %d: expected payload x=3, got %v", i, frame.Payload)
		}
	}

	// unkeyed events carry no key
	setup.Do(t, http.MethodPost, "/event", `{"eventname":"ping"}`, "")
	ev := readSSEEvent(t, first)
	var frame relay.EventFrame
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if frame.Key != "" || frame.Name != "ping" {
		t.Errorf("Expected unkeyed ping frame, got %+v", frame)
	}
}

func TestStreamEvents_Keepalive(t *testing.T) {
	setup := NewTestServerSetup(t, func(c *Config) {
		c.KeepaliveInterval = 20 * time.Millisecond
	})
	ts := newStreamServer(t, setup)

	_, reader, _ := openStream(t, ts)
	ev := readSSEEvent(t, reader)
	if ev.Comment != "ping" {
		t.Errorf("Expected ping comment, got %+v", ev)
	}
}

func TestStreamEvents_DisconnectUnsubscribes(t *testing.T) {
	setup := NewTestServerSetup(t)
	ts := newStreamServer(t, setup)

	resp, _, id := openStream(t, ts)
	if n := setup.Node.LiveConnectionCount(); n != 1 {
		t.Fatalf("Expected 1 live connection, got %d", n)
	}

	admin := setup.GenerateTestToken(t, "admin", true)
	rr := setup.Do(t, http.MethodGet, "/api/v1/admin/connections", "", admin)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), id) || !strings.Contains(rr.Body.String(), `"transport":"sse"`) {
		t.Errorf("Expected connection %s listed as sse, got %s", id, rr.Body.String())
	}

	resp.Body.Close()
	waitFor(t, func() bool { return setup.Node.LiveConnectionCount() == 0 }, "connection removal")
}

func TestStreamEvents_ServerStopEndsStreams(t *testing.T) {
	setup := NewTestServerSetup(t)
	ts := newStreamServer(t, setup)

	openStream(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := setup.Server.Stop(ctx); err != nil {
		t.Fatalf("Expected clean stop, got %v", err)
	}
	waitFor(t, func() bool { return setup.Node.LiveConnectionCount() == 0 }, "stream shutdown")
}

func TestStreamEvents_EvictedConnectionEndsStream(t *testing.T) {
	setup := NewTestServerSetup(t)
	ts := newStreamServer(t, setup)

	resp, reader, _ := openStream(t, ts)

	// Closing the relay closes every registered connection
	setup.Node.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected stream to end after its connection closed")
	}
	resp.Body.Close()
}

func TestStreamEvents_StoppedNode(t *testing.T) {
	setup := NewTestServerSetup(t)
	setup.Node.Stop(context.Background())

	rr := setup.Do(t, http.MethodGet, "/api/v1/events/stream", "", "")
	expectError(t, rr, http.StatusServiceUnavailable)
	if n := setup.Node.LiveConnectionCount(); n != 0 {
		t.Errorf("Expected no live connections, got %d", n)
	}
}
