package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmacdonaldsmith/eventrelay/internal/relay"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node   *relay.Node
	Server *Server
	Auth   *JWTAuth
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestServerSetup creates a started relay node and an HTTP server in
// front of it. mutate adjusts the server config before construction.
func NewTestServerSetup(t *testing.T, mutate ...func(*Config)) *TestServerSetup {
	t.Helper()

	nodeConfig := relay.NewConfig("test-node").
		WithLogger(quietLogger()).
		WithMeterProvider(sdkmetric.NewMeterProvider())
	node, err := relay.NewNode(nodeConfig)
	if err != nil {
		t.Fatalf("Failed to create relay node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start relay node: %v", err)
	}

	serverConfig := Config{
		SecretKey: "test-secret-key",
		Logger:    quietLogger(),
	}
	for _, fn := range mutate {
		fn(&serverConfig)
	}

	server, err := NewServer(node, serverConfig)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	setup := &TestServerSetup{
		Node:   node,
		Server: server,
		Auth:   server.JWTAuth(),
	}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.Server.Stop(context.Background())
	setup.Node.Close()
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool, robots ...string) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin, robots...)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends a request through the full routed handler
func (setup *TestServerSetup) Do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rr, req)
	return rr
}

// decodeBody unmarshals a JSON response body
func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("Expected status %d, got %d. Body: %s", want, rr.Code, rr.Body.String())
	}
}

// expectError checks an ErrorResponse body
func expectError(t *testing.T, rr *httptest.ResponseRecorder, want int) ErrorResponse {
	t.Helper()
	expectStatus(t, rr, want)
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	if resp.Code != want {
		t.Errorf("Expected error code %d, got %d", want, resp.Code)
	}
	if resp.Error != http.StatusText(want) {
		t.Errorf("Expected error %q, got %q", http.StatusText(want), resp.Error)
	}
	return resp
}
