package grpcapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	relaynode "github.com/rmacdonaldsmith/eventrelay/internal/relay"
	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSetup struct {
	Node   *relaynode.Node
	Server *Server
	Client *Client
}

// newTestSetup serves a started relay node over an in-memory listener
func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	node, err := relaynode.NewNode(relaynode.NewConfig("test-node").
		WithLogger(quietLogger()).
		WithMeterProvider(sdkmetric.NewMeterProvider()))
	if err != nil {
		t.Fatalf("Failed to create relay node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start relay node: %v", err)
	}

	server, err := NewServer(node, Config{ListenAddress: "bufnet", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go server.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Stop(ctx)
		node.Close()
	})

	return &testSetup{Node: node, Server: server, Client: NewClient(conn)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("Expected code %s, got %s (%v)", want, got, err)
	}
}

// recvFrame reads one frame and decodes it into v when v is not nil
func recvFrame(t *testing.T, s *Stream, v interface{}) string {
	t.Helper()
	data, err := s.Recv()
	if err != nil {
		t.Fatalf("Failed to receive frame: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("Failed to decode frame %s: %v", data, err)
		}
	}
	return relay.PeekType(data)
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

func TestNewServer_Validation(t *testing.T) {
	node, err := relaynode.NewNode(relaynode.NewConfig("test-node").WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create relay node: %v", err)
	}
	defer node.Close()

	if _, err := NewServer(nil, Config{ListenAddress: ":0"}); err == nil {
		t.Error("Expected error for nil relay")
	}
	if _, err := NewServer(node, Config{}); err == nil {
		t.Error("Expected error for empty listen address")
	}

	server, err := NewServer(node, Config{ListenAddress: ":0"})
	if err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	if server.config.MaxMessageBytes != 1024*1024 {
		t.Errorf("Expected default max message size, got %d", server.config.MaxMessageBytes)
	}
	if server.config.DefaultQueryLimit != eventlog.DefaultQueryLimit {
		t.Errorf("Expected default query limit %d, got %d", eventlog.DefaultQueryLimit, server.config.DefaultQueryLimit)
	}
}

func TestIngest(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	reply, err := setup.Client.Ingest(ctx, "r2d2", "ping", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if reply.Status != relay.StatusSuccess || reply.Event != "ping" || reply.Message != "Pong" {
		t.Errorf("Unexpected ack %+v", reply.Ack)
	}
	if reply.Data != nil {
		t.Errorf("Expected null data, got %v", reply.Data)
	}
	if reply.Envelope.Offset != 0 || reply.Envelope.Key != "r2d2" {
		t.Errorf("Unexpected envelope %+v", reply.Envelope)
	}

	reply, err = setup.Client.Ingest(ctx, "r2d2", "moved", map[string]interface{}{"x": 3})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if reply.Message != "Event 'moved' received" {
		t.Errorf("Expected routed message, got %q", reply.Message)
	}
	if reply.Data["x"] != float64(3) {
		t.Errorf("Expected data to echo payload, got %v", reply.Data)
	}
	if reply.Envelope.Offset != 1 || reply.Envelope.Payload["x"] != float64(3) {
		t.Errorf("Unexpected envelope %+v", reply.Envelope)
	}

	reply, err = setup.Client.Ingest(ctx, "", "handshake", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if reply.Message != "Handshake acknowledged" {
		t.Errorf("Expected handshake ack, got %q", reply.Message)
	}
}

func TestIngest_InvalidArguments(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	_, err := setup.Client.Ingest(ctx, "r2d2", "", nil)
	expectCode(t, err, codes.InvalidArgument)

	_, err = setup.Client.Ingest(ctx, eventlog.DefaultKey, "ping", nil)
	expectCode(t, err, codes.InvalidArgument)

	_, err = setup.Client.Query(ctx, eventlog.DefaultKey, "", 10)
	expectCode(t, err, codes.InvalidArgument)

	tests := map[string]map[string]interface{}{
		"name not a string":    {"name": 7},
		"key not a string":     {"name": "ping", "key": true},
		"payload not a object": {"name": "ping", "payload": "x"},
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			in, err := structpb.NewStruct(fields)
			if err != nil {
				t.Fatal(err)
			}
			err = setup.Client.cc.Invoke(ctx, ingestMethod, in, new(structpb.Struct))
			expectCode(t, err, codes.InvalidArgument)
		})
	}

	events, _ := setup.Node.Query(ctx, "r2d2", "", 100)
	if len(events) != 0 {
		t.Errorf("Expected nothing stored, got %d events", len(events))
	}
	if n := setup.Node.TenantCount(); n != 0 {
		t.Errorf("Expected no logs created, got %d", n)
	}
}

func TestQuery(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		name := "tick"
		if i%2 == 1 {
			name = "tock"
		}
		if _, err := setup.Client.Ingest(ctx, "r2d2", name, map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	reply, err := setup.Client.Query(ctx, "r2d2", "", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply.Count != 2 || reply.Limit != 2 || reply.Key != "r2d2" {
		t.Errorf("Unexpected reply %+v", reply)
	}
	if len(reply.Events) == 2 && (reply.Events[0].Offset != 3 || reply.Events[1].Offset != 4) {
		t.Errorf("Expected the two most recent events in order, got %+v", reply.Events)
	}

	reply, err = setup.Client.Query(ctx, "r2d2", "tock", 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply.Count != 2 || reply.Limit != eventlog.DefaultQueryLimit {
		t.Errorf("Expected 2 tock events with default limit, got %+v", reply)
	}
	for _, ev := range reply.Events {
		if ev.Name != "tock" {
			t.Errorf("Expected only tock events, got %s", ev.Name)
		}
	}

	reply, err = setup.Client.Query(ctx, "r2d2", "", 500)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply.Limit != eventlog.MaxQueryLimit || reply.Count != 5 {
		t.Errorf("Expected clamped limit and all events, got %+v", reply)
	}

	reply, err = setup.Client.Query(ctx, "c3po", "", -3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply.Limit != 1 || reply.Count != 0 || reply.Events == nil {
		t.Errorf("Expected empty result with limit 1, got %+v", reply)
	}
}

func TestQuery_InvalidLimit(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	for _, limit := range []interface{}{1.5, "ten"} {
		in, err := structpb.NewStruct(map[string]interface{}{"key": "r2d2", "limit": limit})
		if err != nil {
			t.Fatal(err)
		}
		err = setup.Client.cc.Invoke(ctx, queryMethod, in, new(structpb.Struct))
		expectCode(t, err, codes.InvalidArgument)
	}
}

func TestIngest_StoppedNode(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	setup.Node.Stop(ctx)

	_, err := setup.Client.Ingest(ctx, "r2d2", "ping", nil)
	expectCode(t, err, codes.Unavailable)
}

func TestConnect_ReceivesBroadcasts(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var connected relay.ConnectedFrame
	if typ := recvFrame(t, stream, &connected); typ != relay.FrameConnected {
		t.Fatalf("Expected connected frame first, got %s", typ)
	}
	if connected.ConnectionID == "" {
		t.Error("Expected a connection id")
	}

	infos := setup.Node.Connections()
	if len(infos) != 1 || infos[0].Transport != Transport {
		t.Fatalf("Expected one grpc connection, got %+v", infos)
	}

	if _, err := setup.Client.Ingest(ctx, "r2d2", "moved", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	var frame relay.EventFrame
	if typ := recvFrame(t, stream, &frame); typ != relay.FrameEvent {
		t.Fatalf("Expected event frame, got %s", typ)
	}
	if frame.Key != "r2d2" || frame.Name != "moved" || frame.Source != relay.SourceRPC {
		t.Errorf("Unexpected frame %+v", frame)
	}
}

func TestConnect_InboundFrames(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	recvFrame(t, stream, nil)

	// a malformed frame is answered and the stream stays open
	if err := stream.Send([]byte("{not json")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	var errFrame relay.ErrorFrame
	if typ := recvFrame(t, stream, &errFrame); typ != relay.FrameError {
		t.Fatalf("Expected error frame, got %s", typ)
	}
	if errFrame.Error != relay.ErrorMalformedMessage {
		t.Errorf("Expected malformed_message, got %s", errFrame.Error)
	}

	if err := stream.SendEvent("r2d2", "ping", map[string]interface{}{"seq": 1}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	// the sender is also a subscriber, so it gets the broadcast and the ack
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		data, err := stream.Recv()
		if err != nil {
			t.Fatalf("Failed to receive frame: %v", err)
		}
		typ := relay.PeekType(data)
		seen[typ] = true
		if typ == relay.FrameAck {
			var ack relay.AckFrame
			if err := json.Unmarshal(data, &ack); err != nil {
				t.Fatal(err)
			}
			if ack.Message != "Pong" || ack.Key != "r2d2" || ack.Offset != 0 {
				t.Errorf("Unexpected ack %+v", ack)
			}
		}
	}
	if !seen[relay.FrameAck] || !seen[relay.FrameEvent] {
		t.Errorf("Expected an ack and an event frame, got %v", seen)
	}

	reply, err := setup.Client.Query(ctx, "r2d2", "ping", 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply.Count != 1 || reply.Events[0].Payload["seq"] != float64(1) {
		t.Errorf("Expected the inbound event stored, got %+v", reply)
	}
}

func TestConnect_CloseSendFlushesReplies(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	recvFrame(t, stream, nil)

	if err := stream.Send([]byte(`{"eventname":""}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}

	if typ := recvFrame(t, stream, nil); typ != relay.FrameError {
		t.Errorf("Expected error frame before the stream ends, got %s", typ)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Expected clean end of stream, got %v", err)
	}
	waitFor(t, func() bool { return setup.Node.LiveConnectionCount() == 0 }, "connection removal")
}

func TestConnect_CancelUnsubscribes(t *testing.T) {
	setup := newTestSetup(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	recvFrame(t, stream, nil)
	if n := setup.Node.LiveConnectionCount(); n != 1 {
		t.Fatalf("Expected 1 live connection, got %d", n)
	}

	cancel()
	waitFor(t, func() bool { return setup.Node.LiveConnectionCount() == 0 }, "connection removal")
}

func TestConnect_ServerStopEndsStreams(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	recvFrame(t, stream, nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := setup.Server.Stop(stopCtx); err != nil {
		t.Fatalf("Expected graceful stop, got %v", err)
	}

	if _, err := stream.Recv(); err == nil {
		t.Error("Expected stream to end after server stop")
	}
	waitFor(t, func() bool { return setup.Node.LiveConnectionCount() == 0 }, "stream shutdown")
}

func TestConnect_ClosedNode(t *testing.T) {
	setup := newTestSetup(t)
	ctx := testContext(t)

	stream, err := setup.Client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	recvFrame(t, stream, nil)

	// Closing the relay closes every registered connection
	setup.Node.Close()

	_, err = stream.Recv()
	expectCode(t, err, codes.Unavailable)
}
