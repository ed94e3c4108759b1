package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the Relay service
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial creates a client for target. Without options the connection is
// plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection created by Dial
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ingest stores and broadcasts one event. key may be empty.
func (c *Client) Ingest(ctx context.Context, key, name string, payload map[string]interface{}) (*IngestReply, error) {
	fields := map[string]interface{}{"name": name}
	if key != "" {
		fields["key"] = key
	}
	if payload != nil {
		fields["payload"] = payload
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ingestMethod, in, out); err != nil {
		return nil, err
	}

	var reply IngestReply
	if err := fromStruct(out, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Query fetches stored events. A zero limit uses the server default.
func (c *Client) Query(ctx context.Context, key, name string, limit int) (*QueryReply, error) {
	fields := map[string]interface{}{}
	if key != "" {
		fields["key"] = key
	}
	if name != "" {
		fields["name"] = name
	}
	if limit != 0 {
		fields["limit"] = limit
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, queryMethod, in, out); err != nil {
		return nil, err
	}

	var reply QueryReply
	if err := fromStruct(out, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Connect opens a subscriber stream. Cancel ctx to end it.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	cs, err := c.cc.NewStream(ctx, &RelayServiceDesc.Streams[0], connectMethod)
	if err != nil {
		return nil, err
	}
	return &Stream{stream: &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.StringValue]{ClientStream: cs}}, nil
}

// Stream is the client side of a Connect call
type Stream struct {
	stream grpc.BidiStreamingClient[wrapperspb.StringValue, wrapperspb.StringValue]
}

// Send writes one raw frame
func (s *Stream) Send(frame []byte) error {
	return s.stream.Send(wrapperspb.String(string(frame)))
}

// SendEvent writes an event frame for the relay to ingest
func (s *Stream) SendEvent(key, name string, payload map[string]interface{}) error {
	frame := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["eventname"] = name
	if key != "" {
		frame["key"] = key
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return s.Send(data)
}

// Recv returns the next frame the relay sent
func (s *Stream) Recv() ([]byte, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	return []byte(msg.GetValue()), nil
}

// CloseSend tells the server no more frames follow
func (s *Stream) CloseSend() error {
	return s.stream.CloseSend()
}
