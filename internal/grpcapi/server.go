package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"

	relaynode "github.com/rmacdonaldsmith/eventrelay/internal/relay"
	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Transport names gRPC subscribers in the registry
const Transport = "grpc"

// Server serves the Relay service on top of a relay.Relay
type Server struct {
	relay  relay.Relay
	config Config
	logger *slog.Logger

	grpcServer *grpc.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

var _ RelayServer = (*Server)(nil)

// NewServer creates a gRPC server for r. The server does not listen until
// Start or Serve is called.
func NewServer(r relay.Relay, config Config) (*Server, error) {
	if r == nil {
		return nil, errors.New("relay cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	s := &Server{
		relay:    r,
		config:   config,
		logger:   config.Logger.With("component", "grpcapi"),
		shutdown: make(chan struct{}),
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageBytes),
		grpc.MaxSendMsgSize(config.MaxMessageBytes),
		grpc.ChainUnaryInterceptor(s.recoverUnary, s.logUnary),
		grpc.ChainStreamInterceptor(s.recoverStream, s.logStream),
	)
	s.grpcServer.RegisterService(&RelayServiceDesc, s)

	return s, nil
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", ln.Addr().String())
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop ends open Connect streams and drains in-flight calls. When ctx
// expires first the remaining calls are cut.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
		return ctx.Err()
	}
}

// Ingest stores and broadcasts one event.
// Request fields: name (required), key, payload.
func (s *Server) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := stringArg(in, "key")
	if err != nil {
		return nil, err
	}
	name, err := stringArg(in, "name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	payload, err := structArg(in, "payload")
	if err != nil {
		return nil, err
	}

	env, ack, err := s.relay.Ingest(ctx, relay.IngestRequest{
		Key:     key,
		Name:    name,
		Payload: payload,
		Source:  relay.SourceRPC,
	})
	if err != nil {
		return nil, s.statusError("ingest event", err)
	}

	out, err := toStruct(IngestReply{Ack: ack, Envelope: eventFrom(env)})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Query returns the most recent events stored under a key.
// Request fields: key, name, limit.
func (s *Server) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := stringArg(in, "key")
	if err != nil {
		return nil, err
	}
	name, err := stringArg(in, "name")
	if err != nil {
		return nil, err
	}
	limit, err := intArg(in, "limit", s.config.DefaultQueryLimit)
	if err != nil {
		return nil, err
	}

	envs, err := s.relay.Query(ctx, key, name, limit)
	if err != nil {
		return nil, s.statusError("query events", err)
	}

	if key == "" {
		key = eventlog.DefaultKey
	}
	reply := QueryReply{
		Key:    key,
		Events: make([]Event, 0, len(envs)),
		Count:  len(envs),
		Limit:  eventlog.ClampLimit(limit),
	}
	for _, env := range envs {
		reply.Events = append(reply.Events, eventFrom(env))
	}

	out, err := toStruct(reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Connect registers the stream as a live connection for its lifetime.
// Frames the relay sends the connection are written to the stream as JSON
// strings; strings received from the client are handled as inbound events.
func (s *Server) Connect(stream ConnectStream) error {
	ctx := stream.Context()

	conn := registry.NewBufferedConnection(Transport, s.config.SendQueueSize)
	defer conn.Close()

	if err := s.relay.Subscribe(ctx, conn); err != nil {
		return s.statusError("subscribe", err)
	}
	defer s.relay.Unsubscribe(conn.ID())

	inbound := make(chan error, 1)
	go func() {
		inbound <- s.readLoop(ctx, stream, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()

		case <-s.shutdown:
			return status.Error(codes.Unavailable, "server shutting down")

		case <-conn.Done():
			return status.Error(codes.Unavailable, "connection closed by relay")

		case err := <-inbound:
			if !errors.Is(err, io.EOF) {
				return err
			}
			// client finished sending; flush replies to what it sent
			for pending := len(conn.Outbound()); pending > 0; pending-- {
				msg := <-conn.Outbound()
				if err := stream.Send(wrapperspb.String(string(msg.Data))); err != nil {
					return err
				}
			}
			return nil

		case msg := <-conn.Outbound():
			if err := stream.Send(wrapperspb.String(string(msg.Data))); err != nil {
				return err
			}
		}
	}
}

// readLoop hands every received frame to the relay until Recv fails
func (s *Server) readLoop(ctx context.Context, stream ConnectStream, conn registry.Connection) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := s.relay.HandleInbound(ctx, conn, []byte(frame.GetValue())); err != nil {
			s.logger.Warn("inbound frame failed", "connection_id", conn.ID(), "error", err)
		}
	}
}

// statusError maps relay errors onto gRPC status codes
func (s *Server) statusError(op string, err error) error {
	switch {
	case errors.Is(err, relay.ErrEmptyEventName), errors.Is(err, relay.ErrReservedKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, relaynode.ErrNodeStopped), errors.Is(err, relaynode.ErrNodeClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		s.logger.Error("failed to "+op, "error", err)
		return status.Errorf(codes.Internal, "failed to %s", op)
	}
}

// stringArg reads an optional string field. Null counts as absent.
func stringArg(in *structpb.Struct, field string) (string, error) {
	v, ok := in.GetFields()[field]
	if !ok {
		return "", nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "%s must be a string", field)
	}
}

// structArg reads an optional object field
func structArg(in *structpb.Struct, field string) (*structpb.Struct, error) {
	v, ok := in.GetFields()[field]
	if !ok {
		return nil, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StructValue:
		return kind.StructValue, nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an object", field)
	}
}

// intArg reads an optional integral number field
func intArg(in *structpb.Struct, field string, def int) (int, error) {
	v, ok := in.GetFields()[field]
	if !ok {
		return def, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return def, nil
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", field)
		}
		// clamped downstream; only guard the int conversion here
		if n > math.MaxInt32 {
			n = math.MaxInt32
		} else if n < math.MinInt32 {
			n = math.MinInt32
		}
		return int(n), nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", field)
	}
}
