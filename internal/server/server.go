package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/middlewared/internal/session"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

// SessionServiceName is the fully qualified gRPC service name.
const SessionServiceName = "middlewared.v1.Session"

// ConnectMethod is the full method name of the session stream.
const ConnectMethod = "/" + SessionServiceName + "/Connect"

// SessionServer is implemented by the gRPC session transport.
type SessionServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionServer).Connect(stream)
}

// SessionServiceDesc describes the bidirectional session stream. Every
// message in either direction is a google.protobuf.Struct holding one
// session message.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "middlewared/v1/session.proto",
}

// Server implements the gRPC session transport.
type Server struct {
	addr    string
	manager *session.Manager
	auth    Authenticator

	mu       sync.Mutex
	listener net.Listener
	grpc     *grpc.Server
}

// NewServer creates a new gRPC server instance.
func NewServer(addr string, manager *session.Manager, auth Authenticator) *Server {
	if auth == nil {
		auth = LoopbackAuthenticator{Trust: true}
	}
	s := &Server{addr: addr, manager: manager, auth: auth}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&SessionServiceDesc, s)
	return s
}

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.grpc.Stop()
		}
	}()

	log.Info("gRPC server listening", "addr", ln.Addr().String(), "service", SessionServiceName)
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Connect handles one session stream.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	remote := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	sess, err := s.manager.Open(ctx, &grpcSender{stream: stream}, session.Config{
		Authenticated: s.auth.Authenticate(Peer{Addr: remote}),
		Remote:        remote,
	})
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sess.Close()

	frames := make(chan *structpb.Struct)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-sess.Done():
			return nil
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		case msg := <-frames:
			req, err := StructToRequest(msg)
			if err != nil {
				sess.HandleInvalid(err)
				continue
			}
			sess.HandleMessage(req)
		}
	}
}

// grpcSender serializes SendMsg, which is not safe for concurrent use.
type grpcSender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (g *grpcSender) Send(reply types.Reply) error {
	msg, err := ReplyToStruct(reply)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream.SendMsg(msg)
}

// ============================================================================
// Struct <-> session message mapping
// ============================================================================

// StructToRequest decodes a Struct through its JSON form, so gRPC and
// WebSocket text frames see identical values.
func StructToRequest(msg *structpb.Struct) (*types.Request, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	return session.JSONCodec{}.Decode(data)
}

// ReplyToStruct encodes a reply as a Struct.
func ReplyToStruct(reply types.Reply) (*structpb.Struct, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal struct: %w", err)
	}
	return msg, nil
}

// RequestToStruct encodes a request for the client side of the stream.
func RequestToStruct(req *types.Request) (*structpb.Struct, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal struct: %w", err)
	}
	return msg, nil
}

// OpenSessionStream starts the Connect stream on a client connection.
func OpenSessionStream(ctx context.Context, cc grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &SessionServiceDesc.Streams[0], ConnectMethod)
}
