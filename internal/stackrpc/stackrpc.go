// Package stackrpc exposes an assembled layer stack over gRPC.
package stackrpc

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/layerstack/internal/overlay"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const describeMethod = "/layerstack.Stack/Describe"

// DescribeRequest requests the manifest of the served stack.
type DescribeRequest struct{}

// DescribeResponse holds the manifest of the served stack.
type DescribeResponse struct {
	Manifest overlay.Manifest `msgpack:"manifest"`
}

// StackServer is the server API for the Stack service.
type StackServer interface {
	Describe(context.Context, *DescribeRequest) (*DescribeResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "layerstack.Stack",
	HandlerType: (*StackServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Describe",
		Handler:    describeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "layerstack",
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DescribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StackServer).Describe(ctx, req.(*DescribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterStackServer registers srv with s.
func RegisterStackServer(s grpc.ServiceRegistrar, srv StackServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Describer is implemented by *overlay.Filesystem.
type Describer interface {
	Manifest() overlay.Manifest
}

// Server implements StackServer for a Describer.
type Server struct {
	log log.Logger
	d   Describer
}

// NewServer returns a Server describing d. d may be nil while no stack has
// been assembled.
func NewServer(l log.Logger, d Describer) *Server {
	return &Server{log: l, d: d}
}

// Describe implements StackServer.
func (s *Server) Describe(ctx context.Context, _ *DescribeRequest) (*DescribeResponse, error) {
	if s.d == nil {
		return nil, status.Error(codes.Unavailable, "no layer stack assembled")
	}
	m := s.d.Manifest()
	level.Debug(s.log).Log("msg", "describing layer stack", "id", m.ID)
	return &DescribeResponse{Manifest: m}, nil
}

// Client calls the Stack service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Describe returns the manifest of the stack served at the other end of the
// connection.
func (c *Client) Describe(ctx context.Context, opts ...grpc.CallOption) (overlay.Manifest, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	var resp DescribeResponse
	if err := c.cc.Invoke(ctx, describeMethod, &DescribeRequest{}, &resp, opts...); err != nil {
		return overlay.Manifest{}, err
	}
	return resp.Manifest, nil
}
