// Package grpc serves paxosd's admin surface as a gRPC service using a
// hand-rolled JSON codec, so no protobuf codegen is required for a single
// read-only status call. Adapted from the teacher's pkg/transport/grpc
// server, trimmed to GetStatus plus the standard gRPC health service.
package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/paxosrun/paxosd/pkg/admin"
	"github.com/paxosrun/paxosd/pkg/observability/tracing"
)

// Server implements the admin surface over gRPC using the JSON codec.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

// NewServer constructs an unstarted Server bound to bind.
func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

type adminServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
}

type adminImpl struct{ status admin.StatusFunc }

func (a *adminImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "admin.grpc.status")
	defer end()
	st, err := a.status(ctx)
	if err != nil {
		return nil, err
	}
	data, err := admin.MarshalStatus(st)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: data}, nil
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "paxosd.v1.Admin",
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: adminGetStatusHandler},
	},
}

func adminGetStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/paxosd.v1.Admin/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Start launches the gRPC server, shutting down when ctx is cancelled.
func (s *Server) Start(ctx context.Context, status admin.StatusFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis

	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&adminServiceDesc, &adminImpl{status: status})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.bind }
