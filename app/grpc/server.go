package grpc

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-mailer/app/dto"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName       = "mailer.v1.Mailer"
	DeliverFullMethod = "/" + ServiceName + "/Deliver"
)

// MailerServer is the server API for mailer.v1.Mailer. Deliver takes a
// struct with "message" and an optional "request_id" and answers with the
// delivery ID.
type MailerServer interface {
	Deliver(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
}

// MailerServiceDesc describes mailer.v1.Mailer for grpc.Server.RegisterService.
var MailerServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MailerServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "mailer/v1/mailer.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailerServer).Deliver(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MailerServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type deliverer interface {
	Deliver(ctx context.Context, raw []byte) (string, error)
}

type Server struct {
	deliverer deliverer
}

// NewServer constructs a gRPC server handler.
func NewServer(deliverer deliverer) *Server {
	return &Server{deliverer: deliverer}
}

// Deliver validates the request and accepts the message for asynchronous
// delivery.
func (s *Server) Deliver(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	msg := dto.FromGRPC(req)
	if err := msg.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if msg.RequestID != "" {
		ctx = service.WithRequestID(ctx, msg.RequestID)
	}

	deliveryID, err := s.deliverer.Deliver(ctx, []byte(msg.Message))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMessage), errors.Is(err, entity.ErrConfiguration):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, service.ErrDuplicateDelivery):
			return nil, status.Error(codes.AlreadyExists, "duplicate request")
		default:
			return nil, status.Error(codes.Internal, "failed to accept message")
		}
	}

	return wrapperspb.String(deliveryID), nil
}

// Register attaches the mailer service and the standard health service to
// srv. The returned health server is flipped to NOT_SERVING on shutdown.
func Register(srv *gogrpc.Server, mailer MailerServer) *health.Server {
	srv.RegisterService(&MailerServiceDesc, mailer)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}
