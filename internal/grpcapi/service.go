// Package grpcapi exposes the authentication and authorization decisions over gRPC.
//
// Messages are google.protobuf.Struct so the service needs no generated code.
// Authenticate takes {"token"} and Authorize takes {"token", "resource", "verb"} or
// {"token", "policy": "admin"}.
package grpcapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

const (
	ServiceName = "usergate.v1.Decision"

	authenticateMethod = "/" + ServiceName + "/Authenticate"
	authorizeMethod    = "/" + ServiceName + "/Authorize"
)

// DecisionServer is the server side of usergate.v1.Decision.
type DecisionServer interface {
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DecisionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authenticate", Handler: unary(authenticateMethod, DecisionServer.Authenticate)},
		{MethodName: "Authorize", Handler: unary(authorizeMethod, DecisionServer.Authorize)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "usergate/v1/decision.proto",
}

func unary(fullMethod string, call func(DecisionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DecisionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DecisionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterDecisionServer attaches srv to s.
func RegisterDecisionServer(s grpc.ServiceRegistrar, srv DecisionServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server answers decision requests from an auth.Service.
type Server struct {
	svc *auth.Service
}

func NewServer(svc *auth.Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) Authenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, err := s.svc.Authenticate(ctx, stringField(req, "token"))
	if err != nil {
		return nil, toStatus(err)
	}
	if identity == nil {
		return structpb.NewStruct(map[string]any{"authenticated": false})
	}
	return structpb.NewStruct(map[string]any{
		"authenticated": true,
		"identity_id":   identity.ID,
		"email":         identity.Email,
		"role_id":       identity.RoleID,
		"is_active":     identity.IsActive,
	})
}

func (s *Server) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, err := s.svc.Authenticate(ctx, stringField(req, "token"))
	if err != nil {
		return nil, toStatus(err)
	}

	var allowed bool
	if stringField(req, "policy") == "admin" {
		allowed, err = s.svc.IsAdmin(ctx, identity)
	} else {
		resource, ok := auth.ParseResource(stringField(req, "resource"))
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "unknown resource")
		}
		verb, ok := auth.ParseVerb(stringField(req, "verb"))
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "unknown verb")
		}
		allowed, err = s.svc.Authorize(ctx, identity, resource, verb)
		if err == nil {
			obs.ObserveDecision(resource.String(), verb.String(), allowed)
		}
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"allowed": allowed})
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "store unavailable")
	case errors.Is(err, auth.ErrToken), errors.Is(err, auth.ErrAuthentication):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// NewGRPCServer builds a server carrying the decision service and the standard health service.
func NewGRPCServer(svc *auth.Service, logger *zap.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = obs.Logger()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	RegisterDecisionServer(srv, NewServer(svc))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}
