// ABOUTME: gRPC EventIngress service for producers plus the standard health service
// ABOUTME: Messages are google.protobuf.Struct, so no generated code is needed

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/mission-gateway/internal/auth"
)

// EventIngressPublishMethod is the full gRPC method name of EventIngress.Publish.
const EventIngressPublishMethod = "/missiongateway.EventIngress/Publish"

const readinessInterval = 5 * time.Second

// EventIngressServer publishes producer events. Request fields: event, room
// (optional), data. Response: {ids, rooms}.
type EventIngressServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// eventIngressServiceDesc is written by hand in the shape protoc-gen-go-grpc
// emits for:
//
//	service EventIngress {
//	  rpc Publish(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
var eventIngressServiceDesc = grpc.ServiceDesc{
	ServiceName: "missiongateway.EventIngress",
	HandlerType: (*EventIngressServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    eventIngressPublishHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "missiongateway/ingress.proto",
}

func eventIngressPublishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventIngressServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: EventIngressPublishMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventIngressServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type eventIngress struct {
	gw *Gateway
}

func (s *eventIngress) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()

	req := PublishRequest{}
	req.Event, _ = fields["event"].(string)
	req.Room, _ = fields["room"].(string)
	if data, ok := fields["data"]; ok && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "encoding data: %v", err)
		}
		req.Data = raw
	}

	resp, err := s.gw.publish(req, auth.FromContext(ctx))
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, "internal error")
	}

	ids := make([]any, len(resp.IDs))
	for i, id := range resp.IDs {
		ids[i] = id
	}
	targets := make([]any, len(resp.Rooms))
	for i, room := range resp.Rooms {
		targets[i] = room
	}
	out, err := structpb.NewStruct(map[string]any{"ids": ids, "rooms": targets})
	if err != nil {
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return out, nil
}

// newGRPCServer creates the authenticated ingress server. Health checks skip auth.
func (g *Gateway) newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			auth.UnaryInterceptor(g.verifier, g.logger, "/grpc.health.v1.Health/"),
		),
	)
	server.RegisterService(&eventIngressServiceDesc, &eventIngress{gw: g})

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

// watchReadiness mirrors bus readiness into the gRPC health service.
func (g *Gateway) watchReadiness(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		next := healthpb.HealthCheckResponse_NOT_SERVING
		if g.Ready() {
			next = healthpb.HealthCheckResponse_SERVING
		}
		if next != last {
			g.health.SetServingStatus("", next)
			last = next
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
