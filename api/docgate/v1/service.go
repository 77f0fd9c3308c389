// Package docgatev1 declares the docgate gRPC services. Messages are google.protobuf.Struct
// envelopes; handlers decode them into validated request types with Decode and build replies
// with Encode. docgate.proto documents the typed shape of every envelope.
package docgatev1

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Contract is the text of docgate.proto.
//
//go:embed docgate.proto
var Contract string

const (
	AccessServiceName = "docgate.v1.AccessService"
	AdminServiceName  = "docgate.v1.AdminService"
)

// AccessServiceServer is called by collaborating services: the document server and the identity provider.
type AccessServiceServer interface {
	AllowRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AuthorizeFetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BeginFirstFactor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteSecondFactor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordFailure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AdminServiceServer is called by admin and super_admin sessions.
type AdminServiceServer interface {
	ListBlocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIncidents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveIncident(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAuditRecords(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAnomalyScore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CountActiveSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnlockSubject(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func method[S any](service, name string, fn func(srv S, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(S), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AccessService_ServiceDesc is the grpc.ServiceDesc for AccessService.
var AccessService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AccessServiceName,
	HandlerType: (*AccessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(AccessServiceName, "AllowRequest", AccessServiceServer.AllowRequest),
		method(AccessServiceName, "AuthorizeFetch", AccessServiceServer.AuthorizeFetch),
		method(AccessServiceName, "CreateSession", AccessServiceServer.CreateSession),
		method(AccessServiceName, "BeginFirstFactor", AccessServiceServer.BeginFirstFactor),
		method(AccessServiceName, "CompleteSecondFactor", AccessServiceServer.CompleteSecondFactor),
		method(AccessServiceName, "RecordFailure", AccessServiceServer.RecordFailure),
		method(AccessServiceName, "Logout", AccessServiceServer.Logout),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docgate/v1/access.proto",
}

// AdminService_ServiceDesc is the grpc.ServiceDesc for AdminService.
var AdminService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(AdminServiceName, "ListBlocks", AdminServiceServer.ListBlocks),
		method(AdminServiceName, "ListIncidents", AdminServiceServer.ListIncidents),
		method(AdminServiceName, "ResolveIncident", AdminServiceServer.ResolveIncident),
		method(AdminServiceName, "ListAuditRecords", AdminServiceServer.ListAuditRecords),
		method(AdminServiceName, "VerifyIntegrity", AdminServiceServer.VerifyIntegrity),
		method(AdminServiceName, "GetAnomalyScore", AdminServiceServer.GetAnomalyScore),
		method(AdminServiceName, "InvalidateSessions", AdminServiceServer.InvalidateSessions),
		method(AdminServiceName, "CountActiveSessions", AdminServiceServer.CountActiveSessions),
		method(AdminServiceName, "UnlockSubject", AdminServiceServer.UnlockSubject),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docgate/v1/admin.proto",
}

// RegisterAccessServiceServer registers srv on s.
func RegisterAccessServiceServer(s grpc.ServiceRegistrar, srv AccessServiceServer) {
	s.RegisterService(&AccessService_ServiceDesc, srv)
}

// RegisterAdminServiceServer registers srv on s.
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminService_ServiceDesc, srv)
}

// Invoke calls service/method on cc with in and returns the reply struct.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

var validate = validator.New()

// Decode copies in into dst through its json tags and validates dst's struct tags.
func Decode(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("docgatev1: decode: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("docgatev1: decode: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("docgatev1: %w", err)
	}
	return nil
}

// Encode converts v, a struct with json tags or a map, into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docgatev1: encode: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("docgatev1: encode: %w", err)
	}
	return out, nil
}
