package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "crmrules.v1.ConfigService"

// Method names.
const (
	MethodListObjects       = "ListObjects"
	MethodListFields        = "ListFields"
	MethodResolveFieldType  = "ResolveFieldType"
	MethodResolveEnumValues = "ResolveEnumValues"
	MethodLoadRules         = "LoadRules"
	MethodSubmitRules       = "SubmitRules"
	MethodEvaluate          = "Evaluate"
	MethodLoadPolicies      = "LoadPolicies"
	MethodSubmitPolicies    = "SubmitPolicies"
	MethodQuote             = "Quote"
)

// FullMethod returns the invocation path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ConfigServer is the server API for ConfigService.
type ConfigServer interface {
	ListObjects(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFields(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveFieldType(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveEnumValues(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadPolicies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitPolicies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Quote(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ConfigServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes ConfigService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConfigServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodListObjects, Handler: unaryHandler(MethodListObjects, ConfigServer.ListObjects)},
		{MethodName: MethodListFields, Handler: unaryHandler(MethodListFields, ConfigServer.ListFields)},
		{MethodName: MethodResolveFieldType, Handler: unaryHandler(MethodResolveFieldType, ConfigServer.ResolveFieldType)},
		{MethodName: MethodResolveEnumValues, Handler: unaryHandler(MethodResolveEnumValues, ConfigServer.ResolveEnumValues)},
		{MethodName: MethodLoadRules, Handler: unaryHandler(MethodLoadRules, ConfigServer.LoadRules)},
		{MethodName: MethodSubmitRules, Handler: unaryHandler(MethodSubmitRules, ConfigServer.SubmitRules)},
		{MethodName: MethodEvaluate, Handler: unaryHandler(MethodEvaluate, ConfigServer.Evaluate)},
		{MethodName: MethodLoadPolicies, Handler: unaryHandler(MethodLoadPolicies, ConfigServer.LoadPolicies)},
		{MethodName: MethodSubmitPolicies, Handler: unaryHandler(MethodSubmitPolicies, ConfigServer.SubmitPolicies)},
		{MethodName: MethodQuote, Handler: unaryHandler(MethodQuote, ConfigServer.Quote)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crmrules/v1/config.proto",
}

// RegisterConfigServer registers srv on s.
func RegisterConfigServer(s grpc.ServiceRegistrar, srv ConfigServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ConfigServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ConfigServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
