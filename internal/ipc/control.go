package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlServiceName is the full gRPC service name.
const ControlServiceName = "ippd.v1.Control"

// ControlServer is the daemon side of the control service. Status and
// request bodies are protobuf Structs; see the handler for their fields.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	FireSignal(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	ReportUsage(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetExclusion(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DismissNotification(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	SyncServerList(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ReportError(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ControlServiceName + "/" + name
}

// unary adapts a typed ControlServer method to a grpc.MethodDesc handler.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(ControlServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ControlServiceDesc describes the control service.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[emptypb.Empty]("GetStatus", ControlServer.GetStatus),
		unary[emptypb.Empty]("Start", ControlServer.Start),
		unary[emptypb.Empty]("Stop", ControlServer.Stop),
		unary[wrapperspb.StringValue]("FireSignal", ControlServer.FireSignal),
		unary[structpb.Struct]("ReportUsage", ControlServer.ReportUsage),
		unary[structpb.Struct]("SetAccount", ControlServer.SetAccount),
		unary[structpb.Struct]("SetExclusion", ControlServer.SetExclusion),
		unary[wrapperspb.StringValue]("DismissNotification", ControlServer.DismissNotification),
		unary[emptypb.Empty]("SyncServerList", ControlServer.SyncServerList),
		unary[wrapperspb.StringValue]("ReportError", ControlServer.ReportError),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ippd/v1/control.proto",
}

// ControlClient calls the control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps cc.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any, PResp interface {
	*Resp
	proto.Message
}](ctx context.Context, cc grpc.ClientConnInterface, name string, in proto.Message, opts ...grpc.CallOption) (PResp, error) {
	out := PResp(new(Resp))
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "GetStatus", &emptypb.Empty{}, opts...)
}

func (c *ControlClient) Start(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "Start", &emptypb.Empty{}, opts...)
}

func (c *ControlClient) Stop(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "Stop", &emptypb.Empty{}, opts...)
}

func (c *ControlClient) FireSignal(ctx context.Context, name string, opts ...grpc.CallOption) (bool, error) {
	out, err := invoke[wrapperspb.BoolValue](ctx, c.cc, "FireSignal", wrapperspb.String(name), opts...)
	if err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *ControlClient) ReportUsage(ctx context.Context, usage *structpb.Struct, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, "ReportUsage", usage, opts...)
	return err
}

func (c *ControlClient) SetAccount(ctx context.Context, account *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "SetAccount", account, opts...)
}

func (c *ControlClient) SetExclusion(ctx context.Context, origin string, exclude bool, opts ...grpc.CallOption) error {
	req, err := structpb.NewStruct(map[string]any{"origin": origin, "exclude": exclude})
	if err != nil {
		return err
	}
	_, err = invoke[emptypb.Empty](ctx, c.cc, "SetExclusion", req, opts...)
	return err
}

func (c *ControlClient) DismissNotification(ctx context.Context, id string, opts ...grpc.CallOption) (bool, error) {
	out, err := invoke[wrapperspb.BoolValue](ctx, c.cc, "DismissNotification", wrapperspb.String(id), opts...)
	if err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *ControlClient) SyncServerList(ctx context.Context, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, "SyncServerList", &emptypb.Empty{}, opts...)
	return err
}

func (c *ControlClient) ReportError(ctx context.Context, message string, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, "ReportError", wrapperspb.String(message), opts...)
	return err
}
