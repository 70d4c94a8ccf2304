package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the scan API.
const (
	ScanServiceName       = "scankeeper.v1.ScanService"
	RunScanFullMethodName = "/" + ScanServiceName + "/RunScan"
	GetScanFullMethodName = "/" + ScanServiceName + "/GetScan"
)

// ScanServiceServer is the server API for the scan service. Requests and
// responses are structpb.Struct so rule set documents travel in the same
// shape they have as YAML.
type ScanServiceServer interface {
	RunScan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetScan(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterScanServiceServer registers srv on s.
func RegisterScanServiceServer(s grpc.ServiceRegistrar, srv ScanServiceServer) {
	s.RegisterService(&ScanService_ServiceDesc, srv)
}

func _ScanService_RunScan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScanServiceServer).RunScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunScanFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ScanServiceServer).RunScan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _ScanService_GetScan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScanServiceServer).GetScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetScanFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ScanServiceServer).GetScan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ScanService_ServiceDesc is the grpc.ServiceDesc for the scan service.
var ScanService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ScanServiceName,
	HandlerType: (*ScanServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunScan", Handler: _ScanService_RunScan_Handler},
		{MethodName: "GetScan", Handler: _ScanService_GetScan_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scankeeper/v1/scan.proto",
}

// ScanServiceClient is the client API for the scan service.
type ScanServiceClient interface {
	RunScan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetScan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type scanServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewScanServiceClient wraps a connection.
func NewScanServiceClient(cc grpc.ClientConnInterface) ScanServiceClient {
	return &scanServiceClient{cc}
}

func (c *scanServiceClient) RunScan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunScanFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *scanServiceClient) GetScan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetScanFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
