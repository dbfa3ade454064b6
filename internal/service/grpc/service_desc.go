package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "oms.v1.OrderService"

	MethodPlaceOrder      = "/oms.v1.OrderService/PlaceOrder"
	MethodRetryPayment    = "/oms.v1.OrderService/RetryPayment"
	MethodTransitionOrder = "/oms.v1.OrderService/TransitionOrder"
	MethodGetOrder        = "/oms.v1.OrderService/GetOrder"
	MethodListOrders      = "/oms.v1.OrderService/ListOrders"
	MethodListDepotOrders = "/oms.v1.OrderService/ListDepotOrders"
	MethodSetStock        = "/oms.v1.OrderService/SetStock"
	MethodUpsertDepot     = "/oms.v1.OrderService/UpsertDepot"
	MethodNearbyDepots    = "/oms.v1.OrderService/NearbyDepots"
)

// OrderServiceServer — серверная сторона oms.v1.OrderService.
// Запросы и ответы передаются как google.protobuf.Struct.
type OrderServiceServer interface {
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransitionOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDepotOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpsertDepot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	NearbyDepots(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderServiceDesc описывает сервис для grpc.Server.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: unaryHandler(MethodPlaceOrder, OrderServiceServer.PlaceOrder)},
		{MethodName: "RetryPayment", Handler: unaryHandler(MethodRetryPayment, OrderServiceServer.RetryPayment)},
		{MethodName: "TransitionOrder", Handler: unaryHandler(MethodTransitionOrder, OrderServiceServer.TransitionOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(MethodListOrders, OrderServiceServer.ListOrders)},
		{MethodName: "ListDepotOrders", Handler: unaryHandler(MethodListDepotOrders, OrderServiceServer.ListDepotOrders)},
		{MethodName: "SetStock", Handler: unaryHandler(MethodSetStock, OrderServiceServer.SetStock)},
		{MethodName: "UpsertDepot", Handler: unaryHandler(MethodUpsertDepot, OrderServiceServer.UpsertDepot)},
		{MethodName: "NearbyDepots", Handler: unaryHandler(MethodNearbyDepots, OrderServiceServer.NearbyDepots)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFileName,
}

func RegisterOrderServiceServer(registrar grpc.ServiceRegistrar, srv OrderServiceServer) {
	registrar.RegisterService(&OrderServiceDesc, srv)
}

// OrderServiceClient — клиент oms.v1.OrderService (нагрузочный клиент и тесты).
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPlaceOrder, in, opts)
}

func (c *OrderServiceClient) RetryPayment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRetryPayment, in, opts)
}

func (c *OrderServiceClient) TransitionOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodTransitionOrder, in, opts)
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetOrder, in, opts)
}

func (c *OrderServiceClient) ListOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListOrders, in, opts)
}

func (c *OrderServiceClient) ListDepotOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListDepotOrders, in, opts)
}

func (c *OrderServiceClient) SetStock(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodSetStock, in, opts)
}

func (c *OrderServiceClient) UpsertDepot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodUpsertDepot, in, opts)
}

func (c *OrderServiceClient) NearbyDepots(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodNearbyDepots, in, opts)
}
