package ordersv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "orders.v1.OrderService"

const (
	OrderService_CreateOrder_FullMethodName   = "/orders.v1.OrderService/CreateOrder"
	OrderService_ConfirmOrder_FullMethodName  = "/orders.v1.OrderService/ConfirmOrder"
	OrderService_QuoteOrder_FullMethodName    = "/orders.v1.OrderService/QuoteOrder"
	OrderService_GetOrder_FullMethodName      = "/orders.v1.OrderService/GetOrder"
	OrderService_ListOrders_FullMethodName    = "/orders.v1.OrderService/ListOrders"
	OrderService_CreateProduct_FullMethodName = "/orders.v1.OrderService/CreateProduct"
	OrderService_GetProduct_FullMethodName    = "/orders.v1.OrderService/GetProduct"
	OrderService_ListProducts_FullMethodName  = "/orders.v1.OrderService/ListProducts"
	OrderService_UpdateProduct_FullMethodName = "/orders.v1.OrderService/UpdateProduct"
	OrderService_DeleteProduct_FullMethodName = "/orders.v1.OrderService/DeleteProduct"
)

// OrderServiceClient - клиентский API сервиса заказов.
type OrderServiceClient interface {
	CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*CreateOrderResponse, error)
	ConfirmOrder(ctx context.Context, in *ConfirmOrderRequest, opts ...grpc.CallOption) (*ConfirmOrderResponse, error)
	QuoteOrder(ctx context.Context, in *QuoteOrderRequest, opts ...grpc.CallOption) (*QuoteOrderResponse, error)
	GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error)
	ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error)
	CreateProduct(ctx context.Context, in *CreateProductRequest, opts ...grpc.CallOption) (*CreateProductResponse, error)
	GetProduct(ctx context.Context, in *GetProductRequest, opts ...grpc.CallOption) (*GetProductResponse, error)
	ListProducts(ctx context.Context, in *ListProductsRequest, opts ...grpc.CallOption) (*ListProductsResponse, error)
	UpdateProduct(ctx context.Context, in *UpdateProductRequest, opts ...grpc.CallOption) (*UpdateProductResponse, error)
	DeleteProduct(ctx context.Context, in *DeleteProductRequest, opts ...grpc.CallOption) (*DeleteProductResponse, error)
}

type orderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient создаёт клиента; все вызовы идут с content-subtype CodecName.
func NewOrderServiceClient(cc grpc.ClientConnInterface) OrderServiceClient {
	return &orderServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orderServiceClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*CreateOrderResponse, error) {
	return invoke[CreateOrderResponse](ctx, c.cc, OrderService_CreateOrder_FullMethodName, in, opts)
}

func (c *orderServiceClient) ConfirmOrder(ctx context.Context, in *ConfirmOrderRequest, opts ...grpc.CallOption) (*ConfirmOrderResponse, error) {
	return invoke[ConfirmOrderResponse](ctx, c.cc, OrderService_ConfirmOrder_FullMethodName, in, opts)
}

func (c *orderServiceClient) QuoteOrder(ctx context.Context, in *QuoteOrderRequest, opts ...grpc.CallOption) (*QuoteOrderResponse, error) {
	return invoke[QuoteOrderResponse](ctx, c.cc, OrderService_QuoteOrder_FullMethodName, in, opts)
}

func (c *orderServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	return invoke[GetOrderResponse](ctx, c.cc, OrderService_GetOrder_FullMethodName, in, opts)
}

func (c *orderServiceClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, OrderService_ListOrders_FullMethodName, in, opts)
}

func (c *orderServiceClient) CreateProduct(ctx context.Context, in *CreateProductRequest, opts ...grpc.CallOption) (*CreateProductResponse, error) {
	return invoke[CreateProductResponse](ctx, c.cc, OrderService_CreateProduct_FullMethodName, in, opts)
}

func (c *orderServiceClient) GetProduct(ctx context.Context, in *GetProductRequest, opts ...grpc.CallOption) (*GetProductResponse, error) {
	return invoke[GetProductResponse](ctx, c.cc, OrderService_GetProduct_FullMethodName, in, opts)
}

func (c *orderServiceClient) ListProducts(ctx context.Context, in *ListProductsRequest, opts ...grpc.CallOption) (*ListProductsResponse, error) {
	return invoke[ListProductsResponse](ctx, c.cc, OrderService_ListProducts_FullMethodName, in, opts)
}

func (c *orderServiceClient) UpdateProduct(ctx context.Context, in *UpdateProductRequest, opts ...grpc.CallOption) (*UpdateProductResponse, error) {
	return invoke[UpdateProductResponse](ctx, c.cc, OrderService_UpdateProduct_FullMethodName, in, opts)
}

func (c *orderServiceClient) DeleteProduct(ctx context.Context, in *DeleteProductRequest, opts ...grpc.CallOption) (*DeleteProductResponse, error) {
	return invoke[DeleteProductResponse](ctx, c.cc, OrderService_DeleteProduct_FullMethodName, in, opts)
}

// OrderServiceServer - серверная часть API. Реализации должны встраивать
// UnimplementedOrderServiceServer для совместимости с новыми методами.
type OrderServiceServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error)
	ConfirmOrder(context.Context, *ConfirmOrderRequest) (*ConfirmOrderResponse, error)
	QuoteOrder(context.Context, *QuoteOrderRequest) (*QuoteOrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	CreateProduct(context.Context, *CreateProductRequest) (*CreateProductResponse, error)
	GetProduct(context.Context, *GetProductRequest) (*GetProductResponse, error)
	ListProducts(context.Context, *ListProductsRequest) (*ListProductsResponse, error)
	UpdateProduct(context.Context, *UpdateProductRequest) (*UpdateProductResponse, error)
	DeleteProduct(context.Context, *DeleteProductRequest) (*DeleteProductResponse, error)
	mustEmbedUnimplementedOrderServiceServer()
}

type UnimplementedOrderServiceServer struct{}

func (UnimplementedOrderServiceServer) CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateOrder not implemented")
}

func (UnimplementedOrderServiceServer) ConfirmOrder(context.Context, *ConfirmOrderRequest) (*ConfirmOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ConfirmOrder not implemented")
}

func (UnimplementedOrderServiceServer) QuoteOrder(context.Context, *QuoteOrderRequest) (*QuoteOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method QuoteOrder not implemented")
}

func (UnimplementedOrderServiceServer) GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrder not implemented")
}

func (UnimplementedOrderServiceServer) ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListOrders not implemented")
}

func (UnimplementedOrderServiceServer) CreateProduct(context.Context, *CreateProductRequest) (*CreateProductResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateProduct not implemented")
}

func (UnimplementedOrderServiceServer) GetProduct(context.Context, *GetProductRequest) (*GetProductResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetProduct not implemented")
}

func (UnimplementedOrderServiceServer) ListProducts(context.Context, *ListProductsRequest) (*ListProductsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListProducts not implemented")
}

func (UnimplementedOrderServiceServer) UpdateProduct(context.Context, *UpdateProductRequest) (*UpdateProductResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateProduct not implemented")
}

func (UnimplementedOrderServiceServer) DeleteProduct(context.Context, *DeleteProductRequest) (*DeleteProductResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteProduct not implemented")
}

func (UnimplementedOrderServiceServer) mustEmbedUnimplementedOrderServiceServer() {}

// RegisterOrderServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderService_ServiceDesc, srv)
}

// unaryHandler декодирует запрос и пропускает вызов через серверные interceptors.
func unaryHandler[Req any, Resp any](method string, call func(OrderServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderService_ServiceDesc - дескриптор сервиса для grpc.Server.
var OrderService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(OrderService_CreateOrder_FullMethodName, OrderServiceServer.CreateOrder)},
		{MethodName: "ConfirmOrder", Handler: unaryHandler(OrderService_ConfirmOrder_FullMethodName, OrderServiceServer.ConfirmOrder)},
		{MethodName: "QuoteOrder", Handler: unaryHandler(OrderService_QuoteOrder_FullMethodName, OrderServiceServer.QuoteOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(OrderService_GetOrder_FullMethodName, OrderServiceServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(OrderService_ListOrders_FullMethodName, OrderServiceServer.ListOrders)},
		{MethodName: "CreateProduct", Handler: unaryHandler(OrderService_CreateProduct_FullMethodName, OrderServiceServer.CreateProduct)},
		{MethodName: "GetProduct", Handler: unaryHandler(OrderService_GetProduct_FullMethodName, OrderServiceServer.GetProduct)},
		{MethodName: "ListProducts", Handler: unaryHandler(OrderService_ListProducts_FullMethodName, OrderServiceServer.ListProducts)},
		{MethodName: "UpdateProduct", Handler: unaryHandler(OrderService_UpdateProduct_FullMethodName, OrderServiceServer.UpdateProduct)},
		{MethodName: "DeleteProduct", Handler: unaryHandler(OrderService_DeleteProduct_FullMethodName, OrderServiceServer.DeleteProduct)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orders/v1/order_service",
}
