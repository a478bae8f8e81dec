package rpc

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/service/storage"
	"FlareIM/tools/errs"

	"google.golang.org/grpc"
)

// 注册中心里的服务名，同时是 gRPC 的 service 全名
const (
	SessionServiceName = "flare.im.SessionService"
	GatewayServiceName = "flare.im.GatewayService"
	MessageServiceName = "flare.im.MessageService"
	PushServiceName    = "flare.im.PushService"
	StorageServiceName = "flare.im.StorageService"
	RoutingServiceName = "flare.im.RoutingService"
)

type handlerFunc = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

// unary 把强类型方法包装成 grpc.MethodDesc 需要的 handler
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	var h handlerFunc = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		next := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		if interceptor == nil {
			return next(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, next)
	}
	return grpc.MethodDesc{MethodName: method, Handler: h}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := cc.Invoke(ctx, "/"+service+"/"+method, req, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, errs.FromStatus(err)
	}
	return out, nil
}

// ================= SessionService =================

type SessionServer interface {
	GetOnlineStatus(context.Context, *OnlineStatusRequest) (*OnlineStatusResponse, error)
	ListUserDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
}

var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetOnlineStatus", SessionServer.GetOnlineStatus),
		unary(SessionServiceName, "ListUserDevices", SessionServer.ListUserDevices),
	},
}

type SessionClient struct{ cc grpc.ClientConnInterface }

func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient { return &SessionClient{cc: cc} }

func (c *SessionClient) GetOnlineStatus(ctx context.Context, req *OnlineStatusRequest) (*OnlineStatusResponse, error) {
	return invoke[OnlineStatusResponse](ctx, c.cc, SessionServiceName, "GetOnlineStatus", req)
}

func (c *SessionClient) ListUserDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c.cc, SessionServiceName, "ListUserDevices", req)
}

// ================= GatewayService =================

type GatewayServer interface {
	Deliver(context.Context, *DeliverRequest) (*DeliverResponse, error)
}

var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(GatewayServiceName, "Deliver", GatewayServer.Deliver),
	},
}

type GatewayClient struct{ cc grpc.ClientConnInterface }

func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient { return &GatewayClient{cc: cc} }

func (c *GatewayClient) Deliver(ctx context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	return invoke[DeliverResponse](ctx, c.cc, GatewayServiceName, "Deliver", req)
}

// ================= MessageService =================

type MessageServer interface {
	Submit(context.Context, *SubmitRequest) (*model.SubmitResult, error)
	SyncMessages(context.Context, *SyncRequest) (*storage.SyncResult, error)
}

var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "Submit", MessageServer.Submit),
		unary(MessageServiceName, "SyncMessages", MessageServer.SyncMessages),
	},
}

type MessageClient struct{ cc grpc.ClientConnInterface }

func NewMessageClient(cc grpc.ClientConnInterface) *MessageClient { return &MessageClient{cc: cc} }

func (c *MessageClient) Submit(ctx context.Context, req *SubmitRequest) (*model.SubmitResult, error) {
	return invoke[model.SubmitResult](ctx, c.cc, MessageServiceName, "Submit", req)
}

func (c *MessageClient) SyncMessages(ctx context.Context, req *SyncRequest) (*storage.SyncResult, error) {
	return invoke[storage.SyncResult](ctx, c.cc, MessageServiceName, "SyncMessages", req)
}

// ================= PushService =================

type PushServer interface {
	PushMessage(context.Context, *PushRequest) (*PushResponse, error)
	PushNotification(context.Context, *PushRequest) (*PushResponse, error)
}

var PushServiceDesc = grpc.ServiceDesc{
	ServiceName: PushServiceName,
	HandlerType: (*PushServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PushServiceName, "PushMessage", PushServer.PushMessage),
		unary(PushServiceName, "PushNotification", PushServer.PushNotification),
	},
}

type PushClient struct{ cc grpc.ClientConnInterface }

func NewPushClient(cc grpc.ClientConnInterface) *PushClient { return &PushClient{cc: cc} }

func (c *PushClient) PushMessage(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	return invoke[PushResponse](ctx, c.cc, PushServiceName, "PushMessage", req)
}

func (c *PushClient) PushNotification(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	return invoke[PushResponse](ctx, c.cc, PushServiceName, "PushNotification", req)
}

// ================= StorageService =================

type StorageServer interface {
	StoreMessage(context.Context, *StoreRequest) (*StoreResponse, error)
	BatchStore(context.Context, *BatchStoreRequest) (*BatchStoreResponse, error)
	GetMessage(context.Context, *MessageRef) (*storage.Record, error)
	QueryMessages(context.Context, *storage.Query) (*QueryResponse, error)
	DeleteMessage(context.Context, *MessageRef) (*Empty, error)
}

var StorageServiceDesc = grpc.ServiceDesc{
	ServiceName: StorageServiceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(StorageServiceName, "StoreMessage", StorageServer.StoreMessage),
		unary(StorageServiceName, "BatchStore", StorageServer.BatchStore),
		unary(StorageServiceName, "GetMessage", StorageServer.GetMessage),
		unary(StorageServiceName, "QueryMessages", StorageServer.QueryMessages),
		unary(StorageServiceName, "DeleteMessage", StorageServer.DeleteMessage),
	},
}

type StorageClient struct{ cc grpc.ClientConnInterface }

func NewStorageClient(cc grpc.ClientConnInterface) *StorageClient { return &StorageClient{cc: cc} }

func (c *StorageClient) StoreMessage(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, StorageServiceName, "StoreMessage", req)
}

func (c *StorageClient) BatchStore(ctx context.Context, req *BatchStoreRequest) (*BatchStoreResponse, error) {
	return invoke[BatchStoreResponse](ctx, c.cc, StorageServiceName, "BatchStore", req)
}

func (c *StorageClient) GetMessage(ctx context.Context, req *MessageRef) (*storage.Record, error) {
	return invoke[storage.Record](ctx, c.cc, StorageServiceName, "GetMessage", req)
}

func (c *StorageClient) QueryMessages(ctx context.Context, req *storage.Query) (*QueryResponse, error) {
	return invoke[QueryResponse](ctx, c.cc, StorageServiceName, "QueryMessages", req)
}

func (c *StorageClient) DeleteMessage(ctx context.Context, req *MessageRef) error {
	_, err := invoke[Empty](ctx, c.cc, StorageServiceName, "DeleteMessage", req)
	return err
}

// ================= RoutingService =================

type RoutingServer interface {
	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
}

var RoutingServiceDesc = grpc.ServiceDesc{
	ServiceName: RoutingServiceName,
	HandlerType: (*RoutingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(RoutingServiceName, "Resolve", RoutingServer.Resolve),
	},
}

type RoutingClient struct{ cc grpc.ClientConnInterface }

func NewRoutingClient(cc grpc.ClientConnInterface) *RoutingClient { return &RoutingClient{cc: cc} }

func (c *RoutingClient) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	return invoke[ResolveResponse](ctx, c.cc, RoutingServiceName, "Resolve", req)
}
