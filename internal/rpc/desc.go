package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Sync"

// Method names.
const (
	MethodSend         = "Send"
	MethodSendMedia    = "SendMedia"
	MethodRetry        = "Retry"
	MethodMarkRead     = "MarkRead"
	MethodDrain        = "Drain"
	MethodOpenChat     = "OpenChat"
	MethodCloseChat    = "CloseChat"
	MethodLoadOlder    = "LoadOlder"
	MethodLoadNewer    = "LoadNewer"
	MethodCreateChat   = "CreateChat"
	MethodListChats    = "ListChats"
	MethodListMessages = "ListMessages"
	MethodReact        = "React"
	MethodDelete       = "DeleteMessage"
	MethodSearch       = "Search"
	MethodSaveScroll   = "SaveScroll"
	MethodScroll       = "Scroll"
	MethodStatus       = "Status"
	MethodSetOnline    = "SetOnline"
	MethodWatchEvents  = "WatchEvents"
)

// syncServer is the handler type the service descriptor is registered for.
type syncServer interface {
	Profile() string
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSend, (*Service).send),
		unary(MethodSendMedia, (*Service).sendMedia),
		unary(MethodRetry, (*Service).retry),
		unary(MethodMarkRead, (*Service).markRead),
		unary(MethodDrain, (*Service).drain),
		unary(MethodOpenChat, (*Service).openChat),
		unary(MethodCloseChat, (*Service).closeChat),
		unary(MethodLoadOlder, (*Service).loadOlder),
		unary(MethodLoadNewer, (*Service).loadNewer),
		unary(MethodCreateChat, (*Service).createChat),
		unary(MethodListChats, (*Service).listChats),
		unary(MethodListMessages, (*Service).listMessages),
		unary(MethodReact, (*Service).react),
		unary(MethodDelete, (*Service).deleteMessage),
		unary(MethodSearch, (*Service).search),
		unary(MethodSaveScroll, (*Service).saveScroll),
		unary(MethodScroll, (*Service).scroll),
		unary(MethodStatus, (*Service).status),
		unary(MethodSetOnline, (*Service).setOnline),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/sync",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed service method to a gRPC method handler. The request
// Struct is decoded into Req and the returned value encoded back.
func unary[Req any](name string, call func(*Service, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, raw any) (any, error) {
				var req Req
				if err := decode(raw.(*structpb.Struct), &req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				resp, err := call(srv.(*Service), ctx, &req)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := encode(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "encode %s response: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", MethodWatchEvents, err)
	}
	return srv.(*Service).watchEvents(&req, stream)
}
