package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's Sync service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to the daemon listening on a unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) Send(ctx context.Context, chatID, text string) (MessageView, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodSend, SendRequest{ChatID: chatID, Text: text}, &resp)
	return resp.Message, err
}

func (c *Client) SendMedia(ctx context.Context, req SendMediaRequest) (MessageView, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodSendMedia, req, &resp)
	return resp.Message, err
}

func (c *Client) Retry(ctx context.Context, messageID string) (MessageView, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodRetry, MessageRequest{MessageID: messageID}, &resp)
	return resp.Message, err
}

func (c *Client) MarkRead(ctx context.Context, chatID string) (ReadResponse, error) {
	var resp ReadResponse
	err := c.call(ctx, MethodMarkRead, ChatRequest{ChatID: chatID}, &resp)
	return resp, err
}

func (c *Client) Drain(ctx context.Context) (DrainResponse, error) {
	var resp DrainResponse
	err := c.call(ctx, MethodDrain, Empty{}, &resp)
	return resp, err
}

func (c *Client) OpenChat(ctx context.Context, chatID string) (PlanResponse, error) {
	var resp PlanResponse
	err := c.call(ctx, MethodOpenChat, ChatRequest{ChatID: chatID}, &resp)
	return resp, err
}

func (c *Client) CloseChat(ctx context.Context, chatID string) error {
	return c.call(ctx, MethodCloseChat, ChatRequest{ChatID: chatID}, nil)
}

func (c *Client) LoadOlder(ctx context.Context, chatID string) (int, error) {
	var resp LoadResponse
	err := c.call(ctx, MethodLoadOlder, ChatRequest{ChatID: chatID}, &resp)
	return resp.Loaded, err
}

func (c *Client) LoadNewer(ctx context.Context, chatID string) (int, error) {
	var resp LoadResponse
	err := c.call(ctx, MethodLoadNewer, ChatRequest{ChatID: chatID}, &resp)
	return resp.Loaded, err
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (ChatView, error) {
	var resp ChatResponse
	err := c.call(ctx, MethodCreateChat, req, &resp)
	return resp.Chat, err
}

func (c *Client) ListChats(ctx context.Context) ([]ChatView, error) {
	var resp ChatsResponse
	err := c.call(ctx, MethodListChats, Empty{}, &resp)
	return resp.Chats, err
}

func (c *Client) ListMessages(ctx context.Context, chatID string) ([]MessageView, error) {
	var resp MessagesResponse
	err := c.call(ctx, MethodListMessages, ChatRequest{ChatID: chatID}, &resp)
	return resp.Messages, err
}

func (c *Client) React(ctx context.Context, messageID, symbol string) (MessageView, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodReact, ReactRequest{MessageID: messageID, Symbol: symbol}, &resp)
	return resp.Message, err
}

func (c *Client) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	return c.call(ctx, MethodDelete, DeleteRequest{MessageID: messageID, ForEveryone: forEveryone}, nil)
}

func (c *Client) Search(ctx context.Context, req SearchRequest) ([]SearchResultView, error) {
	var resp SearchResponse
	err := c.call(ctx, MethodSearch, req, &resp)
	return resp.Results, err
}

func (c *Client) SaveScroll(ctx context.Context, req ScrollRequest) error {
	return c.call(ctx, MethodSaveScroll, req, nil)
}

func (c *Client) Scroll(ctx context.Context, chatID string) (ScrollResponse, error) {
	var resp ScrollResponse
	err := c.call(ctx, MethodScroll, ChatRequest{ChatID: chatID}, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, MethodStatus, Empty{}, &resp)
	return resp, err
}

func (c *Client) SetOnline(ctx context.Context, online bool) error {
	return c.call(ctx, MethodSetOnline, SetOnlineRequest{Online: online}, nil)
}

// WatchEvents streams events whose kind starts with namespace to fn until
// ctx ends, the daemon closes the stream or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(EventView) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(MethodWatchEvents))
	if err != nil {
		return fromStatus(err)
	}
	in, err := encode(WatchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fromStatus(err)
		}
		var evt EventView
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
