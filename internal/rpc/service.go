// Package rpc exposes the engine to local clients over gRPC. Messages are
// google.protobuf.Struct values shaped by the request and view types in this
// package.
package rpc

import (
	"context"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Service implements the chatsync.v1.Sync gRPC service.
type Service struct {
	engine  *engine.Engine
	bus     *bus.Bus
	profile string
	logger  *zap.Logger
}

// NewService creates the service for one profile's engine.
func NewService(e *engine.Engine, profile string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: e, bus: e.Bus(), profile: profile, logger: logger}
}

// Profile returns the profile the service serves.
func (s *Service) Profile() string { return s.profile }

// Register adds the service to a gRPC server.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Service) send(ctx context.Context, req *SendRequest) (any, error) {
	m, err := s.engine.Send(ctx, req.ChatID, req.Text)
	if err != nil {
		return nil, err
	}
	return MessageResponse{Message: messageView(&m)}, nil
}

func (s *Service) sendMedia(ctx context.Context, req *SendMediaRequest) (any, error) {
	m, err := s.engine.SendMedia(ctx, req.ChatID, req.Path, req.Caption, req.MimeType)
	if err != nil {
		return nil, err
	}
	return MessageResponse{Message: messageView(&m)}, nil
}

func (s *Service) retry(ctx context.Context, req *MessageRequest) (any, error) {
	m, err := s.engine.Retry(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	return MessageResponse{Message: messageView(&m)}, nil
}

func (s *Service) markRead(ctx context.Context, req *ChatRequest) (any, error) {
	res, err := s.engine.MarkRead(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return ReadResponse{Promoted: res.Promoted, Unread: res.Unread}, nil
}

func (s *Service) drain(ctx context.Context, _ *Empty) (any, error) {
	res, ran, err := s.engine.DrainQueue(ctx)
	if err != nil {
		return nil, err
	}
	return DrainResponse{Ran: ran, Delivered: res.Delivered, Failed: res.Failed, Remaining: res.Remaining}, nil
}

func (s *Service) openChat(ctx context.Context, req *ChatRequest) (any, error) {
	plan, err := s.engine.OpenChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return planResponse(plan), nil
}

func (s *Service) closeChat(_ context.Context, req *ChatRequest) (any, error) {
	return Empty{}, s.engine.CloseChat(req.ChatID)
}

func (s *Service) loadOlder(ctx context.Context, req *ChatRequest) (any, error) {
	n, err := s.engine.LoadOlder(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return LoadResponse{Loaded: n}, nil
}

func (s *Service) loadNewer(ctx context.Context, req *ChatRequest) (any, error) {
	n, err := s.engine.LoadNewer(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return LoadResponse{Loaded: n}, nil
}

func (s *Service) createChat(ctx context.Context, req *CreateChatRequest) (any, error) {
	c, err := s.engine.CreateChat(ctx, store.Chat{
		ID:           req.ID,
		Type:         store.ChatType(req.Type),
		Participants: req.Participants,
		Name:         req.Name,
		Description:  req.Description,
	})
	if err != nil {
		return nil, err
	}
	return ChatResponse{Chat: chatView(&c)}, nil
}

func (s *Service) listChats(_ context.Context, _ *Empty) (any, error) {
	chats := s.engine.Chats()
	out := ChatsResponse{Chats: make([]ChatView, 0, len(chats))}
	for i := range chats {
		out.Chats = append(out.Chats, chatView(&chats[i]))
	}
	return out, nil
}

func (s *Service) listMessages(_ context.Context, req *ChatRequest) (any, error) {
	msgs := s.engine.Messages(req.ChatID)
	out := MessagesResponse{Messages: make([]MessageView, 0, len(msgs))}
	for i := range msgs {
		out.Messages = append(out.Messages, messageView(&msgs[i]))
	}
	return out, nil
}

func (s *Service) react(ctx context.Context, req *ReactRequest) (any, error) {
	m, err := s.engine.React(ctx, req.MessageID, req.Symbol)
	if err != nil {
		return nil, err
	}
	return MessageResponse{Message: messageView(&m)}, nil
}

func (s *Service) deleteMessage(ctx context.Context, req *DeleteRequest) (any, error) {
	if req.ForEveryone {
		return Empty{}, s.engine.DeleteForEveryone(ctx, req.MessageID)
	}
	_, err := s.engine.DeleteForMe(ctx, req.MessageID)
	return Empty{}, err
}

func (s *Service) search(ctx context.Context, req *SearchRequest) (any, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	res, err := s.engine.Search(ctx, req.Query, req.ChatID, limit)
	if err != nil {
		return nil, err
	}
	out := SearchResponse{Results: make([]SearchResultView, 0, len(res))}
	for i := range res {
		out.Results = append(out.Results, SearchResultView{Message: messageView(&res[i].Message), Snippet: res[i].Snippet})
	}
	return out, nil
}

func (s *Service) saveScroll(ctx context.Context, req *ScrollRequest) (any, error) {
	return Empty{}, s.engine.SaveScroll(ctx, store.ScrollPosition{
		ChatID:            req.ChatID,
		LastReadMessageID: req.LastReadMessageID,
		AnchorMessageID:   req.AnchorMessageID,
		AnchorOffset:      req.AnchorOffset,
	})
}

func (s *Service) scroll(ctx context.Context, req *ChatRequest) (any, error) {
	p, err := s.engine.Scroll(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return ScrollResponse{}, nil
	}
	return ScrollResponse{
		Found:             true,
		LastReadMessageID: p.LastReadMessageID,
		AnchorMessageID:   p.AnchorMessageID,
		AnchorOffset:      p.AnchorOffset,
	}, nil
}

func (s *Service) status(ctx context.Context, _ *Empty) (any, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse(s.profile, st), nil
}

func (s *Service) setOnline(_ context.Context, req *SetOnlineRequest) (any, error) {
	return Empty{}, s.engine.SetOnline(req.Online)
}

// watchEvents streams bus events until the client goes away.
func (s *Service) watchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := encode(EventView{
				EventID:          uuid.New().String(),
				Profile:          s.profile,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             string(evt.Kind),
				PayloadVersion:   1,
				Payload:          eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", string(evt.Kind)), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
