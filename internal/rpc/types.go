package rpc

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/store"
)

// Requests.

type SendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type SendMediaRequest struct {
	ChatID   string `json:"chat_id"`
	Path     string `json:"path"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type MessageRequest struct {
	MessageID string `json:"message_id"`
}

type ChatRequest struct {
	ChatID string `json:"chat_id"`
}

type CreateChatRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type,omitempty"`
	Participants []string `json:"participants"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
}

type ReactRequest struct {
	MessageID string `json:"message_id"`
	Symbol    string `json:"symbol"`
}

type DeleteRequest struct {
	MessageID   string `json:"message_id"`
	ForEveryone bool   `json:"for_everyone,omitempty"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ScrollRequest struct {
	ChatID            string `json:"chat_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	AnchorMessageID   string `json:"anchor_message_id,omitempty"`
	AnchorOffset      int    `json:"anchor_offset,omitempty"`
}

type SetOnlineRequest struct {
	Online bool `json:"online"`
}

type WatchRequest struct {
	// Namespace is a kind prefix such as "message." or "chat."; empty
	// watches everything.
	Namespace string `json:"namespace,omitempty"`
}

type Empty struct{}

// Views.

type MediaView struct {
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Caption      string `json:"caption,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
}

type MessageView struct {
	ID          string              `json:"id"`
	ChatID      string              `json:"chat_id"`
	SenderID    string              `json:"sender_id"`
	Text        string              `json:"text,omitempty"`
	Media       *MediaView          `json:"media,omitempty"`
	Timestamp   int64               `json:"timestamp"`
	Status      string              `json:"status"`
	SyncStatus  string              `json:"sync_status"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	DeletedFor  []string            `json:"deleted_for,omitempty"`
	Annotations map[string]string   `json:"annotations,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
}

type SummaryView struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type ChatView struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Participants []string     `json:"participants"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	AdminID      string       `json:"admin_id,omitempty"`
	LastMessage  *SummaryView `json:"last_message,omitempty"`
	Unread       int          `json:"unread"`
	UpdatedAt    int64        `json:"updated_at"`
}

type MessageResponse struct {
	Message MessageView `json:"message"`
}

type MessagesResponse struct {
	Messages []MessageView `json:"messages"`
}

type ChatResponse struct {
	Chat ChatView `json:"chat"`
}

type ChatsResponse struct {
	Chats []ChatView `json:"chats"`
}

type ReadResponse struct {
	Promoted int `json:"promoted"`
	Unread   int `json:"unread"`
}

type DrainResponse struct {
	Ran       bool `json:"ran"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
}

type TierView struct {
	Count   int   `json:"count"`
	DelayMs int64 `json:"delay_ms"`
}

type PlanResponse struct {
	Strategy string     `json:"strategy"`
	Tiers    []TierView `json:"tiers"`
	Total    int        `json:"total"`
}

type LoadResponse struct {
	Loaded int `json:"loaded"`
}

type SearchResultView struct {
	Message MessageView `json:"message"`
	Snippet string      `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchResultView `json:"results"`
}

type ScrollResponse struct {
	Found             bool   `json:"found"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	AnchorMessageID   string `json:"anchor_message_id,omitempty"`
	AnchorOffset      int    `json:"anchor_offset,omitempty"`
}

type StatusResponse struct {
	Profile       string   `json:"profile"`
	Viewer        string   `json:"viewer"`
	Online        bool     `json:"online"`
	Draining      bool     `json:"draining"`
	Pending       int      `json:"pending"`
	Failed        int      `json:"failed"`
	Chats         int      `json:"chats"`
	Messages      int      `json:"messages"`
	SchemaVersion uint     `json:"schema_version"`
	Unpersisted   int      `json:"unpersisted"`
	OpenChats     []string `json:"open_chats,omitempty"`
	EnrichDropped uint64   `json:"enrich_dropped"`
}

// EventView is one bus event on the watch stream.
type EventView struct {
	EventID          string `json:"event_id"`
	Profile          string `json:"profile"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Kind             string `json:"kind"`
	PayloadVersion   int    `json:"payload_version"`
	Payload          any    `json:"payload,omitempty"`
}

type HistoryPageView struct {
	ChatID string `json:"chat_id"`
	Tier   int    `json:"tier"`
	Count  int    `json:"count"`
}

func messageView(m *store.Message) MessageView {
	v := MessageView{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Text:        m.Text,
		Timestamp:   m.Timestamp,
		Status:      string(m.Status),
		SyncStatus:  string(m.SyncStatus),
		Reactions:   m.Reactions,
		DeletedFor:  m.DeletedFor,
		Annotations: m.Annotations,
		LastError:   m.LastError,
	}
	if m.Media != nil {
		v.Media = &MediaView{
			URL:          m.Media.URL,
			ThumbnailURL: m.Media.ThumbnailURL,
			Caption:      m.Media.Caption,
			MimeType:     m.Media.MimeType,
			LocalPath:    m.Media.LocalPath,
		}
	}
	return v
}

func chatView(c *store.Chat) ChatView {
	v := ChatView{
		ID:           c.ID,
		Type:         string(c.Type),
		Participants: c.Participants,
		Name:         c.Name,
		Description:  c.Description,
		AdminID:      c.AdminID,
		Unread:       c.UnreadCount,
		UpdatedAt:    c.UpdatedAt,
	}
	if s := c.LastMessage; s != nil {
		v.LastMessage = &SummaryView{
			MessageID: s.MessageID,
			Text:      s.Text,
			SenderID:  s.SenderID,
			Status:    string(s.Status),
			Timestamp: s.Timestamp,
		}
	}
	return v
}

func planResponse(p history.Plan) PlanResponse {
	r := PlanResponse{Strategy: string(p.Strategy), Total: p.Total()}
	for _, t := range p.Tiers {
		r.Tiers = append(r.Tiers, TierView{Count: t.Count, DelayMs: t.Delay.Milliseconds()})
	}
	return r
}

func statusResponse(profile string, st engine.Status) StatusResponse {
	return StatusResponse{
		Profile:       profile,
		Viewer:        st.Viewer,
		Online:        st.Online,
		Draining:      st.Draining,
		Pending:       st.Pending,
		Failed:        st.Failed,
		Chats:         st.Chats,
		Messages:      st.Messages,
		SchemaVersion: st.SchemaVersion,
		Unpersisted:   st.Unpersisted,
		OpenChats:     st.OpenChats,
		EnrichDropped: st.EnrichDropped,
	}
}

// eventPayload converts a bus payload to its wire view.
func eventPayload(p any) any {
	switch v := p.(type) {
	case store.Message:
		return messageView(&v)
	case store.Chat:
		return chatView(&v)
	case bus.DrainResult:
		return DrainResponse{Ran: true, Delivered: v.Delivered, Failed: v.Failed, Remaining: v.Remaining}
	case bus.HistoryPage:
		return HistoryPageView{ChatID: v.ChatID, Tier: v.Tier, Count: v.Count}
	case string, bool, int:
		return v
	default:
		return nil
	}
}
