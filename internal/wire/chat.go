package wire

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// SummaryDoc is the remote shape of a chat's last-message summary.
type SummaryDoc struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ChatDoc is the remote shape of a chat. Unread holds one counter per
// participant.
type ChatDoc struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Participants []string         `json:"participants"`
	Name         string           `json:"name,omitempty"`
	Description  string           `json:"description,omitempty"`
	IconURL      string           `json:"icon_url,omitempty"`
	AdminID      string           `json:"admin_id,omitempty"`
	InviteCode   string           `json:"invite_code,omitempty"`
	LastMessage  *SummaryDoc      `json:"last_message,omitempty"`
	Unread       map[string]int64 `json:"unread,omitempty"`
	UpdatedAt    int64            `json:"updated_at"`

	// Revision is the remote document revision the doc was decoded from.
	Revision uint64 `json:"-"`
}

// EncodeChat builds the remote fields of a chat's metadata. Unread counters
// are left alone; they only change through counter increments.
func EncodeChat(c *store.Chat) map[string]any {
	f := map[string]any{
		"id":           c.ID,
		"type":         string(c.Type),
		"participants": append([]string{}, c.Participants...),
		"name":         c.Name,
		"description":  c.Description,
		"icon_url":     c.IconURL,
		"admin_id":     c.AdminID,
		"invite_code":  c.InviteCode,
		"updated_at":   c.UpdatedAt,
	}
	if c.LastMessage != nil {
		f["last_message"] = encodeSummary(c.LastMessage)
	}
	return f
}

// SummaryFields is the patch replacing a chat's last-message summary.
func SummaryFields(s *store.Summary, updatedAt int64) map[string]any {
	return map[string]any{
		"last_message": encodeSummary(s),
		"updated_at":   updatedAt,
	}
}

// SummaryStatusFields is the patch moving only the summary status.
func SummaryStatusFields(st status.Status) map[string]any {
	return map[string]any{"last_message.status": string(st)}
}

func encodeSummary(s *store.Summary) SummaryDoc {
	return SummaryDoc{
		MessageID: s.MessageID,
		Text:      s.Text,
		SenderID:  s.SenderID,
		Status:    string(s.Status),
		Timestamp: s.Timestamp,
	}
}

// DecodeChat validates a remote chat document.
func DecodeChat(doc remote.Document) (ChatDoc, error) {
	var d ChatDoc
	if err := doc.Decode(&d); err != nil {
		return ChatDoc{}, fmt.Errorf("decode chat %s: %w", doc.ID, err)
	}
	if d.ID == "" {
		d.ID = doc.ID
	}
	if d.ID != doc.ID {
		return ChatDoc{}, fmt.Errorf("chat %s: body does not match key", doc.ID)
	}
	switch store.ChatType(d.Type) {
	case "":
		d.Type = string(store.Direct)
	case store.Direct, store.Group:
	default:
		return ChatDoc{}, fmt.Errorf("chat %s: unknown type %q", doc.ID, d.Type)
	}
	if d.LastMessage != nil && d.LastMessage.MessageID != "" {
		if _, err := validStatus(d.LastMessage.Status); err != nil {
			return ChatDoc{}, fmt.Errorf("chat %s summary: %w", doc.ID, err)
		}
	}
	d.Revision = doc.Revision
	return d, nil
}

// Chat converts the document to the local record as seen by viewer.
func (d ChatDoc) Chat(viewer string) store.Chat {
	c := store.Chat{
		ID:           d.ID,
		Type:         store.ChatType(d.Type),
		Participants: append([]string(nil), d.Participants...),
		Name:         d.Name,
		Description:  d.Description,
		IconURL:      d.IconURL,
		AdminID:      d.AdminID,
		InviteCode:   d.InviteCode,
		UnreadCount:  int(max(d.Unread[viewer], 0)),
		UpdatedAt:    d.UpdatedAt,
	}
	if s := d.LastMessage; s != nil && s.MessageID != "" {
		c.LastMessage = &store.Summary{
			MessageID: s.MessageID,
			Text:      s.Text,
			SenderID:  s.SenderID,
			Status:    status.Status(s.Status),
			Timestamp: s.Timestamp,
		}
	}
	return c
}
