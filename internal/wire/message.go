package wire

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// MediaDoc is the remote shape of a media payload.
type MediaDoc struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Caption      string `json:"caption,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
}

// MessageDoc is the remote shape of a message.
type MessageDoc struct {
	ID                 string              `json:"id"`
	ChatID             string              `json:"chat_id"`
	SenderID           string              `json:"sender_id"`
	Text               string              `json:"text,omitempty"`
	Media              *MediaDoc           `json:"media,omitempty"`
	Timestamp          int64               `json:"timestamp"`
	ServerTimestamp    int64               `json:"server_timestamp,omitempty"`
	Status             string              `json:"status"`
	Reactions          map[string][]string `json:"reactions,omitempty"`
	DeletedFor         []string            `json:"deleted_for,omitempty"`
	DeletedForEveryone bool                `json:"deleted_for_everyone,omitempty"`
	DeletedAt          int64               `json:"deleted_at,omitempty"`
}

// EncodeMessage builds the full remote field set of m. Every top-level key is
// present so a write replaces stale values.
func EncodeMessage(m *store.Message) map[string]any {
	f := map[string]any{
		"id":                   m.ID,
		"chat_id":              m.ChatID,
		"sender_id":            m.SenderID,
		"text":                 m.Text,
		"media":                nil,
		"timestamp":            m.Timestamp,
		"status":               string(m.Status),
		"reactions":            cloneReactions(m.Reactions),
		"deleted_for":          append([]string{}, m.DeletedFor...),
		"deleted_for_everyone": m.DeletedForEveryone,
		"deleted_at":           m.DeletedAt,
	}
	if m.Media != nil {
		f["media"] = MediaDoc{
			URL:          m.Media.URL,
			ThumbnailURL: m.Media.ThumbnailURL,
			Caption:      m.Media.Caption,
			MimeType:     m.Media.MimeType,
		}
	}
	return f
}

// StatusFields is the patch that moves a remote message to st.
func StatusFields(st status.Status) map[string]any {
	return map[string]any{"status": string(st)}
}

// ReactionFields is the patch replacing a message's reactions.
func ReactionFields(r store.Reactions) map[string]any {
	return map[string]any{"reactions": cloneReactions(r)}
}

// DeletedForFields is the patch replacing the users a message is hidden from.
func DeletedForFields(ids []string) map[string]any {
	return map[string]any{"deleted_for": append([]string{}, ids...)}
}

// DeleteForEveryoneFields is the patch that retracts a message for all
// participants. The payload is cleared with it.
func DeleteForEveryoneFields(at int64) map[string]any {
	return map[string]any{
		"deleted_for_everyone": true,
		"deleted_at":           at,
		"text":                 "",
		"media":                nil,
	}
}

// DecodeMessage validates a remote message document and converts it to a
// synced local record. The document modification time stands in for a
// missing server timestamp.
func DecodeMessage(doc remote.Document) (store.Message, error) {
	var d MessageDoc
	if err := doc.Decode(&d); err != nil {
		return store.Message{}, fmt.Errorf("decode message %s: %w", doc.ID, err)
	}
	chatID, msgID, ok := SplitMessageKey(doc.ID)
	if !ok {
		return store.Message{}, fmt.Errorf("malformed message key %q", doc.ID)
	}
	if d.ID == "" {
		d.ID = msgID
	}
	if d.ChatID == "" {
		d.ChatID = chatID
	}
	if d.ID != msgID || d.ChatID != chatID {
		return store.Message{}, fmt.Errorf("message %s: body does not match key", doc.ID)
	}
	if d.SenderID == "" {
		return store.Message{}, fmt.Errorf("message %s: missing sender", doc.ID)
	}
	st, err := validStatus(d.Status)
	if err != nil {
		return store.Message{}, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	hasMedia := d.Media != nil && d.Media.URL != ""
	if !d.DeletedForEveryone && (d.Text != "") == hasMedia {
		return store.Message{}, fmt.Errorf("message %s: needs exactly one of text and media", doc.ID)
	}

	m := store.Message{
		ID:                 d.ID,
		ChatID:             d.ChatID,
		SenderID:           d.SenderID,
		Text:               d.Text,
		Timestamp:          d.Timestamp,
		ServerTimestamp:    d.ServerTimestamp,
		Status:             st,
		SyncStatus:         status.Synced,
		Reactions:          store.Reactions(d.Reactions),
		DeletedFor:         d.DeletedFor,
		DeletedForEveryone: d.DeletedForEveryone,
		DeletedAt:          d.DeletedAt,
	}
	if d.Media != nil {
		m.Media = &store.Media{
			URL:          d.Media.URL,
			ThumbnailURL: d.Media.ThumbnailURL,
			Caption:      d.Media.Caption,
			MimeType:     d.Media.MimeType,
		}
	}
	if m.ServerTimestamp == 0 && !doc.Modified.IsZero() {
		m.ServerTimestamp = doc.Modified.UnixMilli()
	}
	if m.Timestamp == 0 {
		m.Timestamp = m.ServerTimestamp
	}
	return m, nil
}
