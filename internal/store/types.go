package store

import (
	"maps"
	"slices"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/status"
)

// Media is the payload of a non-text message. LocalPath is the on-device
// source file and never leaves the device.
type Media struct {
	URL          string
	ThumbnailURL string
	Caption      string
	MimeType     string
	LocalPath    string
}

// Reactions maps a reaction symbol to the users who reacted with it.
type Reactions map[string][]string

// Annotations hold device-local enrichment (translations, labels). They are
// never written to the remote store and survive remote overwrites.
type Annotations map[string]string

// Message is the canonical local message record.
type Message struct {
	ID       string
	ChatID   string
	SenderID string

	// Exactly one of Text and Media is set.
	Text  string
	Media *Media

	// Timestamp is the client-assigned sort key; ServerTimestamp is
	// informational.
	Timestamp       int64
	ServerTimestamp int64

	Status     status.Status
	SyncStatus status.Sync

	Reactions          Reactions
	DeletedFor         []string
	DeletedForEveryone bool
	DeletedAt          int64

	Annotations Annotations
	LastError   string
	UpdatedAt   int64
}

// Validate checks the payload and life-cycle fields of m.
func (m *Message) Validate() error {
	if m.ID == "" || m.ChatID == "" || m.SenderID == "" {
		return errs.InvalidArg("message needs id, chat and sender")
	}
	hasText := m.Text != ""
	hasMedia := m.Media != nil && (m.Media.URL != "" || m.Media.LocalPath != "")
	if hasText == hasMedia {
		return errs.ErrEmptyPayload
	}
	if !m.Status.Valid() {
		return errs.InvalidArg("unknown status " + string(m.Status))
	}
	if !m.SyncStatus.Valid() {
		return errs.InvalidArg("unknown sync status " + string(m.SyncStatus))
	}
	return nil
}

// IsMedia reports whether m carries a media payload.
func (m *Message) IsMedia() bool { return m.Media != nil }

// Preview is the text shown in a chat summary.
func (m *Message) Preview() string {
	switch {
	case m.DeletedForEveryone:
		return ""
	case m.Media != nil && m.Media.Caption != "":
		return m.Media.Caption
	case m.Media != nil:
		return "[media]"
	}
	return m.Text
}

// HiddenFor reports whether userID deleted m for themselves.
func (m *Message) HiddenFor(userID string) bool {
	return slices.Contains(m.DeletedFor, userID)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.Reactions != nil {
		r := make(Reactions, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = slices.Clone(v)
		}
		m.Reactions = r
	}
	m.DeletedFor = slices.Clone(m.DeletedFor)
	m.Annotations = maps.Clone(m.Annotations)
	return m
}

// Summary is the denormalized last-message preview stored on a chat.
type Summary struct {
	MessageID string
	Text      string
	SenderID  string
	Status    status.Status
	Timestamp int64
}

// SummaryOf builds the chat summary for m.
func SummaryOf(m *Message) *Summary {
	return &Summary{
		MessageID: m.ID,
		Text:      m.Preview(),
		SenderID:  m.SenderID,
		Status:    m.Status,
		Timestamp: m.Timestamp,
	}
}

type ChatType string

const (
	Direct ChatType = "direct"
	Group  ChatType = "group"
)

// Chat is a conversation and its denormalized summary.
type Chat struct {
	ID           string
	Type         ChatType
	Participants []string
	Name         string
	Description  string
	IconURL      string
	AdminID      string
	InviteCode   string
	LastMessage  *Summary
	UnreadCount  int
	UpdatedAt    int64
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// LastMessageAt is the sort key of the chat list.
func (c *Chat) LastMessageAt() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}

// Clone returns a deep copy of c.
func (c Chat) Clone() Chat {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		s := *c.LastMessage
		c.LastMessage = &s
	}
	return c
}

// ScrollPosition is the per-chat reading position.
type ScrollPosition struct {
	ChatID            string
	LastReadMessageID string
	AnchorMessageID   string
	AnchorOffset      int
	UpdatedAt         int64
}

// QueueMarker is the outbound bookkeeping row for a message awaiting delivery.
type QueueMarker struct {
	MessageID     string
	ChatID        string
	EnqueuedAt    int64
	Attempts      int
	InFlight      bool
	ManualRetry   bool
	LastAttemptAt int64
}

// SearchResult holds a matched message.
type SearchResult struct {
	Message Message
	Snippet string
}
